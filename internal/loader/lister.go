package loader

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/mesh-intelligence/gridcache/internal/cache"
	"github.com/mesh-intelligence/gridcache/pkg/types"
)

// Lister pages through a ranked listing of one table. Concurrent NextPage
// calls for the same cursor share one request.
type Lister struct {
	tableID string
	src     Source
	cache   *cache.Cache
	opts    Options

	group singleflight.Group

	mu      sync.Mutex
	req     types.ListRequest
	version uint64
	cursor  string
	done    bool
	ranked  []types.Record
	seen    map[string]bool
	total   int
	loaded  bool
}

// NewLister returns a Lister over tableID with no rules.
func NewLister(tableID string, src Source, c *cache.Cache, opts Options) *Lister {
	opts.withDefaults()
	return &Lister{
		tableID: tableID,
		src:     src,
		cache:   c,
		opts:    opts,
		req:     types.ListRequest{TableID: tableID, Limit: opts.PageSize},
		seen:    make(map[string]bool),
	}
}

// Reset discards the listing and starts over with new rules.
func (l *Lister) Reset(sort []types.SortRule, filter []types.FilterRule, query string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.req = types.ListRequest{
		TableID: l.tableID,
		Limit:   l.opts.PageSize,
		Sort:    slices.Clone(sort),
		Filter:  slices.Clone(filter),
		Query:   query,
	}
	l.version++
	l.cursor = ""
	l.done = false
	l.ranked = nil
	clear(l.seen)
	l.total = 0
	l.loaded = false
}

// Ranked reports whether the current rules reorder or filter rows.
func (l *Lister) Ranked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.req.Ranked()
}

// Rows returns the ranked rows loaded so far.
func (l *Lister) Rows() []types.Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.ranked)
}

// Len returns the number of ranked rows loaded so far.
func (l *Lister) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ranked)
}

// Total returns the size of the full listing, once a page has arrived.
func (l *Lister) Total() (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total, l.loaded
}

// Done reports whether every page has been fetched.
func (l *Lister) Done() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// Remove drops a row the server deleted. order is the row's position in
// the table when it was deleted. The resume point moves back one when the
// row came before it: a listed row in a ranked listing, or a row above the
// resume point in an unranked one.
func (l *Lister) Remove(rowID string, order int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := slices.IndexFunc(l.ranked, func(r types.Record) bool { return r.ID == rowID })
	if i >= 0 {
		l.ranked = slices.Delete(l.ranked, i, i+1)
		delete(l.seen, rowID)
	}
	if l.total > 0 && (i >= 0 || !l.req.Ranked()) {
		l.total--
	}
	before := i >= 0
	if !l.req.Ranked() {
		before = l.beforeCursorLocked(order)
	}
	if before {
		l.moveCursorLocked(-1)
	}
}

// Inserted accounts for a row the server placed at order. In an unranked
// listing a row above the resume point pushes it forward by one. A ranked
// listing cannot tell where the row ranks; a page that starts early repeats
// rows already listed, which NextPage drops.
func (l *Lister) Inserted(order int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.req.Ranked() {
		return
	}
	if l.loaded {
		l.total++
	}
	if l.beforeCursorLocked(order) {
		l.moveCursorLocked(1)
	}
}

// beforeCursorLocked reports whether order lies above the resume point.
// Cursors are decimal rank offsets.
func (l *Lister) beforeCursorLocked(order int) bool {
	if l.cursor == "" {
		return false
	}
	n, err := strconv.Atoi(l.cursor)
	return err == nil && order < n
}

func (l *Lister) moveCursorLocked(delta int) {
	if l.cursor == "" {
		return
	}
	n, err := strconv.Atoi(l.cursor)
	if err != nil {
		return
	}
	l.cursor = strconv.Itoa(max(0, n+delta))
}

// NextPage fetches the page after the last one received and returns the
// number of rows it added. It returns 0 once the listing is exhausted, when
// a concurrent caller already consumed the same page, or while a row insert
// or delete is in flight: the server's ranks move when it settles, so a page
// fetched across it may skip a row.
func (l *Lister) NextPage(ctx context.Context) (int, error) {
	gen, busy := l.cache.Generation()
	if busy {
		return 0, nil
	}
	l.mu.Lock()
	if l.done {
		l.mu.Unlock()
		return 0, nil
	}
	req := l.req
	req.Cursor = l.cursor
	version := l.version
	l.mu.Unlock()

	key := fmt.Sprintf("%d/%s", version, req.Cursor)
	v, err, shared := l.group.Do(key, func() (any, error) {
		began := l.opts.Now()
		page, err := l.src.ListRanked(ctx, req)
		l.opts.Metrics.Fetch("page", len(page.Rows), l.opts.Now().Sub(began), err)
		return page, err
	})
	if shared {
		l.opts.Metrics.Coalesced()
	}
	if err != nil {
		return 0, fmt.Errorf("listing page %q: %w", req.Cursor, err)
	}
	page := v.(types.Page)

	l.mu.Lock()
	if l.version != version || l.cursor != req.Cursor {
		l.mu.Unlock()
		return 0, nil
	}
	if cur, busy := l.cache.Generation(); cur != gen || busy {
		l.mu.Unlock()
		l.opts.Logger.Debug("rows moved while page was in flight, will refetch", "cursor", req.Cursor)
		return 0, nil
	}

	if !req.Ranked() {
		// Unranked pages are addressed by order. If the layout moved while
		// the page was in flight, keep the cursor and fetch it again.
		st := l.cache.Merge(cache.Batch{Rows: page.Rows, Cells: page.Cells, Gen: gen})
		if st.Skipped > 0 {
			l.mu.Unlock()
			l.opts.Logger.Debug("page layout stale, will refetch", "cursor", req.Cursor)
			return 0, nil
		}
	} else {
		l.cache.Merge(cache.Batch{Rows: page.Rows, Gen: gen})
		l.cache.MergeCells(page.Cells)
	}

	added := 0
	for _, row := range page.Rows {
		if l.seen[row.ID] {
			continue
		}
		l.seen[row.ID] = true
		l.ranked = append(l.ranked, row)
		added++
	}
	l.cursor = page.NextCursor
	l.done = page.NextCursor == ""
	l.total = page.TotalCount
	l.loaded = true
	l.mu.Unlock()

	if l.opts.OnMerged != nil {
		l.opts.OnMerged()
	}
	return added, nil
}
