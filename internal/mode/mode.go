// Package mode decides, per table view, whether rows are fetched as ranked
// pages (listing) or as arbitrary order windows (sparse).
// See docs/ARCHITECTURE.md § Mode Selector.
package mode

import (
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/mesh-intelligence/gridcache/internal/metrics"
	"github.com/mesh-intelligence/gridcache/pkg/types"
)

// Mode is a fetch strategy.
type Mode int

// Modes.
const (
	Sparse Mode = iota
	Listing
)

func (m Mode) String() string {
	if m == Listing {
		return "listing"
	}
	return "sparse"
}

// DefaultSmallTableThreshold is the row count at or below which a table is
// always listed.
const DefaultSmallTableThreshold = 1000

// Inputs are the facts the selector decides on.
type Inputs struct {
	RowCount int
	Sort     []types.SortRule
	Filter   []types.FilterRule
	Query    string
}

// Ranked reports whether any sort rule, filter rule or query is active.
func (in Inputs) Ranked() bool {
	return len(in.Sort) > 0 || len(in.Filter) > 0 || strings.TrimSpace(in.Query) != ""
}

func (in Inputs) sameRules(o Inputs) bool {
	return slices.Equal(in.Sort, o.Sort) && slices.Equal(in.Filter, o.Filter) &&
		strings.TrimSpace(in.Query) == strings.TrimSpace(o.Query)
}

// Choose returns the mode for in.
func Choose(in Inputs, threshold int) Mode {
	if in.RowCount <= threshold || in.Ranked() {
		return Listing
	}
	return Sparse
}

// Transition describes the effect of an Update.
type Transition struct {
	From, To Mode
	// Switched is set when the mode changed.
	Switched bool
	// RulesChanged is set when sort, filter or query changed.
	RulesChanged bool
}

// Selector holds the current mode of one table view.
type Selector struct {
	threshold int
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu      sync.Mutex
	current Mode
	inputs  Inputs
	started bool
}

// NewSelector returns a Selector. A threshold of zero uses
// DefaultSmallTableThreshold; a negative threshold never lists by size.
func NewSelector(threshold int, logger *slog.Logger, m *metrics.Metrics) *Selector {
	if threshold == 0 {
		threshold = DefaultSmallTableThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{threshold: threshold, logger: logger, metrics: m}
}

// Update applies new inputs. The first call always reports a switch so the
// caller can initialize the chosen strategy.
func (s *Selector) Update(in Inputs) Transition {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := Choose(in, s.threshold)
	t := Transition{
		From:         s.current,
		To:           next,
		Switched:     !s.started || next != s.current,
		RulesChanged: !s.started || !in.sameRules(s.inputs),
	}
	s.current = next
	s.inputs = Inputs{
		RowCount: in.RowCount,
		Sort:     slices.Clone(in.Sort),
		Filter:   slices.Clone(in.Filter),
		Query:    in.Query,
	}
	s.started = true

	if t.Switched {
		s.logger.Info("grid mode selected", "from", t.From.String(), "to", t.To.String(),
			"rows", in.RowCount, "ranked", in.Ranked())
		s.metrics.ModeSwitch(next.String())
	}
	return t
}

// Mode returns the current mode.
func (s *Selector) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Inputs returns the inputs of the last Update.
func (s *Selector) Inputs() Inputs {
	s.mu.Lock()
	defer s.mu.Unlock()
	in := s.inputs
	in.Sort = slices.Clone(in.Sort)
	in.Filter = slices.Clone(in.Filter)
	return in
}
