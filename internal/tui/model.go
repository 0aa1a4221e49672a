// Package tui is a terminal grid viewer over a grid.View. It reports the
// visible rows as the cursor moves and redraws when the view changes.
package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mesh-intelligence/gridcache/internal/grid"
	"github.com/mesh-intelligence/gridcache/internal/ledger"
	"github.com/mesh-intelligence/gridcache/pkg/types"
)

const (
	defaultWidth  = 80
	defaultHeight = 24
)

// Model is the bubbletea model of the viewer.
type Model struct {
	ctx    context.Context
	view   *grid.View
	bridge *Bridge
	now    func() time.Time

	width, height int
	top           int
	row, col      int
	colOffset     int

	editing          bool
	editRow, editCol string
	input            string

	searching bool
	query     string
	match     int

	status string
	err    error
}

// New returns a model drawing v. b must be the listener v was opened with.
func New(ctx context.Context, v *grid.View, b *Bridge) *Model {
	return &Model{
		ctx:    ctx,
		view:   v,
		bridge: b,
		now:    time.Now,
		width:  defaultWidth,
		height: defaultHeight,
	}
}

// Run shows the viewer until the user quits or ctx ends.
func Run(ctx context.Context, v *grid.View, b *Bridge, in io.Reader, out io.Writer) error {
	p := tea.NewProgram(New(ctx, v, b),
		tea.WithContext(ctx),
		tea.WithInput(in),
		tea.WithOutput(out),
		tea.WithAltScreen(),
	)
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// Init reports the first screen of rows and starts listening to the view.
func (m *Model) Init() tea.Cmd {
	m.report()
	return m.bridge.next(m.ctx)
}

// Update handles keys, resizes and view notifications.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.scroll()
		return m, nil
	case tea.KeyMsg:
		switch {
		case m.editing:
			return m, m.updateEdit(msg)
		case m.searching:
			return m, m.updateSearch(msg)
		}
		return m, m.updateNav(msg)
	case changedMsg:
		m.clamp()
		return m, m.bridge.next(m.ctx)
	case restoreMsg:
		m.top = max(0, msg.anchor)
		m.report()
		return m, m.bridge.next(m.ctx)
	case scrollMsg:
		if msg.row >= 0 {
			m.row = msg.row
		}
		m.col = m.columnIndex(msg.column)
		m.scroll()
		return m, m.bridge.next(m.ctx)
	case errMsg:
		m.err = msg.err
		return m, m.bridge.next(m.ctx)
	case resultMsg:
		m.status, m.err = msg.status, msg.err
		return m, nil
	}
	return m, nil
}

// resultMsg carries the outcome of a command started by a key.
type resultMsg struct {
	status string
	err    error
}

func (m *Model) updateNav(msg tea.KeyMsg) tea.Cmd {
	page := m.pageRows()
	switch msg.String() {
	case "q", "ctrl+c":
		return tea.Quit
	case "up", "k":
		m.row--
	case "down", "j":
		m.row++
	case "left", "h":
		m.col--
	case "right", "l":
		m.col++
	case "pgup", "ctrl+b":
		m.row -= page
	case "pgdown", "ctrl+f", " ":
		m.row += page
	case "home", "g":
		m.row = 0
	case "end", "G":
		m.row = m.view.RowCount() - 1
	case "enter", "e":
		return m.beginEdit()
	case "/":
		m.searching, m.query = true, ""
		return nil
	case "n":
		return m.jump(m.match + 1)
	case "N":
		return m.jump(m.match - 1)
	case "s":
		m.cycleSort()
	case "a":
		return m.mutate(m.view.Mutations().CreateRow())
	case "o", "O", "d":
		rec, ok := m.current()
		if !ok {
			return nil
		}
		l := m.view.Mutations()
		switch msg.String() {
		case "o":
			return m.mutate(l.InsertRowBelow(rec.ID))
		case "O":
			return m.mutate(l.InsertRowAbove(rec.ID))
		default:
			return m.mutate(l.DeleteRow(rec.ID))
		}
	default:
		return nil
	}
	m.scroll()
	return nil
}

func (m *Model) updateEdit(msg tea.KeyMsg) tea.Cmd {
	switch msg.Type {
	case tea.KeyEsc:
		m.view.CancelDraft(m.editRow, m.editCol)
		m.editing = false
		return nil
	case tea.KeyEnter:
		m.editing = false
		rowID, colID := m.editRow, m.editCol
		return func() tea.Msg {
			if err := m.view.CommitDraft(m.ctx, rowID, colID); err != nil {
				return resultMsg{err: err}
			}
			return resultMsg{status: "saved"}
		}
	case tea.KeyBackspace:
		if r := []rune(m.input); len(r) > 0 {
			m.input = string(r[:len(r)-1])
		}
	case tea.KeyRunes:
		m.input += string(msg.Runes)
	case tea.KeySpace:
		m.input += " "
	default:
		return nil
	}
	if err := m.view.SetCellDraft(m.editRow, m.editCol, m.input); err != nil {
		m.err = err
	}
	return nil
}

func (m *Model) updateSearch(msg tea.KeyMsg) tea.Cmd {
	switch msg.Type {
	case tea.KeyEsc:
		m.searching = false
	case tea.KeyEnter:
		m.searching = false
		return m.jump(0)
	case tea.KeyBackspace:
		if r := []rune(m.query); len(r) > 0 {
			m.query = string(r[:len(r)-1])
		}
	case tea.KeyRunes:
		m.query += string(msg.Runes)
	case tea.KeySpace:
		m.query += " "
	}
	return nil
}

func (m *Model) beginEdit() tea.Cmd {
	rec, ok := m.current()
	cols := m.view.Columns()
	if !ok || m.col >= len(cols) {
		return nil
	}
	col := cols[m.col]
	m.view.BeginEdit(rec.ID, col.ID)
	m.editing = true
	m.editRow, m.editCol = rec.ID, col.ID
	m.input = m.view.GetCellDisplayValue(rec.ID, col.ID)
	return nil
}

func (m *Model) jump(n int) tea.Cmd {
	if strings.TrimSpace(m.query) == "" {
		return nil
	}
	m.match = n
	query := m.query
	return func() tea.Msg {
		hit, err := m.view.JumpToMatch(m.ctx, query, n)
		if err != nil {
			return resultMsg{err: err}
		}
		if hit.Type == types.HitField {
			return resultMsg{status: fmt.Sprintf("%q matches a column name", query)}
		}
		return resultMsg{status: fmt.Sprintf("%q: match %d at row %d", query, n+1, hit.RowOrder)}
	}
}

func (m *Model) mutate(mu *ledger.Mutation) tea.Cmd {
	return func() tea.Msg {
		if err := mu.Wait(m.ctx); err != nil {
			return resultMsg{err: err}
		}
		return resultMsg{status: string(mu.Op)}
	}
}

// cycleSort moves the current column through ascending, descending and
// unsorted.
func (m *Model) cycleSort() {
	cols := m.view.Columns()
	if m.col >= len(cols) {
		return
	}
	id := cols[m.col].ID
	sorts, filters, _ := m.view.Rules()
	i := slices.IndexFunc(sorts, func(r types.SortRule) bool { return r.ColumnID == id })
	switch {
	case i < 0:
		sorts = []types.SortRule{{ColumnID: id, Direction: types.SortAsc}}
	case sorts[i].Direction == types.SortAsc:
		sorts = []types.SortRule{{ColumnID: id, Direction: types.SortDesc}}
	default:
		sorts = nil
	}
	m.view.SetRules(sorts, filters)
	m.row, m.top = 0, 0
}

func (m *Model) current() (types.Record, bool) {
	rec, state := m.view.GetRowAt(m.row)
	return rec, state != grid.Placeholder
}

func (m *Model) columnIndex(order int) int {
	for i, c := range m.view.Columns() {
		if c.Order == order {
			return i
		}
	}
	return m.col
}

func (m *Model) pageRows() int {
	return max(1, m.height-2)
}

func (m *Model) clamp() {
	m.row = min(max(m.row, 0), max(m.view.RowCount()-1, 0))
	m.col = min(max(m.col, 0), max(len(m.view.Columns())-1, 0))
}

// scroll keeps the cursor on screen and reports the visible rows.
func (m *Model) scroll() {
	m.clamp()
	page := m.pageRows()
	if m.row < m.top {
		m.top = m.row
	} else if m.row >= m.top+page {
		m.top = m.row - page + 1
	}
	if m.col < m.colOffset {
		m.colOffset = m.col
	}
	for m.colOffset < m.col && !m.fits(m.colOffset, m.col) {
		m.colOffset++
	}
	m.report()
}

func (m *Model) report() {
	m.view.ReportVisibleRange(m.top, m.top+m.pageRows()-1, m.now().UnixMilli())
}

// fits reports whether columns from..to fit the terminal width.
func (m *Model) fits(from, to int) bool {
	cols := m.view.Columns()
	used := gutterChars
	for i := from; i <= to && i < len(cols); i++ {
		used += columnChars(cols[i].Width) + 1
	}
	return used <= m.width
}

// View draws the header, the visible rows and a status line.
func (m *Model) View() string {
	cols := m.view.Columns()
	var shown []int
	used := gutterChars
	for i := m.colOffset; i < len(cols); i++ {
		w := columnChars(cols[i].Width) + 1
		if len(shown) > 0 && used+w > m.width {
			break
		}
		shown = append(shown, i)
		used += w
	}

	var b strings.Builder
	b.WriteString(gutterStyle.Render(fit("", gutterChars)))
	for _, i := range shown {
		b.WriteString(headerStyle.Render(fit(cols[i].Name, columnChars(cols[i].Width))) + " ")
	}
	b.WriteByte('\n')

	total := m.view.RowCount()
	for r := m.top; r < m.top+m.pageRows() && r < total; r++ {
		rec, state := m.view.GetRowAt(r)
		b.WriteString(gutterStyle.Render(fit(fmt.Sprint(r), gutterChars)))
		for _, i := range shown {
			w := columnChars(cols[i].Width)
			text := "·"
			style := placeholderStyle
			if state != grid.Placeholder {
				text = m.view.GetCellDisplayValue(rec.ID, cols[i].ID)
				style = cellStyle
				if state == grid.Optimistic || cols[i].Pending {
					style = optimisticStyle
				}
			}
			switch {
			case m.editing && rec.ID == m.editRow && cols[i].ID == m.editCol:
				text, style = m.input+"_", editingStyle
			case r == m.row && i == m.col:
				style = selectedStyle
			}
			b.WriteString(style.Render(fit(text, w)) + " ")
		}
		b.WriteByte('\n')
	}
	b.WriteString(m.statusLine(total))
	return b.String()
}

func (m *Model) statusLine(total int) string {
	if m.searching {
		return "/" + m.query + "_"
	}
	st := m.view.Stats()
	line := fmt.Sprintf("%s  row %d/%d  %s  cached %d  loading %d  drafts %d  pending %d",
		m.view.Table().Name, min(m.row+1, total), total, st.Mode, st.Cached, st.InFlight, st.Drafts, st.Pending)
	if st.Approximate {
		line += "  ~approximate"
	}
	if m.err != nil {
		return statusStyle.Render(line) + "  " + errorStyle.Render(m.err.Error())
	}
	if m.status != "" {
		line += "  " + m.status
	}
	return statusStyle.Render(line)
}
