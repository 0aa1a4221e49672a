package tui

import (
	"context"
	"sync/atomic"

	tea "github.com/charmbracelet/bubbletea"
)

// Messages delivered from the view's background goroutines.
type (
	changedMsg struct{}
	restoreMsg struct{ anchor int }
	scrollMsg  struct{ row, column int }
	errMsg     struct{ err error }
)

// Bridge is a grid.Listener that queues notifications for the program.
// Notifications never block; Changed is coalesced until the model handles
// it.
type Bridge struct {
	ch      chan tea.Msg
	changed atomic.Bool
}

// NewBridge returns a Bridge ready to be passed as grid.Options.Listener.
func NewBridge() *Bridge {
	return &Bridge{ch: make(chan tea.Msg, 64)}
}

func (b *Bridge) send(msg tea.Msg) bool {
	select {
	case b.ch <- msg:
		return true
	default:
		return false
	}
}

func (b *Bridge) Changed() {
	if b.changed.CompareAndSwap(false, true) && !b.send(changedMsg{}) {
		b.changed.Store(false)
	}
}

func (b *Bridge) RestoreViewport(anchor int) { b.send(restoreMsg{anchor: anchor}) }

func (b *Bridge) ScrollTo(row, column int) { b.send(scrollMsg{row: row, column: column}) }

func (b *Bridge) Error(err error) { b.send(errMsg{err: err}) }

// next waits for one queued notification.
func (b *Bridge) next(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		select {
		case msg := <-b.ch:
			if _, ok := msg.(changedMsg); ok {
				b.changed.Store(false)
			}
			return msg
		case <-ctx.Done():
			return nil
		}
	}
}
