package grid

// Listener receives notifications from a View. Methods may be called from
// background goroutines and must not block.
type Listener interface {
	// Changed reports that rows, cells, columns or the row count changed.
	Changed()
	// RestoreViewport asks the renderer to scroll back to anchor after a
	// load that replaced the rows around it.
	RestoreViewport(anchor int)
	// ScrollTo asks the renderer to bring (row, column) into view. A row of
	// -1 means a column header.
	ScrollTo(row, column int)
	// Error reports failures the user should see: rolled back mutations,
	// draft writes that ran out of retries, loads that kept failing.
	Error(err error)
}

// Funcs adapts plain functions to Listener. Nil fields are ignored.
type Funcs struct {
	OnChanged  func()
	OnRestore  func(anchor int)
	OnScrollTo func(row, column int)
	OnError    func(err error)
}

func (f Funcs) Changed() {
	if f.OnChanged != nil {
		f.OnChanged()
	}
}

func (f Funcs) RestoreViewport(anchor int) {
	if f.OnRestore != nil {
		f.OnRestore(anchor)
	}
}

func (f Funcs) ScrollTo(row, column int) {
	if f.OnScrollTo != nil {
		f.OnScrollTo(row, column)
	}
}

func (f Funcs) Error(err error) {
	if f.OnError != nil {
		f.OnError(err)
	}
}
