// Package prefetch turns reported viewport positions into a load plan: the
// visible gaps to fetch now and a wider belt, biased toward the scroll
// direction, to fetch shortly after.
// See docs/ARCHITECTURE.md § Prefetch.
package prefetch

import (
	"math"
	"sync"
	"time"

	"github.com/mesh-intelligence/gridcache/internal/mode"
	"github.com/mesh-intelligence/gridcache/pkg/types"
)

// Direction is the sign of the last scroll movement.
type Direction int

// Directions.
const (
	Still Direction = iota
	Down
	Up
)

func (d Direction) String() string {
	switch d {
	case Down:
		return "down"
	case Up:
		return "up"
	default:
		return "still"
	}
}

// Defaults for Options fields left zero.
const (
	DefaultMultiplier        = 3.0
	DefaultVelocityThreshold = 1.0 // rows per millisecond
	DefaultFastDelay         = 50 * time.Millisecond
	DefaultSlowDelay         = 200 * time.Millisecond
	DefaultMaxWindow         = 500
	DefaultSmoothing         = 0.3
)

// Options tunes a Controller.
type Options struct {
	// Multiplier scales the viewport height into the extended belt.
	Multiplier float64
	// VelocityThreshold separates slow from fast scrolling, in rows/ms.
	VelocityThreshold float64
	FastDelay         time.Duration
	SlowDelay         time.Duration
	MaxWindow         int
	// Smoothing is the weight of the newest sample in the velocity average.
	Smoothing float64
}

func (o *Options) withDefaults() {
	if o.Multiplier <= 0 {
		o.Multiplier = DefaultMultiplier
	}
	if o.VelocityThreshold <= 0 {
		o.VelocityThreshold = DefaultVelocityThreshold
	}
	if o.FastDelay <= 0 {
		o.FastDelay = DefaultFastDelay
	}
	if o.SlowDelay <= 0 {
		o.SlowDelay = DefaultSlowDelay
	}
	if o.MaxWindow <= 0 {
		o.MaxWindow = DefaultMaxWindow
	}
	if o.Smoothing <= 0 || o.Smoothing > 1 {
		o.Smoothing = DefaultSmoothing
	}
}

// Plan is what to load for one viewport report.
type Plan struct {
	// Visible is the reported window clamped to the table and capped.
	Visible types.Range
	// Viewport holds the unloaded parts of the visible window. Load now.
	Viewport []types.Range
	// Window is the visible window plus the belt, clamped and capped.
	Window types.Range
	// Extended holds the unloaded parts of Window outside the viewport.
	// Load after Delay.
	Extended []types.Range
	Delay    time.Duration
	// NextPage asks for the next ranked page (listing mode).
	NextPage bool
}

// Empty reports whether the plan requests nothing.
func (p Plan) Empty() bool {
	return len(p.Viewport) == 0 && len(p.Extended) == 0 && !p.NextPage
}

// Controller tracks scroll velocity for one view.
type Controller struct {
	opts Options

	mu        sync.Mutex
	has       bool
	lastFirst int
	lastAt    int64
	velocity  float64
	dir       Direction
}

// New returns a Controller.
func New(opts Options) *Controller {
	opts.withDefaults()
	return &Controller{opts: opts}
}

// Observe records a viewport sample taken at atMs (milliseconds).
func (c *Controller) Observe(first, last int, atMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.has {
		c.has, c.lastFirst, c.lastAt = true, first, atMs
		return
	}
	dt := atMs - c.lastAt
	if dt <= 0 {
		// Same-instant reports carry no timing information.
		c.lastFirst = first
		return
	}
	delta := first - c.lastFirst
	inst := math.Abs(float64(delta)) / float64(dt)
	a := c.opts.Smoothing
	c.velocity = a*inst + (1-a)*c.velocity
	switch {
	case delta > 0:
		c.dir = Down
	case delta < 0:
		c.dir = Up
	}
	c.lastFirst, c.lastAt = first, atMs
}

// Velocity returns the smoothed speed in rows/ms and the last direction.
func (c *Controller) Velocity() (float64, Direction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.velocity, c.dir
}

// Fast reports whether scrolling is above the velocity threshold.
func (c *Controller) Fast() bool {
	v, _ := c.Velocity()
	return v >= c.opts.VelocityThreshold
}

// Plan computes the loads for the visible window. missing reports the
// unloaded runs of a range. In listing mode, loaded is the number of ranked
// rows held and done reports whether the listing is exhausted.
func (c *Controller) Plan(visible types.Range, total int, m mode.Mode, missing func(types.Range) []types.Range, loaded int, done bool) Plan {
	if m == mode.Listing {
		height := max(visible.Len(), 1)
		return Plan{NextPage: !done && visible.End >= loaded-height}
	}

	vis, ok := visible.Clamp(0, total-1)
	if !ok {
		return Plan{}
	}
	if vis.Len() > c.opts.MaxWindow {
		vis.End = vis.Start + c.opts.MaxWindow - 1
	}

	v, dir := c.Velocity()
	fast := v >= c.opts.VelocityThreshold
	belt := int(math.Ceil(float64(vis.Len()) * c.opts.Multiplier))
	behind, ahead := belt, belt
	if fast {
		// Read ahead: most of the budget goes in the scroll direction.
		switch dir {
		case Down:
			behind, ahead = belt/4, 2*belt
		case Up:
			behind, ahead = 2*belt, belt/4
		}
	}
	win, _ := types.Range{Start: vis.Start - behind, End: vis.End + ahead}.Clamp(0, total-1)
	win = capWindow(win, vis, c.opts.MaxWindow, dir)

	p := Plan{Visible: vis, Viewport: missing(vis), Window: win, Delay: c.opts.SlowDelay}
	if fast {
		p.Delay = c.opts.FastDelay
	}
	for _, r := range missing(win) {
		p.Extended = append(p.Extended, subtract(r, vis)...)
	}
	return p
}

// capWindow shrinks win to at most limit orders, keeping vis and trimming the
// side away from the scroll direction first.
func capWindow(win, vis types.Range, limit int, dir Direction) types.Range {
	excess := win.Len() - limit
	if excess <= 0 {
		return win
	}
	trimStart := func() {
		n := min(excess, vis.Start-win.Start)
		win.Start += n
		excess -= n
	}
	trimEnd := func() {
		n := min(excess, win.End-vis.End)
		win.End -= n
		excess -= n
	}
	if dir == Up {
		trimEnd()
		trimStart()
	} else {
		trimStart()
		trimEnd()
	}
	return win
}

// subtract returns the parts of r outside cut.
func subtract(r, cut types.Range) []types.Range {
	if !r.Overlaps(cut) {
		return []types.Range{r}
	}
	var out []types.Range
	if r.Start < cut.Start {
		out = append(out, types.Range{Start: r.Start, End: cut.Start - 1})
	}
	if r.End > cut.End {
		out = append(out, types.Range{Start: cut.End + 1, End: r.End})
	}
	return out
}
