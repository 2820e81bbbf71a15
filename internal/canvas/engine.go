// Package canvas turns a pointer event stream into committed board
// mutations. It is deliberately free of any UI framework: the widget
// layer feeds it pointer events and reads the preview state back every
// frame, while every legal gesture and its side effects live in one
// transition table here.
package canvas

import (
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"

	"CoBoard/internal/geom"
	"CoBoard/internal/store"
)

// Tool is the active interaction mode.
type Tool int

const (
	ToolSelect Tool = iota
	ToolPen
	ToolEraser
	ToolNote
	ToolMedia
)

const (
	// EraseRadius is the hit distance for the eraser against stroke
	// segments and is also used as the containment probe for items.
	EraseRadius = 20.0
	// StrokeHitDist is the select-tool distance threshold to the
	// nearest stroke segment.
	StrokeHitDist = 8.0
	// MarqueeMin is the minimum marquee extent; anything smaller is a
	// click and clears the selection.
	MarqueeMin = 4.0
	// HandleSize is the edge length of the square resize handle at an
	// item's (or the selection's) bottom-right corner.
	HandleSize = 12.0
	// MinScale keeps a group resize from collapsing the selection.
	MinScale = 0.2

	defaultNoteW     = 200.0
	defaultNoteH     = 120.0
	defaultNoteColor = "#fff9b1"
)

// Board is the slice of the document store the engine drives.
type Board interface {
	AddStroke(store.Stroke) error
	DeleteStrokes(ids []string) error
	TransformStrokes([]store.Stroke) error
	PutNote(store.Note) error
	MoveItem(kind store.ItemKind, id string, x, y float64) error
	ResizeItem(kind store.ItemKind, id string, w, h float64) error
	DeleteItem(kind store.ItemKind, id string) error
}

// Author identifies the local participant on the notes they create.
type Author struct {
	ID    string
	Name  string
	Color string
}

type transformMode int

const (
	transformMove transformMode = iota
	transformScale
)

// The gesture union. Exactly one of these is active at a time; every
// pointer event is a transition on the current variant.
type gesture interface{ gestureName() string }

type idle struct{}

type drawing struct{ points []geom.Point }

type erasing struct{}

type draggingItem struct {
	kind store.ItemKind
	id   string
	grab geom.Point // pointer minus item origin, fixed at grab time
}

type resizingItem struct {
	kind         store.ItemKind
	id           string
	startSize    geom.Point
	startPointer geom.Point
}

type transforming struct {
	mode         transformMode
	start        map[string][]geom.Point // pre-transform points per stroke
	startPointer geom.Point
	bounds       geom.Rect // pre-transform aggregate box, the scale anchor
}

type marquee struct{ anchor, current geom.Point }

func (idle) gestureName() string         { return "idle" }
func (drawing) gestureName() string      { return "drawing" }
func (erasing) gestureName() string      { return "erasing" }
func (draggingItem) gestureName() string { return "dragging" }
func (resizingItem) gestureName() string { return "resizing" }
func (transforming) gestureName() string { return "transforming" }
func (marquee) gestureName() string      { return "marquee" }

// Engine is the canvas interaction state machine. The UI event loop
// drives the pointer methods while snapshot delivery arrives from the
// replication goroutine, so every method takes the mutex. Board
// mutations are staged under the lock and issued after it is released:
// the store notifies subscribers synchronously, and SetSnapshot must
// be able to re-enter on the same call stack.
type Engine struct {
	board Board

	mu        sync.Mutex
	snap      store.Snapshot
	tool      Tool
	g         gesture
	selection map[string]bool

	strokeColor string
	strokeWidth float64
	author      Author

	// OnPlaceMedia hands a Media-tool drop point to the upload
	// collaborator, which decodes the payload and calls PutImage or
	// PutFile itself.
	OnPlaceMedia func(at geom.Point)
}

// effect is a staged board mutation, run with the engine unlocked.
type effect func() error

func (e *Engine) run(fx []effect) {
	for _, fn := range fx {
		// Mutations against ids deleted by another participant are
		// expected races and come back nil; anything else is logged
		// and absorbed so a gesture can never crash the canvas.
		if err := fn(); err != nil {
			slog.Warn("board mutation failed", "err", err)
		}
	}
}

// NewEngine creates an engine in the Select tool with an empty
// selection.
func NewEngine(board Board) *Engine {
	return &Engine{
		board:       board,
		g:           idle{},
		selection:   map[string]bool{},
		strokeColor: "#000000",
		strokeWidth: 3,
	}
}

// SetSnapshot installs the latest committed state for hit-testing and
// prunes selected ids that no longer exist. It is safe from any
// goroutine and re-entrant from a staged mutation's own commit.
func (e *Engine) SetSnapshot(snap store.Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snap = snap
	if len(e.selection) == 0 {
		return
	}
	live := map[string]bool{}
	for _, st := range snap.Strokes {
		if e.selection[st.ID] {
			live[st.ID] = true
		}
	}
	e.selection = live
}

// SetTool switches the active tool, abandoning any gesture in
// progress.
func (e *Engine) SetTool(t Tool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tool = t
	e.g = idle{}
}

// Tool returns the active tool.
func (e *Engine) Tool() Tool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tool
}

// SetStrokeStyle sets the pen color and width for new strokes.
func (e *Engine) SetStrokeStyle(color string, width float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.strokeColor = color
	e.strokeWidth = width
}

// SetAuthor sets the identity stamped onto new notes.
func (e *Engine) SetAuthor(a Author) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.author = a
}

// Preview returns the uncommitted drawing buffer, rendered by the
// widget on top of committed strokes every frame. The returned slice
// is a copy; the live buffer keeps growing under the lock.
func (e *Engine) Preview() (pts []geom.Point, color string, width float64, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if d, active := e.g.(*drawing); active {
		pts = make([]geom.Point, len(d.points))
		copy(pts, d.points)
		return pts, e.strokeColor, e.strokeWidth, true
	}
	return nil, "", 0, false
}

// Selection returns the selected stroke ids in stable order.
func (e *Engine) Selection() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.selection))
	for id := range e.selection {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SelectionBounds returns the aggregate bounding box of the selected
// strokes. ok is false when nothing is selected, which the renderer
// treats as "draw no chrome", never as a zero-size box.
func (e *Engine) SelectionBounds() (geom.Rect, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selectionBoundsLocked()
}

func (e *Engine) selectionBoundsLocked() (geom.Rect, bool) {
	var rects []geom.Rect
	for _, st := range e.snap.Strokes {
		if e.selection[st.ID] {
			rects = append(rects, st.Bounds())
		}
	}
	return geom.BoundsOf(rects)
}

// Marquee returns the in-progress marquee rectangle, if any.
func (e *Engine) Marquee() (geom.Rect, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m, active := e.g.(*marquee); active {
		return geom.RectFrom(m.anchor, m.current), true
	}
	return geom.Rect{}, false
}

// PointerDown begins a gesture according to the active tool. While Pen
// or Eraser is active the item layer never intercepts: those branches
// go straight to the drawing buffer or the erase test, so strokes can
// be drawn through items stacked above them.
func (e *Engine) PointerDown(p geom.Point) {
	e.mu.Lock()
	var fx []effect
	switch e.tool {
	case ToolPen:
		e.g = &drawing{points: []geom.Point{p}}
	case ToolEraser:
		e.g = &erasing{}
		fx = e.eraseLocked(p)
	case ToolNote:
		fx = []effect{e.placeNoteLocked(p)}
	case ToolMedia:
		if cb := e.OnPlaceMedia; cb != nil {
			fx = []effect{func() error { cb(p); return nil }}
		}
	case ToolSelect:
		e.selectDownLocked(p)
	}
	e.mu.Unlock()
	e.run(fx)
}

func (e *Engine) selectDownLocked(p geom.Point) {
	// Selection resize handle wins over everything beneath it.
	if bounds, ok := e.selectionBoundsLocked(); ok && handleRect(bounds).Contains(p) {
		e.g = &transforming{
			mode:         transformScale,
			start:        e.selectedPoints(),
			startPointer: p,
			bounds:       bounds,
		}
		return
	}

	if kind, item, r, hit := e.hitItem(p); hit {
		if handleRect(r).Contains(p) {
			e.g = &resizingItem{kind: kind, id: item, startSize: geom.Pt(r.W, r.H), startPointer: p}
		} else {
			e.g = &draggingItem{kind: kind, id: item, grab: p.Sub(r.Min())}
		}
		return
	}

	if id, hit := e.hitStroke(p); hit {
		// A hit inside an existing multi-selection keeps it; anything
		// else collapses the selection to just the hit stroke.
		if !e.selection[id] {
			e.selection = map[string]bool{id: true}
		}
		bounds, _ := e.selectionBoundsLocked()
		e.g = &transforming{
			mode:         transformMove,
			start:        e.selectedPoints(),
			startPointer: p,
			bounds:       bounds,
		}
		return
	}

	e.g = &marquee{anchor: p, current: p}
}

// PointerMove advances the current gesture. extra carries coalesced
// positions delivered since the last event, oldest first, preserving
// high-frequency input fidelity while drawing.
func (e *Engine) PointerMove(p geom.Point, extra ...geom.Point) {
	e.mu.Lock()
	var fx []effect
	switch g := e.g.(type) {
	case *drawing:
		g.points = append(g.points, extra...)
		g.points = append(g.points, p)
	case *erasing:
		fx = e.eraseLocked(append(extra, p)...)
	case *draggingItem:
		pos := p.Sub(g.grab)
		kind, id := g.kind, g.id
		fx = []effect{func() error { return e.board.MoveItem(kind, id, pos.X, pos.Y) }}
	case *resizingItem:
		d := p.Sub(g.startPointer)
		w := math.Max(store.MinItemSize, g.startSize.X+d.X)
		h := math.Max(store.MinItemSize, g.startSize.Y+d.Y)
		kind, id := g.kind, g.id
		fx = []effect{func() error { return e.board.ResizeItem(kind, id, w, h) }}
	case *transforming:
		fx = []effect{e.transformLocked(g, p)}
	case *marquee:
		g.current = p
	}
	e.mu.Unlock()
	e.run(fx)
}

// transformLocked computes the transformed strokes for the current
// pointer position and stages them; publishing on every move, not just
// at pointer-up, lets remote peers watch the drag live.
func (e *Engine) transformLocked(g *transforming, p geom.Point) effect {
	var updated []store.Stroke
	switch g.mode {
	case transformMove:
		delta := p.Sub(g.startPointer)
		for id, pts := range g.start {
			moved := make([]geom.Point, len(pts))
			for i, q := range pts {
				moved[i] = q.Add(delta)
			}
			updated = append(updated, store.Stroke{ID: id, Points: moved})
		}
	case transformScale:
		anchor := g.bounds.Min()
		size := p.Sub(anchor)
		kx, ky := 1.0, 1.0
		if g.bounds.W > 0 {
			kx = math.Max(MinScale, size.X/g.bounds.W)
		}
		if g.bounds.H > 0 {
			ky = math.Max(MinScale, size.Y/g.bounds.H)
		}
		for id, pts := range g.start {
			scaled := make([]geom.Point, len(pts))
			for i, q := range pts {
				scaled[i] = geom.Point{
					X: anchor.X + (q.X-anchor.X)*kx,
					Y: anchor.Y + (q.Y-anchor.Y)*ky,
				}
			}
			updated = append(updated, store.Stroke{ID: id, Points: scaled})
		}
	}
	return func() error { return e.board.TransformStrokes(updated) }
}

// PointerUp completes the current gesture.
func (e *Engine) PointerUp(p geom.Point) {
	e.mu.Lock()
	var fx []effect
	switch g := e.g.(type) {
	case *drawing:
		if len(g.points) >= 1 {
			st := store.Stroke{
				ID:     uuid.NewString(),
				Points: g.points,
				Color:  e.strokeColor,
				Width:  e.strokeWidth,
			}
			fx = []effect{func() error { return e.board.AddStroke(st) }}
		}
	case *marquee:
		r := geom.RectFrom(g.anchor, p)
		if r.W >= MarqueeMin && r.H >= MarqueeMin {
			e.selection = map[string]bool{}
			for _, st := range e.snap.Strokes {
				if st.Bounds().Intersects(r) {
					e.selection[st.ID] = true
				}
			}
		} else {
			e.selection = map[string]bool{}
		}
	}
	// Erasing, dragging, resizing and transforming already committed
	// their effects on each move.
	e.g = idle{}
	e.mu.Unlock()
	e.run(fx)
}

// PointerCancel discards any in-progress gesture without touching the
// document: the drawing buffer is dropped, never committed.
func (e *Engine) PointerCancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.g = idle{}
}

func (e *Engine) placeNoteLocked(p geom.Point) effect {
	color := defaultNoteColor
	if e.author.Color != "" {
		color = e.author.Color
	}
	note := store.Note{
		ID:          uuid.NewString(),
		X:           p.X - defaultNoteW/2,
		Y:           p.Y - defaultNoteH/2,
		W:           defaultNoteW,
		H:           defaultNoteH,
		Color:       color,
		AuthorID:    e.author.ID,
		AuthorName:  e.author.Name,
		AuthorColor: e.author.Color,
	}
	return func() error { return e.board.PutNote(note) }
}

// eraseLocked stages the deletion of every stroke with a segment within
// EraseRadius of any of the points and every item whose rectangle
// contains one. Targets are merged across points so each id is deleted
// once.
func (e *Engine) eraseLocked(points ...geom.Point) []effect {
	strokes := map[string]bool{}
	items := map[itemRef]bool{}
	for _, p := range points {
		for _, st := range e.snap.Strokes {
			if strokeNear(st, p, EraseRadius) {
				strokes[st.ID] = true
			}
		}
		for _, it := range e.itemsAt(p) {
			items[it] = true
		}
	}

	var fx []effect
	if len(strokes) > 0 {
		ids := make([]string, 0, len(strokes))
		for id := range strokes {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		fx = append(fx, func() error { return e.board.DeleteStrokes(ids) })
	}
	for it := range items {
		fx = append(fx, func() error { return e.board.DeleteItem(it.kind, it.id) })
	}
	return fx
}

func handleRect(r geom.Rect) geom.Rect {
	return geom.Rect{X: r.X + r.W - HandleSize, Y: r.Y + r.H - HandleSize, W: HandleSize, H: HandleSize}
}

func (e *Engine) selectedPoints() map[string][]geom.Point {
	start := map[string][]geom.Point{}
	for _, st := range e.snap.Strokes {
		if e.selection[st.ID] {
			pts := make([]geom.Point, len(st.Points))
			copy(pts, st.Points)
			start[st.ID] = pts
		}
	}
	return start
}
