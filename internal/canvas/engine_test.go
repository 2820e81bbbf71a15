package canvas

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CoBoard/internal/geom"
	"CoBoard/internal/store"
)

// newEngine wires an engine to a real store the way the app does:
// every committed change feeds back into the engine's snapshot.
func newEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	s := store.New()
	e := NewEngine(s)
	s.Subscribe(e.SetSnapshot)
	return e, s
}

func drawStroke(e *Engine, pts ...geom.Point) {
	e.SetTool(ToolPen)
	e.PointerDown(pts[0])
	for _, p := range pts[1:] {
		e.PointerMove(p)
	}
	e.PointerUp(pts[len(pts)-1])
}

func TestPenCommitsBufferOnPointerUp(t *testing.T) {
	e, s := newEngine(t)
	drawStroke(e, geom.Pt(0, 0), geom.Pt(10, 0), geom.Pt(10, 10))

	snap := s.Snapshot()
	require.Len(t, snap.Strokes, 1)
	assert.Equal(t, []geom.Point{geom.Pt(0, 0), geom.Pt(10, 0), geom.Pt(10, 10)}, snap.Strokes[0].Points)
}

func TestPenPreviewIsUncommitted(t *testing.T) {
	e, s := newEngine(t)
	e.SetTool(ToolPen)
	e.SetStrokeStyle("#2563eb", 5)
	e.PointerDown(geom.Pt(0, 0))
	e.PointerMove(geom.Pt(5, 5))

	pts, color, width, ok := e.Preview()
	require.True(t, ok)
	assert.Len(t, pts, 2)
	assert.Equal(t, "#2563eb", color)
	assert.Equal(t, 5.0, width)
	// Nothing committed until pointer-up.
	assert.Empty(t, s.Snapshot().Strokes)
}

func TestPenCoalescedPointsPreserved(t *testing.T) {
	e, s := newEngine(t)
	e.SetTool(ToolPen)
	e.PointerDown(geom.Pt(0, 0))
	e.PointerMove(geom.Pt(3, 0), geom.Pt(1, 0), geom.Pt(2, 0))
	e.PointerUp(geom.Pt(3, 0))

	snap := s.Snapshot()
	require.Len(t, snap.Strokes, 1)
	assert.Equal(t, []geom.Point{geom.Pt(0, 0), geom.Pt(1, 0), geom.Pt(2, 0), geom.Pt(3, 0)}, snap.Strokes[0].Points)
}

func TestPointerCancelDiscardsBuffer(t *testing.T) {
	e, s := newEngine(t)
	e.SetTool(ToolPen)
	e.PointerDown(geom.Pt(0, 0))
	e.PointerMove(geom.Pt(10, 10))
	e.PointerCancel()

	assert.Empty(t, s.Snapshot().Strokes)
	_, _, _, ok := e.Preview()
	assert.False(t, ok)
}

// Draw a stroke through (0,0)-(10,0)-(10,10), then erase at (10,5):
// the nearest segment is within the erase radius, so the whole stroke
// goes in one operation.
func TestEraserRemovesNearbyStroke(t *testing.T) {
	e, s := newEngine(t)
	drawStroke(e, geom.Pt(0, 0), geom.Pt(10, 0), geom.Pt(10, 10))

	e.SetTool(ToolEraser)
	e.PointerDown(geom.Pt(10, 5))
	e.PointerUp(geom.Pt(10, 5))

	assert.Empty(t, s.Snapshot().Strokes)
}

func TestEraserLeavesFarStrokes(t *testing.T) {
	e, s := newEngine(t)
	drawStroke(e, geom.Pt(0, 0), geom.Pt(10, 0))
	drawStroke(e, geom.Pt(100, 100), geom.Pt(110, 100))

	e.SetTool(ToolEraser)
	e.PointerDown(geom.Pt(10, 25)) // 25 units from the first stroke
	e.PointerUp(geom.Pt(10, 25))

	require.Len(t, s.Snapshot().Strokes, 2)
}

func TestEraserSweepsAcrossMoves(t *testing.T) {
	e, s := newEngine(t)
	drawStroke(e, geom.Pt(0, 0), geom.Pt(10, 0))
	drawStroke(e, geom.Pt(200, 200), geom.Pt(210, 200))

	e.SetTool(ToolEraser)
	e.PointerDown(geom.Pt(500, 500))
	e.PointerMove(geom.Pt(205, 195))
	e.PointerUp(geom.Pt(205, 195))

	require.Len(t, s.Snapshot().Strokes, 1)
	assert.Equal(t, geom.Pt(0, 0), s.Snapshot().Strokes[0].Points[0])
}

func TestEraserRemovesContainedItems(t *testing.T) {
	e, s := newEngine(t)
	require.NoError(t, s.PutNote(store.Note{ID: "n1", X: 0, Y: 0, W: 100, H: 100}))

	e.SetTool(ToolEraser)
	e.PointerDown(geom.Pt(50, 50))
	e.PointerUp(geom.Pt(50, 50))

	assert.Empty(t, s.Snapshot().Notes)
}

// With the pen active, an item stacked over the canvas must not
// intercept: the gesture draws a stroke instead of dragging the note.
func TestPenDrawsThroughItems(t *testing.T) {
	e, s := newEngine(t)
	require.NoError(t, s.PutNote(store.Note{ID: "n1", X: 0, Y: 0, W: 200, H: 200}))

	drawStroke(e, geom.Pt(50, 50), geom.Pt(150, 150))

	snap := s.Snapshot()
	require.Len(t, snap.Strokes, 1)
	assert.Equal(t, 0.0, snap.Notes["n1"].X)
}

func TestNoteToolPlacesCenteredNote(t *testing.T) {
	e, s := newEngine(t)
	e.SetAuthor(Author{ID: "u1", Name: "ada", Color: "#e11d48"})
	e.SetTool(ToolNote)
	e.PointerDown(geom.Pt(300, 200))

	snap := s.Snapshot()
	require.Len(t, snap.Notes, 1)
	for _, n := range snap.Notes {
		assert.Equal(t, 300.0, n.X+n.W/2)
		assert.Equal(t, 200.0, n.Y+n.H/2)
		assert.Equal(t, "u1", n.AuthorID)
		assert.Equal(t, "ada", n.AuthorName)
	}
}

func TestMediaToolReportsDropPoint(t *testing.T) {
	e, _ := newEngine(t)
	var got geom.Point
	e.OnPlaceMedia = func(at geom.Point) { got = at }
	e.SetTool(ToolMedia)
	e.PointerDown(geom.Pt(42, 24))
	assert.Equal(t, geom.Pt(42, 24), got)
}

// Create a note at (100,100) sized 200x50 and drag by (20,-10): the
// note lands at (120,90) with its size untouched.
func TestDragItemByGrabOffset(t *testing.T) {
	e, s := newEngine(t)
	require.NoError(t, s.PutNote(store.Note{ID: "n1", X: 100, Y: 100, W: 200, H: 50}))

	e.SetTool(ToolSelect)
	e.PointerDown(geom.Pt(150, 120))
	e.PointerMove(geom.Pt(170, 110))
	e.PointerUp(geom.Pt(170, 110))

	n := s.Snapshot().Notes["n1"]
	assert.Equal(t, 120.0, n.X)
	assert.Equal(t, 90.0, n.Y)
	assert.Equal(t, 200.0, n.W)
	assert.Equal(t, 50.0, n.H)
}

func TestResizeItemViaHandle(t *testing.T) {
	e, s := newEngine(t)
	require.NoError(t, s.PutNote(store.Note{ID: "n1", X: 0, Y: 0, W: 100, H: 100}))

	e.SetTool(ToolSelect)
	e.PointerDown(geom.Pt(95, 95)) // inside the bottom-right handle
	e.PointerMove(geom.Pt(145, 115))
	e.PointerUp(geom.Pt(145, 115))

	n := s.Snapshot().Notes["n1"]
	assert.Equal(t, 150.0, n.W)
	assert.Equal(t, 120.0, n.H)
	// Position never moves during a resize.
	assert.Equal(t, 0.0, n.X)
}

func TestResizeClampsToMinimum(t *testing.T) {
	e, s := newEngine(t)
	require.NoError(t, s.PutNote(store.Note{ID: "n1", X: 0, Y: 0, W: 100, H: 100}))

	e.SetTool(ToolSelect)
	e.PointerDown(geom.Pt(95, 95))
	e.PointerMove(geom.Pt(-500, -500))
	e.PointerUp(geom.Pt(-500, -500))

	n := s.Snapshot().Notes["n1"]
	assert.Equal(t, store.MinItemSize, n.W)
	assert.Equal(t, store.MinItemSize, n.H)
}

func marqueeSelect(e *Engine, from, to geom.Point) {
	e.SetTool(ToolSelect)
	e.PointerDown(from)
	e.PointerMove(to)
	e.PointerUp(to)
}

func TestMarqueeSelectsIntersectingStrokes(t *testing.T) {
	e, s := newEngine(t)
	drawStroke(e, geom.Pt(10, 10), geom.Pt(30, 30))
	drawStroke(e, geom.Pt(500, 500), geom.Pt(520, 520))

	marqueeSelect(e, geom.Pt(-50, -50), geom.Pt(100, 100))

	sel := e.Selection()
	require.Len(t, sel, 1)
	assert.Equal(t, s.Snapshot().Strokes[0].ID, sel[0])
}

func TestMarqueeBelowMinimumClearsSelection(t *testing.T) {
	e, _ := newEngine(t)
	drawStroke(e, geom.Pt(10, 10), geom.Pt(30, 30))
	marqueeSelect(e, geom.Pt(-50, -50), geom.Pt(100, 100))
	require.Len(t, e.Selection(), 1)

	// A sub-threshold drag is a click on empty space.
	marqueeSelect(e, geom.Pt(600, 600), geom.Pt(602, 602))
	assert.Empty(t, e.Selection())
}

func TestClickSelectsStrokeWithinThreshold(t *testing.T) {
	e, s := newEngine(t)
	drawStroke(e, geom.Pt(0, 0), geom.Pt(100, 0))

	e.SetTool(ToolSelect)
	e.PointerDown(geom.Pt(50, 6)) // 6 units off the segment
	e.PointerUp(geom.Pt(50, 6))

	require.Len(t, e.Selection(), 1)
	assert.Equal(t, s.Snapshot().Strokes[0].ID, e.Selection()[0])
}

func TestClickOnSelectedStrokeKeepsMultiSelection(t *testing.T) {
	e, _ := newEngine(t)
	drawStroke(e, geom.Pt(0, 100), geom.Pt(100, 100))
	drawStroke(e, geom.Pt(0, 200), geom.Pt(100, 200))
	marqueeSelect(e, geom.Pt(-10, 50), geom.Pt(150, 250))
	require.Len(t, e.Selection(), 2)

	e.PointerDown(geom.Pt(50, 100))
	e.PointerUp(geom.Pt(50, 100))
	assert.Len(t, e.Selection(), 2)
}

func TestGroupMoveTranslatesEveryPointLive(t *testing.T) {
	e, s := newEngine(t)
	drawStroke(e, geom.Pt(0, 0), geom.Pt(100, 0))

	e.SetTool(ToolSelect)
	e.PointerDown(geom.Pt(50, 0))
	e.PointerMove(geom.Pt(60, 20))

	// Mid-gesture the transform is already committed for remote peers.
	mid := s.Snapshot().Strokes[0].Points
	assert.Equal(t, []geom.Point{geom.Pt(10, 20), geom.Pt(110, 20)}, mid)

	e.PointerMove(geom.Pt(75, 30))
	e.PointerUp(geom.Pt(75, 30))

	final := s.Snapshot().Strokes[0].Points
	assert.Equal(t, []geom.Point{geom.Pt(25, 30), geom.Pt(125, 30)}, final)
}

func scaleSelection(e *Engine, from, to geom.Point) {
	e.SetTool(ToolSelect)
	e.PointerDown(from)
	e.PointerMove(to)
	e.PointerUp(to)
}

func TestGroupScaleRoundTripRestoresPoints(t *testing.T) {
	e, s := newEngine(t)
	drawStroke(e, geom.Pt(0, 0), geom.Pt(100, 0), geom.Pt(100, 100))
	marqueeSelect(e, geom.Pt(-10, -10), geom.Pt(120, 120))
	require.Len(t, e.Selection(), 1)

	// Scale by 1.5 from the bottom-right handle, then back.
	scaleSelection(e, geom.Pt(95, 95), geom.Pt(150, 150))
	scaleSelection(e, geom.Pt(145, 145), geom.Pt(100, 100))

	pts := s.Snapshot().Strokes[0].Points
	want := []geom.Point{geom.Pt(0, 0), geom.Pt(100, 0), geom.Pt(100, 100)}
	require.Len(t, pts, len(want))
	for i := range want {
		assert.InDelta(t, want[i].X, pts[i].X, 1e-6)
		assert.InDelta(t, want[i].Y, pts[i].Y, 1e-6)
	}
}

func TestGroupScaleClampsAtFloor(t *testing.T) {
	e, s := newEngine(t)
	drawStroke(e, geom.Pt(0, 0), geom.Pt(100, 0), geom.Pt(100, 100))
	marqueeSelect(e, geom.Pt(-10, -10), geom.Pt(120, 120))

	// Dragging the handle through the anchor would collapse the
	// selection; the scale factor bottoms out at MinScale instead.
	scaleSelection(e, geom.Pt(95, 95), geom.Pt(-40, -40))

	b := geom.PathBounds(s.Snapshot().Strokes[0].Points)
	assert.InDelta(t, 100*MinScale, b.W, 1e-6)
	assert.InDelta(t, 100*MinScale, b.H, 1e-6)
}

func TestSetSnapshotPrunesDeadSelection(t *testing.T) {
	e, s := newEngine(t)
	drawStroke(e, geom.Pt(0, 0), geom.Pt(10, 10))
	marqueeSelect(e, geom.Pt(-10, -10), geom.Pt(20, 20))
	require.Len(t, e.Selection(), 1)

	// Another participant deletes the stroke out from under us.
	require.NoError(t, s.DeleteStrokes([]string{e.Selection()[0]}))
	assert.Empty(t, e.Selection())

	_, ok := e.SelectionBounds()
	assert.False(t, ok)
}

// The replication goroutine delivers snapshots while the event loop is
// mid-gesture. Every entry point must tolerate that interleaving; run
// with -race to check the locking.
func TestSnapshotDeliveryDuringGestures(t *testing.T) {
	e, s := newEngine(t)
	drawStroke(e, geom.Pt(0, 0), geom.Pt(100, 0))

	remote := store.New()
	require.NoError(t, remote.AddStroke(store.Stroke{
		ID:     "r1",
		Points: []geom.Point{geom.Pt(5, 5), geom.Pt(15, 15)},
	}))
	remoteSnap := remote.Snapshot()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			e.SetSnapshot(remoteSnap)
			e.SetSnapshot(s.Snapshot())
		}
	}()

	for i := 0; i < 100; i++ {
		x := float64(i)
		e.SetTool(ToolPen)
		e.PointerDown(geom.Pt(x, 0))
		e.PointerMove(geom.Pt(x, 10))
		e.Preview()
		e.PointerUp(geom.Pt(x, 10))

		e.SetTool(ToolSelect)
		e.PointerDown(geom.Pt(x, 5))
		e.SelectionBounds()
		e.Marquee()
		e.PointerUp(geom.Pt(x, 5))
	}
	<-done
}

func TestSwitchingToolAbandonsGesture(t *testing.T) {
	e, s := newEngine(t)
	e.SetTool(ToolPen)
	e.PointerDown(geom.Pt(0, 0))
	e.PointerMove(geom.Pt(5, 5))
	e.SetTool(ToolSelect)
	e.PointerUp(geom.Pt(5, 5))

	assert.Empty(t, s.Snapshot().Strokes)
}
