package ui

import (
	"bytes"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"log"
	"sort"
	"strconv"
	"sync"

	"fyne.io/fyne/v2"
	fynecanvas "fyne.io/fyne/v2/canvas"
	"fyne.io/fyne/v2/driver/desktop"
	"fyne.io/fyne/v2/widget"

	boardcanvas "CoBoard/internal/canvas"
	"CoBoard/internal/geom"
	"CoBoard/internal/store"
	"CoBoard/internal/wire"
)

// Presence is what the board needs from the network side: who else is
// here, and somewhere to report our own pointer. A nil Presence means
// an offline board.
type Presence interface {
	Peers() []wire.Presence
	SetCursor(p *geom.Point)
}

// BoardWidget renders the shared surface and feeds pointer events to
// the gesture engine. It owns no document state: everything it draws
// comes from the latest snapshot and the engine's in-progress gesture.
type BoardWidget struct {
	widget.BaseWidget

	engine   *boardcanvas.Engine
	presence Presence

	// OnEditNote opens the text editor for an existing note.
	OnEditNote func(id, current string)

	mu     sync.RWMutex
	snap   store.Snapshot
	images map[string]image.Image // decoded, by item id
}

var _ fyne.Widget = (*BoardWidget)(nil)
var _ fyne.Draggable = (*BoardWidget)(nil)
var _ desktop.Mouseable = (*BoardWidget)(nil)
var _ desktop.Hoverable = (*BoardWidget)(nil)

func NewBoardWidget(engine *boardcanvas.Engine, presence Presence) *BoardWidget {
	b := &BoardWidget{
		engine:   engine,
		presence: presence,
		images:   map[string]image.Image{},
	}
	b.ExtendBaseWidget(b)
	return b
}

// SetSnapshot is the subscription sink; safe from any goroutine.
func (b *BoardWidget) SetSnapshot(snap store.Snapshot) {
	b.engine.SetSnapshot(snap)
	b.mu.Lock()
	b.snap = snap
	for id := range b.images {
		if _, ok := snap.Images[id]; !ok {
			delete(b.images, id)
		}
	}
	b.mu.Unlock()
	b.Refresh()
}

// CancelGesture abandons whatever the pointer was doing (Escape).
func (b *BoardWidget) CancelGesture() {
	b.engine.PointerCancel()
	b.Refresh()
}

func (b *BoardWidget) MouseDown(e *desktop.MouseEvent) {
	if e.Button != desktop.MouseButtonPrimary {
		return
	}
	b.engine.PointerDown(toPoint(e.Position))
	b.Refresh()
}

func (b *BoardWidget) MouseUp(e *desktop.MouseEvent) {
	if e.Button != desktop.MouseButtonPrimary {
		return
	}
	b.engine.PointerUp(toPoint(e.Position))
	b.Refresh()
}

func (b *BoardWidget) Dragged(e *fyne.DragEvent) {
	p := toPoint(e.Position)
	b.engine.PointerMove(p)
	b.reportCursor(&p)
	b.Refresh()
}

func (b *BoardWidget) DragEnd() {}

// Tapped keeps the widget focusable for tap-driven drivers; gesture
// handling itself runs on the mouse events.
func (b *BoardWidget) Tapped(*fyne.PointEvent) {}

func (b *BoardWidget) DoubleTapped(e *fyne.PointEvent) {
	if b.OnEditNote == nil {
		return
	}
	p := toPoint(e.Position)
	b.mu.RLock()
	var hit *store.Note
	for _, id := range sortedKeys(b.snap.Notes) {
		n := b.snap.Notes[id]
		if n.Rect().Contains(p) {
			hit = &n
		}
	}
	b.mu.RUnlock()
	if hit != nil {
		b.OnEditNote(hit.ID, hit.Text)
	}
}

func (b *BoardWidget) MouseIn(e *desktop.MouseEvent) {}

func (b *BoardWidget) MouseMoved(e *desktop.MouseEvent) {
	p := toPoint(e.Position)
	b.reportCursor(&p)
}

func (b *BoardWidget) MouseOut() {
	b.reportCursor(nil)
}

func (b *BoardWidget) reportCursor(p *geom.Point) {
	if b.presence != nil {
		b.presence.SetCursor(p)
	}
}

func (b *BoardWidget) CreateRenderer() fyne.WidgetRenderer {
	r := &boardRenderer{board: b}
	r.background = fynecanvas.NewRectangle(color.NRGBA{R: 245, G: 246, B: 248, A: 255})
	return r
}

type boardRenderer struct {
	board      *BoardWidget
	background *fynecanvas.Rectangle
	size       fyne.Size
}

func (r *boardRenderer) Objects() []fyne.CanvasObject {
	b := r.board
	b.mu.RLock()
	snap := b.snap
	b.mu.RUnlock()

	objects := []fyne.CanvasObject{r.background}
	objects = appendImages(objects, b, snap)
	objects = appendFiles(objects, snap)
	objects = appendNotes(objects, snap)
	for _, s := range snap.Strokes {
		objects = appendStrokeLines(objects, s.Points, s.Color, s.Width)
	}
	if pts, col, width, ok := b.engine.Preview(); ok {
		objects = appendStrokeLines(objects, pts, col, width)
	}
	objects = appendSelectionChrome(objects, b.engine)
	if b.presence != nil {
		objects = appendCursors(objects, b.presence.Peers())
	}
	return objects
}

func appendStrokeLines(objects []fyne.CanvasObject, pts []geom.Point, col string, width float64) []fyne.CanvasObject {
	c := parseHexColor(col)
	if len(pts) == 1 {
		dot := fynecanvas.NewCircle(c)
		dot.Resize(fyne.NewSize(float32(width), float32(width)))
		dot.Move(fyne.NewPos(float32(pts[0].X-width/2), float32(pts[0].Y-width/2)))
		return append(objects, dot)
	}
	for i := 1; i < len(pts); i++ {
		seg := fynecanvas.NewLine(c)
		seg.StrokeWidth = float32(width)
		seg.Position1 = fyne.NewPos(float32(pts[i-1].X), float32(pts[i-1].Y))
		seg.Position2 = fyne.NewPos(float32(pts[i].X), float32(pts[i].Y))
		objects = append(objects, seg)
	}
	return objects
}

func appendNotes(objects []fyne.CanvasObject, snap store.Snapshot) []fyne.CanvasObject {
	for _, id := range sortedKeys(snap.Notes) {
		n := snap.Notes[id]
		rect := fynecanvas.NewRectangle(parseHexColor(n.Color))
		rect.StrokeColor = parseHexColor(n.AuthorColor)
		rect.StrokeWidth = 2
		rect.Resize(fyne.NewSize(float32(n.W), float32(n.H)))
		rect.Move(fyne.NewPos(float32(n.X), float32(n.Y)))
		objects = append(objects, rect)

		text := fynecanvas.NewText(n.Text, color.NRGBA{R: 30, G: 30, B: 30, A: 255})
		text.TextSize = 13
		text.Move(fyne.NewPos(float32(n.X)+6, float32(n.Y)+4))
		objects = append(objects, text)

		author := fynecanvas.NewText(n.AuthorName, parseHexColor(n.AuthorColor))
		author.TextSize = 10
		author.Move(fyne.NewPos(float32(n.X)+6, float32(n.Y+n.H)-16))
		objects = append(objects, author)
	}
	return objects
}

func appendImages(objects []fyne.CanvasObject, b *BoardWidget, snap store.Snapshot) []fyne.CanvasObject {
	for _, id := range sortedKeys(snap.Images) {
		im := snap.Images[id]
		decoded := b.decodedImage(id, im.Src)
		if decoded == nil {
			placeholder := fynecanvas.NewRectangle(color.NRGBA{R: 200, G: 200, B: 200, A: 255})
			placeholder.Resize(fyne.NewSize(float32(im.W), float32(im.H)))
			placeholder.Move(fyne.NewPos(float32(im.X), float32(im.Y)))
			objects = append(objects, placeholder)
			continue
		}
		obj := fynecanvas.NewImageFromImage(decoded)
		obj.FillMode = fynecanvas.ImageFillStretch
		obj.Resize(fyne.NewSize(float32(im.W), float32(im.H)))
		obj.Move(fyne.NewPos(float32(im.X), float32(im.Y)))
		objects = append(objects, obj)
		if im.Title != "" {
			title := fynecanvas.NewText(im.Title, color.NRGBA{R: 60, G: 60, B: 60, A: 255})
			title.TextSize = 11
			title.Move(fyne.NewPos(float32(im.X), float32(im.Y+im.H)+2))
			objects = append(objects, title)
		}
	}
	return objects
}

func appendFiles(objects []fyne.CanvasObject, snap store.Snapshot) []fyne.CanvasObject {
	for _, id := range sortedKeys(snap.Files) {
		f := snap.Files[id]
		rect := fynecanvas.NewRectangle(color.NRGBA{R: 235, G: 236, B: 240, A: 255})
		rect.StrokeColor = color.NRGBA{R: 120, G: 120, B: 130, A: 255}
		rect.StrokeWidth = 1
		rect.Resize(fyne.NewSize(float32(f.W), float32(f.H)))
		rect.Move(fyne.NewPos(float32(f.X), float32(f.Y)))
		objects = append(objects, rect)

		name := fynecanvas.NewText(f.Name, color.NRGBA{R: 30, G: 30, B: 30, A: 255})
		name.TextSize = 12
		name.Move(fyne.NewPos(float32(f.X)+6, float32(f.Y)+6))
		objects = append(objects, name)
	}
	return objects
}

func appendSelectionChrome(objects []fyne.CanvasObject, engine *boardcanvas.Engine) []fyne.CanvasObject {
	accent := color.NRGBA{R: 37, G: 99, B: 235, A: 255}
	if bounds, ok := engine.SelectionBounds(); ok {
		outline := fynecanvas.NewRectangle(color.Transparent)
		outline.StrokeColor = accent
		outline.StrokeWidth = 1.5
		outline.Resize(fyne.NewSize(float32(bounds.W), float32(bounds.H)))
		outline.Move(fyne.NewPos(float32(bounds.X), float32(bounds.Y)))
		objects = append(objects, outline)

		handle := fynecanvas.NewRectangle(accent)
		handle.Resize(fyne.NewSize(boardcanvas.HandleSize, boardcanvas.HandleSize))
		handle.Move(fyne.NewPos(
			float32(bounds.X+bounds.W)-boardcanvas.HandleSize/2,
			float32(bounds.Y+bounds.H)-boardcanvas.HandleSize/2,
		))
		objects = append(objects, handle)
	}
	if marquee, ok := engine.Marquee(); ok {
		band := fynecanvas.NewRectangle(color.NRGBA{R: 37, G: 99, B: 235, A: 30})
		band.StrokeColor = accent
		band.StrokeWidth = 1
		band.Resize(fyne.NewSize(float32(marquee.W), float32(marquee.H)))
		band.Move(fyne.NewPos(float32(marquee.X), float32(marquee.Y)))
		objects = append(objects, band)
	}
	return objects
}

func appendCursors(objects []fyne.CanvasObject, peers []wire.Presence) []fyne.CanvasObject {
	for _, p := range peers {
		if p.Cursor == nil {
			continue
		}
		c := parseHexColor(p.User.Color)
		dot := fynecanvas.NewCircle(c)
		dot.Resize(fyne.NewSize(10, 10))
		dot.Move(fyne.NewPos(float32(p.Cursor.X)-5, float32(p.Cursor.Y)-5))
		objects = append(objects, dot)

		name := fynecanvas.NewText(p.User.Name, c)
		name.TextSize = 11
		name.Move(fyne.NewPos(float32(p.Cursor.X)+8, float32(p.Cursor.Y)-6))
		objects = append(objects, name)
	}
	return objects
}

func (b *BoardWidget) decodedImage(id string, src []byte) image.Image {
	b.mu.Lock()
	defer b.mu.Unlock()
	if im, ok := b.images[id]; ok {
		return im
	}
	im, _, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		log.Printf("cannot decode image %s: %v", id, err)
		b.images[id] = nil
		return nil
	}
	b.images[id] = im
	return im
}

func (r *boardRenderer) Refresh()            { fynecanvas.Refresh(r.board) }
func (r *boardRenderer) Destroy()            {}
func (r *boardRenderer) MinSize() fyne.Size  { return fyne.NewSize(640, 480) }
func (r *boardRenderer) Layout(sz fyne.Size) { r.size = sz; r.background.Resize(sz) }

func toPoint(p fyne.Position) geom.Point {
	return geom.Point{X: float64(p.X), Y: float64(p.Y)}
}

func parseHexColor(s string) color.Color {
	if len(s) == 7 && s[0] == '#' {
		if v, err := strconv.ParseUint(s[1:], 16, 32); err == nil {
			return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}
		}
	}
	return color.NRGBA{R: 30, G: 30, B: 30, A: 255}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
