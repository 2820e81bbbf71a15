package export

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"sort"

	"github.com/fogleman/gg"

	"CoBoard/internal/geom"
	"CoBoard/internal/store"
)

const snapshotPad = 40.0

// SnapshotPNG rasterizes the snapshot into a flat image: media first,
// then notes, then ink. Selection chrome and cursors are view state
// and never appear in exports.
func SnapshotPNG(w io.Writer, snap store.Snapshot) error {
	bounds, ok := contentBounds(snap)
	if !ok {
		bounds = geom.Rect{W: 640, H: 480}
	}
	dc := gg.NewContext(int(bounds.W+2*snapshotPad), int(bounds.H+2*snapshotPad))
	dc.SetHexColor("#f5f6f8")
	dc.Clear()
	dc.Translate(snapshotPad-bounds.X, snapshotPad-bounds.Y)

	for _, id := range sortedKeys(snap.Images) {
		im := snap.Images[id]
		decoded, _, err := image.Decode(bytes.NewReader(im.Src))
		if err != nil {
			dc.SetHexColor("#cccccc")
			dc.DrawRectangle(im.X, im.Y, im.W, im.H)
			dc.Fill()
			continue
		}
		iw, ih := decoded.Bounds().Dx(), decoded.Bounds().Dy()
		if iw == 0 || ih == 0 {
			continue
		}
		dc.Push()
		dc.Translate(im.X, im.Y)
		dc.Scale(im.W/float64(iw), im.H/float64(ih))
		dc.DrawImage(decoded, 0, 0)
		dc.Pop()
	}
	for _, id := range sortedKeys(snap.Files) {
		f := snap.Files[id]
		dc.SetHexColor("#ebecf0")
		dc.DrawRectangle(f.X, f.Y, f.W, f.H)
		dc.Fill()
		dc.SetHexColor("#1e1e1e")
		dc.DrawStringWrapped(f.Name, f.X+6, f.Y+6, 0, 0, f.W-12, 1.3, gg.AlignLeft)
	}
	for _, id := range sortedKeys(snap.Notes) {
		n := snap.Notes[id]
		dc.SetHexColor(n.Color)
		dc.DrawRectangle(n.X, n.Y, n.W, n.H)
		dc.Fill()
		dc.SetHexColor("#1e1e1e")
		dc.DrawStringWrapped(n.Text, n.X+6, n.Y+6, 0, 0, n.W-12, 1.3, gg.AlignLeft)
	}
	for _, s := range snap.Strokes {
		if len(s.Points) == 0 {
			continue
		}
		dc.SetHexColor(s.Color)
		dc.SetLineWidth(s.Width)
		dc.MoveTo(s.Points[0].X, s.Points[0].Y)
		for _, p := range s.Points[1:] {
			dc.LineTo(p.X, p.Y)
		}
		dc.Stroke()
	}

	if err := dc.EncodePNG(w); err != nil {
		return fmt.Errorf("failed to encode png: %w", err)
	}
	return nil
}

// contentBounds is the union of everything on the board.
func contentBounds(snap store.Snapshot) (geom.Rect, bool) {
	var rects []geom.Rect
	for _, s := range snap.Strokes {
		rects = append(rects, s.Bounds())
	}
	for _, n := range snap.Notes {
		rects = append(rects, n.Rect())
	}
	for _, im := range snap.Images {
		rects = append(rects, im.Rect())
	}
	for _, f := range snap.Files {
		rects = append(rects, f.Rect())
	}
	return geom.BoundsOf(rects)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
