package canvas

import (
	"sort"

	"CoBoard/internal/geom"
	"CoBoard/internal/store"
)

type itemRef struct {
	kind store.ItemKind
	id   string
	rect geom.Rect
}

// strokeNear reports whether any segment of st comes within dist of p.
// A single-point stroke is tested as a point.
func strokeNear(st store.Stroke, p geom.Point, dist float64) bool {
	pts := st.Points
	if len(pts) == 0 {
		return false
	}
	if len(pts) == 1 {
		return p.Distance(pts[0]) < dist
	}
	for i := 0; i < len(pts)-1; i++ {
		if geom.DistToSegment(p, pts[i], pts[i+1]) < dist {
			return true
		}
	}
	return false
}

// hitStroke returns the topmost (last drawn) stroke within
// StrokeHitDist of p.
func (e *Engine) hitStroke(p geom.Point) (string, bool) {
	for i := len(e.snap.Strokes) - 1; i >= 0; i-- {
		if strokeNear(e.snap.Strokes[i], p, StrokeHitDist) {
			return e.snap.Strokes[i].ID, true
		}
	}
	return "", false
}

// hitItem returns the topmost item containing p. Z order mirrors the
// renderer: images at the bottom, then files, notes on top; within a
// kind, id order stands in for insertion order so every peer resolves
// the same hit.
func (e *Engine) hitItem(p geom.Point) (store.ItemKind, string, geom.Rect, bool) {
	items := e.itemsAt(p)
	if len(items) == 0 {
		return "", "", geom.Rect{}, false
	}
	top := items[len(items)-1]
	return top.kind, top.id, top.rect, true
}

// itemsAt returns every item whose rectangle contains p, in z order
// bottom to top.
func (e *Engine) itemsAt(p geom.Point) []itemRef {
	var out []itemRef
	collect := func(kind store.ItemKind, rects map[string]geom.Rect) {
		ids := make([]string, 0, len(rects))
		for id := range rects {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			if rects[id].Contains(p) {
				out = append(out, itemRef{kind: kind, id: id, rect: rects[id]})
			}
		}
	}

	images := make(map[string]geom.Rect, len(e.snap.Images))
	for id, im := range e.snap.Images {
		images[id] = im.Rect()
	}
	files := make(map[string]geom.Rect, len(e.snap.Files))
	for id, f := range e.snap.Files {
		files[id] = f.Rect()
	}
	notes := make(map[string]geom.Rect, len(e.snap.Notes))
	for id, n := range e.snap.Notes {
		notes[id] = n.Rect()
	}
	collect(store.ItemImage, images)
	collect(store.ItemFile, files)
	collect(store.ItemNote, notes)
	return out
}
