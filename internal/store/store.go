// Package store owns the replicated board document: four collections
// (strokes, notes, images, files) plus the identity ledger, all held in
// one automerge document so concurrent edits from independent
// participants converge without a central arbiter.
package store

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"
)

const (
	colStrokes  = "strokes"
	colNotes    = "notes"
	colImages   = "images"
	colFiles    = "files"
	colIdentity = "identity"
	colJoins    = "join_order"
)

// Store wraps the automerge document behind atomic mutation operations
// and a change-notification mechanism. All operations are idempotent
// when replayed with the same payload and commute with concurrent
// operations from other participants.
type Store struct {
	mu   sync.Mutex
	doc  *automerge.Doc
	subs []func(Snapshot)
}

// bootstrapActor pins the schema-creating change to a fixed actor and
// timestamp. Every replica then starts from a byte-identical bootstrap
// change and shares the same collection container objects; without
// this, two sites creating "strokes" independently would race the root
// key and one side's strokes would vanish on merge.
const bootstrapActor = "c0b0a5d0"

// New creates an empty board with the shared collection containers.
func New() *Store {
	doc := automerge.New()
	must(doc.SetActorID(bootstrapActor))
	root := doc.RootMap()
	must(root.Set(colStrokes, []any{}))
	must(root.Set(colNotes, map[string]any{}))
	must(root.Set(colImages, map[string]any{}))
	must(root.Set(colFiles, map[string]any{}))
	must(root.Set(colIdentity, map[string]any{}))
	must(root.Set(colJoins, []any{}))
	epoch := time.Unix(0, 0).UTC()
	if _, err := doc.Commit("init board", automerge.CommitOptions{Time: &epoch}); err != nil {
		panic(err)
	}
	// Real edits use a per-session actor so sites never collide.
	u := uuid.New()
	must(doc.SetActorID(hex.EncodeToString(u[:])))
	return &Store{doc: doc}
}

// NewFrom loads a board from its binary serialization (a saved board
// file or the relay's base document).
func NewFrom(raw []byte) (*Store, error) {
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load board document: %w", err)
	}
	return &Store{doc: doc}, nil
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

// Subscribe registers fn and fires it immediately with the current
// snapshot. It returns an unsubscribe function.
func (s *Store) Subscribe(fn func(Snapshot)) func() {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	idx := len(s.subs) - 1
	snap := s.snapshotLocked()
	s.mu.Unlock()

	fn(snap)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if idx < len(s.subs) {
			s.subs[idx] = nil
		}
	}
}

// Snapshot returns a consistent copy of all collections.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Save returns the full binary serialization of the document.
func (s *Store) Save() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Save()
}

// Flush returns the changes committed since the previous Flush (or
// Save), for broadcast to peers. Empty when nothing changed.
func (s *Store) Flush() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.SaveIncremental()
}

// ApplyIncremental merges a change payload received from a peer and
// notifies subscribers. Payloads already merged are absorbed silently.
func (s *Store) ApplyIncremental(raw []byte) error {
	s.mu.Lock()
	if err := s.doc.LoadIncremental(raw); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to merge remote changes: %w", err)
	}
	snap := s.snapshotLocked()
	subs := s.subsLocked()
	s.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
	return nil
}

// mutate runs fn against the document, commits once if it reported a
// change, and notifies subscribers. fn returning changed=false means
// the mutation target was already gone, which is an expected race with
// concurrent participants and therefore a silent no-op.
func (s *Store) mutate(msg string, fn func(doc *automerge.Doc) (changed bool, err error)) error {
	s.mu.Lock()
	changed, err := fn(s.doc)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", msg, err)
	}
	if !changed {
		s.mu.Unlock()
		return nil
	}
	if _, err := s.doc.Commit(msg); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%s: commit: %w", msg, err)
	}
	snap := s.snapshotLocked()
	subs := s.subsLocked()
	s.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
	return nil
}

func (s *Store) subsLocked() []func(Snapshot) {
	out := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		if fn != nil {
			out = append(out, fn)
		}
	}
	return out
}

// AddStroke appends a stroke to the board. The final collection is a
// convergent union of all appended strokes across all participants.
func (s *Store) AddStroke(st Stroke) error {
	if len(st.Points) == 0 {
		return fmt.Errorf("add stroke: empty point list")
	}
	return s.mutate("add stroke", func(doc *automerge.Doc) (bool, error) {
		list := doc.Path(colStrokes).List()
		if i, _ := strokeIndex(list, st.ID); i >= 0 {
			return false, nil // already present, replay is a no-op
		}
		if err := list.Append(strokeValue(st)); err != nil {
			return false, err
		}
		return true, nil
	})
}

// DeleteStrokes removes every stroke whose id is in ids. Ids are
// resolved to positions inside the transaction, never from indices
// captured earlier, so concurrent inserts and deletes cannot shift the
// wrong entry under us.
func (s *Store) DeleteStrokes(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	return s.mutate("delete strokes", func(doc *automerge.Doc) (bool, error) {
		list := doc.Path(colStrokes).List()
		changed := false
		for i := list.Len() - 1; i >= 0; i-- {
			v, err := list.Get(i)
			if err != nil {
				return changed, err
			}
			if v.Kind() != automerge.KindMap {
				continue
			}
			if want[strField(v.Map(), "id")] {
				if err := list.Delete(i); err != nil {
					return changed, err
				}
				changed = true
			}
		}
		return changed, nil
	})
}

// TransformStrokes replaces the points of each addressed stroke, all in
// one transaction, so remote peers never observe a half-applied group
// move or resize. Strokes deleted concurrently are skipped.
func (s *Store) TransformStrokes(updated []Stroke) error {
	if len(updated) == 0 {
		return nil
	}
	points := make(map[string][]float64, len(updated))
	for _, st := range updated {
		points[st.ID] = flattenPoints(st.Points)
	}
	return s.mutate("transform strokes", func(doc *automerge.Doc) (bool, error) {
		list := doc.Path(colStrokes).List()
		changed := false
		for i := 0; i < list.Len(); i++ {
			v, err := list.Get(i)
			if err != nil {
				return changed, err
			}
			if v.Kind() != automerge.KindMap {
				continue
			}
			m := v.Map()
			pts, ok := points[strField(m, "id")]
			if !ok {
				continue
			}
			if err := m.Set("points", pts); err != nil {
				return changed, err
			}
			changed = true
		}
		return changed, nil
	})
}

// PutNote creates (or idempotently recreates) a note.
func (s *Store) PutNote(n Note) error {
	n.W, n.H = clampSize(n.W, n.H)
	return s.mutate("put note", func(doc *automerge.Doc) (bool, error) {
		err := doc.Path(colNotes).Map().Set(n.ID, map[string]any{
			"id":          n.ID,
			"x":           n.X,
			"y":           n.Y,
			"w":           n.W,
			"h":           n.H,
			"text":        n.Text,
			"color":       n.Color,
			"authorId":    n.AuthorID,
			"authorName":  n.AuthorName,
			"authorColor": n.AuthorColor,
		})
		return err == nil, err
	})
}

// UpdateNote writes only the fields set in the patch. Updating a note
// that has been deleted concurrently is a no-op.
func (s *Store) UpdateNote(id string, p NotePatch) error {
	return s.mutate("update note", func(doc *automerge.Doc) (bool, error) {
		v, err := doc.Path(colNotes).Map().Get(id)
		if err != nil || v.Kind() != automerge.KindMap {
			return false, nil
		}
		m := v.Map()
		changed := false
		setF := func(key string, f *float64) error {
			if f == nil {
				return nil
			}
			changed = true
			return m.Set(key, *f)
		}
		if p.W != nil || p.H != nil {
			w, h := numField(m, "w"), numField(m, "h")
			if p.W != nil {
				w = *p.W
			}
			if p.H != nil {
				h = *p.H
			}
			w, h = clampSize(w, h)
			p.W, p.H = &w, &h
		}
		for key, f := range map[string]*float64{"x": p.X, "y": p.Y, "w": p.W, "h": p.H} {
			if err := setF(key, f); err != nil {
				return changed, err
			}
		}
		if p.Text != nil {
			changed = true
			if err := m.Set("text", *p.Text); err != nil {
				return changed, err
			}
		}
		if p.Color != nil {
			changed = true
			if err := m.Set("color", *p.Color); err != nil {
				return changed, err
			}
		}
		return changed, nil
	})
}

// PutImage creates an image. Src is write-once: re-putting an existing
// id refreshes the meta fields but never rewrites the payload.
func (s *Store) PutImage(im Image) error {
	im.W, im.H = clampSize(im.W, im.H)
	return s.mutate("put image", func(doc *automerge.Doc) (bool, error) {
		col := doc.Path(colImages).Map()
		if v, err := col.Get(im.ID); err == nil && v.Kind() == automerge.KindMap {
			return false, nil
		}
		err := col.Set(im.ID, map[string]any{
			"id":    im.ID,
			"x":     im.X,
			"y":     im.Y,
			"w":     im.W,
			"h":     im.H,
			"src":   im.Src,
			"title": im.Title,
		})
		return err == nil, err
	})
}

// PutFile attaches a file. Data is write-once, like Image.Src.
func (s *Store) PutFile(f File) error {
	f.W, f.H = clampSize(f.W, f.H)
	return s.mutate("put file", func(doc *automerge.Doc) (bool, error) {
		col := doc.Path(colFiles).Map()
		if v, err := col.Get(f.ID); err == nil && v.Kind() == automerge.KindMap {
			return false, nil
		}
		err := col.Set(f.ID, map[string]any{
			"id":       f.ID,
			"x":        f.X,
			"y":        f.Y,
			"w":        f.W,
			"h":        f.H,
			"fileName": f.Name,
			"fileType": f.Type,
			"data":     f.Data,
		})
		return err == nil, err
	})
}

// SetImageTitle updates an image's title, leaving the payload alone.
func (s *Store) SetImageTitle(id, title string) error {
	return s.setItemField(ItemImage, id, "title", title)
}

// MoveItem writes just the position fields of a note, image or file.
func (s *Store) MoveItem(kind ItemKind, id string, x, y float64) error {
	return s.mutate("move item", func(doc *automerge.Doc) (bool, error) {
		v, err := doc.Path(string(kind)).Map().Get(id)
		if err != nil || v.Kind() != automerge.KindMap {
			return false, nil
		}
		m := v.Map()
		if err := m.Set("x", x); err != nil {
			return false, err
		}
		if err := m.Set("y", y); err != nil {
			return true, err
		}
		return true, nil
	})
}

// ResizeItem writes just the size fields, clamped to MinItemSize.
func (s *Store) ResizeItem(kind ItemKind, id string, w, h float64) error {
	w, h = clampSize(w, h)
	return s.mutate("resize item", func(doc *automerge.Doc) (bool, error) {
		v, err := doc.Path(string(kind)).Map().Get(id)
		if err != nil || v.Kind() != automerge.KindMap {
			return false, nil
		}
		m := v.Map()
		if err := m.Set("w", w); err != nil {
			return false, err
		}
		if err := m.Set("h", h); err != nil {
			return true, err
		}
		return true, nil
	})
}

// DeleteItem removes a note, image or file. Deleting an id that is
// already gone is a no-op, since a concurrent delete by another
// participant is an expected race.
func (s *Store) DeleteItem(kind ItemKind, id string) error {
	return s.mutate("delete item", func(doc *automerge.Doc) (bool, error) {
		col := doc.Path(string(kind)).Map()
		v, err := col.Get(id)
		if err != nil || v.Kind() == automerge.KindVoid {
			return false, nil
		}
		if err := col.Delete(id); err != nil {
			return false, err
		}
		return true, nil
	})
}

func (s *Store) setItemField(kind ItemKind, id, key string, value any) error {
	return s.mutate("set "+key, func(doc *automerge.Doc) (bool, error) {
		v, err := doc.Path(string(kind)).Map().Get(id)
		if err != nil || v.Kind() != automerge.KindMap {
			return false, nil
		}
		if err := v.Map().Set(key, value); err != nil {
			return false, err
		}
		return true, nil
	})
}

// ClearBoard empties all four collections in a single transaction; no
// participant can observe a state with only some collections cleared.
// The identity ledger survives.
func (s *Store) ClearBoard() error {
	return s.mutate("clear board", func(doc *automerge.Doc) (bool, error) {
		changed := false
		list := doc.Path(colStrokes).List()
		for i := list.Len() - 1; i >= 0; i-- {
			if err := list.Delete(i); err != nil {
				return changed, err
			}
			changed = true
		}
		for _, col := range []string{colNotes, colImages, colFiles} {
			m := doc.Path(col).Map()
			keys, err := m.Keys()
			if err != nil {
				return changed, err
			}
			for _, k := range keys {
				if err := m.Delete(k); err != nil {
					return changed, err
				}
				changed = true
			}
		}
		return changed, nil
	})
}

func clampSize(w, h float64) (float64, float64) {
	if w < MinItemSize {
		w = MinItemSize
	}
	if h < MinItemSize {
		h = MinItemSize
	}
	return w, h
}

func strokeIndex(list *automerge.List, id string) (int, error) {
	for i := 0; i < list.Len(); i++ {
		v, err := list.Get(i)
		if err != nil {
			return -1, err
		}
		if v.Kind() == automerge.KindMap && strField(v.Map(), "id") == id {
			return i, nil
		}
	}
	return -1, nil
}

func strokeValue(st Stroke) map[string]any {
	return map[string]any{
		"id":     st.ID,
		"points": flattenPoints(st.Points),
		"color":  st.Color,
		"width":  st.Width,
	}
}

func logIgnored(op string, err error) {
	if err != nil {
		slog.Debug("ignored document read error", "op", op, "err", err)
	}
}
