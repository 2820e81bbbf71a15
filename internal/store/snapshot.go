package store

import "github.com/automerge/automerge-go"

// snapshotLocked copies every collection out of the document. Callers
// hold s.mu.
func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{
		Notes:  map[string]Note{},
		Images: map[string]Image{},
		Files:  map[string]File{},
		Users:  map[string]User{},
	}

	list := s.doc.Path(colStrokes).List()
	for i := 0; i < list.Len(); i++ {
		v, err := list.Get(i)
		if err != nil || v.Kind() != automerge.KindMap {
			logIgnored("stroke", err)
			continue
		}
		m := v.Map()
		snap.Strokes = append(snap.Strokes, Stroke{
			ID:     strField(m, "id"),
			Points: pointsField(m, "points"),
			Color:  strField(m, "color"),
			Width:  numField(m, "width"),
		})
	}

	s.eachEntry(colNotes, func(id string, m *automerge.Map) {
		snap.Notes[id] = Note{
			ID:          id,
			X:           numField(m, "x"),
			Y:           numField(m, "y"),
			W:           numField(m, "w"),
			H:           numField(m, "h"),
			Text:        strField(m, "text"),
			Color:       strField(m, "color"),
			AuthorID:    strField(m, "authorId"),
			AuthorName:  strField(m, "authorName"),
			AuthorColor: strField(m, "authorColor"),
		}
	})
	s.eachEntry(colImages, func(id string, m *automerge.Map) {
		snap.Images[id] = Image{
			ID:    id,
			X:     numField(m, "x"),
			Y:     numField(m, "y"),
			W:     numField(m, "w"),
			H:     numField(m, "h"),
			Src:   bytesField(m, "src"),
			Title: strField(m, "title"),
		}
	})
	s.eachEntry(colFiles, func(id string, m *automerge.Map) {
		snap.Files[id] = File{
			ID:   id,
			X:    numField(m, "x"),
			Y:    numField(m, "y"),
			W:    numField(m, "w"),
			H:    numField(m, "h"),
			Name: strField(m, "fileName"),
			Type: strField(m, "fileType"),
			Data: bytesField(m, "data"),
		}
	})

	order := s.joinOrderLocked()
	names := map[string]string{}
	s.eachEntry(colIdentity, func(id string, m *automerge.Map) {
		names[id] = strField(m, "name")
	})
	for i, userID := range order {
		snap.Users[userID] = User{
			Name:      names[userID],
			Color:     Palette[i%len(Palette)],
			JoinOrder: i,
		}
	}
	return snap
}

func (s *Store) eachEntry(col string, fn func(id string, m *automerge.Map)) {
	m := s.doc.Path(col).Map()
	keys, err := m.Keys()
	if err != nil {
		logIgnored(col, err)
		return
	}
	for _, k := range keys {
		v, err := m.Get(k)
		if err != nil || v.Kind() != automerge.KindMap {
			logIgnored(col, err)
			continue
		}
		fn(k, v.Map())
	}
}

// joinOrderLocked returns the ledger deduplicated by first occurrence.
// A participant that registers on two replicas before they sync ends
// up appended twice after the merge; the earliest entry fixes the
// user's position so colors never shift.
func (s *Store) joinOrderLocked() []string {
	list := s.doc.Path(colJoins).List()
	out := make([]string, 0, list.Len())
	seen := map[string]bool{}
	for i := 0; i < list.Len(); i++ {
		v, err := list.Get(i)
		if err != nil || v.Kind() != automerge.KindStr {
			logIgnored("join order", err)
			continue
		}
		if id := v.Str(); !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
