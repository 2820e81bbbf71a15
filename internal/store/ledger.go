package store

import "github.com/automerge/automerge-go"

// The identity ledger separates two lifetimes the presence layer must
// not conflate: presence records live and die with a connection, while
// the ledger entry for a user is durable. A user's color derives from
// their position in the append-only join_order list, so it is stable
// across reconnects and identical on every peer.

// RegisterUser ensures a durable ledger entry for userID. The first
// registration appends to the join order; later calls only refresh the
// display name. Join positions are derived from list position rather
// than a stored ordinal, so two users registering concurrently can
// never mint the same position.
func (s *Store) RegisterUser(userID, name string) error {
	return s.mutate("register user", func(doc *automerge.Doc) (bool, error) {
		identity := doc.Path(colIdentity).Map()
		v, err := identity.Get(userID)
		if err == nil && v.Kind() == automerge.KindMap {
			if strField(v.Map(), "name") == name {
				return false, nil
			}
			if err := v.Map().Set("name", name); err != nil {
				return false, err
			}
			return true, nil
		}
		if err := identity.Set(userID, map[string]any{"name": name}); err != nil {
			return false, err
		}
		if err := doc.Path(colJoins).List().Append(userID); err != nil {
			return true, err
		}
		return true, nil
	})
}

// UserColor returns the stable palette color for a registered user,
// and false for a user not yet in the ledger.
func (s *Store) UserColor(userID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, id := range s.joinOrderLocked() {
		if id == userID {
			return Palette[i%len(Palette)], true
		}
	}
	return "", false
}
