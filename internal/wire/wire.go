// Package wire defines the frames exchanged between clients and the
// relay. The relay treats Data as opaque bytes: in passcode-sealed
// rooms it is ciphertext the relay cannot read, it only fans frames
// out to the other members of a room.
package wire

import (
	"encoding/json"
	"fmt"
)

// Frame types.
const (
	// FrameChange carries an incremental document change payload.
	FrameChange = "change"
	// FramePresence carries a sealed Presence payload.
	FramePresence = "presence"
	// FramePeers is sent by the relay, in the clear, whenever room
	// membership changes. Count is the number of members besides the
	// receiver; it is the low-level peer signal the passcode heuristic
	// needs.
	FramePeers = "peers"
)

// Frame is the single envelope for everything on the room socket.
type Frame struct {
	Type  string `json:"type"`
	From  string `json:"from,omitempty"` // sender's ephemeral client id
	Count int    `json:"count,omitempty"`
	Data  []byte `json:"data,omitempty"`
}

// Encode serializes a frame for the socket.
func Encode(f Frame) ([]byte, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", f.Type, err)
	}
	return raw, nil
}

// Decode parses a frame off the socket.
func Decode(raw []byte, f *Frame) error {
	if err := json.Unmarshal(raw, f); err != nil {
		return fmt.Errorf("failed to decode frame: %w", err)
	}
	return nil
}

// Cursor is a live pointer position. A nil Cursor in Presence means
// the pointer left the canvas.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// User is the identity part of a presence record.
type User struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Presence is the ephemeral, connection-scoped record broadcast to
// peers. It is never persisted; it lives exactly as long as the
// connection that announced it.
type Presence struct {
	ClientID string  `json:"clientId"`
	User     User    `json:"user"`
	Cursor   *Cursor `json:"cursor"`
}
