package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
)

// errOpaque marks a frame that did not open with the room key: either
// garbage, or traffic from peers keyed with a different passcode. The
// auth heuristic counts these as evidence that the room is populated
// but unreadable.
var errOpaque = errors.New("frame does not open with room key")

// roomCipher seals room traffic with a key derived from the room id
// and passcode. Peers without the matching passcode receive frames
// that simply fail to open; there is no explicit rejection signal,
// which is why the session needs the timeout heuristic. A nil
// roomCipher passes data through untouched (open room).
type roomCipher struct {
	aead cipher.AEAD
}

func newRoomCipher(roomID, passcode string) (*roomCipher, error) {
	if passcode == "" {
		return nil, nil
	}
	key := sha256.Sum256([]byte(roomID + "\x00" + passcode))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to derive room key: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to build room cipher: %w", err)
	}
	return &roomCipher{aead: aead}, nil
}

func (c *roomCipher) seal(plain []byte) ([]byte, error) {
	if c == nil {
		return plain, nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to draw nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plain, nil), nil
}

func (c *roomCipher) open(sealed []byte) ([]byte, error) {
	if c == nil {
		return sealed, nil
	}
	if len(sealed) < c.aead.NonceSize() {
		return nil, errOpaque
	}
	nonce, body := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, errOpaque
	}
	return plain, nil
}
