package main

import (
	"database/sql"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CoBoard/internal/session"
	"CoBoard/internal/wire"
)

func newTestRelay(t *testing.T) (*relay, *httptest.Server) {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "relay.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	rl := &relay{db: db, rooms: map[string]*room{}}
	require.NoError(t, rl.init())
	srv := httptest.NewServer(newRouter(rl))
	t.Cleanup(srv.Close)
	return rl, srv
}

func dialRoom(t *testing.T, srv *httptest.Server, roomID string, header http.Header) (*websocket.Conn, *http.Response) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/rooms/" + roomID + "/sync"
	conn, resp, err := websocket.DefaultDialer.Dial(u, header)
	if conn != nil {
		t.Cleanup(func() { conn.Close() })
	}
	if resp == nil {
		require.NoError(t, err)
	}
	return conn, resp
}

func readFrame(t *testing.T, conn *websocket.Conn) wire.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var f wire.Frame
	require.NoError(t, wire.Decode(raw, &f))
	return f
}

func writeFrame(t *testing.T, conn *websocket.Conn, f wire.Frame) {
	t.Helper()
	raw, err := wire.Encode(f)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func TestFanOutAndReplay(t *testing.T) {
	_, srv := newTestRelay(t)

	a, _ := dialRoom(t, srv, "standup", nil)
	require.Equal(t, 0, readFrame(t, a).Count) // alone

	writeFrame(t, a, wire.Frame{Type: wire.FrameChange, From: "client-a", Data: []byte("change-1")})

	b, _ := dialRoom(t, srv, "standup", nil)
	// The joiner replays the log before anything else, then both
	// members get refreshed peer counts.
	f := readFrame(t, b)
	require.Equal(t, wire.FrameChange, f.Type)
	assert.Equal(t, []byte("change-1"), f.Data)
	assert.Equal(t, 1, readFrame(t, b).Count)
	assert.Equal(t, 1, readFrame(t, a).Count)

	// Live frames from b reach a but never echo back to b.
	writeFrame(t, b, wire.Frame{Type: wire.FrameChange, From: "client-b", Data: []byte("change-2")})
	f = readFrame(t, a)
	require.Equal(t, wire.FrameChange, f.Type)
	assert.Equal(t, []byte("change-2"), f.Data)
}

func TestPresenceFansOutButIsNotReplayed(t *testing.T) {
	_, srv := newTestRelay(t)

	a, _ := dialRoom(t, srv, "retro", nil)
	readFrame(t, a) // peers
	b, _ := dialRoom(t, srv, "retro", nil)
	readFrame(t, b) // peers
	readFrame(t, a) // peers refresh

	writeFrame(t, a, wire.Frame{Type: wire.FramePresence, From: "client-a", Data: []byte("hello")})
	f := readFrame(t, b)
	require.Equal(t, wire.FramePresence, f.Type)

	// A later joiner sees no trace of it.
	c, _ := dialRoom(t, srv, "retro", nil)
	assert.Equal(t, wire.FramePeers, readFrame(t, c).Type)
}

func TestSealedRoomRequiresMatchingDigest(t *testing.T) {
	_, srv := newTestRelay(t)
	digest := session.PasscodeDigest("secret-room", "hunter2")

	header := http.Header{}
	header.Set("X-Room-Passcode", digest)
	a, _ := dialRoom(t, srv, "secret-room", header)
	require.NotNil(t, a)

	// No digest, or the wrong one, is refused before upgrade.
	conn, resp := dialRoom(t, srv, "secret-room", nil)
	assert.Nil(t, conn)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("X-Room-Passcode", session.PasscodeDigest("secret-room", "wrong"))
	conn, resp = dialRoom(t, srv, "secret-room", header)
	assert.Nil(t, conn)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// And /latest has nothing to serve for a sealed room.
	res, err := http.Get(srv.URL + "/rooms/secret-room/latest")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestOpenRoomLatestServesDocument(t *testing.T) {
	_, srv := newTestRelay(t)

	remote := automerge.New()
	require.NoError(t, remote.RootMap().Set("title", "standup notes"))
	_, err := remote.Commit("set title")
	require.NoError(t, err)

	a, _ := dialRoom(t, srv, "open-room", nil)
	readFrame(t, a) // peers
	writeFrame(t, a, wire.Frame{Type: wire.FrameChange, From: "client-a", Data: remote.Save()})

	// The relay applies open-room changes to its own replica.
	require.Eventually(t, func() bool {
		res, err := http.Get(srv.URL + "/rooms/open-room/latest")
		if err != nil {
			return false
		}
		defer res.Body.Close()
		raw, err := io.ReadAll(res.Body)
		if err != nil || res.StatusCode != http.StatusOK {
			return false
		}
		doc, err := automerge.Load(raw)
		if err != nil {
			return false
		}
		title, err := automerge.As[string](doc.RootMap().Get("title"))
		return err == nil && title == "standup notes"
	}, 2*time.Second, 50*time.Millisecond)
}

func TestLatestUnknownRoomIs404(t *testing.T) {
	_, srv := newTestRelay(t)
	res, err := http.Get(srv.URL + "/rooms/nope/latest")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestRoomLogSurvivesRestart(t *testing.T) {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "relay.sqlite3"))
	require.NoError(t, err)
	defer db.Close()

	rl := &relay{db: db, rooms: map[string]*room{}}
	require.NoError(t, rl.init())
	srv := httptest.NewServer(newRouter(rl))

	a, _ := dialRoom(t, srv, "durable", nil)
	readFrame(t, a) // peers
	writeFrame(t, a, wire.Frame{Type: wire.FrameChange, From: "client-a", Data: []byte("kept")})
	time.Sleep(100 * time.Millisecond) // let the relay persist it
	a.Close()
	srv.Close()

	// Fresh relay over the same database.
	rl2 := &relay{db: db, rooms: map[string]*room{}}
	require.NoError(t, rl2.init())
	srv2 := httptest.NewServer(newRouter(rl2))
	defer srv2.Close()

	b, _ := dialRoom(t, srv2, "durable", nil)
	f := readFrame(t, b)
	require.Equal(t, wire.FrameChange, f.Type)
	assert.Equal(t, []byte("kept"), f.Data)
}
