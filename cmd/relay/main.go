// The relay is the rendezvous point for rooms. It never interprets
// board content: it logs sealed change frames, fans them out, and
// replays the log to joiners. For open rooms it additionally keeps a
// live document so /latest can serve a full snapshot.
package main

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	_ "github.com/mattn/go-sqlite3"

	"CoBoard/internal/session"
	"CoBoard/internal/wire"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", ":8787", "the address to listen on")
	dbVar := flag.String("db", "coboard.sqlite3", "path to the room database")
	mdnsVar := flag.Bool("mdns", true, "announce this relay on the local network")
	flag.Parse()

	slog.Info("opening database", "path", *dbVar)
	db, err := sql.Open("sqlite3", *dbVar)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	rl := &relay{db: db, rooms: map[string]*room{}}
	if err := rl.init(); err != nil {
		return err
	}

	r := newRouter(rl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(time.Second * 5)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				rl.backup(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	if *mdnsVar {
		port := listenPort(*addrVar)
		if srv, err := session.Advertise(port); err != nil {
			slog.Warn("mDNS announce failed, clients must dial by address", "err", err)
		} else {
			defer srv.Shutdown()
			slog.Info("announcing relay", "addr", fmt.Sprintf("%s:%d", session.OutgoingIP(), port))
		}
	}

	httpServer := &http.Server{Addr: *addrVar, Handler: r}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("signal caught", "sig", sig)
	cancel()
	_ = httpServer.Close()
	wg.Wait()

	rl.backup(context.Background())
	return nil
}

func newRouter(rl *relay) *mux.Router {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})
	r.Methods(http.MethodGet).Path("/rooms/{room}/latest").HandlerFunc(rl.getLatest)
	r.Methods(http.MethodGet).Path("/rooms/{room}/sync").HandlerFunc(rl.syncRoom)
	return r
}

func listenPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 8787
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 8787
	}
	return port
}

type relay struct {
	db *sql.DB

	mu    sync.Mutex
	rooms map[string]*room
}

// room is one rendezvous. A sealed room keeps only the frame log; an
// open room additionally maintains doc so /latest works and backups
// store a compact snapshot instead of the whole log.
type room struct {
	id     string
	digest string // empty for open rooms

	mu      sync.Mutex
	log     [][]byte
	doc     *automerge.Doc
	dirty   bool
	members map[*member]struct{}
}

type member struct {
	conn *websocket.Conn
	send chan []byte
}

func (rl *relay) init() error {
	if _, err := rl.db.Exec(
		`CREATE TABLE IF NOT EXISTS rooms (
		id text not null primary key,
		passcode_digest text not null default '',
		content text not null default ''
		)`,
	); err != nil {
		return fmt.Errorf("failed to create rooms table: %w", err)
	}
	if _, err := rl.db.Exec(
		`CREATE TABLE IF NOT EXISTS room_log (
		room text not null,
		seq integer not null,
		data text not null,
		primary key (room, seq)
		)`,
	); err != nil {
		return fmt.Errorf("failed to create log table: %w", err)
	}
	slog.Info("ensured initial tables exist")
	return nil
}

// roomFor loads or creates a room. The first joiner that presents a
// passcode digest claims the room; later joiners must match it.
func (rl *relay) roomFor(ctx context.Context, id, digest string) (*room, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rm, ok := rl.rooms[id]; ok {
		return rm, nil
	}

	if _, err := rl.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO rooms (id, passcode_digest) VALUES (?, ?)`, id, digest,
	); err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}
	rm := &room{id: id, members: map[*member]struct{}{}}
	var content string
	if err := rl.db.QueryRowContext(ctx,
		`SELECT passcode_digest, content FROM rooms WHERE id = ?`, id,
	).Scan(&rm.digest, &content); err != nil {
		return nil, fmt.Errorf("failed to load room: %w", err)
	}
	if rm.digest == "" {
		rm.doc = automerge.New()
		if content != "" {
			raw, err := base64.StdEncoding.DecodeString(content)
			if err != nil {
				return nil, fmt.Errorf("failed to decode room content: %w", err)
			}
			if rm.doc, err = automerge.Load(raw); err != nil {
				return nil, fmt.Errorf("failed to load room doc: %w", err)
			}
		}
	}

	rows, err := rl.db.QueryContext(ctx, `SELECT data FROM room_log WHERE room = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load room log: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan log row: %w", err)
		}
		rm.log = append(rm.log, []byte(data))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rl.rooms[id] = rm
	slog.Info("room loaded", "room", id, "sealed", rm.digest != "", "log", len(rm.log))
	return rm, nil
}

func (rl *relay) getLatest(writer http.ResponseWriter, request *http.Request) {
	id := mux.Vars(request)["room"]
	var exists int
	if err := rl.db.QueryRowContext(request.Context(),
		`SELECT COUNT(*) FROM rooms WHERE id = ?`, id,
	).Scan(&exists); err != nil {
		slog.Error("failed to look up room", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	if exists == 0 {
		writer.WriteHeader(http.StatusNotFound)
		return
	}
	rm, err := rl.roomFor(request.Context(), id, "")
	if err != nil {
		slog.Error("failed to open room", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.doc == nil {
		// Sealed rooms have no relay-readable snapshot.
		writer.WriteHeader(http.StatusForbidden)
		return
	}
	writer.Header().Add("Content-Type", "application/octet-stream")
	if _, err := writer.Write(rm.doc.Save()); err != nil {
		slog.Error("failed to write snapshot", "err", err)
	}
}

func (rl *relay) syncRoom(writer http.ResponseWriter, request *http.Request) {
	digest := request.Header.Get("X-Room-Passcode")
	rm, err := rl.roomFor(request.Context(), mux.Vars(request)["room"], digest)
	if err != nil {
		slog.Error("failed to open room", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	if rm.digest != "" && digest != rm.digest {
		writer.WriteHeader(http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}
	conn, err := upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}
	defer conn.Close()

	m := &member{conn: conn, send: make(chan []byte, 256)}
	go m.writeLoop()
	rm.join(m)
	defer rm.leave(m)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		rl.handleFrame(rm, m, raw)
	}
}

func (rl *relay) handleFrame(rm *room, from *member, raw []byte) {
	var f wire.Frame
	if err := wire.Decode(raw, &f); err != nil {
		slog.Warn("dropping malformed frame", "room", rm.id, "err", err)
		return
	}
	switch f.Type {
	case wire.FrameChange:
		rm.mu.Lock()
		rm.log = append(rm.log, raw)
		seq := len(rm.log)
		if rm.doc != nil {
			if err := rm.doc.LoadIncremental(f.Data); err != nil {
				slog.Warn("change frame did not apply to room doc", "room", rm.id, "err", err)
			} else {
				rm.dirty = true
			}
		}
		rm.mu.Unlock()
		if _, err := rl.db.Exec(
			`INSERT OR IGNORE INTO room_log (room, seq, data) VALUES (?, ?, ?)`,
			rm.id, seq, string(raw),
		); err != nil {
			slog.Error("failed to persist change frame", "room", rm.id, "err", err)
		}
		rm.broadcast(from, raw)
	case wire.FramePresence:
		// Ephemeral: fan out, never log.
		rm.broadcast(from, raw)
	}
}

func (rm *room) join(m *member) {
	rm.mu.Lock()
	rm.members[m] = struct{}{}
	replay := make([][]byte, len(rm.log))
	copy(replay, rm.log)
	rm.mu.Unlock()

	for _, raw := range replay {
		m.enqueue(raw)
	}
	rm.announcePeers()
}

func (rm *room) leave(m *member) {
	rm.mu.Lock()
	delete(rm.members, m)
	rm.mu.Unlock()
	close(m.send)
	rm.announcePeers()
}

// announcePeers tells each member how many others are present. The
// count excludes the receiver, so a lone member reads 0.
func (rm *room) announcePeers() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	n := len(rm.members)
	raw, err := wire.Encode(wire.Frame{Type: wire.FramePeers, Count: n - 1})
	if err != nil {
		return
	}
	for m := range rm.members {
		m.enqueue(raw)
	}
}

func (rm *room) broadcast(from *member, raw []byte) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	for m := range rm.members {
		if m == from {
			continue
		}
		m.enqueue(raw)
	}
}

func (m *member) enqueue(raw []byte) {
	select {
	case m.send <- raw:
	default:
		// A member that can't keep up gets dropped; it will
		// reconnect and replay the log.
		_ = m.conn.Close()
	}
}

func (m *member) writeLoop() {
	for raw := range m.send {
		if err := m.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			_ = m.conn.Close()
			return
		}
	}
}

// backup persists each open room's compact snapshot. Sealed rooms are
// durable through the frame log alone.
func (rl *relay) backup(ctx context.Context) {
	rl.mu.Lock()
	rooms := make([]*room, 0, len(rl.rooms))
	for _, rm := range rl.rooms {
		rooms = append(rooms, rm)
	}
	rl.mu.Unlock()

	for _, rm := range rooms {
		rm.mu.Lock()
		if rm.doc == nil || !rm.dirty {
			rm.mu.Unlock()
			continue
		}
		content := base64.StdEncoding.EncodeToString(rm.doc.Save())
		rm.dirty = false
		rm.mu.Unlock()
		if _, err := rl.db.ExecContext(ctx,
			`UPDATE rooms SET content = ? WHERE id = ?`, content, rm.id,
		); err != nil {
			slog.Error("failed to back up room", "room", rm.id, "err", err)
		} else {
			slog.Info("backed up", "room", rm.id)
		}
	}
}
