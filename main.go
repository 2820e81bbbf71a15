// CoBoard is a shared drawing surface for a local network: ink, sticky
// notes and dropped media replicate between everyone in a room through
// a small relay, and merge without coordination.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"CoBoard/internal/canvas"
	"CoBoard/internal/geom"
	"CoBoard/internal/session"
	"CoBoard/internal/store"
	"CoBoard/internal/ui"
	"CoBoard/internal/wire"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	relayVar := flag.String("relay", "", "relay base URL; empty means discover one via mDNS")
	roomVar := flag.String("room", "shared", "room to join")
	passcodeVar := flag.String("passcode", "", "room passcode; empty joins open rooms")
	nameVar := flag.String("name", defaultName(), "display name shown to peers")
	boardVar := flag.String("board", "", "path of a local board file to load and save")
	flag.Parse()

	st, err := loadBoard(*boardVar)
	if err != nil {
		return err
	}
	userID, err := localIdentity()
	if err != nil {
		return err
	}
	if err := st.RegisterUser(userID, *nameVar); err != nil {
		return fmt.Errorf("failed to register identity: %w", err)
	}
	color, _ := st.UserColor(userID)

	engine := canvas.NewEngine(st)
	engine.SetAuthor(canvas.Author{ID: userID, Name: *nameVar, Color: color})
	engine.SetStrokeStyle(color, 3)

	relayURL := *relayVar
	if relayURL == "" {
		relayURL = discoverRelay()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proxy := &sessionProxy{}
	controls := &controlBinding{}

	// startSession (re)joins the room; a rejected passcode prompts for
	// a new one and tries again with a fresh session.
	var startSession func(passcode string)
	startSession = func(passcode string) {
		proxy.stop()
		sess, err := session.New(st, session.Config{
			RelayURL:    relayURL,
			RoomID:      *roomVar,
			Passcode:    passcode,
			UserID:      userID,
			DisplayName: *nameVar,
		})
		if err != nil {
			slog.Error("cannot join room", "err", err)
			return
		}
		sess.OnStatus = func(status session.Status, err error) {
			text := status.String()
			if errors.Is(err, session.ErrAuthFailed) {
				text = "passcode rejected"
			}
			if c := controls.get(); c.SetStatus != nil {
				c.SetStatus(fmt.Sprintf("%s · %s", *roomVar, text))
			}
		}
		sctx, scancel := context.WithCancel(ctx)
		proxy.set(sess, scancel)
		go func() {
			err := sess.Run(sctx)
			if c := controls.get(); errors.Is(err, session.ErrAuthFailed) && c.PromptPasscode != nil {
				c.PromptPasscode("Passcode rejected — enter the room passcode", startSession)
				return
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("session ended", "err", err)
			}
		}()
	}

	if relayURL != "" {
		startSession(*passcodeVar)
	} else {
		slog.Info("no relay found, starting offline")
	}

	ui.RunApp(ui.AppConfig{
		Store:    st,
		Engine:   engine,
		Presence: proxy,
		Title:    fmt.Sprintf("CoBoard — %s", *roomVar),
		BindControls: func(c ui.Controls) {
			controls.bind(c)
			if relayURL == "" {
				c.SetStatus("offline")
			}
		},
	})
	cancel()

	if *boardVar != "" {
		if err := os.WriteFile(*boardVar, st.Save(), 0o644); err != nil {
			return fmt.Errorf("failed to save board: %w", err)
		}
		slog.Info("board saved", "path", *boardVar)
	}
	return nil
}

// controlBinding hands the UI controls to session callbacks. The first
// session can start before RunApp binds anything, and its callbacks
// fire on session goroutines, so access goes through a lock.
type controlBinding struct {
	mu sync.Mutex
	c  ui.Controls
}

func (b *controlBinding) bind(c ui.Controls) {
	b.mu.Lock()
	b.c = c
	b.mu.Unlock()
}

func (b *controlBinding) get() ui.Controls {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.c
}

// sessionProxy lets the board keep one Presence value across session
// restarts (a rejected passcode replaces the whole session).
type sessionProxy struct {
	mu     sync.Mutex
	s      *session.Session
	cancel context.CancelFunc
}

func (p *sessionProxy) set(s *session.Session, cancel context.CancelFunc) {
	p.mu.Lock()
	p.s, p.cancel = s, cancel
	p.mu.Unlock()
}

func (p *sessionProxy) stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.s, p.cancel = nil, nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (p *sessionProxy) current() *session.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.s
}

func (p *sessionProxy) Peers() []wire.Presence {
	if s := p.current(); s != nil {
		return s.Peers()
	}
	return nil
}

func (p *sessionProxy) SetCursor(pt *geom.Point) {
	if s := p.current(); s != nil {
		s.SetCursor(pt)
	}
}

func loadBoard(path string) (*store.Store, error) {
	if path == "" {
		return store.New(), nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return store.New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read board file: %w", err)
	}
	st, err := store.NewFrom(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load board file: %w", err)
	}
	return st, nil
}

// localIdentity is a durable per-machine participant id, so the board
// recognizes us across restarts.
func localIdentity() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate config dir: %w", err)
	}
	path := filepath.Join(dir, "coboard", "identity")
	if raw, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(raw)); id != "" {
			return id, nil
		}
	}
	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create config dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("failed to persist identity: %w", err)
	}
	return id, nil
}

func defaultName() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return "guest"
}

// discoverRelay runs one mDNS pass and takes the first answer.
func discoverRelay() string {
	found := make(chan string, 1)
	if err := session.Browse(func(addr string) {
		select {
		case found <- addr:
		default:
		}
	}); err != nil {
		slog.Warn("relay discovery failed", "err", err)
		return ""
	}
	select {
	case addr := <-found:
		return "http://" + addr
	default:
		return ""
	}
}
