package ui

import (
	"bytes"
	"image"
	"io"
	"log"
	"path/filepath"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/app"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/dialog"
	"fyne.io/fyne/v2/widget"
	"github.com/google/uuid"

	boardcanvas "CoBoard/internal/canvas"
	"CoBoard/internal/export"
	"CoBoard/internal/geom"
	"CoBoard/internal/store"
)

// Controls is what the window hands back to the network layer: a
// status line setter and a modal passcode prompt for rejected joins.
type Controls struct {
	SetStatus      func(text string)
	PromptPasscode func(message string, entered func(passcode string))
}

// AppConfig wires an already-built document, engine and network layer
// into the window. Presence may be nil for an offline board.
type AppConfig struct {
	Store    *store.Store
	Engine   *boardcanvas.Engine
	Presence Presence
	Title    string

	// BindControls hands the caller the window controls, so the
	// network layer can report state without importing ui.
	BindControls func(Controls)
}

// RunApp opens the board window and blocks until it closes.
func RunApp(cfg AppConfig) {
	fyneApp := app.New()
	win := fyneApp.NewWindow(cfg.Title)
	win.Resize(fyne.NewSize(1200, 800))

	board := NewBoardWidget(cfg.Engine, cfg.Presence)
	unsubscribe := cfg.Store.Subscribe(board.SetSnapshot)
	defer unsubscribe()

	cfg.Engine.OnPlaceMedia = func(at geom.Point) {
		pickMedia(win, cfg.Store, at)
	}
	board.OnEditNote = func(id, current string) {
		entry := widget.NewMultiLineEntry()
		entry.SetText(current)
		dialog.ShowForm("Edit note", "Save", "Cancel",
			[]*widget.FormItem{widget.NewFormItem("Text", entry)},
			func(ok bool) {
				if !ok {
					return
				}
				text := entry.Text
				if err := cfg.Store.UpdateNote(id, store.NotePatch{Text: &text}); err != nil {
					dialog.ShowError(err, win)
				}
			}, win)
	}

	status := widget.NewLabel("offline")
	if cfg.BindControls != nil {
		cfg.BindControls(Controls{
			SetStatus: func(text string) {
				fyne.Do(func() { status.SetText(text) })
			},
			PromptPasscode: func(message string, entered func(string)) {
				fyne.Do(func() {
					entry := widget.NewPasswordEntry()
					dialog.ShowForm(message, "Join", "Cancel",
						[]*widget.FormItem{widget.NewFormItem("Passcode", entry)},
						func(ok bool) {
							if ok {
								entered(entry.Text)
							}
						}, win)
				})
			},
		})
	}

	clear := widget.NewButton("Clear", func() {
		dialog.ShowConfirm("Clear board", "Remove everything from the board for everyone?", func(ok bool) {
			if !ok {
				return
			}
			if err := cfg.Store.ClearBoard(); err != nil {
				dialog.ShowError(err, win)
			}
		}, win)
	})

	toolbar := NewToolbar(cfg.Engine, board)
	bottom := container.NewHBox(status, clear)
	win.SetContent(container.NewBorder(toolbar, bottom, nil, nil, board))
	win.SetMainMenu(mainMenu(win, cfg.Store))

	win.Canvas().SetOnTypedKey(func(ev *fyne.KeyEvent) {
		if ev.Name == fyne.KeyEscape {
			board.CancelGesture()
		}
	})

	// Remote cursors and presence move between document changes, so
	// keep repainting while the window is up.
	done := make(chan struct{})
	win.SetOnClosed(func() { close(done) })
	go func() {
		t := time.NewTicker(50 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				fyne.Do(board.Refresh)
			case <-done:
				return
			}
		}
	}()

	win.ShowAndRun()
}

func mainMenu(win fyne.Window, st *store.Store) *fyne.MainMenu {
	saveWith := func(name string, render func(w io.Writer, snap store.Snapshot) error) func() {
		return func() {
			d := dialog.NewFileSave(func(writer fyne.URIWriteCloser, err error) {
				if err != nil || writer == nil {
					return
				}
				defer writer.Close()
				if err := render(writer, st.Snapshot()); err != nil {
					dialog.ShowError(err, win)
				}
			}, win)
			d.SetFileName(name)
			d.Show()
		}
	}
	return fyne.NewMainMenu(fyne.NewMenu("Board",
		fyne.NewMenuItem("Export PDF…", saveWith("board.pdf", export.PDF)),
		fyne.NewMenuItem("Export image…", saveWith("board.png", export.SnapshotPNG)),
		fyne.NewMenuItem("Export archive…", saveWith("board.zip", export.Archive)),
	))
}

// pickMedia prompts for a file and places it on the board at the drop
// point. Anything that decodes as an image becomes an image item; the
// rest become file cards.
func pickMedia(win fyne.Window, st *store.Store, at geom.Point) {
	dialog.ShowFileOpen(func(reader fyne.URIReadCloser, err error) {
		if err != nil || reader == nil {
			return
		}
		defer reader.Close()
		data, err := io.ReadAll(reader)
		if err != nil {
			dialog.ShowError(err, win)
			return
		}
		name := filepath.Base(reader.URI().Path())

		if conf, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
			w, h := fitImage(float64(conf.Width), float64(conf.Height), 400)
			err = st.PutImage(store.Image{
				ID: uuid.NewString(),
				X:  at.X - w/2, Y: at.Y - h/2, W: w, H: h,
				Src: data, Title: name,
			})
		} else {
			err = st.PutFile(store.File{
				ID: uuid.NewString(),
				X:  at.X - 90, Y: at.Y - 30, W: 180, H: 60,
				Name: name, Type: filepath.Ext(name), Data: data,
			})
		}
		if err != nil {
			log.Printf("cannot place media: %v", err)
			dialog.ShowError(err, win)
		}
	}, win)
}

// fitImage scales natural dimensions down to the placement limit
// while keeping aspect ratio; small images keep their size.
func fitImage(w, h, limit float64) (float64, float64) {
	if w <= 0 || h <= 0 {
		return store.MinItemSize, store.MinItemSize
	}
	scale := 1.0
	if w > limit || h > limit {
		scale = limit / w
		if h > w {
			scale = limit / h
		}
	}
	w, h = w*scale, h*scale
	if w < store.MinItemSize {
		w = store.MinItemSize
	}
	if h < store.MinItemSize {
		h = store.MinItemSize
	}
	return w, h
}
