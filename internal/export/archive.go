package export

import (
	"archive/zip"
	"fmt"
	"io"
	"path"
	"strings"

	"CoBoard/internal/store"
)

// Archive writes a zip of the board: a flat PNG render, every note's
// text, and the original bytes of all attached images and files.
func Archive(w io.Writer, snap store.Snapshot) error {
	zw := zip.NewWriter(w)

	png, err := zw.Create("board.png")
	if err != nil {
		return fmt.Errorf("failed to create archive entry: %w", err)
	}
	if err := SnapshotPNG(png, snap); err != nil {
		return err
	}

	if len(snap.Notes) > 0 {
		notes, err := zw.Create("notes.txt")
		if err != nil {
			return fmt.Errorf("failed to create archive entry: %w", err)
		}
		for _, id := range sortedKeys(snap.Notes) {
			n := snap.Notes[id]
			if _, err := fmt.Fprintf(notes, "[%s] %s\n", n.AuthorName, n.Text); err != nil {
				return fmt.Errorf("failed to write notes: %w", err)
			}
		}
	}

	used := map[string]bool{}
	for _, id := range sortedKeys(snap.Images) {
		im := snap.Images[id]
		if err := addPayload(zw, used, "images", im.Title, id, im.Src); err != nil {
			return err
		}
	}
	for _, id := range sortedKeys(snap.Files) {
		f := snap.Files[id]
		if err := addPayload(zw, used, "files", f.Name, id, f.Data); err != nil {
			return err
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish archive: %w", err)
	}
	return nil
}

func addPayload(zw *zip.Writer, used map[string]bool, dir, name, id string, data []byte) error {
	name = path.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == "/" {
		name = id
	}
	entry := path.Join(dir, name)
	if used[entry] {
		entry = path.Join(dir, id+"-"+name)
	}
	used[entry] = true

	f, err := zw.Create(entry)
	if err != nil {
		return fmt.Errorf("failed to create archive entry: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", entry, err)
	}
	return nil
}
