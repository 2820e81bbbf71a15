// Package export renders a board snapshot into shareable formats:
// PDF, a flat PNG, and a zip archive of the attached media.
package export

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"strconv"
	"strings"

	"github.com/jung-kurt/gofpdf"

	"CoBoard/internal/store"
)

const (
	pageW   = 277.0 // A4 landscape printable width, mm
	pageH   = 190.0
	marginX = 10.0
	marginY = 10.0
)

// PDF writes the snapshot as a single-page A4 landscape document,
// scaled so the whole board fits.
func PDF(w io.Writer, snap store.Snapshot) error {
	p := gofpdf.New("L", "mm", "A4", "")
	p.AddPage()
	p.SetFont("Helvetica", "", 8)

	bounds, ok := contentBounds(snap)
	scale := 1.0 / 3.0
	if ok && bounds.W > 0 && bounds.H > 0 {
		scale = min(pageW/bounds.W, pageH/bounds.H)
		if scale > 1.0/3.0 {
			scale = 1.0 / 3.0
		}
	}
	tx := func(x float64) float64 { return marginX + (x-bounds.X)*scale }
	ty := func(y float64) float64 { return marginY + (y-bounds.Y)*scale }

	for _, id := range sortedKeys(snap.Images) {
		im := snap.Images[id]
		if err := embedImage(p, id, im, tx(im.X), ty(im.Y), im.W*scale, im.H*scale); err != nil {
			// A corrupt payload should not sink the whole export.
			drawBox(p, tx(im.X), ty(im.Y), im.W*scale, im.H*scale, "#cccccc")
		}
	}
	for _, id := range sortedKeys(snap.Files) {
		f := snap.Files[id]
		drawBox(p, tx(f.X), ty(f.Y), f.W*scale, f.H*scale, "#ebecf0")
		p.SetXY(tx(f.X)+1, ty(f.Y)+1)
		p.MultiCell(f.W*scale-2, 3.5, f.Name, "", "L", false)
	}
	for _, id := range sortedKeys(snap.Notes) {
		n := snap.Notes[id]
		drawBox(p, tx(n.X), ty(n.Y), n.W*scale, n.H*scale, n.Color)
		p.SetXY(tx(n.X)+1, ty(n.Y)+1)
		p.MultiCell(n.W*scale-2, 3.5, n.Text, "", "L", false)
	}
	for _, s := range snap.Strokes {
		r, g, b := hexRGB(s.Color)
		p.SetDrawColor(r, g, b)
		p.SetLineWidth(s.Width * scale)
		for i := 1; i < len(s.Points); i++ {
			p.Line(tx(s.Points[i-1].X), ty(s.Points[i-1].Y), tx(s.Points[i].X), ty(s.Points[i].Y))
		}
	}

	if err := p.Output(w); err != nil {
		return fmt.Errorf("failed to render pdf: %w", err)
	}
	return nil
}

func drawBox(p *gofpdf.Fpdf, x, y, w, h float64, hex string) {
	r, g, b := hexRGB(hex)
	p.SetFillColor(r, g, b)
	p.SetDrawColor(120, 120, 130)
	p.SetLineWidth(0.2)
	p.Rect(x, y, w, h, "FD")
}

func embedImage(p *gofpdf.Fpdf, id string, im store.Image, x, y, w, h float64) error {
	_, format, err := image.DecodeConfig(bytes.NewReader(im.Src))
	if err != nil {
		return err
	}
	var imageType string
	switch format {
	case "png":
		imageType = "PNG"
	case "jpeg":
		imageType = "JPG"
	default:
		return fmt.Errorf("unsupported image format %q", format)
	}
	opts := gofpdf.ImageOptions{ImageType: imageType}
	p.RegisterImageOptionsReader(id, opts, bytes.NewReader(im.Src))
	p.ImageOptions(id, x, y, w, h, false, opts, 0, "")
	return p.Error()
}

func hexRGB(s string) (int, int, int) {
	if len(s) == 7 && strings.HasPrefix(s, "#") {
		if v, err := strconv.ParseUint(s[1:], 16, 32); err == nil {
			return int(v >> 16 & 0xff), int(v >> 8 & 0xff), int(v & 0xff)
		}
	}
	return 0, 0, 0
}
