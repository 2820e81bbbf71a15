package store

import "CoBoard/internal/geom"

// MinItemSize is the floor for item width/height. Every write path
// clamps to it so no participant can shrink an item into nothing.
const MinItemSize = 50.0

// Palette is the set of stable participant colors. A participant's
// color is Palette[joinOrder mod len(Palette)], so every peer renders
// the same color for the same user regardless of connection churn.
var Palette = []string{
	"#e11d48", // rose
	"#2563eb", // blue
	"#16a34a", // green
	"#d97706", // amber
	"#9333ea", // purple
	"#0d9488", // teal
	"#db2777", // pink
	"#65a30d", // lime
}

// Stroke is a committed freehand path. Content is immutable once added,
// except through TransformStrokes which replaces the whole point list.
type Stroke struct {
	ID     string
	Points []geom.Point
	Color  string
	Width  float64
}

// Bounds returns the stroke's bounding box.
func (s Stroke) Bounds() geom.Rect {
	return geom.PathBounds(s.Points)
}

// Note is a sticky note. Position and size merge independently from
// Text and Color, so a concurrent drag and a concurrent edit both land.
type Note struct {
	ID          string
	X, Y        float64
	W, H        float64
	Text        string
	Color       string
	AuthorID    string
	AuthorName  string
	AuthorColor string
}

// Image is an embedded picture. Src is write-once; only the meta
// fields (position, size, title) change after creation.
type Image struct {
	ID    string
	X, Y  float64
	W, H  float64
	Src   []byte
	Title string
}

// File is an attached document with the same write-once-content,
// mutable-meta split as Image.
type File struct {
	ID   string
	X, Y float64
	W, H float64
	Name string
	Type string
	Data []byte
}

// User is a durable participant in the identity ledger.
type User struct {
	Name      string
	Color     string
	JoinOrder int
}

// Snapshot is a consistent copy of every collection, handed to
// subscribers on each change.
type Snapshot struct {
	Strokes []Stroke
	Notes   map[string]Note
	Images  map[string]Image
	Files   map[string]File
	Users   map[string]User
}

// ItemKind selects one of the rectangular item collections for the
// generic meta operations (move, resize, delete).
type ItemKind string

const (
	ItemNote  ItemKind = "notes"
	ItemImage ItemKind = "images"
	ItemFile  ItemKind = "files"
)

// Rect returns the note's rectangle.
func (n Note) Rect() geom.Rect { return geom.Rect{X: n.X, Y: n.Y, W: n.W, H: n.H} }

// Rect returns the image's rectangle.
func (i Image) Rect() geom.Rect { return geom.Rect{X: i.X, Y: i.Y, W: i.W, H: i.H} }

// Rect returns the file's rectangle.
func (f File) Rect() geom.Rect { return geom.Rect{X: f.X, Y: f.Y, W: f.W, H: f.H} }

// NotePatch is a sparse note update: only non-nil fields are written,
// which keeps concurrent meta-only and content-only edits from
// clobbering each other.
type NotePatch struct {
	X, Y  *float64
	W, H  *float64
	Text  *string
	Color *string
}
