package canvas

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/newsch/collascii-go/go/internal/models"
)

// MaxDim caps canvas width and height.
const MaxDim = 4096

// Canvas is a fixed-size grid of stamped cells. It is the authoritative
// state of one session and the conflict resolution point for concurrent
// edits: a write lands only if its stamp dominates the cell's current one.
//
// Canvas is not safe for concurrent use. The owning session serializes
// access to it.
type Canvas struct {
	width  int
	height int
	cells  []models.Cell
}

// New returns a blank canvas of the given dimensions filled with
// models.FillRune.
func New(width, height int) (*Canvas, error) {
	if width <= 0 || height <= 0 || width > MaxDim || height > MaxDim {
		return nil, fmt.Errorf("%w: %dx%d", ErrBadDimensions, width, height)
	}
	cells := make([]models.Cell, width*height)
	for i := range cells {
		cells[i].Ch = models.FillRune
	}
	return &Canvas{width: width, height: height, cells: cells}, nil
}

// FromString sizes a canvas from s, one row per line and the width of the
// longest line, then inserts s into it. A trailing newline does not add a
// row.
func FromString(s string) (*Canvas, error) {
	width, height := 0, 0
	for _, line := range strings.Split(strings.TrimSuffix(s, "\n"), "\n") {
		if n := utf8.RuneCountInString(line); n > width {
			width = n
		}
		height++
	}
	c, err := New(width, height)
	if err != nil {
		return nil, err
	}
	c.Insert(s)
	return c, nil
}

// FromSnapshot rebuilds a canvas, stamps included, from a snapshot copy.
func FromSnapshot(snap models.CanvasSnapshot) (*Canvas, error) {
	c, err := New(snap.Width, snap.Height)
	if err != nil {
		return nil, err
	}
	if len(snap.Cells) != len(c.cells) {
		return nil, fmt.Errorf("%w: snapshot carries %d cells for %dx%d", ErrBadDimensions, len(snap.Cells), snap.Width, snap.Height)
	}
	copy(c.cells, snap.Cells)
	return c, nil
}

func (c *Canvas) Width() int  { return c.width }
func (c *Canvas) Height() int { return c.height }

// Contains reports whether pos addresses a cell of the canvas.
func (c *Canvas) Contains(pos models.Coord) bool {
	return pos.X >= 0 && pos.X < c.width && pos.Y >= 0 && pos.Y < c.height
}

// Get returns the cell at pos.
func (c *Canvas) Get(pos models.Coord) (models.Cell, error) {
	if !c.Contains(pos) {
		return models.Cell{}, fmt.Errorf("%w: (%d,%d) on %dx%d canvas", ErrOutOfBounds, pos.X, pos.Y, c.width, c.height)
	}
	return c.cells[pos.Y*c.width+pos.X], nil
}

// TryApply writes ch at pos if stamp dominates the cell's current stamp.
// A dominated write leaves the cell untouched and reports ApplySuperseded.
// Cells other than pos are never affected.
func (c *Canvas) TryApply(pos models.Coord, ch rune, stamp models.Stamp) (models.ApplyOutcome, error) {
	if !c.Contains(pos) {
		return "", fmt.Errorf("%w: (%d,%d) on %dx%d canvas", ErrOutOfBounds, pos.X, pos.Y, c.width, c.height)
	}
	cell := &c.cells[pos.Y*c.width+pos.X]
	if !stamp.Dominates(cell.Stamp) {
		return models.ApplySuperseded, nil
	}
	cell.Ch = ch
	cell.Stamp = stamp
	return models.ApplyApplied, nil
}

// Snapshot copies the canvas into an immutable row-major view. asOfSeq is
// supplied by the caller, which serializes snapshots against edits.
func (c *Canvas) Snapshot(asOfSeq uint64) models.CanvasSnapshot {
	cells := make([]models.Cell, len(c.cells))
	copy(cells, c.cells)
	return models.CanvasSnapshot{
		Width:   c.width,
		Height:  c.height,
		Cells:   cells,
		AsOfSeq: asOfSeq,
	}
}

// Insert writes s into the canvas starting at the top-left corner, moving to
// the next row on '\n' or when a row fills, and stopping past the bottom
// edge. Inserted cells keep a zero stamp so any client write dominates them.
// It returns the number of characters consumed, newlines excluded.
func (c *Canvas) Insert(s string) int {
	x, y := 0, 0
	n := 0
	for _, ch := range s {
		if ch == '\n' {
			y++
			x = 0
			continue
		}
		if x >= c.width {
			y++
			x = 0
		}
		if y >= c.height {
			break
		}
		c.cells[y*c.width+x] = models.Cell{Ch: ch}
		x++
		n++
	}
	return n
}

// Serialize returns the canvas characters row-major with no line breaks.
// Inserting the result into a canvas of the same width reproduces the
// content.
func (c *Canvas) Serialize() string {
	var b strings.Builder
	b.Grow(len(c.cells))
	for i := range c.cells {
		b.WriteRune(c.cells[i].Ch)
	}
	return b.String()
}

// String renders the grid with newlines between rows.
func (c *Canvas) String() string {
	var b strings.Builder
	b.Grow(len(c.cells) + c.height)
	for y := 0; y < c.height; y++ {
		if y > 0 {
			b.WriteByte('\n')
		}
		for x := 0; x < c.width; x++ {
			b.WriteRune(c.cells[y*c.width+x].Ch)
		}
	}
	return b.String()
}
