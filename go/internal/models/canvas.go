package models

// FillRune is the content of an empty cell.
const FillRune = ' '

// Coord addresses a single cell. X is the column and Y the row, both
// 0-indexed from the top-left corner of the canvas.
type Coord struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Cell is one grid position: its character and the stamp of the write that
// put it there. Seeded and untouched cells carry a zero stamp, which any
// stamped write dominates.
type Cell struct {
	Ch    rune  `json:"ch"`
	Stamp Stamp `json:"stamp"`
}

// CanvasSnapshot is an immutable row-major copy of a canvas. AsOfSeq is the
// sequencer value at capture time; every edit stamped at or below it is
// included and no later edit is.
type CanvasSnapshot struct {
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Cells   []Cell `json:"cells"`
	AsOfSeq uint64 `json:"as_of_seq"`
}

// At returns the snapshot cell at pos, or the zero Cell when pos is out of
// range.
func (s CanvasSnapshot) At(pos Coord) Cell {
	if pos.X < 0 || pos.X >= s.Width || pos.Y < 0 || pos.Y >= s.Height {
		return Cell{}
	}
	return s.Cells[pos.Y*s.Width+pos.X]
}

// Rows renders the snapshot as Height strings of Width runes each.
func (s CanvasSnapshot) Rows() []string {
	rows := make([]string, s.Height)
	buf := make([]rune, s.Width)
	for y := 0; y < s.Height; y++ {
		for x := 0; x < s.Width; x++ {
			buf[x] = s.Cells[y*s.Width+x].Ch
		}
		rows[y] = string(buf)
	}
	return rows
}
