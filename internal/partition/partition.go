package partition

import (
	"fmt"
	"image"

	ocrerrors "github.com/vietgs03/ocr-tt/internal/errors"
)

// Mode selects how a page is partitioned
type Mode string

const (
	ModeNone Mode = "none"
	ModeGrid Mode = "grid"
	ModeBand Mode = "band"
)

// ParseMode validates a mode name
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeNone, ModeGrid, ModeBand:
		return Mode(s), nil
	}
	return "", ocrerrors.NewInvalidPartitionError(fmt.Sprintf("unknown partition mode %q", s))
}

// Whole returns the page as a single tile
func Whole(img image.Image) (Tile, error) {
	b := img.Bounds()
	if b.Empty() {
		return Tile{}, ocrerrors.NewInvalidPartitionError("image has no pixels")
	}

	r := image.Rect(0, 0, b.Dx(), b.Dy())
	return Tile{ID: "page", Bounds: r, img: crop(img, r)}, nil
}

// Grid splits img into rows x cols rectangles.
//
// Every tile but the last in each row/column is floor(W/cols) x floor(H/rows);
// the last row and column absorb the remainder so the tiles cover the page
// exactly once. Tiles are returned row-major. When rows exceeds the height
// (or cols the width) the leading tiles are empty and callers skip them.
func Grid(img image.Image, rows, cols int) ([]Tile, error) {
	if rows < 1 || cols < 1 {
		return nil, ocrerrors.NewInvalidPartitionError(fmt.Sprintf("grid must be at least 1x1, got %dx%d", rows, cols))
	}

	b := img.Bounds()
	if b.Empty() {
		return nil, ocrerrors.NewInvalidPartitionError("image has no pixels")
	}

	w, h := b.Dx(), b.Dy()
	tileW, tileH := w/cols, h/rows

	tiles := make([]Tile, 0, rows*cols)
	for row := 0; row < rows; row++ {
		y0 := row * tileH
		y1 := y0 + tileH
		if row == rows-1 {
			y1 = h
		}
		for col := 0; col < cols; col++ {
			x0 := col * tileW
			x1 := x0 + tileW
			if col == cols-1 {
				x1 = w
			}

			r := image.Rect(x0, y0, x1, y1)
			tiles = append(tiles, Tile{
				ID:     fmt.Sprintf("r%d-c%d", row, col),
				Bounds: r,
				Row:    row,
				Col:    col,
				img:    crop(img, r),
			})
		}
	}

	return tiles, nil
}

// BandSequence lazily produces overlapping horizontal bands of a page
type BandSequence struct {
	img     image.Image
	width   int
	height  int
	band    int
	overlap int

	next    int // index of the next band
	prevEnd int // exclusive bottom of the previous band
	done    bool
}

// Bands prepares a band sequence over img.
//
// Band 0 covers rows [0, min(height, H)). Band k > 0 starts overlap rows
// above the previous band's end and is clipped to the page. The sequence
// ends once a band reaches the bottom of the page. Each call returns an
// independent sequence.
func Bands(img image.Image, height, overlap int) (*BandSequence, error) {
	if height < 1 {
		return nil, ocrerrors.NewInvalidPartitionError(fmt.Sprintf("band height must be >= 1, got %d", height))
	}
	if overlap < 0 || overlap >= height {
		return nil, ocrerrors.NewInvalidPartitionError(fmt.Sprintf("band overlap must be in [0, %d), got %d", height, overlap))
	}

	b := img.Bounds()
	if b.Empty() {
		return nil, ocrerrors.NewInvalidPartitionError("image has no pixels")
	}

	return &BandSequence{
		img:     img,
		width:   b.Dx(),
		height:  b.Dy(),
		band:    height,
		overlap: overlap,
	}, nil
}

// Overlap returns the configured overlap in rows
func (s *BandSequence) Overlap() int { return s.overlap }

// Next returns the next band, or false when the page is exhausted
func (s *BandSequence) Next() (Tile, bool) {
	if s.done {
		return Tile{}, false
	}

	start, overlap := 0, 0
	if s.next > 0 {
		start = s.prevEnd - s.overlap
		overlap = s.overlap
	}
	end := start + s.band
	if end > s.height {
		end = s.height
	}

	r := image.Rect(0, start, s.width, end)
	tile := Tile{
		ID:            fmt.Sprintf("b%d", s.next),
		Bounds:        r,
		BandIndex:     s.next,
		OverlapHeight: overlap,
		img:           crop(s.img, r),
	}

	s.next++
	s.prevEnd = end
	if end >= s.height {
		s.done = true
	}

	return tile, true
}

// All drains the sequence
func (s *BandSequence) All() []Tile {
	var tiles []Tile
	for {
		t, ok := s.Next()
		if !ok {
			return tiles
		}
		tiles = append(tiles, t)
	}
}
