/**
 * Partitioner - splits a page image into tiles for independent recognition
 *
 * Two layouts are supported:
 *   - Grid:  rows x cols equal rectangles, no overlap
 *   - Bands: full-width horizontal strips, each overlapping the previous one
 *
 * Tile bounds are relative to the page origin so recognized regions can be
 * translated back into page coordinates.
 */

package partition

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/png"
)

// Tile is a rectangular region of a page scheduled for recognition
type Tile struct {
	ID     string
	Bounds image.Rectangle // page coordinates, origin at (0,0)

	// Grid position (zero for bands)
	Row int
	Col int

	// Band position; OverlapHeight is the number of leading rows shared with
	// the previous band (0 for band 0 and for grid tiles)
	BandIndex     int
	OverlapHeight int

	img image.Image
}

// Top returns the tile's first row in page coordinates
func (t Tile) Top() int { return t.Bounds.Min.Y }

// Left returns the tile's first column in page coordinates
func (t Tile) Left() int { return t.Bounds.Min.X }

// Bottom returns the tile's exclusive last row in page coordinates
func (t Tile) Bottom() int { return t.Bounds.Max.Y }

// Right returns the tile's exclusive last column in page coordinates
func (t Tile) Right() int { return t.Bounds.Max.X }

// Empty reports whether the tile covers no pixels
func (t Tile) Empty() bool { return t.Bounds.Empty() }

// Image returns the cropped pixels of the tile, nil for an empty tile
func (t Tile) Image() image.Image { return t.img }

// Encode serializes the tile as PNG for the recognizer boundary
func (t Tile) Encode() ([]byte, error) {
	if t.img == nil || t.Empty() {
		return nil, fmt.Errorf("tile %s is empty", t.ID)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, t.img); err != nil {
		return nil, fmt.Errorf("failed to encode tile %s: %w", t.ID, err)
	}
	return buf.Bytes(), nil
}

// crop copies r (page coordinates) out of img into a fresh RGBA whose
// origin is (0,0), so recognizers see tile-local coordinates.
func crop(img image.Image, r image.Rectangle) image.Image {
	if r.Empty() {
		return nil
	}

	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), img, r.Min.Add(img.Bounds().Min), draw.Src)
	return dst
}
