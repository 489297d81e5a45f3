/**
 * Geometry Model - positioned text fragments and reading-order lines
 *
 * Coordinates are pixels with origin at the top-left corner, y growing
 * downward. Regions produced by a recognizer are tile-local; the merge
 * engine translates them into page coordinates before clustering.
 */

package geometry

import (
	"math"
	"sort"
)

// Point is a pixel coordinate
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// BoundingBox is an axis-aligned rectangle given by two opposite corners
type BoundingBox struct {
	TopLeft     Point `json:"top_left"`
	BottomRight Point `json:"bottom_right"`
}

// Width returns the horizontal extent of the box
func (b BoundingBox) Width() float64 {
	return b.BottomRight.X - b.TopLeft.X
}

// Height returns the vertical extent of the box
func (b BoundingBox) Height() float64 {
	return b.BottomRight.Y - b.TopLeft.Y
}

// Translate shifts the box by (dx, dy)
func (b BoundingBox) Translate(dx, dy float64) BoundingBox {
	return BoundingBox{
		TopLeft:     Point{X: b.TopLeft.X + dx, Y: b.TopLeft.Y + dy},
		BottomRight: Point{X: b.BottomRight.X + dx, Y: b.BottomRight.Y + dy},
	}
}

// TextRegion is a recognized text fragment with its position
type TextRegion struct {
	Box        BoundingBox `json:"box"`
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence"`
}

// Translate returns a copy of the region shifted by (dx, dy)
func (r TextRegion) Translate(dx, dy float64) TextRegion {
	r.Box = r.Box.Translate(dx, dy)
	return r
}

// Line groups regions sharing a reading line.
// AnchorY is the top y of the first region assigned to the line and never moves.
type Line struct {
	AnchorY float64
	Regions []TextRegion
}

// Text joins region texts with a single space, ignoring layout
func (l Line) Text() string {
	n := 0
	for _, r := range l.Regions {
		n += len(r.Text) + 1
	}
	buf := make([]byte, 0, n)
	for i, r := range l.Regions {
		if i > 0 {
			buf = append(buf, ' ')
		}
		buf = append(buf, r.Text...)
	}
	return string(buf)
}

// DefaultLineThreshold is the vertical tolerance, in pixels, for two
// regions to share a line.
const DefaultLineThreshold = 15.0

// ClusterLines groups regions into lines in top-to-bottom order.
//
// Regions are ordered by top-left y (stable). A region joins the current
// line when |y - anchor| <= threshold, otherwise it opens a new line whose
// anchor is its own y. Regions inside a line are ordered by top-left x
// (stable). The input slice is not modified.
func ClusterLines(regions []TextRegion, threshold float64) []Line {
	if len(regions) == 0 {
		return nil
	}

	sorted := make([]TextRegion, len(regions))
	copy(sorted, regions)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Box.TopLeft.Y < sorted[j].Box.TopLeft.Y
	})

	var lines []Line
	current := Line{AnchorY: sorted[0].Box.TopLeft.Y}
	for _, r := range sorted {
		if len(current.Regions) > 0 && math.Abs(r.Box.TopLeft.Y-current.AnchorY) > threshold {
			lines = append(lines, current)
			current = Line{AnchorY: r.Box.TopLeft.Y}
		}
		current.Regions = append(current.Regions, r)
	}
	lines = append(lines, current)

	for i := range lines {
		regs := lines[i].Regions
		sort.SliceStable(regs, func(a, b int) bool {
			return regs[a].Box.TopLeft.X < regs[b].Box.TopLeft.X
		})
	}

	return lines
}
