package merge

import (
	"sort"
	"strings"

	"github.com/vietgs03/ocr-tt/internal/dispatch"
	"github.com/vietgs03/ocr-tt/internal/geometry"
)

// BandSource yields band results in band order. *dispatch.ResultStream
// satisfies it.
type BandSource interface {
	Next() (dispatch.TileResult, bool)
}

type sliceSource struct {
	results []dispatch.TileResult
	pos     int
}

// FromResults adapts already collected band results, ordering them by band index
func FromResults(results []dispatch.TileResult) BandSource {
	sorted := make([]dispatch.TileResult, len(results))
	copy(sorted, results)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].BandIndex < sorted[j].BandIndex
	})
	return &sliceSource{results: sorted}
}

func (s *sliceSource) Next() (dispatch.TileResult, bool) {
	if s.pos >= len(s.results) {
		return dispatch.TileResult{}, false
	}
	r := s.results[s.pos]
	s.pos++
	return r, true
}

// Transform rewrites one output line, e.g. vocabulary correction
type Transform func(string) string

// LineStream lazily turns band results into text lines
type LineStream struct {
	src       BandSource
	opts      Options
	transform Transform
	buf       []string
	done      bool
}

// MergeBands builds a line stream over src.
//
// For every band after the first, regions whose top edge lies inside the
// overlap (local y < OverlapHeight) were already seen by the previous band
// and are dropped. Remaining regions are moved into page coordinates and
// clustered per band. Bands without geometry contribute their text lines
// unchanged. transform, when set, is applied to every emitted line.
func MergeBands(src BandSource, opts Options, transform Transform) *LineStream {
	return &LineStream{src: src, opts: opts, transform: transform}
}

// Next returns the next line, or false once every band is consumed
func (s *LineStream) Next() (string, bool) {
	for len(s.buf) == 0 {
		if s.done {
			return "", false
		}
		r, ok := s.src.Next()
		if !ok {
			s.done = true
			return "", false
		}
		s.buf = s.bandLines(r)
	}

	line := s.buf[0]
	s.buf = s.buf[1:]
	return line, true
}

// Close stops the underlying source if it supports it
func (s *LineStream) Close() {
	s.done = true
	s.buf = nil
	if c, ok := s.src.(interface{ Close() }); ok {
		c.Close()
	}
}

// Collect drains the stream into a slice
func (s *LineStream) Collect() []string {
	var lines []string
	for {
		line, ok := s.Next()
		if !ok {
			return lines
		}
		lines = append(lines, line)
	}
}

// Text drains the stream and joins the lines with newlines
func (s *LineStream) Text() string {
	return strings.Join(s.Collect(), "\n")
}

func (s *LineStream) bandLines(r dispatch.TileResult) []string {
	if r.Failed() {
		return nil
	}

	var lines []string
	if !r.HasGeometry {
		for _, l := range strings.Split(r.Text, "\n") {
			if l = strings.TrimRight(l, " \t\r"); l != "" {
				lines = append(lines, l)
			}
		}
	} else {
		dx, dy := float64(r.Bounds.Min.X), float64(r.Bounds.Min.Y)
		kept := make([]geometry.TextRegion, 0, len(r.Regions))
		for _, region := range r.Regions {
			if r.BandIndex > 0 && region.Box.TopLeft.Y < float64(r.OverlapHeight) {
				continue
			}
			kept = append(kept, region.Translate(dx, dy))
		}
		lines = s.opts.Layout.ComposeLines(geometry.ClusterLines(kept, s.opts.LineThreshold))
	}

	if s.transform != nil {
		for i := range lines {
			lines[i] = s.transform(lines[i])
		}
	}
	return lines
}
