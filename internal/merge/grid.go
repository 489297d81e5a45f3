/**
 * Merge Engine - reassembles per-tile results into reading-order text
 *
 * Grid results are merged row by row: within a row, the n-th line of each
 * tile is joined left to right with a single space, and rows are separated
 * by a blank line. Band results are merged into a lazy line stream that
 * drops the rows a band shares with its predecessor.
 */

package merge

import (
	"sort"
	"strings"

	"github.com/vietgs03/ocr-tt/internal/dispatch"
	"github.com/vietgs03/ocr-tt/internal/geometry"
)

// Options controls line clustering and whitespace reconstruction
type Options struct {
	LineThreshold float64
	Layout        geometry.Layout
}

// DefaultOptions returns the standard thresholds
func DefaultOptions() Options {
	return Options{
		LineThreshold: geometry.DefaultLineThreshold,
		Layout:        geometry.DefaultLayout(),
	}
}

// MergeGrid merges grid results into page text.
//
// Results are ordered by (row, col). A row whose tiles all carry geometry is
// merged line by line; any geometry-less tile in a row makes the row fall
// back to joining each tile's text with a newline in column order. Rows are
// joined with "\n\n" and rows that produced no text are skipped.
func MergeGrid(results []dispatch.TileResult, opts Options) string {
	sorted := make([]dispatch.TileResult, len(results))
	copy(sorted, results)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Row != sorted[j].Row {
			return sorted[i].Row < sorted[j].Row
		}
		return sorted[i].Col < sorted[j].Col
	})

	var rows []string
	for start := 0; start < len(sorted); {
		end := start
		for end < len(sorted) && sorted[end].Row == sorted[start].Row {
			end++
		}

		if text := mergeRow(sorted[start:end], opts); text != "" {
			rows = append(rows, text)
		}
		start = end
	}

	return strings.Join(rows, "\n\n")
}

func mergeRow(row []dispatch.TileResult, opts Options) string {
	geometric := true
	for _, r := range row {
		if !r.HasGeometry && !r.Failed() && r.Text != "" {
			geometric = false
			break
		}
	}

	if !geometric {
		var parts []string
		for _, r := range row {
			if text := tileText(r, opts); text != "" {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, "\n")
	}

	tileLines := make([][]string, len(row))
	maxLines := 0
	for i, r := range row {
		lines := geometry.ClusterLines(r.Regions, opts.LineThreshold)
		tileLines[i] = opts.Layout.ComposeLines(lines)
		maxLines = max(maxLines, len(tileLines[i]))
	}

	out := make([]string, 0, maxLines)
	for n := 0; n < maxLines; n++ {
		var parts []string
		for _, lines := range tileLines {
			if n < len(lines) && lines[n] != "" {
				parts = append(parts, lines[n])
			}
		}
		out = append(out, strings.Join(parts, " "))
	}

	return strings.TrimRight(strings.Join(out, "\n"), "\n")
}

// tileText renders one tile on its own: clustered lines when it has
// geometry, otherwise its raw text.
func tileText(r dispatch.TileResult, opts Options) string {
	if !r.HasGeometry {
		return strings.TrimSpace(r.Text)
	}
	lines := geometry.ClusterLines(r.Regions, opts.LineThreshold)
	return strings.Join(opts.Layout.ComposeLines(lines), "\n")
}
