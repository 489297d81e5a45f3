package geometry

import (
	"strings"
)

// Layout holds the whitespace reconstruction thresholds used when a line
// of regions is turned back into text.
type Layout struct {
	// First region starting right of WideIndent gets WideIndentTabs tabs.
	WideIndent     float64
	WideIndentTabs int

	// Otherwise right of NarrowIndent gets NarrowIndentTabs tabs.
	NarrowIndent     float64
	NarrowIndentTabs int

	// Horizontal gap between consecutive regions above GapTab becomes one tab,
	// anything smaller a single space.
	GapTab float64

	// Tab is the string emitted for one tab stop.
	Tab string
}

// DefaultLayout returns the thresholds tuned for A4 scans at ~150 dpi
func DefaultLayout() Layout {
	return Layout{
		WideIndent:       300,
		WideIndentTabs:   3,
		NarrowIndent:     100,
		NarrowIndentTabs: 1,
		GapTab:           40,
		Tab:              "\t",
	}
}

// ComposeLine renders a line's regions into text.
// The leading indentation is preserved; trailing whitespace is trimmed.
func (l Layout) ComposeLine(line Line) string {
	if len(line.Regions) == 0 {
		return ""
	}

	tab := l.Tab
	if tab == "" {
		tab = "\t"
	}

	var b strings.Builder

	first := line.Regions[0].Box.TopLeft.X
	switch {
	case first > l.WideIndent:
		b.WriteString(strings.Repeat(tab, l.WideIndentTabs))
	case first > l.NarrowIndent:
		b.WriteString(strings.Repeat(tab, l.NarrowIndentTabs))
	}

	for i, r := range line.Regions {
		if i > 0 {
			gap := r.Box.TopLeft.X - line.Regions[i-1].Box.BottomRight.X
			if gap > l.GapTab {
				b.WriteString(tab)
			} else {
				b.WriteByte(' ')
			}
		}
		b.WriteString(r.Text)
	}

	return strings.TrimRight(b.String(), " \t\r\n")
}

// ComposeLines renders every line, one string per line
func (l Layout) ComposeLines(lines []Line) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		out = append(out, l.ComposeLine(line))
	}
	return out
}
