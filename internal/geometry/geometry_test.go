package geometry

import (
	"testing"
)

func region(text string, x1, y1, x2, y2 float64) TextRegion {
	return TextRegion{
		Box:        BoundingBox{TopLeft: Point{X: x1, Y: y1}, BottomRight: Point{X: x2, Y: y2}},
		Text:       text,
		Confidence: 1,
	}
}

func TestClusterLinesThreshold(t *testing.T) {
	tests := []struct {
		name      string
		threshold float64
		wantLines int
	}{
		{"wide threshold merges", 20, 1},
		{"narrow threshold splits", 10, 2},
	}

	regions := []TextRegion{
		region("world", 120, 115, 180, 130),
		region("hello", 10, 100, 60, 115),
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lines := ClusterLines(regions, tt.threshold)
			if len(lines) != tt.wantLines {
				t.Fatalf("expected %d lines, got %d", tt.wantLines, len(lines))
			}
			if lines[0].Regions[0].Text != "hello" {
				t.Errorf("expected first region 'hello', got %q", lines[0].Regions[0].Text)
			}
		})
	}
}

func TestClusterLinesAnchorDoesNotDrift(t *testing.T) {
	// Each region is within threshold of its predecessor, but the third is
	// too far from the anchor of the first.
	regions := []TextRegion{
		region("a", 0, 0, 10, 10),
		region("b", 20, 10, 30, 20),
		region("c", 40, 20, 50, 30),
	}

	lines := ClusterLines(regions, 15)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if got := lines[0].Text(); got != "a b" {
		t.Errorf("expected first line 'a b', got %q", got)
	}
	if lines[1].AnchorY != 20 {
		t.Errorf("expected second anchor 20, got %v", lines[1].AnchorY)
	}
}

func TestClusterLinesOrdersByX(t *testing.T) {
	regions := []TextRegion{
		region("third", 300, 5, 350, 20),
		region("first", 10, 0, 60, 15),
		region("second", 100, 3, 150, 18),
	}

	lines := ClusterLines(regions, DefaultLineThreshold)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if got := lines[0].Text(); got != "first second third" {
		t.Errorf("unexpected order: %q", got)
	}
}

func TestClusterLinesEmpty(t *testing.T) {
	if lines := ClusterLines(nil, 15); lines != nil {
		t.Errorf("expected nil, got %v", lines)
	}
}

func TestComposeLine(t *testing.T) {
	layout := DefaultLayout()

	tests := []struct {
		name    string
		regions []TextRegion
		want    string
	}{
		{
			name:    "no indent, close regions",
			regions: []TextRegion{region("Ho", 10, 0, 40, 10), region("ten", 50, 0, 80, 10)},
			want:    "Ho ten",
		},
		{
			name:    "narrow indent",
			regions: []TextRegion{region("Muc", 150, 0, 200, 10)},
			want:    "\tMuc",
		},
		{
			name:    "wide indent",
			regions: []TextRegion{region("Ky ten", 350, 0, 420, 10)},
			want:    "\t\t\tKy ten",
		},
		{
			name:    "wide gap becomes tab",
			regions: []TextRegion{region("Ngay", 10, 0, 50, 10), region("01", 120, 0, 140, 10)},
			want:    "Ngay\t01",
		},
		{
			name:    "trailing whitespace trimmed",
			regions: []TextRegion{region("x ", 10, 0, 20, 10)},
			want:    "x",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := layout.ComposeLine(Line{AnchorY: 0, Regions: tt.regions})
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestComposeLineCustomTab(t *testing.T) {
	layout := DefaultLayout()
	layout.Tab = "    "

	got := layout.ComposeLine(Line{Regions: []TextRegion{region("x", 150, 0, 160, 10)}})
	if got != "    x" {
		t.Errorf("expected 4-space indent, got %q", got)
	}
}

func TestBoundingBoxTranslate(t *testing.T) {
	box := BoundingBox{TopLeft: Point{X: 1, Y: 2}, BottomRight: Point{X: 11, Y: 22}}
	moved := box.Translate(100, 200)

	if moved.TopLeft.X != 101 || moved.TopLeft.Y != 202 {
		t.Errorf("unexpected top-left %+v", moved.TopLeft)
	}
	if moved.Width() != 10 || moved.Height() != 20 {
		t.Errorf("translate changed size: %vx%v", moved.Width(), moved.Height())
	}
}
