package logits

import (
	"math"
	"testing"
)

func TestArgmax(t *testing.T) {
	t.Parallel()
	nan := float32(math.NaN())
	tests := []struct {
		name string
		in   []float32
		want int
	}{
		{"empty", nil, -1},
		{"single", []float32{-3}, 0},
		{"max in middle", []float32{-1, 5, 3, 7, 2}, 3},
		{"first index wins ties", []float32{1, 9, 9, 0}, 1},
		{"all equal", []float32{2, 2, 2}, 0},
		{"all negative", []float32{-5, -2, -9}, 1},
		{"nan skipped", []float32{nan, 1, nan, 0}, 1},
		{"all nan", []float32{nan, nan}, -1},
	}
	for _, tt := range tests {
		if got := Argmax(tt.in); got != tt.want {
			t.Fatalf("%s: Argmax(%v) = %d, want %d", tt.name, tt.in, got, tt.want)
		}
	}
}

func TestArgmaxRow(t *testing.T) {
	t.Parallel()
	table := []float32{
		0, 1, 0,
		4, 0, 0,
		0, 0, 2,
	}
	for r, want := range []int{1, 0, 2} {
		if got := ArgmaxRow(table, r, 3); got != want {
			t.Fatalf("row %d: got %d want %d", r, got, want)
		}
	}
	if got := ArgmaxRow(table, 3, 3); got != -1 {
		t.Fatalf("out of range row: got %d want -1", got)
	}
	if got := ArgmaxRow(table, -1, 3); got != -1 {
		t.Fatalf("negative row: got %d want -1", got)
	}
	if got := ArgmaxRow(table, 0, 0); got != -1 {
		t.Fatalf("zero width: got %d want -1", got)
	}
}
