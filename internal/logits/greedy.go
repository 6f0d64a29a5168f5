// Package logits selects tokens from decoder score tables.
//
// Decoding in ocrkit is always greedy: the highest score wins, ties go to the
// lowest vocabulary index, and there is no temperature, top-k or randomness.
package logits

import "math"

// Argmax returns the index of the largest value in x, or -1 if x is empty.
// The first index wins on ties. NaN entries never win.
func Argmax(x []float32) int {
	best := -1
	bestVal := float32(math.Inf(-1))
	for i, v := range x {
		if v != v {
			continue
		}
		if best < 0 || v > bestVal {
			best = i
			bestVal = v
		}
	}
	return best
}

// Row returns row r of a row-major table with the given width.
// ok is false when the row lies outside the table.
func Row(table []float32, r, width int) (row []float32, ok bool) {
	if r < 0 || width <= 0 {
		return nil, false
	}
	start := r * width
	end := start + width
	if start/width != r || end > len(table) || end < start {
		return nil, false
	}
	return table[start:end], true
}

// ArgmaxRow selects the best index in row r of a row-major table.
// It returns -1 when the row does not exist.
func ArgmaxRow(table []float32, r, width int) int {
	row, ok := Row(table, r, width)
	if !ok {
		return -1
	}
	return Argmax(row)
}
