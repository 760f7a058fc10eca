package adapter

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatCoordLists renders number lists for the text columns
// TEXTURE_COORDINATES and WORLD_TO_TEXTURE: numbers separated by spaces,
// lists separated by semicolons.
func FormatCoordLists(lists [][]float64) string {
	var b strings.Builder
	for i, l := range lists {
		if i > 0 {
			b.WriteByte(';')
		}
		for j, v := range l {
			if j > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
		}
	}
	return b.String()
}

// ParseCoordLists is the inverse of FormatCoordLists.
func ParseCoordLists(s string) ([][]float64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ";")
	out := make([][]float64, len(parts))
	for i, p := range parts {
		for _, f := range strings.Fields(p) {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("coordinate list %d: %w", i, err)
			}
			out[i] = append(out[i], v)
		}
	}
	return out, nil
}
