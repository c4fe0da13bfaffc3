package search_test

import (
	"testing"

	"github.com/iammorganparry/clive/apps/engram/internal/search"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name   string
		a, b   []float32
		lo, hi float64
	}{
		{"identical", []float32{1, 0, 0}, []float32{1, 0, 0}, 0.999, 1.001},
		{"orthogonal", []float32{1, 0, 0}, []float32{0, 1, 0}, -0.001, 0.001},
		{"opposite", []float32{1, 0, 0}, []float32{-1, 0, 0}, -1.001, -0.999},
		{"similar", []float32{1, 0.5, 0}, []float32{0.9, 0.6, 0.1}, 0.95, 1.001},
		{"empty", []float32{}, []float32{}, 0, 0},
		{"mismatched lengths", []float32{1, 0}, []float32{1, 0, 0}, 0, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := search.CosineSimilarity(tt.a, tt.b); got < tt.lo || got > tt.hi {
				t.Errorf("CosineSimilarity = %f, want in [%f, %f]", got, tt.lo, tt.hi)
			}
		})
	}
}

func TestFloat32Bytes(t *testing.T) {
	original := []float32{1.0, -0.5, 3.14, 0.0, -100.0}
	restored := search.BytesToFloat32(search.Float32ToBytes(original))
	if len(restored) != len(original) {
		t.Fatalf("length mismatch: %d != %d", len(restored), len(original))
	}
	for i := range original {
		if original[i] != restored[i] {
			t.Fatalf("value mismatch at %d: %f != %f", i, original[i], restored[i])
		}
	}

	if got := search.BytesToFloat32([]byte{1, 2, 3}); got != nil {
		t.Errorf("odd length = %v, want nil", got)
	}
}
