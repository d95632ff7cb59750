package vectorstore

import (
	"math"
	"testing"
)

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		vec  []float64
	}{
		{"empty vector", []float64{}},
		{"single element", []float64{3.14}},
		{"multiple elements", []float64{1.0, 2.0, 3.0, 4.0, 5.0}},
		{"negative values", []float64{-1.5, -2.5, 0.0, 2.5, 1.5}},
		{"very small values", []float64{1e-300, -1e-300}},
		{"very large values", []float64{1e300, -1e300}},
		{"special values", []float64{0.0, math.Inf(1), math.Inf(-1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := SerializeVector(tt.vec)
			got := DeserializeVector(data)

			if len(got) != len(tt.vec) {
				t.Fatalf("length mismatch: got %d, want %d", len(got), len(tt.vec))
			}
			for i := range tt.vec {
				if math.IsNaN(tt.vec[i]) {
					if !math.IsNaN(got[i]) {
						t.Errorf("index %d: expected NaN, got %v", i, got[i])
					}
				} else if got[i] != tt.vec[i] {
					t.Errorf("index %d: got %v, want %v", i, got[i], tt.vec[i])
				}
			}
		})
	}
}

func TestSerializeVectorByteLength(t *testing.T) {
	vec := []float64{1.0, 2.0, 3.0}
	data := SerializeVector(vec)
	expected := len(vec) * 8
	if len(data) != expected {
		t.Errorf("byte length: got %d, want %d", len(data), expected)
	}
}

func TestDeserializeEmptyData(t *testing.T) {
	got := DeserializeVector([]byte{})
	if len(got) != 0 {
		t.Errorf("expected empty slice, got length %d", len(got))
	}
}

func TestNormalize_UnitLength(t *testing.T) {
	out := Normalize([]float64{3, 4})
	if math.Abs(float64(out[0])-0.6) > 1e-6 || math.Abs(float64(out[1])-0.8) > 1e-6 {
		t.Errorf("expected [0.6 0.8], got %v", out)
	}
	if d := Dot(out, out); math.Abs(float64(d)-1) > 1e-6 {
		t.Errorf("expected unit length, got squared norm %v", d)
	}
}

func TestNormalize_ZeroVector(t *testing.T) {
	out := Normalize([]float64{0, 0, 0})
	for i, v := range out {
		if v != 0 {
			t.Errorf("index %d: expected 0, got %v", i, v)
		}
	}
}

func TestDot_NormalizedEqualsCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float64
		want float64
	}{
		{"identical", []float64{1, 2, 3}, []float64{1, 2, 3}, 1},
		{"orthogonal", []float64{1, 0}, []float64{0, 1}, 0},
		{"opposite", []float64{1, 2, 3}, []float64{-1, -2, -3}, -1},
		{"scaled", []float64{1, 2, 3}, []float64{2, 4, 6}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Dot(Normalize(tt.a), Normalize(tt.b))
			if math.Abs(float64(got)-tt.want) > 1e-6 {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}
