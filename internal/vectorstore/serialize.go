package vectorstore

import (
	"bytes"
	"encoding/binary"
	"math"
)

// SerializeVector converts a float64 slice to a byte slice using little-endian encoding.
// Each float64 occupies 8 bytes in the output.
func SerializeVector(vec []float64) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, vec)
	return buf.Bytes()
}

// DeserializeVector converts a byte slice back to a float64 slice using little-endian decoding.
// The input length must be a multiple of 8 bytes.
func DeserializeVector(data []byte) []float64 {
	vec := make([]float64, len(data)/8)
	buf := bytes.NewReader(data)
	binary.Read(buf, binary.LittleEndian, &vec)
	return vec
}

// Normalize returns vec scaled to unit L2 length as float32. A zero vector is
// returned as zeros.
func Normalize(vec []float64) []float32 {
	var sum float64
	for _, x := range vec {
		sum += x * x
	}
	out := make([]float32, len(vec))
	norm := math.Sqrt(sum)
	if norm == 0 {
		return out
	}
	for i, x := range vec {
		out[i] = float32(x / norm)
	}
	return out
}

// Dot computes the inner product of two equal-length float32 vectors.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
