// Package chunker splits case text into fixed-size character windows with
// configurable overlap for embedding.
package chunker

import (
	"strings"

	"medbot/internal/textutil"
)

const (
	// DefaultChunkSize is the default number of characters per chunk.
	DefaultChunkSize = 800
	// DefaultOverlap is the default number of characters shared by adjacent chunks.
	DefaultOverlap = 120
	// DefaultBatchSize is the default number of chunks per embedding request.
	DefaultBatchSize = 64

	// MinChunkSize is the smallest chunk size accepted after clamping.
	MinChunkSize = 200
)

// TextChunker splits text into fixed-size chunks with configurable overlap.
type TextChunker struct {
	ChunkSize int // default 800
	Overlap   int // default 120
}

// NewTextChunker creates a TextChunker with the given settings clamped.
func NewTextChunker(chunkSize, overlap int) *TextChunker {
	size, ov := Clamp(chunkSize, overlap)
	return &TextChunker{ChunkSize: size, Overlap: ov}
}

// Clamp enforces chunkSize >= MinChunkSize and 0 <= overlap < chunkSize.
func Clamp(chunkSize, overlap int) (int, int) {
	if chunkSize < MinChunkSize {
		chunkSize = MinChunkSize
	}
	if overlap > chunkSize-1 {
		overlap = chunkSize - 1
	}
	if overlap < 0 {
		overlap = 0
	}
	return chunkSize, overlap
}

// ClampBatch enforces a batch size of at least 1.
func ClampBatch(batchSize int) int {
	if batchSize < 1 {
		return 1
	}
	return batchSize
}

// Split cleans text and divides it into windows of ChunkSize characters
// starting every ChunkSize-Overlap characters. Each window is trimmed and
// empty windows are dropped. The window that reaches the end of the text is
// the last one emitted, so the tail is never re-emitted as a shorter chunk.
//
// Returns nil for text that cleans to "".
func (tc *TextChunker) Split(text string) []string {
	cleaned := textutil.Clean(text)
	if cleaned == "" {
		return nil
	}

	chunkSize := tc.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	overlap := tc.Overlap
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= chunkSize {
		overlap = chunkSize - 1
	}
	step := max(1, chunkSize-overlap)

	runes := []rune(cleaned)
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := min(start+chunkSize, len(runes))
		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		if start+chunkSize >= len(runes) {
			break
		}
	}
	return chunks
}
