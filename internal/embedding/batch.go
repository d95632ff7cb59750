package embedding

import (
	"context"
	"errors"
	"fmt"
	"log"
)

// ErrVectorCount is returned when a batch response does not carry one vector per input.
var ErrVectorCount = errors.New("embedding count mismatch")

// EmbedAll embeds texts in consecutive batches of batchSize, preserving input
// order. It stops at the first failing batch.
func EmbedAll(ctx context.Context, svc EmbeddingService, texts []string, batchSize int) ([][]float64, error) {
	if batchSize < 1 {
		batchSize = 1
	}
	vectors := make([][]float64, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := min(start+batchSize, len(texts))
		batch, err := svc.EmbedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embed batch %d-%d: %w", start, end, err)
		}
		if len(batch) != end-start {
			return nil, fmt.Errorf("embed batch %d-%d: %w: got %d vectors", start, end, ErrVectorCount, len(batch))
		}
		vectors = append(vectors, batch...)
		log.Printf("[Embedding] embedded %d/%d chunks", len(vectors), len(texts))
	}
	return vectors, nil
}
