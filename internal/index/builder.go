package index

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"medbot/internal/embedding"
	"medbot/internal/vectorstore"
)

// Builder reuses or rebuilds the persisted index for a set of chunk rows.
type Builder struct {
	Artifacts Artifacts
	Config    Config
}

// NewBuilder creates a Builder writing artifacts under indexPath.
func NewBuilder(indexPath string, cfg Config) *Builder {
	return &Builder{Artifacts: Artifacts{IndexPath: indexPath}, Config: cfg}
}

// TryReuse loads the persisted index when its meta matches fingerprint and
// expectedChunks and every artifact is present and consistent. Any mismatch
// or read failure reports ok=false; the reason is logged.
func (b *Builder) TryReuse(fingerprint string, expectedChunks int) (idx *vectorstore.FlatIndex, rows []ChunkRow, ok bool) {
	meta, err := b.Artifacts.LoadMeta()
	if err != nil {
		if !errors.Is(err, ErrArtifactMissing) {
			log.Printf("[Index] meta unreadable: %v", err)
		}
		return nil, nil, false
	}
	if meta.Fingerprint != fingerprint || meta.IndexedChunks != expectedChunks {
		log.Printf("[Index] fingerprint changed, rebuilding")
		return nil, nil, false
	}
	if _, err := os.Stat(b.Artifacts.IndexPath); err != nil {
		log.Printf("[Index] index file missing: %v", err)
		return nil, nil, false
	}
	rows, err = b.Artifacts.LoadRows()
	if err != nil {
		log.Printf("[Index] chunk rows unreadable: %v", err)
		return nil, nil, false
	}
	if len(rows) != expectedChunks {
		log.Printf("[Index] chunk row count %d != %d", len(rows), expectedChunks)
		return nil, nil, false
	}
	idx, err = vectorstore.LoadFile(b.Artifacts.IndexPath)
	if err != nil {
		log.Printf("[Index] index unreadable: %v", err)
		return nil, nil, false
	}
	if idx.Len() != len(rows) {
		log.Printf("[Index] vector count %d != chunk rows %d", idx.Len(), len(rows))
		return nil, nil, false
	}
	return idx, rows, true
}

// Build embeds rows in batches, normalizes the vectors into a flat index and
// persists the index, then the rows, then the meta. svc may be nil when no
// credential is available.
func (b *Builder) Build(ctx context.Context, svc embedding.EmbeddingService, rows []ChunkRow, fingerprint, datasetPath string) (*vectorstore.FlatIndex, error) {
	if svc == nil {
		return nil, ErrMissingCredential
	}
	if len(rows) == 0 {
		return nil, ErrNoChunks
	}

	texts := make([]string, len(rows))
	for i, r := range rows {
		texts[i] = r.ChunkText
	}
	vectors, err := embedding.EmbedAll(ctx, svc, texts, b.Config.BatchSize)
	if err != nil {
		if errors.Is(err, embedding.ErrVectorCount) {
			return nil, ErrShapeMismatch
		}
		return nil, err
	}
	if len(vectors) != len(rows) || len(vectors[0]) == 0 {
		return nil, ErrShapeMismatch
	}

	idx, err := vectorstore.NewFlatIndex(len(vectors[0]))
	if err != nil {
		return nil, err
	}
	for _, v := range vectors {
		if len(v) != idx.Dim() {
			return nil, ErrShapeMismatch
		}
		if _, err := idx.Add(vectorstore.Normalize(v)); err != nil {
			return nil, err
		}
	}

	if err := idx.SaveFile(b.Artifacts.IndexPath); err != nil {
		return nil, fmt.Errorf("save index: %w", err)
	}
	if err := b.Artifacts.SaveRows(rows); err != nil {
		return nil, fmt.Errorf("save chunk rows: %w", err)
	}
	meta := &Meta{
		Fingerprint:       fingerprint,
		IndexedChunks:     len(rows),
		EmbeddingModel:    b.Config.Model,
		ChunkSizeChars:    b.Config.ChunkSize,
		ChunkOverlapChars: b.Config.Overlap,
		DatasetPath:       datasetPath,
	}
	if err := b.Artifacts.SaveMeta(meta); err != nil {
		return nil, fmt.Errorf("save meta: %w", err)
	}
	log.Printf("[Index] built %d vectors (dim=%d) at %s", idx.Len(), idx.Dim(), b.Artifacts.IndexPath)
	return idx, nil
}
