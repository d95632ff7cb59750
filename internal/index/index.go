// Package index builds, persists and revalidates the chunk-level vector index
// over loaded cases. A build writes three artifacts next to each other: the
// binary vector file, a chunk-row list whose ordinal positions are the vector
// row ids, and a meta file holding the fingerprint the artifacts were built for.
package index

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"medbot/internal/dataset"
)

// Sentences surfaced verbatim in load status messages.
var (
	ErrMissingCredential = errors.New("Missing OPENAI_API_KEY; cannot build query embeddings for RAG.")
	ErrNoChunks          = errors.New("No chunkable text found in dataset.")
	ErrShapeMismatch     = errors.New("Embedding matrix shape mismatch.")
)

// ErrArtifactMissing is returned when one of the persisted files does not exist.
var ErrArtifactMissing = errors.New("index artifact missing")

// ChunkRow is one embedded chunk. Its position in the persisted list is its
// vector row id.
type ChunkRow struct {
	CaseIdx        int    `json:"case_idx"`
	ChunkIdx       int    `json:"chunk_idx"`
	EncounterID    string `json:"encounter_id"`
	ChiefComplaint string `json:"chief_complaint"`
	FinalDx        string `json:"final_dx"`
	Summary        string `json:"summary"`
	ChunkText      string `json:"chunk_text"`
}

// BuildRows flattens cases into chunk rows in case order, then chunk order.
func BuildRows(cases []dataset.Case) []ChunkRow {
	var rows []ChunkRow
	for _, c := range cases {
		for j, text := range c.Chunks {
			rows = append(rows, ChunkRow{
				CaseIdx:        c.Index,
				ChunkIdx:       j,
				EncounterID:    c.EncounterID,
				ChiefComplaint: c.ChiefComplaint,
				FinalDx:        c.FinalDiagnosis,
				Summary:        c.Summary,
				ChunkText:      text,
			})
		}
	}
	return rows
}

// Config is the embedding and chunking configuration an index is built with.
type Config struct {
	Model     string
	ChunkSize int
	Overlap   int
	BatchSize int
}

// Fingerprint identifies the dataset file, the embedding configuration and
// the chunk count an index was built from.
func Fingerprint(path string, totalChunks int, cfg Config) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat dataset: %w", err)
	}
	raw := fmt.Sprintf("%s|%d|%d|%s|%d|%d|%d",
		path, info.Size(), info.ModTime().UnixNano(),
		cfg.Model, cfg.ChunkSize, cfg.Overlap, totalChunks)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:]), nil
}

// Meta is the persisted description of a built index.
type Meta struct {
	Fingerprint       string `json:"fingerprint"`
	IndexedChunks     int    `json:"indexed_chunks"`
	EmbeddingModel    string `json:"embedding_model"`
	ChunkSizeChars    int    `json:"chunk_size_chars"`
	ChunkOverlapChars int    `json:"chunk_overlap_chars"`
	DatasetPath       string `json:"dataset_path"`
}

// Artifacts locates the three files derived from IndexPath.
type Artifacts struct {
	IndexPath string
}

// MetaPath returns the meta file path.
func (a Artifacts) MetaPath() string { return a.IndexPath + ".meta.json" }

// ChunksPath returns the chunk-row file path.
func (a Artifacts) ChunksPath() string { return a.IndexPath + ".chunks.json" }

// LoadMeta reads the meta file.
func (a Artifacts) LoadMeta() (*Meta, error) {
	var m Meta
	if err := readJSON(a.MetaPath(), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// SaveMeta writes the meta file.
func (a Artifacts) SaveMeta(m *Meta) error {
	return writeJSON(a.MetaPath(), m)
}

// LoadRows reads the chunk-row file.
func (a Artifacts) LoadRows() ([]ChunkRow, error) {
	var rows []ChunkRow
	if err := readJSON(a.ChunksPath(), &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// SaveRows writes the chunk-row file.
func (a Artifacts) SaveRows(rows []ChunkRow) error {
	if rows == nil {
		rows = []ChunkRow{}
	}
	return writeJSON(a.ChunksPath(), rows)
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrArtifactMissing, path)
		}
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func writeJSON(path string, v interface{}) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return writeFileAtomic(path, buf.Bytes())
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
