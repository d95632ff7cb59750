package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log"

	"medbot/internal/vectorstore"
)

// QueryCache stores query embeddings keyed by model and query text so repeated
// questions skip the embedding call.
type QueryCache struct {
	db *sql.DB
}

// NewQueryCache creates a QueryCache over an initialized database.
func NewQueryCache(db *sql.DB) *QueryCache {
	return &QueryCache{db: db}
}

func cacheKey(model, query string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + query))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached embedding for (model, query).
func (c *QueryCache) Get(ctx context.Context, model, query string) ([]float64, bool) {
	var (
		dim  int
		blob []byte
	)
	err := c.db.QueryRowContext(ctx,
		"SELECT dim, embedding FROM query_embeddings WHERE key = ?", cacheKey(model, query),
	).Scan(&dim, &blob)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			log.Printf("[QueryCache] lookup failed: %v", err)
		}
		return nil, false
	}
	vec := vectorstore.DeserializeVector(blob)
	if len(vec) != dim || dim == 0 {
		return nil, false
	}
	return vec, true
}

// Put stores vec for (model, query), replacing any earlier entry.
func (c *QueryCache) Put(ctx context.Context, model, query string, vec []float64) error {
	if len(vec) == 0 {
		return fmt.Errorf("empty embedding")
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO query_embeddings (key, model, dim, embedding) VALUES (?, ?, ?, ?)`,
		cacheKey(model, query), model, len(vec), vectorstore.SerializeVector(vec),
	)
	if err != nil {
		return fmt.Errorf("store query embedding: %w", err)
	}
	return nil
}

// count returns the number of cached embeddings.
func (c *QueryCache) count(ctx context.Context) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM query_embeddings").Scan(&n)
	return n, err
}
