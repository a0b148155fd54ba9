package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/MikeSquared-Agency/aperture/internal/embedding"
)

// EmbeddingCache persists vectors in the embedding_cache table, keyed by model
// and the sha256 of the text. Errors degrade to cache misses.
type EmbeddingCache struct {
	pool   *pgxpool.Pool
	model  string
	logger *slog.Logger
}

func (s *Store) EmbeddingCache(model string, logger *slog.Logger) *EmbeddingCache {
	return &EmbeddingCache{pool: s.pool, model: model, logger: logger}
}

func textHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func (c *EmbeddingCache) Get(ctx context.Context, key string) (embedding.Vector, bool) {
	var v pgvector.Vector
	err := c.pool.QueryRow(ctx, `
		SELECT embedding FROM embedding_cache WHERE model = $1 AND text_hash = $2`,
		c.model, textHash(key),
	).Scan(&v)
	if err != nil {
		if notFound(err) != ErrNotFound {
			c.logger.Warn("embedding cache read failed", "error", err)
		}
		return nil, false
	}
	return embedding.Vector(v.Slice()), true
}

func (c *EmbeddingCache) Set(ctx context.Context, key string, v embedding.Vector) {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO embedding_cache (model, text_hash, embedding)
		VALUES ($1, $2, $3)
		ON CONFLICT (model, text_hash) DO NOTHING`,
		c.model, textHash(key), pgvector.NewVector(v),
	)
	if err != nil {
		c.logger.Warn("embedding cache write failed", "error", err)
	}
}
