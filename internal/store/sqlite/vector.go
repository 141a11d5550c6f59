// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Backdesk Contributors

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/backdesk-ai/backdesk/internal/store"
	bderr "github.com/backdesk-ai/backdesk/pkg/errors"
)

func init() {
	sqlite_vec.Auto()
}

// Compile-time interface check.
var _ store.VectorStore = (*VectorStore)(nil)

// VectorStore implements store.VectorStore backed by SQLite with sqlite-vec.
// Chunk embeddings live in a vec0 virtual table; metadata lives in a
// companion table keyed by the same ID.
type VectorStore struct {
	db         *sql.DB
	dimensions int
}

// NewVectorStore opens (or creates) a SQLite database at dbPath and
// initialises the vec0 virtual table for the given embedding dimensionality.
func NewVectorStore(dbPath string, dimensions int) (*VectorStore, error) {
	if dimensions <= 0 {
		return nil, bderr.Wrap(store.ErrInvalidInput, bderr.CodeStoreInvalidInput, "embedding dimensions must be positive")
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, bderr.Wrapf(err, bderr.CodeStoreDatabaseFailure, "opening vector db")
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, bderr.Wrapf(err, bderr.CodeStoreDatabaseFailure, "pinging vector db")
	}

	if err := migrateVector(db, dimensions); err != nil {
		_ = db.Close()
		return nil, bderr.Wrapf(err, bderr.CodeStoreDatabaseFailure, "migrating vector tables")
	}

	return &VectorStore{db: db, dimensions: dimensions}, nil
}

func migrateVector(db *sql.DB, dimensions int) error {
	vecDDL := fmt.Sprintf(
		`CREATE VIRTUAL TABLE IF NOT EXISTS embeddings USING vec0(id TEXT PRIMARY KEY, embedding float[%d])`,
		dimensions,
	)
	if _, err := db.Exec(vecDDL); err != nil {
		return fmt.Errorf("creating embeddings virtual table: %w", err)
	}

	const metaDDL = `
CREATE TABLE IF NOT EXISTS embedding_meta (
	id       TEXT PRIMARY KEY,
	metadata TEXT NOT NULL DEFAULT '{}'
)`
	if _, err := db.Exec(metaDDL); err != nil {
		return fmt.Errorf("creating embedding_meta table: %w", err)
	}

	return nil
}

// Store inserts or replaces an embedding and its metadata.
func (v *VectorStore) Store(ctx context.Context, id string, embedding []float32, metadata map[string]any) error {
	if id == "" {
		return bderr.Wrap(store.ErrInvalidInput, bderr.CodeStoreInvalidInput, "vector must have an ID")
	}
	if len(embedding) != v.dimensions {
		return bderr.Wrapf(store.ErrInvalidInput, bderr.CodeStoreInvalidInput,
			"embedding has %d dimensions, store expects %d", len(embedding), v.dimensions)
	}

	blob, err := sqlite_vec.SerializeFloat32(embedding)
	if err != nil {
		return bderr.Wrapf(err, bderr.CodeStoreDatabaseFailure, "serializing embedding %s", id)
	}

	metaJSON := []byte("{}")
	if len(metadata) > 0 {
		metaJSON, err = json.Marshal(metadata)
		if err != nil {
			return bderr.Wrapf(err, bderr.CodeStoreDatabaseFailure, "marshalling metadata for %s", id)
		}
	}

	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return bderr.Wrapf(err, bderr.CodeStoreDatabaseFailure, "beginning vector transaction")
	}
	defer func() { _ = tx.Rollback() }()

	// vec0 has no ON CONFLICT support; delete first for upsert semantics.
	if _, err := tx.ExecContext(ctx, `DELETE FROM embeddings WHERE id = ?`, id); err != nil {
		return bderr.Wrapf(err, bderr.CodeStoreDatabaseFailure, "deleting existing embedding %s", id)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO embeddings(id, embedding) VALUES (?, ?)`, id, blob); err != nil {
		return bderr.Wrapf(err, bderr.CodeStoreDatabaseFailure, "inserting embedding %s", id)
	}

	const metaQ = `INSERT INTO embedding_meta(id, metadata) VALUES (?, ?)
ON CONFLICT(id) DO UPDATE SET metadata = excluded.metadata`
	if _, err := tx.ExecContext(ctx, metaQ, id, string(metaJSON)); err != nil {
		return bderr.Wrapf(err, bderr.CodeStoreDatabaseFailure, "upserting metadata for %s", id)
	}

	if err := tx.Commit(); err != nil {
		return bderr.Wrapf(err, bderr.CodeStoreDatabaseFailure, "committing embedding %s", id)
	}
	return nil
}

// Search performs a k-nearest-neighbor search. Score is the vec0 distance;
// lower means more similar, 0.0 is an exact match.
func (v *VectorStore) Search(ctx context.Context, query []float32, k int) ([]store.VectorResult, error) {
	if len(query) != v.dimensions {
		return nil, bderr.Wrapf(store.ErrInvalidInput, bderr.CodeStoreInvalidInput,
			"query has %d dimensions, store expects %d", len(query), v.dimensions)
	}
	if k <= 0 {
		k = 10
	}

	blob, err := sqlite_vec.SerializeFloat32(query)
	if err != nil {
		return nil, bderr.Wrapf(err, bderr.CodeStoreDatabaseFailure, "serializing query vector")
	}

	const q = `SELECT e.id, e.distance, COALESCE(m.metadata, '{}')
FROM embeddings e
LEFT JOIN embedding_meta m ON m.id = e.id
WHERE e.embedding MATCH ? AND k = ?
ORDER BY e.distance`

	rows, err := v.db.QueryContext(ctx, q, blob, k)
	if err != nil {
		return nil, bderr.Wrapf(err, bderr.CodeStoreDatabaseFailure, "searching embeddings")
	}
	defer func() { _ = rows.Close() }()

	var results []store.VectorResult
	for rows.Next() {
		var (
			r       store.VectorResult
			metaStr string
		)
		if err := rows.Scan(&r.ID, &r.Score, &metaStr); err != nil {
			return nil, bderr.Wrapf(err, bderr.CodeStoreDatabaseFailure, "scanning search result")
		}
		if metaStr != "" && metaStr != "{}" {
			if err := json.Unmarshal([]byte(metaStr), &r.Metadata); err != nil {
				return nil, bderr.Wrapf(err, bderr.CodeStoreDatabaseFailure, "unmarshalling metadata for %s", r.ID)
			}
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, bderr.Wrapf(err, bderr.CodeStoreDatabaseFailure, "iterating search results")
	}

	return results, nil
}

// Delete removes embeddings and their metadata by ID. Unknown IDs are ignored.
func (v *VectorStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return bderr.Wrapf(err, bderr.CodeStoreDatabaseFailure, "beginning delete transaction")
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM embeddings WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return bderr.Wrapf(err, bderr.CodeStoreDatabaseFailure, "deleting embeddings")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM embedding_meta WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return bderr.Wrapf(err, bderr.CodeStoreDatabaseFailure, "deleting embedding metadata")
	}

	if err := tx.Commit(); err != nil {
		return bderr.Wrapf(err, bderr.CodeStoreDatabaseFailure, "committing embedding delete")
	}
	return nil
}

// Close closes the underlying database connection.
func (v *VectorStore) Close() error {
	return v.db.Close()
}
