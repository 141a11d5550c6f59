// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Backdesk Contributors

// Package sqlite provides SQLite-backed implementations of the store
// interfaces: an append-only audit log and a sqlite-vec vector index.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/backdesk-ai/backdesk/internal/store"
	bderr "github.com/backdesk-ai/backdesk/pkg/errors"
)

// Compile-time interface check.
var _ store.AuditStore = (*AuditStore)(nil)

// AuditStore implements store.AuditStore backed by SQLite. Entries are
// append-only; there is no update or delete path.
type AuditStore struct {
	db *sql.DB
}

// NewAuditStore opens (or creates) a SQLite database at dbPath and
// initialises the audit_log table.
func NewAuditStore(dbPath string) (*AuditStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, bderr.Wrapf(err, bderr.CodeStoreDatabaseFailure, "opening audit db")
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, bderr.Wrapf(err, bderr.CodeStoreDatabaseFailure, "pinging audit db")
	}

	if err := migrateAudit(db); err != nil {
		_ = db.Close()
		return nil, bderr.Wrapf(err, bderr.CodeStoreDatabaseFailure, "migrating audit table")
	}

	return &AuditStore{db: db}, nil
}

func migrateAudit(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS audit_log (
	id              TEXT PRIMARY KEY,
	ts              TEXT NOT NULL,
	action          TEXT NOT NULL,
	actor           TEXT NOT NULL,
	conversation_id TEXT NOT NULL DEFAULT '',
	tool            TEXT NOT NULL DEFAULT '',
	risk_level      TEXT NOT NULL DEFAULT '',
	details         TEXT NOT NULL DEFAULT '{}',
	result          TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts);
CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_log(actor, ts);
CREATE INDEX IF NOT EXISTS idx_audit_conversation ON audit_log(conversation_id, ts);
`
	_, err := db.Exec(ddl)
	return err
}

// Append records one audit entry.
func (a *AuditStore) Append(ctx context.Context, entry *store.AuditEntry) error {
	if entry == nil || entry.ID == "" {
		return bderr.Wrap(store.ErrInvalidInput, bderr.CodeStoreInvalidInput, "audit entry must have an ID")
	}

	detailsJSON := []byte("{}")
	if len(entry.Details) > 0 {
		var err error
		detailsJSON, err = json.Marshal(entry.Details)
		if err != nil {
			return bderr.Wrapf(err, bderr.CodeStoreDatabaseFailure, "marshalling audit details")
		}
	}

	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	const q = `INSERT INTO audit_log (id, ts, action, actor, conversation_id, tool, risk_level, details, result)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := a.db.ExecContext(ctx, q,
		entry.ID,
		formatTime(ts),
		entry.Action,
		entry.Actor,
		entry.ConversationID,
		entry.Tool,
		entry.RiskLevel,
		string(detailsJSON),
		entry.Result,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return bderr.Wrapf(store.ErrConflict, bderr.CodeStoreConflict, "audit entry %s already exists", entry.ID)
		}
		return bderr.Wrapf(err, bderr.CodeStoreDatabaseFailure, "appending audit entry %s", entry.ID)
	}
	return nil
}

// Query returns entries matching the filter, newest first.
func (a *AuditStore) Query(ctx context.Context, filter store.AuditFilter) ([]*store.AuditEntry, error) {
	var (
		qb   strings.Builder
		args []any
	)

	qb.WriteString(`SELECT id, ts, action, actor, conversation_id, tool, risk_level, details, result
FROM audit_log WHERE 1=1`)

	if filter.Action != "" {
		qb.WriteString(` AND action = ?`)
		args = append(args, filter.Action)
	}
	if filter.Actor != "" {
		qb.WriteString(` AND actor = ?`)
		args = append(args, filter.Actor)
	}
	if filter.Tool != "" {
		qb.WriteString(` AND tool = ?`)
		args = append(args, filter.Tool)
	}
	if filter.ConversationID != "" {
		qb.WriteString(` AND conversation_id = ?`)
		args = append(args, filter.ConversationID)
	}
	if !filter.From.IsZero() {
		qb.WriteString(` AND ts >= ?`)
		args = append(args, formatTime(filter.From))
	}
	if !filter.To.IsZero() {
		qb.WriteString(` AND ts <= ?`)
		args = append(args, formatTime(filter.To))
	}

	qb.WriteString(` ORDER BY ts DESC`)

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	qb.WriteString(` LIMIT ?`)
	args = append(args, limit)

	if filter.Offset > 0 {
		qb.WriteString(` OFFSET ?`)
		args = append(args, filter.Offset)
	}

	rows, err := a.db.QueryContext(ctx, qb.String(), args...)
	if err != nil {
		return nil, bderr.Wrapf(err, bderr.CodeStoreDatabaseFailure, "querying audit log")
	}
	defer func() { _ = rows.Close() }()

	var entries []*store.AuditEntry
	for rows.Next() {
		var (
			e          store.AuditEntry
			ts         string
			detailsStr string
		)
		if err := rows.Scan(&e.ID, &ts, &e.Action, &e.Actor, &e.ConversationID, &e.Tool, &e.RiskLevel, &detailsStr, &e.Result); err != nil {
			return nil, bderr.Wrapf(err, bderr.CodeStoreDatabaseFailure, "scanning audit entry")
		}
		e.Timestamp = parseTime(ts)
		if detailsStr != "" && detailsStr != "{}" {
			if err := json.Unmarshal([]byte(detailsStr), &e.Details); err != nil {
				return nil, bderr.Wrapf(err, bderr.CodeStoreDatabaseFailure, "unmarshalling audit details for %s", e.ID)
			}
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, bderr.Wrapf(err, bderr.CodeStoreDatabaseFailure, "iterating audit entries")
	}

	return entries, nil
}

// Close closes the underlying database connection.
func (a *AuditStore) Close() error {
	return a.db.Close()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
