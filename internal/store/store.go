// Package store persists rooms, assets, agents, messages and deals in
// SQLite. The deal lock is the one multi-row transaction the engine
// depends on.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	errorsmod "cosmossdk.io/errors"
	"modernc.org/sqlite"

	"agentmarket/negotiator/internal/market"
)

const (
	sqliteConstraint       = 19
	sqliteConstraintUnique = 2067
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS rooms (
  id TEXT PRIMARY KEY,                 -- collection identifier
  status TEXT NOT NULL DEFAULT 'open',
  created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS assets (
  id TEXT PRIMARY KEY,
  collection TEXT NOT NULL,
  token_id TEXT NOT NULL,
  name TEXT,
  UNIQUE (collection, token_id)
);

CREATE TABLE IF NOT EXISTS agents (
  id TEXT PRIMARY KEY,
  room_id TEXT NOT NULL REFERENCES rooms(id),
  name TEXT NOT NULL,
  role TEXT NOT NULL,                  -- buyer | seller
  strategy TEXT NOT NULL,
  style TEXT,
  min_price REAL NOT NULL DEFAULT 0,
  max_price REAL NOT NULL DEFAULT 0,
  starting_price REAL NOT NULL,
  current_price REAL NOT NULL,
  status TEXT NOT NULL,                -- active | negotiating | deal_locked | completed
  message_count INTEGER NOT NULL DEFAULT 0,
  asset_id TEXT REFERENCES assets(id),
  owner_id TEXT,
  address TEXT NOT NULL,
  deal_id TEXT,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS agents_room_status ON agents(room_id, status);

CREATE TABLE IF NOT EXISTS messages (
  id TEXT PRIMARY KEY,
  room_id TEXT NOT NULL,
  agent_id TEXT NOT NULL,
  role TEXT NOT NULL,
  content TEXT NOT NULL,
  intent TEXT NOT NULL,
  price REAL,
  sentiment TEXT NOT NULL,
  created_at INTEGER NOT NULL          -- unix ms
);
CREATE INDEX IF NOT EXISTS messages_match ON messages(room_id, price, role, created_at);

CREATE TABLE IF NOT EXISTS deals (
  id TEXT PRIMARY KEY,
  room_id TEXT NOT NULL,
  buyer_agent_id TEXT NOT NULL,
  seller_agent_id TEXT NOT NULL,
  asset_id TEXT NOT NULL,
  price REAL NOT NULL,
  status TEXT NOT NULL,                -- locked | verifying | completed | failed
  failure_reason TEXT,
  consensus TEXT,                      -- JSON consensus payload
  tx_hash TEXT,
  block_number INTEGER,
  locked_at INTEGER NOT NULL,
  verified_at INTEGER,
  completed_at INTEGER
);
CREATE INDEX IF NOT EXISTS deals_room ON deals(room_id, locked_at);
`

// Store wraps the SQLite handle.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path and applies the
// schema. Transactions take the write lock at BEGIN so two lock attempts
// serialize instead of failing on upgrade.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	s := New(conn)
	if err := s.InitSchema(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// SetNow overrides the clock used for record timestamps.
func (s *Store) SetNow(now func() time.Time) {
	s.now = now
}

func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaSQL)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqliteConstraint || code == sqliteConstraintUnique
	}
	return false
}

func notFound(kind, id string) error {
	return errorsmod.Wrapf(market.ErrNotFound, "%s %s", kind, id)
}

func unixMilli(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMilli(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMilli(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMilli(v.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
