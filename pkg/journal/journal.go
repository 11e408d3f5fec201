// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package journal records the commands a sender has issued in SQLite, so a
// restarted sender can continue its sequence numbers.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Thermoquad/heliolink/pkg/linkproto"
	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS commands (
	id         TEXT PRIMARY KEY,
	seq        INTEGER NOT NULL,
	kind       INTEGER NOT NULL,
	minutes    INTEGER NOT NULL,
	source     TEXT NOT NULL,
	attempts   INTEGER NOT NULL,
	acked      INTEGER NOT NULL,
	elapsed_ms INTEGER NOT NULL,
	error      TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
)`

// Entry is one command attempt
type Entry struct {
	ID       string
	Seq      uint16
	Kind     linkproto.CommandKind
	Minutes  uint8
	Source   string // cli, mqtt, tui
	Attempts int
	Acked    bool
	Elapsed  time.Duration
	Error    string
	Time     time.Time
}

// Journal is an open command journal
type Journal struct {
	db   *sql.DB
	path string
}

// Open opens or creates the journal at path
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	ctx := context.Background()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}

	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", schema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("prepare journal %s: %w", path, err)
		}
	}

	return &Journal{db: db, path: path}, nil
}

// Path returns the database file
func (j *Journal) Path() string { return j.path }

// Close closes the database
func (j *Journal) Close() error {
	return j.db.Close()
}

// Pending is the error text of a reserved entry whose outcome was never
// recorded, such as a command interrupted by a crash.
const Pending = "pending"

// Record stores e, assigning an id and time when they are unset. The write is
// not abandoned when ctx is cancelled: once a sequence may be on the air it
// must reach the journal.
func (j *Journal) Record(ctx context.Context, e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	_, err := j.db.ExecContext(context.WithoutCancel(ctx),
		`INSERT INTO commands (id, seq, kind, minutes, source, attempts, acked, elapsed_ms, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Seq, uint8(e.Kind), e.Minutes, e.Source, e.Attempts, e.Acked,
		e.Elapsed.Milliseconds(), e.Error, e.Time.UnixNano())
	if err != nil {
		return e, fmt.Errorf("record command %d: %w", e.Seq, err)
	}
	return e, nil
}

// Reserve records e as pending before its first transmission, so its
// sequence is never handed out again even if Complete is never called.
func (j *Journal) Reserve(ctx context.Context, e Entry) (Entry, error) {
	e.Attempts, e.Acked, e.Elapsed, e.Error = 0, false, 0, Pending
	return j.Record(ctx, e)
}

// Complete stores the outcome of a reserved entry
func (j *Journal) Complete(ctx context.Context, e Entry) error {
	res, err := j.db.ExecContext(context.WithoutCancel(ctx),
		`UPDATE commands SET attempts = ?, acked = ?, elapsed_ms = ?, error = ? WHERE id = ?`,
		e.Attempts, e.Acked, e.Elapsed.Milliseconds(), e.Error, e.ID)
	if err != nil {
		return fmt.Errorf("complete command %d: %w", e.Seq, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("complete command %d: no entry %s", e.Seq, e.ID)
	}
	return nil
}

// Recent returns up to limit entries, newest first
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, seq, kind, minutes, source, attempts, acked, elapsed_ms, error, created_at
		 FROM commands ORDER BY rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			kind      uint8
			elapsedMS int64
			created   int64
		)
		if err := rows.Scan(&e.ID, &e.Seq, &kind, &e.Minutes, &e.Source, &e.Attempts, &e.Acked,
			&elapsedMS, &e.Error, &created); err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		e.Kind = linkproto.CommandKind(kind)
		e.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		e.Time = time.Unix(0, created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LastSequence returns the sequence of the newest entry. ok is false for an
// empty journal.
func (j *Journal) LastSequence(ctx context.Context) (seq uint16, ok bool, err error) {
	err = j.db.QueryRowContext(ctx, `SELECT seq FROM commands ORDER BY rowid DESC LIMIT 1`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query last sequence: %w", err)
	}
	return seq, true, nil
}

// NextSequence returns the sequence a restarted sender should use first
func (j *Journal) NextSequence(ctx context.Context) (uint16, error) {
	last, ok, err := j.LastSequence(ctx)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 1, nil
	}
	next := last + 1
	if next == 0 {
		next = 1
	}
	return next, nil
}
