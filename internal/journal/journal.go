// Package journal keeps an advisory SQLite record of policy evaluations.
//
// The journal is written off the owner goroutine: Observe only queues the
// entry. Nothing in it is ever read back into a protection decision.
package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"screenguard/internal/logging"
	"screenguard/internal/policy"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("journal: closed")

const defaultQueueSize = 512

// Entry is one stored evaluation.
type Entry struct {
	ID            string
	Timestamp     time.Time
	Trigger       string
	Screen        string
	Kind          string
	Capture       string
	OverrideDepth int
	Protected     bool
	Action        string
	Visible       bool
	Error         string
}

// EntryFromEvaluation converts an evaluation into a journal entry with a
// fresh ID.
func EntryFromEvaluation(ev policy.Evaluation) Entry {
	e := Entry{
		ID:            uuid.NewString(),
		Timestamp:     ev.Timestamp,
		Trigger:       string(ev.Trigger),
		Screen:        ev.Screen,
		Kind:          ev.Kind.String(),
		Capture:       ev.Capture.String(),
		OverrideDepth: ev.OverrideDepth,
		Protected:     ev.Protected,
		Action:        string(ev.Action),
		Visible:       ev.Visible,
	}
	if ev.Err != nil {
		e.Error = ev.Err.Error()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	return e
}

type request struct {
	entry   *Entry
	flushed chan struct{}
}

// Store is the evaluation journal.
type Store struct {
	db      *sql.DB
	queue   chan request
	done    chan struct{}
	closeMu sync.RWMutex
	closed  bool
	dropped atomic.Int64
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithQueueSize sets how many entries may wait for the writer.
func WithQueueSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.queue = make(chan request, n)
		}
	}
}

// Open opens or creates the journal at path and applies migrations.
func Open(path string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:    db,
		queue: make(chan request, defaultQueueSize),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.Component("journal")
	}

	go s.writer()
	return s, nil
}

// Observe queues an evaluation. It never blocks; when the queue is full the
// entry is dropped and counted.
func (s *Store) Observe(ev policy.Evaluation) {
	entry := EntryFromEvaluation(ev)

	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- request{entry: &entry}:
	default:
		if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
			s.logger.Warn("journal queue full, dropping entries", "dropped", n)
		}
	}
}

// Dropped returns how many entries were discarded because the queue was full.
func (s *Store) Dropped() int64 { return s.dropped.Load() }

// Flush waits until every entry queued before the call has been written.
func (s *Store) Flush() error {
	s.closeMu.RLock()
	if s.closed {
		s.closeMu.RUnlock()
		return ErrClosed
	}
	flushed := make(chan struct{})
	s.queue <- request{flushed: flushed}
	s.closeMu.RUnlock()

	<-flushed
	return nil
}

func (s *Store) writer() {
	defer close(s.done)
	for req := range s.queue {
		if req.entry != nil {
			if err := s.Insert(*req.entry); err != nil {
				s.logger.Warn("journal write failed", "error", err)
			}
		}
		if req.flushed != nil {
			close(req.flushed)
		}
	}
}

// Insert writes an entry synchronously.
func (s *Store) Insert(e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := s.db.Exec(`
		INSERT INTO evaluations (id, timestamp_ns, cause, screen, kind, capture, override_depth, protected, overlay_action, visible, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.UnixNano(), e.Trigger, e.Screen, e.Kind, e.Capture,
		e.OverrideDepth, e.Protected, e.Action, e.Visible, e.Error,
	)
	if err != nil {
		return fmt.Errorf("insert evaluation: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, timestamp_ns, cause, screen, kind, capture, override_depth, protected, overlay_action, visible, error
		FROM evaluations
		ORDER BY timestamp_ns DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query evaluations: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e  Entry
			ts int64
		)
		if err := rows.Scan(&e.ID, &ts, &e.Trigger, &e.Screen, &e.Kind, &e.Capture,
			&e.OverrideDepth, &e.Protected, &e.Action, &e.Visible, &e.Error); err != nil {
			return nil, fmt.Errorf("scan evaluation: %w", err)
		}
		e.Timestamp = time.Unix(0, ts)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the number of stored entries.
func (s *Store) Count() (int64, error) {
	var n int64
	if err := s.db.QueryRow("SELECT COUNT(*) FROM evaluations").Scan(&n); err != nil {
		return 0, fmt.Errorf("count evaluations: %w", err)
	}
	return n, nil
}

// Prune deletes entries older than olderThan and returns how many went.
func (s *Store) Prune(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixNano()
	res, err := s.db.Exec("DELETE FROM evaluations WHERE timestamp_ns < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune evaluations: %w", err)
	}
	return res.RowsAffected()
}

// Close drains the queue and closes the database.
func (s *Store) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.closeMu.Unlock()

	<-s.done
	return s.db.Close()
}

var _ policy.Observer = (*Store)(nil)
