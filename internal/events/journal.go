package events

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	// Buffer flushes when it reaches this size
	bufferSizeThreshold = 10
	// Buffer flushes automatically every 5 seconds
	flushInterval = 5 * time.Second
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS event_log (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	feature_id  TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	data        TEXT,
	source      TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_event_log_feature ON event_log(feature_id, created_at);
`

// JournalEntry is a persisted auto-mode event.
type JournalEntry struct {
	ID        int64
	FeatureID string
	EventType string
	Data      string
	Source    string
	CreatedAt time.Time
}

// JournalBus wraps an in-memory bus and adds SQLite persistence. Subscribers
// get real-time delivery; events are additionally buffered and flushed to the
// event_log table for timeline reconstruction.
type JournalBus struct {
	inner       *MemoryBus
	db          *sql.DB
	source      string
	buffer      []JournalEntry
	bufferMu    sync.Mutex
	flushTicker *time.Ticker
	logger      *slog.Logger
	stopCh      chan struct{}
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// OpenJournal opens (creating if needed) the event journal database at path.
func OpenJournal(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if _, err := db.Exec(journalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}
	return db, nil
}

// NewJournalBus creates a bus that persists events to db. The source
// parameter identifies where events originate (e.g., "executor", "recovery").
func NewJournalBus(db *sql.DB, source string, logger *slog.Logger, opts ...BusOption) *JournalBus {
	if logger == nil {
		logger = slog.Default()
	}

	b := &JournalBus{
		inner:  NewMemoryBus(opts...),
		db:     db,
		source: source,
		buffer: make([]JournalEntry, 0, bufferSizeThreshold),
		logger: logger,
		stopCh: make(chan struct{}),
	}

	b.flushTicker = time.NewTicker(flushInterval)
	b.wg.Add(1)
	go b.flushLoop()

	return b
}

// Emit broadcasts to subscribers first (real-time delivery), then buffers
// the event for journal persistence.
func (b *JournalBus) Emit(eventType EventType, featureID string, data any) {
	event := NewEvent(eventType, featureID, data)
	b.inner.publish(event)

	if b.db == nil {
		return
	}

	payload := ""
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			payload = string(raw)
		}
	}

	b.bufferMu.Lock()
	b.buffer = append(b.buffer, JournalEntry{
		FeatureID: featureID,
		EventType: string(eventType),
		Data:      payload,
		Source:    b.source,
		CreatedAt: event.Time,
	})
	shouldFlush := len(b.buffer) >= bufferSizeThreshold
	b.bufferMu.Unlock()

	if shouldFlush {
		b.flush()
	}
}

// Subscribe delegates to the in-memory bus.
func (b *JournalBus) Subscribe(featureID string) *Subscription {
	return b.inner.Subscribe(featureID)
}

// Close flushes any buffered events and shuts down the bus.
func (b *JournalBus) Close() {
	b.closeOnce.Do(func() {
		close(b.stopCh)
		b.flushTicker.Stop()
		b.wg.Wait()
		b.flush()
		b.inner.Close()
	})
}

func (b *JournalBus) flushLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopCh:
			return
		case <-b.flushTicker.C:
			b.flush()
		}
	}
}

// flush writes buffered entries to the journal. Failures are logged, never
// surfaced: the journal is an observability aid, not authoritative state.
func (b *JournalBus) flush() {
	b.bufferMu.Lock()
	if len(b.buffer) == 0 {
		b.bufferMu.Unlock()
		return
	}
	pending := b.buffer
	b.buffer = make([]JournalEntry, 0, bufferSizeThreshold)
	b.bufferMu.Unlock()

	tx, err := b.db.Begin()
	if err != nil {
		b.logger.Warn("journal flush failed", "error", err)
		return
	}
	stmt, err := tx.Prepare(`INSERT INTO event_log (feature_id, event_type, data, source, created_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		b.logger.Warn("journal flush failed", "error", err)
		return
	}
	defer stmt.Close()

	for _, e := range pending {
		if _, err := stmt.Exec(e.FeatureID, e.EventType, e.Data, e.Source, e.CreatedAt); err != nil {
			tx.Rollback()
			b.logger.Warn("journal insert failed", "feature", e.FeatureID, "error", err)
			return
		}
	}
	if err := tx.Commit(); err != nil {
		b.logger.Warn("journal commit failed", "error", err)
	}
}

// Flush forces any buffered events to disk. Used by tests and shutdown paths.
func (b *JournalBus) Flush() {
	b.flush()
}

// Query returns the newest journal entries for a feature, most recent first.
// featureID "" returns entries for all features.
func (b *JournalBus) Query(featureID string, limit int) ([]JournalEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, feature_id, event_type, data, source, created_at FROM event_log`
	args := []any{}
	if featureID != "" {
		query += ` WHERE feature_id = ?`
		args = append(args, featureID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := b.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query event log: %w", err)
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		if err := rows.Scan(&e.ID, &e.FeatureID, &e.EventType, &e.Data, &e.Source, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event log row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
