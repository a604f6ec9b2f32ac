package deadletter

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteSink persists records to SQLite.
// It is suitable for single-process production use.
type SQLiteSink struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteSink opens (or creates) a sink at path. Use ":memory:" for tests.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if strings.Contains(path, ":memory:") {
		// Every pooled connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS dead_letters (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			channel_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			reason TEXT NOT NULL,
			recorded_at TEXT NOT NULL,
			data BLOB NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_dead_letters_channel
		ON dead_letters(channel_id, seq)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteSink{db: db}, nil
}

// Record implements Sink.
func (s *SQLiteSink) Record(ctx context.Context, r Record) error {
	if err := r.validate(); err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (id, channel_id, event_id, reason, recorded_at, data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, r.ID, r.ChannelID, r.Event.ID, string(r.Reason), r.ExhaustedAt.UTC().Format(time.RFC3339Nano), data)
	if err != nil {
		return fmt.Errorf("record dead letter: %w", err)
	}
	return nil
}

// Drain implements Sink.
func (s *SQLiteSink) Drain(ctx context.Context, channelID string) iter.Seq2[Record, error] {
	return drain(ctx, func(ctx context.Context) (Record, bool, error) {
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.closed {
			return Record{}, false, ErrSinkClosed
		}

		var data []byte
		err := s.db.QueryRowContext(ctx, `
			DELETE FROM dead_letters
			WHERE seq = (
				SELECT seq FROM dead_letters
				WHERE channel_id = ?
				ORDER BY seq
				LIMIT 1
			)
			RETURNING data
		`, channelID).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, false, nil
		}
		if err != nil {
			return Record{}, false, fmt.Errorf("claim dead letter: %w", err)
		}

		var r Record
		if err := json.Unmarshal(data, &r); err != nil {
			return Record{}, false, fmt.Errorf("decode dead letter: %w", err)
		}
		return r, true, nil
	})
}

// Count implements Sink.
func (s *SQLiteSink) Count(ctx context.Context, channelID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrSinkClosed
	}

	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dead_letters WHERE channel_id = ?`, channelID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

// Channels implements Sink.
func (s *SQLiteSink) Channels(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrSinkClosed
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT channel_id FROM dead_letters ORDER BY channel_id`)
	if err != nil {
		return nil, fmt.Errorf("list dead letter channels: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan channel id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}
	return out, nil
}

// Close implements Sink.
func (s *SQLiteSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
