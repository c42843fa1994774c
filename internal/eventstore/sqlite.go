package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ongoingai/llmevents/migrations"

	_ "modernc.org/sqlite"
)

// sqliteTimeLayout is fixed width so created_at sorts lexically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

type SQLiteStore struct {
	Path string
	db   *sql.DB
	// SQLite allows one writer at a time.
	writeMu sync.Mutex
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}

	store := &SQLiteStore{Path: path, db: db}
	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure sqlite schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const sqliteInsertEvent = `
INSERT INTO llm_events (
    id,
    completion_id,
    event_type,
    trace_id,
    span_id,
    attributes,
    created_at
) VALUES (?, ?, ?, ?, ?, ?, ?)`

func (s *SQLiteStore) WriteEvent(ctx context.Context, event *Event) error {
	if event == nil {
		return nil
	}
	row := normalizeEvent(event)
	attrs, err := encodeAttributes(row.Attributes)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err = retrySQLiteBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, sqliteInsertEvent,
			row.ID,
			row.CompletionID,
			row.EventType,
			row.TraceID,
			row.SpanID,
			attrs,
			row.CreatedAt.Format(sqliteTimeLayout),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("write event %q: %w", row.ID, err)
	}
	return nil
}

func (s *SQLiteStore) WriteBatch(ctx context.Context, events []*Event) error {
	if len(events) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return retrySQLiteBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sqlite batch transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		stmt, err := tx.PrepareContext(ctx, sqliteInsertEvent)
		if err != nil {
			return fmt.Errorf("prepare sqlite batch insert: %w", err)
		}
		defer stmt.Close()

		for _, event := range events {
			if event == nil {
				continue
			}
			row := normalizeEvent(event)
			attrs, err := encodeAttributes(row.Attributes)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx,
				row.ID,
				row.CompletionID,
				row.EventType,
				row.TraceID,
				row.SpanID,
				attrs,
				row.CreatedAt.Format(sqliteTimeLayout),
			); err != nil {
				return fmt.Errorf("insert event %q: %w", row.ID, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit sqlite batch transaction: %w", err)
		}
		return nil
	})
}

const (
	sqliteBusyMaxRetries     = 12
	sqliteBusyInitialBackoff = 5 * time.Millisecond
	sqliteBusyMaxBackoff     = 250 * time.Millisecond
)

// retrySQLiteBusy retries fn with capped exponential backoff while SQLite
// reports lock contention.
func retrySQLiteBusy(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for retries := 0; ; retries++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusyError(err) || retries >= sqliteBusyMaxRetries {
			return err
		}

		wait := sqliteBusyInitialBackoff << retries
		if wait > sqliteBusyMaxBackoff {
			wait = sqliteBusyMaxBackoff
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "sqlite_busy") || strings.Contains(value, "database is locked")
}

const sqliteSelectColumns = `id, completion_id, event_type, trace_id, span_id, attributes, CAST(created_at AS TEXT)`

func (s *SQLiteStore) GetEvent(ctx context.Context, id string) (*Event, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sqliteSelectColumns+" FROM llm_events WHERE id = ? LIMIT 1", id)
	event, err := scanSQLiteEvent(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get event %q: %w", id, err)
	}
	return event, nil
}

func (s *SQLiteStore) QueryEvents(ctx context.Context, filter Filter) (*Result, error) {
	limit := clampLimit(filter.Limit)
	whereSQL, args, err := buildSQLiteWhere(filter)
	if err != nil {
		return nil, err
	}
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sqliteSelectColumns+" FROM llm_events WHERE "+whereSQL+" ORDER BY created_at DESC, id DESC LIMIT ?",
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	items := make([]*Event, 0, limit)
	for rows.Next() {
		event, err := scanSQLiteEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		items = append(items, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}

	result := &Result{Items: items}
	if len(items) > limit {
		last := items[limit-1]
		result.Items = items[:limit]
		result.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	}
	return result, nil
}

func buildSQLiteWhere(filter Filter) (string, []any, error) {
	where := make([]string, 0, 6)
	args := make([]any, 0, 8)

	if filter.CompletionID != "" {
		where = append(where, "completion_id = ?")
		args = append(args, filter.CompletionID)
	}
	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.TraceID != "" {
		where = append(where, "trace_id = ?")
		args = append(args, filter.TraceID)
	}
	if !filter.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, filter.From.UTC().Format(sqliteTimeLayout))
	}
	if !filter.To.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, filter.To.UTC().Format(sqliteTimeLayout))
	}
	if filter.Cursor != "" {
		createdAt, id, err := decodeCursor(filter.Cursor)
		if err != nil {
			return "", nil, err
		}
		ts := createdAt.Format(sqliteTimeLayout)
		where = append(where, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, ts, ts, id)
	}

	if len(where) == 0 {
		return "1=1", args, nil
	}
	return strings.Join(where, " AND "), args, nil
}

func scanSQLiteEvent(scanner rowScanner) (*Event, error) {
	var (
		event     Event
		attrs     string
		createdAt string
	)
	if err := scanner.Scan(
		&event.ID,
		&event.CompletionID,
		&event.EventType,
		&event.TraceID,
		&event.SpanID,
		&attrs,
		&createdAt,
	); err != nil {
		return nil, err
	}
	decoded, err := decodeAttributes(attrs)
	if err != nil {
		return nil, err
	}
	event.Attributes = decoded
	parsed, err := time.Parse(sqliteTimeLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at %q: %w", createdAt, err)
	}
	event.CreatedAt = parsed.UTC()
	return &event, nil
}

func (s *SQLiteStore) configure() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		return fmt.Errorf("enable sqlite WAL mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA synchronous = NORMAL;`); err != nil {
		return fmt.Errorf("set sqlite synchronous mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		return fmt.Errorf("set sqlite busy timeout: %w", err)
	}
	return nil
}
