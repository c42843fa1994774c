package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ongoingai/llmevents/migrations"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresStore struct {
	DSN string
	db  *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}

	store := &PostgresStore{DSN: dsn, db: db}
	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverPostgres); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure postgres schema: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const postgresInsertEvent = `
INSERT INTO llm_events (
    id,
    completion_id,
    event_type,
    trace_id,
    span_id,
    attributes,
    created_at
) VALUES ($1, $2, $3, $4, $5, CAST($6 AS JSONB), $7)
ON CONFLICT (id) DO NOTHING`

func (s *PostgresStore) WriteEvent(ctx context.Context, event *Event) error {
	if event == nil {
		return nil
	}
	row := normalizeEvent(event)
	attrs, err := encodeAttributes(row.Attributes)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, postgresInsertEvent,
		row.ID,
		row.CompletionID,
		row.EventType,
		row.TraceID,
		row.SpanID,
		attrs,
		row.CreatedAt,
	); err != nil {
		return fmt.Errorf("write event %q: %w", row.ID, err)
	}
	return nil
}

func (s *PostgresStore) WriteBatch(ctx context.Context, events []*Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin postgres batch transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, postgresInsertEvent)
	if err != nil {
		return fmt.Errorf("prepare postgres batch insert: %w", err)
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
			row.CreatedAt,
		); err != nil {
			if isPostgresInvalidUUID(err) {
				return fmt.Errorf("insert event %q: id must be a uuid: %w", row.ID, err)
			}
			return fmt.Errorf("insert event %q: %w", row.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit postgres batch transaction: %w", err)
	}
	return nil
}

const postgresSelectColumns = `id::text, completion_id, event_type, trace_id, span_id, attributes::text, created_at`

func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*Event, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+postgresSelectColumns+" FROM llm_events WHERE id::text = $1 LIMIT 1", id)
	event, err := scanPostgresEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get event %q: %w", id, err)
	}
	return event, nil
}

func (s *PostgresStore) QueryEvents(ctx context.Context, filter Filter) (*Result, error) {
	limit := clampLimit(filter.Limit)
	b := newPostgresWhereBuilder()
	if filter.CompletionID != "" {
		b.addComparison("completion_id", "=", filter.CompletionID)
	}
	if filter.EventType != "" {
		b.addComparison("event_type", "=", filter.EventType)
	}
	if filter.TraceID != "" {
		b.addComparison("trace_id", "=", filter.TraceID)
	}
	if !filter.From.IsZero() {
		b.addComparison("created_at", ">=", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		b.addComparison("created_at", "<=", filter.To.UTC())
	}
	if filter.Cursor != "" {
		createdAt, id, err := decodeCursor(filter.Cursor)
		if err != nil {
			return nil, err
		}
		ts := b.addArg(createdAt)
		idArg := b.addArg(id)
		b.addCondition("(created_at < " + ts + " OR (created_at = " + ts + " AND id::text < " + idArg + "))")
	}
	limitArg := b.addArg(limit + 1)

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+postgresSelectColumns+" FROM llm_events WHERE "+b.where()+" ORDER BY created_at DESC, id::text DESC LIMIT "+limitArg,
		b.args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	items := make([]*Event, 0, limit)
	for rows.Next() {
		event, err := scanPostgresEvent(rows)
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

type postgresWhereBuilder struct {
	conditions []string
	args       []any
}

func newPostgresWhereBuilder() *postgresWhereBuilder {
	return &postgresWhereBuilder{
		conditions: make([]string, 0, 6),
		args:       make([]any, 0, 8),
	}
}

func (b *postgresWhereBuilder) addArg(value any) string {
	b.args = append(b.args, value)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *postgresWhereBuilder) addComparison(column, operator string, value any) {
	b.conditions = append(b.conditions, column+" "+operator+" "+b.addArg(value))
}

func (b *postgresWhereBuilder) addCondition(condition string) {
	b.conditions = append(b.conditions, condition)
}

func (b *postgresWhereBuilder) where() string {
	if len(b.conditions) == 0 {
		return "1=1"
	}
	return strings.Join(b.conditions, " AND ")
}

func scanPostgresEvent(scanner rowScanner) (*Event, error) {
	var (
		event     Event
		attrs     string
		createdAt time.Time
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
	event.CreatedAt = createdAt.UTC()
	return &event, nil
}

func (s *PostgresStore) configure() error {
	if s.db == nil {
		return fmt.Errorf("postgres database is not initialized")
	}

	s.db.SetMaxOpenConns(20)
	s.db.SetMaxIdleConns(10)
	s.db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func isPostgresInvalidUUID(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}
