package telemetry

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// SQLSink writes records to the usage_events, cache_events and error_events tables.
type SQLSink struct {
	db *sql.DB
}

// NewSQLSink creates a sink over db. The schema comes from the migrations package.
func NewSQLSink(db *sql.DB) *SQLSink {
	return &SQLSink{db: db}
}

func (s *SQLSink) WriteUsage(ctx context.Context, r UsageRecord) error {
	return s.exec(ctx, sq.Insert("usage_events").
		Columns("source", "tool", "key_index", "provider", "model", "input_tokens", "output_tokens",
			"latency_ms", "stale", "fallback_from", "created_at").
		Values(string(r.Source), r.Tool, r.KeyIndex, r.Provider, r.Model, r.InputTokens, r.OutputTokens,
			r.Latency.Milliseconds(), r.Stale, r.FallbackFrom, r.At.Unix()))
}

func (s *SQLSink) WriteCache(ctx context.Context, r CacheRecord) error {
	return s.exec(ctx, sq.Insert("cache_events").
		Columns("tool", "hit", "stale", "age_ms", "created_at").
		Values(r.Tool, r.Hit, r.Stale, r.Age.Milliseconds(), r.At.Unix()))
}

func (s *SQLSink) WriteError(ctx context.Context, r ErrorRecord) error {
	return s.exec(ctx, sq.Insert("error_events").
		Columns("source", "tool", "kind", "message", "status_code", "created_at").
		Values(string(r.Source), r.Tool, r.Kind, r.Message, r.StatusCode, r.At.Unix()))
}

func (s *SQLSink) exec(ctx context.Context, b sq.InsertBuilder) error {
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to write telemetry: %w", err)
	}
	return nil
}

// UsageSummary aggregates tool usage per key for the current day.
type UsageSummary struct {
	KeyIndex int
	Requests int
	Stale    int
}

// SummarizeToolUsage counts tool usage records created at or after since (unix seconds).
func (s *SQLSink) SummarizeToolUsage(ctx context.Context, since int64) ([]UsageSummary, error) {
	query, args, err := sq.Select("key_index", "COUNT(*)", "COALESCE(SUM(stale), 0)").
		From("usage_events").
		Where(sq.Eq{"source": string(SourceTool)}).
		Where(sq.GtOrEq{"created_at": since}).
		GroupBy("key_index").
		OrderBy("key_index").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}
	defer rows.Close()

	var out []UsageSummary
	for rows.Next() {
		var u UsageSummary
		if err := rows.Scan(&u.KeyIndex, &u.Requests, &u.Stale); err != nil {
			return nil, fmt.Errorf("failed to scan usage: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
