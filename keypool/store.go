package keypool

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// SQLStore persists slots in the key_usage table.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a store over db. The schema comes from the migrations package.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// LoadSlots returns every persisted slot ordered by index.
func (s *SQLStore) LoadSlots(ctx context.Context) ([]Slot, error) {
	query, args, err := sq.Select("key_index", "requests_today", "reset_at").
		From("key_usage").
		OrderBy("key_index").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load key usage: %w", err)
	}
	defer rows.Close()

	var slots []Slot
	for rows.Next() {
		var slot Slot
		var resetAt int64
		if err := rows.Scan(&slot.Index, &slot.RequestsToday, &resetAt); err != nil {
			return nil, fmt.Errorf("failed to scan key usage: %w", err)
		}
		slot.ResetAt = time.Unix(resetAt, 0).UTC()
		slots = append(slots, slot)
	}
	return slots, rows.Err()
}

// SaveSlot upserts a slot.
func (s *SQLStore) SaveSlot(ctx context.Context, slot Slot) error {
	query, args, err := sq.Insert("key_usage").
		Columns("key_index", "requests_today", "reset_at", "updated_at").
		Values(slot.Index, slot.RequestsToday, slot.ResetAt.Unix(), time.Now().Unix()).
		Suffix("ON CONFLICT(key_index) DO UPDATE SET requests_today = excluded.requests_today, reset_at = excluded.reset_at, updated_at = excluded.updated_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to save key usage: %w", err)
	}
	return nil
}
