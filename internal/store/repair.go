package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RepairItem is a record missing from one of the indexes.
type RepairItem struct {
	RecordID  string
	Index     string
	Attempts  int
	LastError string
	CreatedAt int64
}

// RepairQueue holds records whose dual-index write only half succeeded.
type RepairQueue struct {
	db *DB
}

func NewRepairQueue(db *DB) *RepairQueue {
	return &RepairQueue{db: db}
}

// Enqueue marks index as needing a replay for recordID.
func (q *RepairQueue) Enqueue(ctx context.Context, recordID, index string, cause error) error {
	now := time.Now().Unix()
	var lastErr any
	if cause != nil {
		lastErr = cause.Error()
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO repair_queue (record_id, index_name, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, 0, ?, ?, ?)
		ON CONFLICT(record_id, index_name) DO UPDATE SET last_error = excluded.last_error, updated_at = excluded.updated_at
	`, recordID, index, lastErr, now, now)
	if err != nil {
		return fmt.Errorf("enqueue repair: %w", err)
	}
	return nil
}

// Pending returns up to limit items, oldest first.
func (q *RepairQueue) Pending(ctx context.Context, limit int) ([]RepairItem, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT record_id, index_name, attempts, last_error, created_at
		FROM repair_queue ORDER BY created_at ASC, record_id ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list repair queue: %w", err)
	}
	defer rows.Close()

	var items []RepairItem
	for rows.Next() {
		var it RepairItem
		var lastErr sql.NullString
		if err := rows.Scan(&it.RecordID, &it.Index, &it.Attempts, &lastErr, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan repair item: %w", err)
		}
		it.LastError = lastErr.String
		items = append(items, it)
	}
	return items, rows.Err()
}

// Done removes an item after a successful replay.
func (q *RepairQueue) Done(ctx context.Context, recordID, index string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM repair_queue WHERE record_id = ? AND index_name = ?`, recordID, index)
	if err != nil {
		return fmt.Errorf("complete repair: %w", err)
	}
	return nil
}

// Fail records a failed replay attempt.
func (q *RepairQueue) Fail(ctx context.Context, recordID, index string, cause error) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE repair_queue SET attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE record_id = ? AND index_name = ?
	`, cause.Error(), time.Now().Unix(), recordID, index)
	if err != nil {
		return fmt.Errorf("fail repair: %w", err)
	}
	return nil
}

// Remaining returns how many indexes still await a replay for recordID.
func (q *RepairQueue) Remaining(ctx context.Context, recordID string) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM repair_queue WHERE record_id = ?`, recordID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count repair items: %w", err)
	}
	return n, nil
}

// Size returns the queue length.
func (q *RepairQueue) Size(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM repair_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count repair queue: %w", err)
	}
	return n, nil
}
