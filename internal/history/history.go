package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultLimit is used when a query asks for zero or fewer entries.
	DefaultLimit = 50

	// MaxLimit caps a single query.
	MaxLimit = 200

	// timestampLayout is fixed-width so created_at sorts lexically.
	timestampLayout = "2006-01-02T15:04:05.000000000Z"
)

// ErrResourceRequired is returned when an entry or query names no resource.
var ErrResourceRequired = errors.New("history: resource is required")

// Entry is one stored reading.
type Entry struct {
	ID        int64     `json:"id"`
	Resource  string    `json:"resource"`
	Value     float64   `json:"value"`
	Text      string    `json:"text"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// Repository stores and retrieves reading history.
//
// Implementations must be safe for concurrent use and store UTC timestamps.
type Repository interface {
	Record(ctx context.Context, e Entry) error

	// List returns entries for resource newest first. An empty resource
	// lists every resource.
	List(ctx context.Context, resource string, limit int) ([]Entry, error)

	// Prune deletes entries older than olderThan and reports how many.
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// SQLiteRepository implements Repository on the reading_history table.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository creates a repository over an open, migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

// Record inserts e. A zero CreatedAt is stamped with the current time and an
// empty source is stored as "unknown".
func (r *SQLiteRepository) Record(ctx context.Context, e Entry) error {
	if e.Resource == "" {
		return ErrResourceRequired
	}
	if e.Source == "" {
		e.Source = "unknown"
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now()
	}

	_, err := r.db.ExecContext(ctx,
		"INSERT INTO reading_history (resource, value, text, source, created_at) VALUES (?, ?, ?, ?, ?)",
		e.Resource,
		e.Value,
		e.Text,
		e.Source,
		formatTimestamp(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting reading history: %w", err)
	}
	return nil
}

// List returns up to limit entries, newest first. limit defaults to
// DefaultLimit and is capped at MaxLimit.
func (r *SQLiteRepository) List(ctx context.Context, resource string, limit int) ([]Entry, error) {
	limit = clampLimit(limit)

	query := `SELECT id, resource, value, text, source, created_at
		 FROM reading_history`
	args := []any{}
	if resource != "" {
		query += " WHERE resource = ?"
		args = append(args, resource)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying reading history: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Resource, &e.Value, &e.Text, &e.Source, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning reading history: %w", err)
		}
		if e.CreatedAt, err = parseTimestamp(createdAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating reading history: %w", err)
	}
	return entries, nil
}

// Prune deletes entries created before now-olderThan.
func (r *SQLiteRepository) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}

	cutoff := formatTimestamp(r.now().Add(-olderThan))
	result, err := r.db.ExecContext(ctx, "DELETE FROM reading_history WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting reading history: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return min(limit, MaxLimit)
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("created_at is empty")
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return t, nil
}
