// Package catalog records captured frames in PostgreSQL.
package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/unklstewy/indicam/internal/frame"
	"github.com/unklstewy/indicam/pkg/healthcheck"
	"go.uber.org/zap"
)

// DefaultListLimit caps List when no limit is given.
const DefaultListLimit = 100

const schema = `
	CREATE TABLE IF NOT EXISTS frames (
		id               UUID PRIMARY KEY,
		device           TEXT NOT NULL,
		frame_index      INTEGER NOT NULL,
		frame_total      INTEGER NOT NULL,
		exposure_seconds DOUBLE PRECISION NOT NULL,
		format           TEXT NOT NULL,
		size_bytes       INTEGER NOT NULL,
		captured_at      TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS frames_device_captured_at_idx ON frames (device, captured_at DESC);
`

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
}

// Entry is a catalogued frame without its payload.
type Entry struct {
	ID         uuid.UUID `json:"id"`
	Device     string    `json:"device"`
	Index      int       `json:"index"`
	Total      int       `json:"total"`
	Exposure   float64   `json:"exposure_seconds"`
	Format     string    `json:"format"`
	Size       int       `json:"size"`
	CapturedAt time.Time `json:"captured_at"`
}

// ListOptions filters List.
type ListOptions struct {
	// Device restricts results to one device (empty = all)
	Device string
	// Limit caps the number of entries (0 = DefaultListLimit)
	Limit int
}

// Store persists frame metadata.
type Store struct {
	db     DB
	logger *zap.Logger
}

// NewStore creates a store on db.
func NewStore(db DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:     db,
		logger: logger.With(zap.String("component", "catalog")),
	}
}

// EnsureSchema creates the frames table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Record inserts f. Recording the same frame twice is a no-op.
func (s *Store) Record(ctx context.Context, f *frame.Frame) error {
	query := `
		INSERT INTO frames (id, device, frame_index, frame_total, exposure_seconds, format, size_bytes, captured_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := s.db.Exec(ctx, query,
		f.ID.String(), f.Device, f.Index, f.Total,
		f.Exposure, f.Format, f.Size(), f.CapturedAt)
	if err != nil {
		s.logger.Error("Failed to record frame", zap.Error(err), zap.String("frame_id", f.ID.String()))
		return fmt.Errorf("failed to insert frame: %w", err)
	}

	s.logger.Debug("Frame recorded", zap.String("frame_id", f.ID.String()), zap.Int("index", f.Index))
	return nil
}

// Consume implements frame.Consumer by recording the frame.
func (s *Store) Consume(ctx context.Context, f *frame.Frame) error {
	return s.Record(ctx, f)
}

// List returns the most recent frames first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]Entry, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `
		SELECT id::text, device, frame_index, frame_total, exposure_seconds, format, size_bytes, captured_at
		FROM frames
		WHERE ($1 = '' OR device = $1)
		ORDER BY captured_at DESC, frame_index DESC
		LIMIT $2
	`

	rows, err := s.db.Query(ctx, query, opts.Device, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query frames: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var id string
		if err := rows.Scan(&id, &e.Device, &e.Index, &e.Total, &e.Exposure, &e.Format, &e.Size, &e.CapturedAt); err != nil {
			return nil, fmt.Errorf("failed to scan frame: %w", err)
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("invalid frame id %q: %w", id, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read frames: %w", err)
	}
	return entries, nil
}

// Name implements healthcheck.Checker.
func (s *Store) Name() string {
	return "catalog"
}

// Check implements healthcheck.Checker.
func (s *Store) Check(ctx context.Context) *healthcheck.Result {
	result := &healthcheck.Result{
		ComponentName: s.Name(),
		Status:        healthcheck.StatusHealthy,
		Message:       "database reachable",
		Timestamp:     time.Now(),
	}
	if err := s.db.Ping(ctx); err != nil {
		result.Status = healthcheck.StatusUnhealthy
		result.Message = fmt.Sprintf("database ping failed: %v", err)
	}
	return result
}
