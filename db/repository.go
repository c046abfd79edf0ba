package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Prediction statuses.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// DefaultListLimit applies when ListPredictions gets a non-positive limit.
const DefaultListLimit = 20

// MaxListLimit caps ListPredictions.
const MaxListLimit = 500

// timeLayout matches strftime('%Y-%m-%d %H:%M:%f') so stored timestamps
// compare correctly against SQLite's date functions.
const timeLayout = "2006-01-02 15:04:05.000"

// ErrNotFound is returned when a prediction id has no record.
var ErrNotFound = errors.New("prediction not found")

// PredictionRecord is one row of the predictions table.
type PredictionRecord struct {
	ID           string    `json:"id"`
	Status       string    `json:"status"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error,omitempty"`
	Prompt       string    `json:"prompt"`
	Mode         string    `json:"mode,omitempty"`
	Seed         int64     `json:"seed"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	NumOutputs   int       `json:"num_outputs"`
	Outputs      []string  `json:"output"`
	Rejected     int       `json:"rejected"`
	DurationMS   int64     `json:"duration_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// Repository reads and writes prediction history.
type Repository struct {
	db     *Database
	writer *AsyncWriter[PredictionRecord]
}

// NewRepository creates a repository over db.
func NewRepository(db *Database) *Repository {
	return &Repository{db: db}
}

// StartAsync routes RecordPrediction through a background writer.
// onError receives records that could not be stored.
func (r *Repository) StartAsync(config AsyncWriterConfig, onError func(PredictionRecord, error)) {
	if r.writer != nil {
		return
	}
	r.writer = NewAsyncWriterWithConfig[PredictionRecord](r.InsertPrediction, config)
	r.writer.OnError(onError)
	r.writer.Start()
}

// Writer returns the async writer, or nil when StartAsync was not called.
func (r *Repository) Writer() *AsyncWriter[PredictionRecord] {
	return r.writer
}

// RecordPrediction stores rec without blocking when the async writer is
// running, and synchronously otherwise. It returns false only when an
// async write was dropped or a synchronous write failed.
func (r *Repository) RecordPrediction(rec PredictionRecord) bool {
	if r.writer != nil {
		return r.writer.Write(rec)
	}
	return r.InsertPrediction(context.Background(), rec) == nil
}

// StopAsync drains the background writer. It reports false when the drain
// did not finish within timeout.
func (r *Repository) StopAsync(timeout time.Duration) bool {
	if r.writer == nil {
		return true
	}
	return r.writer.StopWithTimeout(timeout)
}

// InsertPrediction writes rec, replacing any earlier record with the same id.
func (r *Repository) InsertPrediction(ctx context.Context, rec PredictionRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("prediction id is required")
	}
	if rec.Status == "" {
		return fmt.Errorf("prediction status is required")
	}

	outputs := rec.Outputs
	if outputs == nil {
		outputs = []string{}
	}
	encoded, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("failed to encode outputs: %w", err)
	}

	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	conn, release, err := r.db.conn()
	if err != nil {
		return err
	}
	defer release()

	_, err = conn.ExecContext(ctx, `
		INSERT INTO predictions (
			id, status, error_kind, error_message, prompt, mode, seed,
			width, height, num_outputs, outputs, rejected, duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			error_kind = excluded.error_kind,
			error_message = excluded.error_message,
			prompt = excluded.prompt,
			mode = excluded.mode,
			seed = excluded.seed,
			width = excluded.width,
			height = excluded.height,
			num_outputs = excluded.num_outputs,
			outputs = excluded.outputs,
			rejected = excluded.rejected,
			duration_ms = excluded.duration_ms,
			created_at = excluded.created_at
	`,
		rec.ID,
		rec.Status,
		nullString(rec.ErrorKind),
		nullString(rec.ErrorMessage),
		rec.Prompt,
		nullString(rec.Mode),
		rec.Seed,
		rec.Width,
		rec.Height,
		rec.NumOutputs,
		string(encoded),
		rec.Rejected,
		rec.DurationMS,
		created.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to insert prediction %s: %w", rec.ID, err)
	}
	return nil
}

const selectColumns = `id, status, error_kind, error_message, prompt, mode, seed,
	width, height, num_outputs, outputs, rejected, duration_ms, created_at`

// GetPrediction returns the record for id, or ErrNotFound.
func (r *Repository) GetPrediction(ctx context.Context, id string) (*PredictionRecord, error) {
	conn, release, err := r.db.conn()
	if err != nil {
		return nil, err
	}
	defer release()

	row := conn.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM predictions WHERE id = ?", id)
	rec, err := scanPrediction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListPredictions returns the newest records first.
func (r *Repository) ListPredictions(ctx context.Context, limit int) ([]PredictionRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	conn, release, err := r.db.conn()
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := conn.QueryContext(ctx,
		"SELECT "+selectColumns+" FROM predictions ORDER BY created_at DESC, id LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list predictions: %w", err)
	}
	defer rows.Close()

	records := []PredictionRecord{}
	for rows.Next() {
		rec, err := scanPrediction(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate predictions: %w", err)
	}
	return records, nil
}

// CountPredictions returns the number of records, optionally for one status.
func (r *Repository) CountPredictions(ctx context.Context, status string) (int64, error) {
	conn, release, err := r.db.conn()
	if err != nil {
		return 0, err
	}
	defer release()

	query := "SELECT COUNT(*) FROM predictions"
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}

	var count int64
	if err := conn.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count predictions: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrediction(s rowScanner) (*PredictionRecord, error) {
	var (
		rec                       PredictionRecord
		errorKind, errorMsg, mode sql.NullString
		seed                      sql.NullInt64
		outputs, created          string
	)
	err := s.Scan(
		&rec.ID, &rec.Status, &errorKind, &errorMsg, &rec.Prompt, &mode, &seed,
		&rec.Width, &rec.Height, &rec.NumOutputs, &outputs, &rec.Rejected, &rec.DurationMS, &created,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan prediction: %w", err)
	}

	rec.ErrorKind = errorKind.String
	rec.ErrorMessage = errorMsg.String
	rec.Mode = mode.String
	rec.Seed = seed.Int64

	if err := json.Unmarshal([]byte(outputs), &rec.Outputs); err != nil {
		return nil, fmt.Errorf("failed to decode outputs of %s: %w", rec.ID, err)
	}
	if rec.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("failed to parse created_at of %s: %w", rec.ID, err)
	}
	return &rec, nil
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{timeLayout, "2006-01-02 15:04:05", time.RFC3339Nano} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// nullString stores empty strings as NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
