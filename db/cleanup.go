package db

import (
	"context"
	"fmt"
	"time"
)

// vacuumThreshold is the number of deleted rows above which Cleanup vacuums.
const vacuumThreshold = 1000

// CleanupResult reports one retention pass.
type CleanupResult struct {
	PredictionsDeleted int64
	Vacuumed           bool
	Duration           time.Duration
}

// Cleanup deletes predictions older than retentionDays. Zero keeps
// everything. Large deletions are followed by VACUUM.
func (d *Database) Cleanup(ctx context.Context, retentionDays int) (CleanupResult, error) {
	start := time.Now()
	result := CleanupResult{}

	if retentionDays < 0 {
		return result, fmt.Errorf("retentionDays must be non-negative, got %d", retentionDays)
	}
	if retentionDays == 0 {
		return result, nil
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	conn, release, err := d.conn()
	if err != nil {
		return result, err
	}
	defer release()

	res, err := conn.ExecContext(ctx,
		"DELETE FROM predictions WHERE created_at < strftime('%Y-%m-%d %H:%M:%f', 'now', ?)",
		fmt.Sprintf("-%d days", retentionDays),
	)
	if err != nil {
		return result, fmt.Errorf("failed to delete expired predictions: %w", err)
	}
	if result.PredictionsDeleted, err = res.RowsAffected(); err != nil {
		return result, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if result.PredictionsDeleted >= vacuumThreshold {
		if _, err := conn.ExecContext(ctx, "VACUUM"); err != nil {
			result.Duration = time.Since(start)
			return result, fmt.Errorf("cleanup succeeded but VACUUM failed: %w", err)
		}
		result.Vacuumed = true
	}

	result.Duration = time.Since(start)
	return result, nil
}

// CleanupSchedulerConfig holds configuration for the cleanup scheduler.
type CleanupSchedulerConfig struct {
	RetentionDays int
	Interval      time.Duration
	// OnCleanup is called after each pass
	OnCleanup func(result CleanupResult, err error)
}

// DefaultCleanupSchedulerConfig keeps 30 days and runs daily.
func DefaultCleanupSchedulerConfig() CleanupSchedulerConfig {
	return CleanupSchedulerConfig{
		RetentionDays: 30,
		Interval:      24 * time.Hour,
	}
}

// StartCleanupScheduler runs Cleanup immediately and then every Interval
// until ctx is cancelled. The returned channel closes when the goroutine exits.
func (d *Database) StartCleanupScheduler(ctx context.Context, config CleanupSchedulerConfig) <-chan struct{} {
	if config.Interval <= 0 {
		config.Interval = 24 * time.Hour
	}
	done := make(chan struct{})

	go func() {
		defer close(done)

		run := func() {
			result, err := d.Cleanup(ctx, config.RetentionDays)
			if config.OnCleanup != nil {
				config.OnCleanup(result, err)
			}
		}
		run()

		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
	return done
}
