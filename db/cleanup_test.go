package db

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func seedHistory(t *testing.T, repo *Repository, ages map[string]time.Duration) {
	t.Helper()
	for id, age := range ages {
		rec := sampleRecord(id)
		rec.CreatedAt = time.Now().Add(-age)
		if err := repo.InsertPrediction(context.Background(), rec); err != nil {
			t.Fatal(err)
		}
	}
}

func TestCleanupDeletesExpired(t *testing.T) {
	d := openTestDB(t)
	repo := NewRepository(d)
	day := 24 * time.Hour
	seedHistory(t, repo, map[string]time.Duration{
		"old1":   40 * day,
		"old2":   31 * day,
		"recent": 2 * day,
		"now":    0,
	})

	result, err := d.Cleanup(context.Background(), 30)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if result.PredictionsDeleted != 2 {
		t.Errorf("PredictionsDeleted = %d, want 2", result.PredictionsDeleted)
	}
	if result.Vacuumed {
		t.Error("small cleanup should not vacuum")
	}

	left, _ := repo.ListPredictions(context.Background(), 10)
	if len(left) != 2 {
		t.Errorf("%d records left, want 2", len(left))
	}
}

func TestCleanupRetentionZeroKeepsEverything(t *testing.T) {
	d := openTestDB(t)
	repo := NewRepository(d)
	seedHistory(t, repo, map[string]time.Duration{"ancient": 5000 * time.Hour})

	result, err := d.Cleanup(context.Background(), 0)
	if err != nil || result.PredictionsDeleted != 0 {
		t.Errorf("Cleanup(0) = %+v, %v", result, err)
	}
	if _, err := d.Cleanup(context.Background(), -1); err == nil {
		t.Error("negative retention should fail")
	}
}

func TestCleanupVacuumsLargeDeletions(t *testing.T) {
	d := openTestDB(t)
	repo := NewRepository(d)
	ages := make(map[string]time.Duration, vacuumThreshold)
	for i := 0; i < vacuumThreshold; i++ {
		ages[fmt.Sprintf("p%04d", i)] = 100 * 24 * time.Hour
	}
	seedHistory(t, repo, ages)

	result, err := d.Cleanup(context.Background(), 30)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if result.PredictionsDeleted != vacuumThreshold || !result.Vacuumed {
		t.Errorf("result = %+v", result)
	}
}

func TestCleanupCancelledContext(t *testing.T) {
	d := openTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.Cleanup(ctx, 30); err == nil {
		t.Error("Cleanup with cancelled context should fail")
	}
}

func TestCleanupScheduler(t *testing.T) {
	d := openTestDB(t)
	repo := NewRepository(d)
	seedHistory(t, repo, map[string]time.Duration{"old": 60 * 24 * time.Hour})

	runs := make(chan CleanupResult, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := d.StartCleanupScheduler(ctx, CleanupSchedulerConfig{
		RetentionDays: 30,
		Interval:      time.Hour,
		OnCleanup: func(r CleanupResult, err error) {
			if err == nil {
				runs <- r
			}
		},
	})

	select {
	case r := <-runs:
		if r.PredictionsDeleted != 1 {
			t.Errorf("initial run deleted %d, want 1", r.PredictionsDeleted)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("initial cleanup did not run")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
