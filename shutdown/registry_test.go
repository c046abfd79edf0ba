package shutdown

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestRegistryRunsInPriorityOrder(t *testing.T) {
	r := NewRegistry()
	var order []string
	add := func(name string, priority int) {
		r.Register(name, priority, func(ctx context.Context) error {
			order = append(order, name)
			return nil
		})
	}
	add("log-sync", PriorityLogSync)
	add("database", PriorityDatabase)
	add("http", PriorityHTTPServer)
	add("history", PriorityHistory)
	add("predictor", PriorityPredictor)
	add("history-2", PriorityHistory)

	want := []string{"http", "predictor", "history", "history-2", "database", "log-sync"}
	if got := r.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}

	results := r.Run(context.Background())
	if !reflect.DeepEqual(order, want) {
		t.Errorf("run order = %v, want %v", order, want)
	}
	if len(results) != len(want) {
		t.Errorf("len(results) = %d", len(results))
	}
}

func TestRegistryContinuesAfterError(t *testing.T) {
	r := NewRegistry()
	ran := false
	r.Register("predictor", PriorityPredictor, func(ctx context.Context) error { return errors.New("drain timed out") })
	r.Register("database", PriorityDatabase, func(ctx context.Context) error { ran = true; return nil })

	results := r.Run(context.Background())
	if !ran {
		t.Error("later step did not run")
	}
	if results[0].Err == nil || !strings.HasPrefix(results[0].Err.Error(), "predictor: ") {
		t.Errorf("step error = %v, want it prefixed with the step name", results[0].Err)
	}
	if results[1].Err != nil {
		t.Errorf("database error = %v", results[1].Err)
	}
}

func TestRegistryRunsOnce(t *testing.T) {
	r := NewRegistry()
	calls := 0
	r.Register("x", 1, func(ctx context.Context) error { calls++; return nil })
	r.Register("nil", 2, nil)

	r.Run(context.Background())
	if got := r.Run(context.Background()); got != nil {
		t.Errorf("second Run() = %v, want nil", got)
	}
	r.Register("late", 3, func(ctx context.Context) error { calls++; return nil })
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if r.Count() != 1 {
		t.Errorf("Count() = %d, want 1", r.Count())
	}
}
