package metrics

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestNewStoreDefaults(t *testing.T) {
	store := NewStore(StoreConfig{RecentCapacity: 0, Version: "1.2.3"}, time.Now())
	if store.cap != 100 {
		t.Errorf("cap = %d, want 100", store.cap)
	}
	if got := store.Summary(); got.Version != "1.2.3" || got.Total != 0 {
		t.Errorf("Summary() = %+v", got)
	}
}

func TestStoreRecordAggregates(t *testing.T) {
	store := NewStore(DefaultStoreConfig(), time.Now().Add(-time.Minute))

	store.Record(Sample{ID: "a", Status: StatusSucceeded, Mode: "text-to-image", Images: 2, Rejected: 1, Duration: 2 * time.Second})
	store.Record(Sample{ID: "b", Status: StatusSucceeded, Mode: "text-to-image", Images: 1, Duration: 4 * time.Second})
	store.Record(Sample{ID: "c", Status: StatusFailed, Mode: "image-to-image", Kind: "content_rejected", Rejected: 1, Duration: time.Second})
	store.Record(Sample{ID: "d", Status: StatusFailed, Kind: "invalid_parameter"})

	got := store.Summary()
	if got.Total != 4 || got.Succeeded != 2 || got.Failed != 2 {
		t.Errorf("totals = %d/%d/%d, want 4/2/2", got.Total, got.Succeeded, got.Failed)
	}
	if got.ImagesGenerated != 3 || got.ImagesRejected != 2 {
		t.Errorf("images = %d generated, %d rejected", got.ImagesGenerated, got.ImagesRejected)
	}
	if got.Uptime < time.Minute {
		t.Errorf("Uptime = %v, want at least 1m", got.Uptime)
	}

	t2i := got.ByMode["text-to-image"]
	if t2i == nil || t2i.Count != 2 || t2i.SuccessRate != 100 || t2i.AvgDuration != 3*time.Second {
		t.Errorf("text-to-image = %+v", t2i)
	}
	i2i := got.ByMode["image-to-image"]
	if i2i == nil || i2i.SuccessRate != 0 {
		t.Errorf("image-to-image = %+v", i2i)
	}
	if len(got.ByMode) != 2 {
		t.Errorf("ByMode has %d entries; samples without a mode should be skipped", len(got.ByMode))
	}
}

func TestStoreRecentWrapsAround(t *testing.T) {
	store := NewStore(StoreConfig{RecentCapacity: 3}, time.Now())
	for i := 0; i < 5; i++ {
		store.Record(Sample{ID: fmt.Sprintf("p%d", i), Status: StatusSucceeded})
	}

	recent := store.Recent(10)
	if len(recent) != 3 {
		t.Fatalf("len(Recent) = %d, want 3", len(recent))
	}
	for i, want := range []string{"p2", "p3", "p4"} {
		if recent[i].ID != want {
			t.Errorf("recent[%d] = %s, want %s", i, recent[i].ID, want)
		}
	}

	if last := store.Recent(1); len(last) != 1 || last[0].ID != "p4" {
		t.Errorf("Recent(1) = %+v", last)
	}
	if empty := store.Recent(0); len(empty) != 0 {
		t.Errorf("Recent(0) = %+v", empty)
	}
}

func TestStoreConcurrentRecord(t *testing.T) {
	store := NewStore(DefaultStoreConfig(), time.Now())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				store.Record(Sample{Status: StatusSucceeded, Mode: "text-to-image", Images: 1})
				_ = store.Summary()
			}
		}(i)
	}
	wg.Wait()

	if got := store.Summary().Total; got != 1000 {
		t.Errorf("Total = %d, want 1000", got)
	}
}
