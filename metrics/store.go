package metrics

import (
	"sync"
	"time"
)

// Store keeps recent samples in a ring buffer plus running totals.
// It is safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	recent []Sample
	cap    int
	head   int
	size   int

	total           int64
	succeeded       int64
	failed          int64
	imagesGenerated int64
	imagesRejected  int64
	byMode          map[string]*modeStats

	startTime time.Time
	version   string
}

type modeStats struct {
	count         int64
	successCount  int64
	totalDuration time.Duration
}

// StoreConfig configures a Store.
type StoreConfig struct {
	// RecentCapacity is how many samples Recent can return
	RecentCapacity int
	Version        string
}

// DefaultStoreConfig returns a default configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		RecentCapacity: 100,
		Version:        "dev",
	}
}

// NewStore creates a Store; startTime anchors Uptime.
func NewStore(config StoreConfig, startTime time.Time) *Store {
	capacity := config.RecentCapacity
	if capacity < 1 {
		capacity = 100
	}
	return &Store{
		recent:    make([]Sample, capacity),
		cap:       capacity,
		byMode:    make(map[string]*modeStats),
		startTime: startTime,
		version:   config.Version,
	}
}

// Record adds a finished prediction.
func (s *Store) Record(sample Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recent[s.head] = sample
	s.head = (s.head + 1) % s.cap
	if s.size < s.cap {
		s.size++
	}

	s.total++
	switch sample.Status {
	case StatusSucceeded:
		s.succeeded++
	case StatusFailed:
		s.failed++
	}
	s.imagesGenerated += int64(sample.Images)
	s.imagesRejected += int64(sample.Rejected)

	if sample.Mode == "" {
		return
	}
	stats, ok := s.byMode[sample.Mode]
	if !ok {
		stats = &modeStats{}
		s.byMode[sample.Mode] = stats
	}
	stats.count++
	if sample.Status == StatusSucceeded {
		stats.successCount++
	}
	stats.totalDuration += sample.Duration
}

// Summary returns the running totals.
func (s *Store) Summary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := Summary{
		Total:           s.total,
		Succeeded:       s.succeeded,
		Failed:          s.failed,
		ImagesGenerated: s.imagesGenerated,
		ImagesRejected:  s.imagesRejected,
		ByMode:          make(map[string]*ModeStats, len(s.byMode)),
		Uptime:          time.Since(s.startTime),
		Version:         s.version,
	}
	for mode, stats := range s.byMode {
		summary.ByMode[mode] = &ModeStats{
			Count:       stats.count,
			SuccessRate: float64(stats.successCount) / float64(stats.count) * 100,
			AvgDuration: stats.totalDuration / time.Duration(stats.count),
		}
	}
	return summary
}

// Recent returns up to limit samples, oldest first.
func (s *Store) Recent(limit int) []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || s.size == 0 {
		return []Sample{}
	}
	if limit > s.size {
		limit = s.size
	}

	result := make([]Sample, limit)
	for i := 0; i < limit; i++ {
		idx := (s.head - limit + i + s.cap) % s.cap
		result[i] = s.recent[idx]
	}
	return result
}
