package core

import (
	"fmt"
	"sync"
	"time"
)

// Byte size constants, binary units.
const (
	BytesPerKB int64 = 1024
	BytesPerMB int64 = 1024 * BytesPerKB
	BytesPerGB int64 = 1024 * BytesPerMB
)

// FormatBytes converts a byte count to a human-readable string such as "1.50 GB".
func FormatBytes(bytes int64) string {
	if bytes < 0 {
		bytes = 0
	}
	switch {
	case bytes >= BytesPerGB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(BytesPerGB))
	case bytes >= BytesPerMB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(BytesPerMB))
	case bytes >= BytesPerKB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(BytesPerKB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// ProgressInfo is a snapshot of a weights download.
type ProgressInfo struct {
	Resource         string
	Total            int64 // 0 when the server did not report a size
	Downloaded       int64
	Percent          float64 // -1 when Total is unknown
	SpeedBytesPerSec float64
	ETA              time.Duration
	Elapsed          time.Duration
}

// String renders the snapshot for log lines.
func (p ProgressInfo) String() string {
	if p.Percent < 0 {
		return fmt.Sprintf("%s downloaded at %s/s", FormatBytes(p.Downloaded), FormatBytes(int64(p.SpeedBytesPerSec)))
	}
	return fmt.Sprintf("%.1f%% of %s at %s/s, eta %s",
		p.Percent, FormatBytes(p.Total), FormatBytes(int64(p.SpeedBytesPerSec)), p.ETA.Round(time.Second))
}

// ProgressTracker accumulates downloaded bytes and derives a smoothed speed.
// It is safe for concurrent use.
type ProgressTracker struct {
	mu sync.RWMutex

	resource       string
	total          int64
	downloaded     int64
	startTime      time.Time
	lastUpdateTime time.Time
	lastDownloaded int64
	speedAvg       float64
}

// speedAlpha weights the most recent sample in the moving average.
const speedAlpha = 0.3

// NewProgressTracker creates a tracker for a download of total bytes (0 if unknown).
func NewProgressTracker(resource string, total int64) *ProgressTracker {
	now := time.Now()
	return &ProgressTracker{
		resource:       resource,
		total:          total,
		startTime:      now,
		lastUpdateTime: now,
	}
}

// Update adds n bytes to the downloaded count.
func (p *ProgressTracker) Update(n int64) {
	if n <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.downloaded += n
	p.updateSpeed()
}

// SetDownloaded sets the absolute downloaded count, used when resuming.
func (p *ProgressTracker) SetDownloaded(downloaded int64) {
	if downloaded < 0 {
		downloaded = 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.downloaded = downloaded
	p.lastDownloaded = downloaded
}

// must be called with mu held
func (p *ProgressTracker) updateSpeed() {
	now := time.Now()
	elapsed := now.Sub(p.lastUpdateTime).Seconds()
	if elapsed < 0.1 {
		return
	}

	instant := float64(p.downloaded-p.lastDownloaded) / elapsed
	if p.speedAvg == 0 {
		p.speedAvg = instant
	} else {
		p.speedAvg = speedAlpha*instant + (1-speedAlpha)*p.speedAvg
	}
	p.lastUpdateTime = now
	p.lastDownloaded = p.downloaded
}

// Downloaded returns the current downloaded byte count.
func (p *ProgressTracker) Downloaded() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.downloaded
}

// Progress returns the current snapshot.
func (p *ProgressTracker) Progress() ProgressInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	info := ProgressInfo{
		Resource:         p.resource,
		Total:            p.total,
		Downloaded:       p.downloaded,
		Percent:          -1,
		SpeedBytesPerSec: p.speedAvg,
		Elapsed:          time.Since(p.startTime),
	}
	if p.total > 0 {
		info.Percent = float64(p.downloaded) / float64(p.total) * 100
		if info.Percent > 100 {
			info.Percent = 100
		}
		if p.speedAvg > 0 && p.downloaded < p.total {
			info.ETA = time.Duration(float64(p.total-p.downloaded) / p.speedAvg * float64(time.Second))
		}
	}
	return info
}
