package metrics

import "time"

// Prediction outcomes.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Pipeline stages timed per prediction.
const (
	StageQueue    = "queue"
	StageAdapters = "adapters"
	StageGenerate = "generate"
	StageSafety   = "safety"
	StageUpscale  = "upscale"
	StagePersist  = "persist"
	StageTotal    = "total"
)

// Stages lists every stage label in pipeline order.
func Stages() []string {
	return []string{StageQueue, StageAdapters, StageGenerate, StageSafety, StageUpscale, StagePersist, StageTotal}
}

// Sample is one finished prediction.
type Sample struct {
	ID       string        `json:"id"`
	Status   string        `json:"status"`
	Mode     string        `json:"mode,omitempty"`
	Kind     string        `json:"error_kind,omitempty"`
	Images   int           `json:"images"`
	Rejected int           `json:"rejected"`
	Duration time.Duration `json:"duration"`
	At       time.Time     `json:"at"`
}

// Summary aggregates every Sample seen since startup.
type Summary struct {
	Total           int64                 `json:"total"`
	Succeeded       int64                 `json:"succeeded"`
	Failed          int64                 `json:"failed"`
	ImagesGenerated int64                 `json:"images_generated"`
	ImagesRejected  int64                 `json:"images_rejected"`
	ByMode          map[string]*ModeStats `json:"by_mode"`
	Uptime          time.Duration         `json:"uptime"`
	Version         string                `json:"version"`
}

// ModeStats is the per-mode slice of a Summary.
type ModeStats struct {
	Count int64 `json:"count"`
	// SuccessRate is a percentage (0-100)
	SuccessRate float64       `json:"success_rate"`
	AvgDuration time.Duration `json:"avg_duration"`
}
