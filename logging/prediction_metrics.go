package logging

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// PredictionMetrics summarizes one prediction for structured logging.
//
//	logger.Info("prediction complete", PredictionField(m))
type PredictionMetrics struct {
	ID            string
	Mode          string
	Width         int
	Height        int
	Outputs       int
	Steps         int
	Seed          int64
	Adapters      int
	AdapterReload bool
	Upscaled      bool

	Accepted int
	Rejected int

	QueueWait     time.Duration
	AdapterLoad   time.Duration
	Generation    time.Duration
	SafetyCheck   time.Duration
	Upscale       time.Duration
	Total         time.Duration
	ErrorKind     string
	ArtifactStore string
}

// MarshalLogObject implements zapcore.ObjectMarshaler. Durations are encoded
// in milliseconds; zero stage durations are omitted.
func (m PredictionMetrics) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("id", m.ID)
	if m.Mode != "" {
		enc.AddString("mode", m.Mode)
	}
	enc.AddInt("width", m.Width)
	enc.AddInt("height", m.Height)
	enc.AddInt("outputs", m.Outputs)
	enc.AddInt("steps", m.Steps)
	enc.AddInt64("seed", m.Seed)
	enc.AddInt("adapters", m.Adapters)
	enc.AddBool("adapter_reload", m.AdapterReload)
	enc.AddBool("upscaled", m.Upscaled)
	enc.AddInt("accepted", m.Accepted)
	enc.AddInt("rejected", m.Rejected)

	addMillis(enc, "queue_wait_ms", m.QueueWait)
	addMillis(enc, "adapter_load_ms", m.AdapterLoad)
	addMillis(enc, "generation_ms", m.Generation)
	addMillis(enc, "safety_ms", m.SafetyCheck)
	addMillis(enc, "upscale_ms", m.Upscale)
	enc.AddInt64("total_ms", m.Total.Milliseconds())

	if m.ErrorKind != "" {
		enc.AddString("error_kind", m.ErrorKind)
	}
	if m.ArtifactStore != "" {
		enc.AddString("artifact_store", m.ArtifactStore)
	}
	return nil
}

func addMillis(enc zapcore.ObjectEncoder, key string, d time.Duration) {
	if d > 0 {
		enc.AddInt64(key, d.Milliseconds())
	}
}

// PredictionField wraps m under the "prediction" key.
func PredictionField(m PredictionMetrics) zap.Field {
	return zap.Object("prediction", m)
}
