package core

import (
	"errors"
	"fmt"
)

// Prediction error taxonomy. Every request failure wraps exactly one of these
// so callers can classify it with errors.Is.
var (
	// ErrInvalidParameter is returned for unknown aspect-ratio tokens,
	// out-of-range numeric parameters and malformed adapter names.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrMissingResource is returned when an adapter file or a required
	// weights file is absent on disk.
	ErrMissingResource = errors.New("missing resource")

	// ErrCapacityExceeded is returned when more adapters are requested than
	// the adapter namespace can hold.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrContentRejected is returned when every candidate image failed the
	// safety filter. The caller must change the prompt or seed.
	ErrContentRejected = errors.New("content rejected")

	// ErrUpscaleFailed is returned when super-resolution fails on a candidate.
	ErrUpscaleFailed = errors.New("upscale failed")

	// ErrGenerationFailed is returned when the denoising backend fails.
	ErrGenerationFailed = errors.New("generation failed")
)

// Error kinds reported to API callers and stored in prediction history.
const (
	KindInvalidParameter = "invalid_parameter"
	KindMissingResource  = "missing_resource"
	KindCapacityExceeded = "capacity_exceeded"
	KindContentRejected  = "content_rejected"
	KindUpscaleFailed    = "upscale_failed"
	KindGenerationFailed = "generation_failed"
	KindInternal         = "internal"
)

// ErrorKind maps an error onto the taxonomy. Errors outside the taxonomy
// report KindInternal.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidParameter):
		return KindInvalidParameter
	case errors.Is(err, ErrMissingResource):
		return KindMissingResource
	case errors.Is(err, ErrCapacityExceeded):
		return KindCapacityExceeded
	case errors.Is(err, ErrContentRejected):
		return KindContentRejected
	case errors.Is(err, ErrUpscaleFailed):
		return KindUpscaleFailed
	case errors.Is(err, ErrGenerationFailed):
		return KindGenerationFailed
	default:
		return KindInternal
	}
}

// UpscaleError reports which candidate failed super-resolution.
type UpscaleError struct {
	Index int
	Cause error
}

func (e *UpscaleError) Error() string {
	return fmt.Sprintf("%s: image %d: %v", ErrUpscaleFailed, e.Index, e.Cause)
}

// Is makes errors.Is(err, ErrUpscaleFailed) match.
func (e *UpscaleError) Is(target error) bool {
	return target == ErrUpscaleFailed
}

func (e *UpscaleError) Unwrap() error {
	return e.Cause
}

// ConfigError represents a configuration-related error with actionable instructions.
type ConfigError struct {
	Code    string // Error code for programmatic handling
	Message string // Human-readable error message
	Action  string // Actionable instruction for resolution
}

func (e *ConfigError) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("%s. %s", e.Message, e.Action)
	}
	return e.Message
}

// Error codes for configuration errors
const (
	ErrCodeInvalidValue   = "INVALID_VALUE"
	ErrCodeMissingConfig  = "MISSING_CONFIG"
	ErrCodeInvalidBackend = "INVALID_BACKEND"
	ErrCodeInvalidStore   = "INVALID_STORE"
	ErrCodeManifest       = "INVALID_MANIFEST"
)

// ErrInvalidValue returns an error for a value outside its accepted range.
func ErrInvalidValue(varName, value, expected string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeInvalidValue,
		Message: fmt.Sprintf("Invalid %s value %q", varName, value),
		Action:  fmt.Sprintf("Set %s to %s", varName, expected),
	}
}

// ErrMissingConfig returns an error for missing required configuration
func ErrMissingConfig(varName string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeMissingConfig,
		Message: fmt.Sprintf("Missing required configuration: %s", varName),
		Action:  fmt.Sprintf("Set %s in your .env file", varName),
	}
}

// ErrInvalidBackend returns an error for an unknown SD_BACKEND.
func ErrInvalidBackend(name string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeInvalidBackend,
		Message: fmt.Sprintf("Unknown runtime backend %q", name),
		Action:  "Set SD_BACKEND to \"reference\" or \"worker\"",
	}
}

// ErrInvalidStore returns an error for an unknown ARTIFACT_STORE.
func ErrInvalidStore(name string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeInvalidStore,
		Message: fmt.Sprintf("Unknown artifact store %q", name),
		Action:  "Set ARTIFACT_STORE to \"local\" or \"s3\"",
	}
}

// IsConfigError checks if an error is a ConfigError and returns it if so
func IsConfigError(err error) (*ConfigError, bool) {
	var configErr *ConfigError
	if errors.As(err, &configErr) {
		return configErr, true
	}
	return nil, false
}

// GetErrorCode extracts the error code from an error if it's a ConfigError
func GetErrorCode(err error) string {
	if configErr, ok := IsConfigError(err); ok {
		return configErr.Code
	}
	return ""
}
