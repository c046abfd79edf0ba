// Package adapters keeps the adapter set attached to the generation weights
// in sync with what each request asks for.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"flux_backend/core"
	"flux_backend/logging"
	"flux_backend/sdruntime"

	"go.uber.org/zap"
)

// DefaultCapacity is the number of simultaneous adapters, one per letter.
const DefaultCapacity = 26

// Target is the weights handle the manager mutates. *sdruntime.Weights
// satisfies it.
type Target interface {
	LoadAdapter(ctx context.Context, handle, path string) error
	UnloadAdapters(ctx context.Context) error
	SetAdapters(ctx context.Context, adapters []sdruntime.Adapter) error
}

// Manager reloads adapters only when the requested set differs from the
// one last applied. Every reload starts from an empty namespace.
type Manager struct {
	mu        sync.Mutex
	target    Target
	dir       string
	namespace *Namespace
	current   Set
	logger    *logging.Logger
}

// NewManager creates a manager for adapters stored under dir.
func NewManager(target Target, dir string, capacity int, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{
		target:    target,
		dir:       dir,
		namespace: NewNamespace(capacity),
		logger:    logger.Named("adapters"),
	}
}

// Capacity returns the namespace bound.
func (m *Manager) Capacity() int {
	return m.namespace.Capacity()
}

// Current returns a copy of the last applied set.
func (m *Manager) Current() Set {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append(Set(nil), m.current...)
}

// Handle returns the handle assigned to source in the current set.
func (m *Manager) Handle(source string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.namespace.Handle(source)
}

// Ensure makes requested the attached adapter set. It reports whether the
// backend was touched.
//
// An empty request always unloads but only counts as a reload when
// something was attached. A request equal to the current set is a no-op. Anything else is checked against the capacity, then applied as a
// full reset followed by one load per entry and one activation call. A
// failure after the reset leaves nothing attached.
func (m *Manager) Ensure(ctx context.Context, requested Set) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(requested) == 0 {
		attached := len(m.current) > 0 || m.namespace.Len() > 0
		err := m.target.UnloadAdapters(ctx)
		m.clear()
		if err != nil {
			return attached, fmt.Errorf("unload adapters: %w", err)
		}
		return attached, nil
	}

	if requested.Equal(m.current) {
		m.logger.Debug("Adapters unchanged", zap.Strings("adapters", requested.Sources()))
		return false, nil
	}

	if len(requested) > m.namespace.Capacity() {
		return false, fmt.Errorf("%w: %d adapters requested, at most %d can be attached",
			core.ErrCapacityExceeded, len(requested), m.namespace.Capacity())
	}
	seen := make(map[string]bool, len(requested))
	for _, e := range requested {
		if err := ValidateSource(e.Source); err != nil {
			return false, err
		}
		if seen[e.Source] {
			return false, fmt.Errorf("%w: adapter %q requested twice", core.ErrInvalidParameter, e.Source)
		}
		seen[e.Source] = true
	}

	start := time.Now()
	if err := m.target.UnloadAdapters(ctx); err != nil {
		m.clear()
		return true, fmt.Errorf("unload adapters: %w", err)
	}
	m.clear()

	active, err := m.load(ctx, requested)
	if err == nil {
		err = m.target.SetAdapters(ctx, active)
	}
	if err != nil {
		m.reset(ctx)
		return true, err
	}

	m.current = append(Set(nil), requested...)
	m.logger.Info("Adapters reloaded",
		zap.Int("count", len(requested)),
		zap.String("handles", m.namespace.String()),
		zap.Duration("took", time.Since(start)),
	)
	return true, nil
}

func (m *Manager) load(ctx context.Context, requested Set) ([]sdruntime.Adapter, error) {
	active := make([]sdruntime.Adapter, 0, len(requested))
	for _, e := range requested {
		path := filepath.Join(m.dir, e.Source)
		info, err := os.Stat(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("%w: adapter %q not found in %s", core.ErrMissingResource, e.Source, m.dir)
		case err != nil:
			return nil, fmt.Errorf("stat adapter %q: %w", e.Source, err)
		case info.IsDir():
			return nil, fmt.Errorf("%w: adapter %q is a directory", core.ErrMissingResource, e.Source)
		}

		handle, err := m.namespace.Assign(e.Source)
		if err != nil {
			return nil, err
		}
		if err := m.target.LoadAdapter(ctx, handle, path); err != nil {
			return nil, fmt.Errorf("load adapter %q as %q: %w", e.Source, handle, err)
		}
		active = append(active, sdruntime.Adapter{Handle: handle, Scale: e.Scale})
	}
	return active, nil
}

// reset unloads whatever a failed reload attached.
func (m *Manager) reset(ctx context.Context) {
	if err := m.target.UnloadAdapters(ctx); err != nil {
		m.logger.Warn("Failed to unload adapters after a failed reload", zap.Error(err))
	}
	m.clear()
}

func (m *Manager) clear() {
	m.namespace.Reset()
	m.current = nil
}
