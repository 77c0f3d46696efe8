// Package thresholds resolves effective warning/critical boundaries for
// (device, metric) pairs, with device-specific records overriding
// global defaults.
package thresholds

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/fleetwatch/fleetwatch/internal/models"
	"github.com/fleetwatch/fleetwatch/internal/store"
)

type cacheKey struct {
	deviceID   string
	metricType models.MetricType
}

// Registry serves threshold lookups from an in-memory snapshot of the
// store, refreshed after every configuration write. Lookups are pure
// reads; absence is a valid outcome, not a failure.
type Registry struct {
	store *store.Store

	mu    sync.RWMutex
	cache map[cacheKey]models.Threshold

	watcherStop chan struct{}
	stopOnce    sync.Once
}

// NewRegistry builds a registry over the given store and loads the
// initial snapshot.
func NewRegistry(ctx context.Context, st *store.Store) (*Registry, error) {
	r := &Registry{
		store:       st,
		cache:       make(map[cacheKey]models.Threshold),
		watcherStop: make(chan struct{}),
	}
	if err := r.Refresh(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Resolve returns the effective threshold for the pair: device-specific
// first, global default second. The bool is false when neither exists
// or the matched record is disabled — the metric is then not evaluated.
func (r *Registry) Resolve(deviceID string, metricType models.MetricType) (models.Threshold, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if t, ok := r.cache[cacheKey{deviceID: deviceID, metricType: metricType}]; ok {
		if !t.Enabled {
			return models.Threshold{}, false
		}
		return t, true
	}
	if t, ok := r.cache[cacheKey{deviceID: "", metricType: metricType}]; ok {
		if !t.Enabled {
			return models.Threshold{}, false
		}
		return t, true
	}
	return models.Threshold{}, false
}

// Refresh reloads the snapshot from the store.
func (r *Registry) Refresh(ctx context.Context) error {
	thresholds, err := r.store.ListThresholds(ctx)
	if err != nil {
		return err
	}

	cache := make(map[cacheKey]models.Threshold, len(thresholds))
	for _, t := range thresholds {
		cache[cacheKey{deviceID: t.DeviceID, metricType: t.MetricType}] = t
	}

	r.mu.Lock()
	r.cache = cache
	r.mu.Unlock()

	log.Debug().Int("count", len(thresholds)).Msg("Threshold snapshot refreshed")
	return nil
}

// Set validates and persists a threshold, then refreshes the snapshot.
func (r *Registry) Set(ctx context.Context, t *models.Threshold) (*models.Threshold, error) {
	saved, err := r.store.UpsertThreshold(ctx, t)
	if err != nil {
		return nil, err
	}
	if err := r.Refresh(ctx); err != nil {
		return nil, err
	}
	return saved, nil
}

// Delete removes a threshold by id and refreshes the snapshot.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.store.DeleteThreshold(ctx, id); err != nil {
		return err
	}
	return r.Refresh(ctx)
}

// List returns the configured thresholds.
func (r *Registry) List(ctx context.Context) ([]models.Threshold, error) {
	return r.store.ListThresholds(ctx)
}

// LoadSeedFile upserts every threshold from a JSON seed file. Invalid
// records are skipped with a warning so one bad entry cannot block the
// rest of the file.
func (r *Registry) LoadSeedFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read threshold seed file: %w", err)
	}

	var seeds []models.Threshold
	if err := json.Unmarshal(data, &seeds); err != nil {
		return fmt.Errorf("failed to parse threshold seed file: %w", err)
	}

	loaded := 0
	for i := range seeds {
		if _, err := r.store.UpsertThreshold(ctx, &seeds[i]); err != nil {
			log.Warn().Err(err).
				Str("device", seeds[i].DeviceID).
				Str("metric", string(seeds[i].MetricType)).
				Msg("Skipping invalid seed threshold")
			continue
		}
		loaded++
	}

	if err := r.Refresh(ctx); err != nil {
		return err
	}

	log.Info().Str("file", path).Int("loaded", loaded).Msg("Threshold seed file applied")
	return nil
}

// Watch reloads the seed file whenever it changes on disk. Blocks until
// ctx is done or Stop is called; run it on its own goroutine.
func (r *Registry) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create threshold watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	// Editors rewrite files with bursts of events; debounce them.
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.watcherStop:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				pending = time.After(250 * time.Millisecond)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Threshold watcher error")
		case <-pending:
			pending = nil
			if err := r.LoadSeedFile(ctx, path); err != nil {
				log.Error().Err(err).Str("file", path).Msg("Failed to reload threshold seed file")
			}
		}
	}
}

// Stop terminates an active Watch loop.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.watcherStop)
	})
}
