// Package stats computes and caches per-dataset access statistics.
//
// The cache is an availability optimization only: every cache failure
// degrades to a fresh computation, never to an error.
package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"researchhub/pkg/metrics"
	"researchhub/pkg/models"
	"researchhub/pkg/store"
)

// KeyPrefix namespaces stats snapshots in the shared cache.
const KeyPrefix = "dataset_stats:"

// DefaultTTL bounds staleness when an invalidation is lost.
const DefaultTTL = time.Hour

type datasetSource interface {
	Get(ctx context.Context, datasetID string) (models.Dataset, error)
}

type auditSource interface {
	CountByAction(ctx context.Context, targetID, action string) (int64, error)
	DistinctActors(ctx context.Context, targetID string) (int64, error)
}

// Manager serves dataset statistics through a read-through cache with
// synchronous invalidation on audited mutations.
type Manager struct {
	Cache    store.Cache
	Audit    auditSource
	Datasets datasetSource
	Metrics  *metrics.Registry
	TTL      time.Duration

	nowFn func() time.Time
}

// Get returns the statistics snapshot for one dataset. The second
// return reports whether the snapshot came from the cache.
func (m *Manager) Get(ctx context.Context, datasetID string) (models.DatasetStats, bool, error) {
	key := Key(datasetID)
	if m.Cache != nil {
		val, err := m.Cache.Get(ctx, key)
		switch {
		case err == nil:
			var cached models.DatasetStats
			if jsonErr := json.Unmarshal([]byte(val), &cached); jsonErr == nil && cached.DatasetID == datasetID {
				m.incCacheHit()
				return cached, true, nil
			}
			// A corrupt entry is treated as a miss and overwritten below.
			log.Printf("stats: discarding corrupt cache entry %s", key)
		case errors.Is(err, store.ErrCacheMiss):
			m.incCacheMiss()
		default:
			m.incCacheError()
			log.Printf("stats: cache read failed, computing fresh: %v", err)
		}
	}

	computed, err := m.compute(ctx, datasetID)
	if err != nil {
		return models.DatasetStats{}, false, err
	}

	if m.Cache != nil {
		buf, _ := json.Marshal(computed)
		if err := m.Cache.Set(ctx, key, string(buf), m.ttl()); err != nil {
			m.incCacheError()
			log.Printf("stats: cache write failed: %v", err)
		}
	}
	return computed, false, nil
}

// Invalidate drops the cached snapshot for one dataset. It is
// idempotent and never fails the caller: a lost invalidation is bounded
// by the TTL.
func (m *Manager) Invalidate(ctx context.Context, datasetID string) {
	if m.Cache == nil {
		return
	}
	if err := m.Cache.Del(ctx, Key(datasetID)); err != nil {
		m.incCacheError()
		log.Printf("stats: invalidation failed for %s: %v", datasetID, err)
		return
	}
	m.incCacheInvalidation()
}

func (m *Manager) compute(ctx context.Context, datasetID string) (models.DatasetStats, error) {
	ds, err := m.Datasets.Get(ctx, datasetID)
	if err != nil {
		return models.DatasetStats{}, fmt.Errorf("stats dataset: %w", err)
	}
	downloads, err := m.Audit.CountByAction(ctx, datasetID, models.ActionDownload)
	if err != nil {
		return models.DatasetStats{}, fmt.Errorf("stats downloads: %w", err)
	}
	actors, err := m.Audit.DistinctActors(ctx, datasetID)
	if err != nil {
		return models.DatasetStats{}, fmt.Errorf("stats actors: %w", err)
	}
	return models.DatasetStats{
		DatasetID:      datasetID,
		TotalDownloads: downloads,
		UniqueActors:   actors,
		LastAccessed:   ds.LastAccessed,
		ComputedAt:     m.now(),
	}, nil
}

// Key returns the cache key for one dataset's snapshot.
func Key(datasetID string) string {
	return KeyPrefix + datasetID
}

func (m *Manager) ttl() time.Duration {
	if m.TTL > 0 {
		return m.TTL
	}
	return DefaultTTL
}

func (m *Manager) now() time.Time {
	if m.nowFn != nil {
		return m.nowFn()
	}
	return time.Now().UTC()
}

func (m *Manager) incCacheHit() {
	if m.Metrics != nil {
		m.Metrics.IncCacheHit()
	}
}

func (m *Manager) incCacheMiss() {
	if m.Metrics != nil {
		m.Metrics.IncCacheMiss()
	}
}

func (m *Manager) incCacheError() {
	if m.Metrics != nil {
		m.Metrics.IncCacheError()
	}
}

func (m *Manager) incCacheInvalidation() {
	if m.Metrics != nil {
		m.Metrics.IncCacheInvalidation()
	}
}
