// Package expiry evicts previews from the audio cache tier.
//
// Cache files carry their creation time in their name, so a sweep needs no
// metadata: it lists the tier, parses each name and deletes what is older
// than the retention window. Names that do not parse are left alone.
package expiry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/wolfeidau/tts-bridge/artifact"
	"github.com/wolfeidau/tts-bridge/backend"
	"github.com/wolfeidau/tts-bridge/telemetry"
)

// Config holds eviction configuration.
type Config struct {
	// Retention is how long a cache file lives after it was created.
	// Default 10 minutes.
	Retention time.Duration

	// MaxSize caps the total size of the cache tier in bytes. When exceeded
	// after the retention pass, the oldest files go first.
	// Zero means no size limit.
	MaxSize int64

	// CheckInterval is how often to sweep.
	// Default is 1 hour.
	CheckInterval time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		Retention:     10 * time.Minute,
		CheckInterval: 1 * time.Hour,
		Logger:        slog.Default(),
	}
}

// Manager runs periodic sweeps of one tier.
type Manager struct {
	config  Config
	backend backend.Backend
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewManager creates a manager sweeping cache.
func NewManager(cache backend.Backend, cfg Config) *Manager {
	if cfg.Retention == 0 {
		cfg.Retention = 10 * time.Minute
	}
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 1 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		config:  cfg,
		backend: cache,
		logger:  cfg.Logger.With("component", "expiry"),
		now:     time.Now,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins background sweeps. The first one runs immediately.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped || m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Stop stops background sweeps and waits for one in progress.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	m.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep.
func (m *Manager) RunOnce(ctx context.Context) *SweepResult {
	return m.runOnce(ctx)
}

// SweepResult contains the results of a sweep.
type SweepResult struct {
	Expired    int
	Evicted    int
	Skipped    int
	BytesFreed int64
	Errors     int
	Duration   time.Duration
}

type cacheFile struct {
	key     string
	created time.Time
	size    int64
}

func (m *Manager) runOnce(ctx context.Context) *SweepResult {
	start := m.now()
	result := &SweepResult{}

	m.logger.Debug("starting cache sweep")

	keys, err := m.backend.List(ctx)
	if err != nil {
		m.logger.Error("failed to list cache tier", "error", err)
		result.Errors++
		return result
	}

	cutoff := m.now().Add(-m.config.Retention)
	var remaining []cacheFile

	for _, key := range keys {
		created, ok := artifact.ParseFilenameTime(key)
		if !ok {
			result.Skipped++
			m.logger.Debug("skipping unrecognised cache file", "key", key)
			continue
		}

		if !created.Before(cutoff) {
			remaining = append(remaining, cacheFile{key: key, created: created})
			continue
		}

		size := m.size(ctx, key)
		if err := m.backend.Delete(ctx, key); err != nil {
			m.logger.Warn("failed to delete expired cache file", "key", key, "error", err)
			result.Errors++
			continue
		}
		result.Expired++
		result.BytesFreed += size
		m.logger.Debug("expired cache file", "key", key, "age", m.now().Sub(created))
	}

	if m.config.MaxSize > 0 {
		m.evictBySize(ctx, remaining, result)
	}

	result.Duration = m.now().Sub(start)
	telemetry.RecordReaperCycle(ctx, "audio_cache", result.Expired+result.Evicted, result.Duration)

	if result.Expired > 0 || result.Evicted > 0 {
		m.logger.Info("cache sweep complete",
			"expired", result.Expired,
			"evicted", result.Evicted,
			"bytes_freed", result.BytesFreed,
			"duration", result.Duration,
		)
	} else {
		m.logger.Debug("cache sweep complete, nothing to expire")
	}

	return result
}

func (m *Manager) evictBySize(ctx context.Context, files []cacheFile, result *SweepResult) {
	var total int64
	for i := range files {
		files[i].size = m.size(ctx, files[i].key)
		total += files[i].size
	}
	if total <= m.config.MaxSize {
		return
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].created.Before(files[j].created)
	})

	for _, f := range files {
		if total <= m.config.MaxSize {
			break
		}
		if err := m.backend.Delete(ctx, f.key); err != nil {
			m.logger.Warn("failed to evict cache file", "key", f.key, "error", err)
			result.Errors++
			continue
		}
		result.Evicted++
		result.BytesFreed += f.size
		total -= f.size
		m.logger.Debug("evicted cache file by size", "key", f.key, "size", f.size)
	}
}

func (m *Manager) size(ctx context.Context, key string) int64 {
	info, err := m.backend.Stat(ctx, key)
	if err != nil {
		return 0
	}
	return info.Size
}
