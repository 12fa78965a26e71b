// Package artifact manages where synthesized audio files live.
//
// Audio is kept in two tiers under one root: a durable tier whose files are
// listed in the catalog, and a cache tier of throwaway previews that the
// eviction scheduler sweeps.
package artifact

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	ttsbridge "github.com/wolfeidau/tts-bridge"
	"github.com/wolfeidau/tts-bridge/backend"
)

const (
	// DurableDirName is the durable tier directory under the root.
	DurableDirName = "audio"
	// CacheDirName is the cache tier directory under the root.
	CacheDirName = "audio-cache"
	// DefaultExt is the extension of synthesized audio.
	DefaultExt = "wav"
)

// Tier identifies one of the two storage areas.
type Tier string

const (
	TierDurable Tier = "durable"
	TierCache   Tier = "cache"
)

// Config configures a Layout.
type Config struct {
	// Root is the directory both tiers are created in.
	Root string

	// ResetCache empties the cache tier during Prepare.
	ResetCache bool

	Logger *slog.Logger
}

// Layout owns the durable and cache tiers.
type Layout struct {
	root    string
	durable *backend.InstrumentedBackend
	cache   *backend.InstrumentedBackend
	durDir  string
	cchDir  string
	logger  *slog.Logger
	now     func() time.Time

	mu         sync.Mutex
	lastMillis int64
}

// Option configures a Layout.
type Option func(*Layout)

// WithNow sets the clock used for new filenames.
func WithNow(now func() time.Time) Option {
	return func(l *Layout) {
		l.now = now
	}
}

// New creates both tier directories under cfg.Root and, if configured,
// empties the cache tier.
func New(ctx context.Context, cfg Config, opts ...Option) (*Layout, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("artifact root is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	durable, err := backend.NewFilesystem(filepath.Join(cfg.Root, DurableDirName))
	if err != nil {
		return nil, ttsbridge.E(ttsbridge.KindStoreUnavailable, "artifact.New", err)
	}
	cache, err := backend.NewFilesystem(filepath.Join(cfg.Root, CacheDirName))
	if err != nil {
		return nil, ttsbridge.E(ttsbridge.KindStoreUnavailable, "artifact.New", err)
	}

	l := &Layout{
		root:    cfg.Root,
		durable: backend.NewInstrumentedBackend(durable, string(TierDurable)),
		cache:   backend.NewInstrumentedBackend(cache, string(TierCache)),
		durDir:  durable.Root(),
		cchDir:  cache.Root(),
		logger:  cfg.Logger.With("component", "artifact"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}

	if cfg.ResetCache {
		n, err := l.purge(ctx, l.cache)
		if err != nil {
			return nil, ttsbridge.E(ttsbridge.KindStoreUnavailable, "artifact.New", err)
		}
		l.logger.Info("reset audio cache", "dir", l.cchDir, "removed", n)
	}

	return l, nil
}

// Root returns the directory both tiers live in.
func (l *Layout) Root() string { return l.root }

// DurableDir returns the absolute path of the durable tier.
func (l *Layout) DurableDir() string { return l.durDir }

// CacheDir returns the absolute path of the cache tier.
func (l *Layout) CacheDir() string { return l.cchDir }

// Durable returns the durable tier backend.
func (l *Layout) Durable() backend.WriterBackend { return l.durable }

// Cache returns the cache tier backend.
func (l *Layout) Cache() backend.WriterBackend { return l.cache }

// Tier returns the backend for t.
func (l *Layout) Tier(t Tier) backend.WriterBackend {
	if t == TierDurable {
		return l.durable
	}
	return l.cache
}

// Exists reports whether filename is present in the durable tier.
// The cache tier is never consulted.
func (l *Layout) Exists(ctx context.Context, filename string) (bool, error) {
	ok, err := l.durable.Exists(ctx, filename)
	if err != nil {
		return false, ttsbridge.E(ttsbridge.KindStoreUnavailable, "artifact.Exists", err)
	}
	return ok, nil
}

// NewFilename returns "<epoch-millis>.<ext>" for the current time. Names are
// strictly increasing within the process so concurrent callers never share
// one; a caller arriving in an already used millisecond gets the next one.
func (l *Layout) NewFilename(ext string) string {
	if ext == "" {
		ext = DefaultExt
	}
	ms := l.now().UnixMilli()

	l.mu.Lock()
	if ms <= l.lastMillis {
		ms = l.lastMillis + 1
	}
	l.lastMillis = ms
	l.mu.Unlock()

	return strconv.FormatInt(ms, 10) + "." + ext
}

// ParseFilenameTime decodes the creation time embedded in a filename made
// by NewFilename. ok is false for any other name.
func ParseFilenameTime(name string) (t time.Time, ok bool) {
	stem, _, found := strings.Cut(name, ".")
	if !found || stem == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(stem, 10, 64)
	if err != nil || ms < 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func (l *Layout) purge(ctx context.Context, b backend.Backend) (int, error) {
	keys, err := b.List(ctx)
	if err != nil {
		return 0, err
	}
	for _, key := range keys {
		if err := b.Delete(ctx, key); err != nil {
			return 0, fmt.Errorf("removing %s: %w", key, err)
		}
	}
	return len(keys), nil
}
