// Package catalog manages the lifecycle of synthesized audio: creating it in
// the durable or cache tier, keeping the persisted catalog in step with the
// files on disk, relabelling, deleting and promoting previews.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	ttsbridge "github.com/wolfeidau/tts-bridge"
	"github.com/wolfeidau/tts-bridge/artifact"
	"github.com/wolfeidau/tts-bridge/backend"
	"github.com/wolfeidau/tts-bridge/bridge"
	"github.com/wolfeidau/tts-bridge/store/metadb"
	"github.com/wolfeidau/tts-bridge/synth"
)

// URL path prefixes the tiers are served under.
const (
	DurablePrefix = "/_audio/"
	CachePrefix   = "/_audio-cache/"
)

// DefaultPageSize is used when a list request does not name one.
const DefaultPageSize = 10

// DefaultPreviewTTL is how long the text of a cache-tier synthesis is kept
// for a later Promote.
const DefaultPreviewTTL = time.Hour

// Synthesizer renders text into a tier.
type Synthesizer interface {
	Synthesize(ctx context.Context, req synth.Request) (*synth.Result, error)
}

// Store persists the catalog.
type Store interface {
	Catalog(ctx context.Context) ([]metadb.AudioRecord, error)
	Prepend(ctx context.Context, rec metadb.AudioRecord) error
	Update(ctx context.Context, fn func([]metadb.AudioRecord) ([]metadb.AudioRecord, error)) error
}

// Config configures a Manager.
type Config struct {
	// PreviewTTL bounds how long cache-tier metadata is remembered.
	PreviewTTL time.Duration

	Logger *slog.Logger
}

type preview struct {
	text     string
	language string
}

// Manager implements the audio operations.
type Manager struct {
	layout *artifact.Layout
	store  Store
	synth  Synthesizer
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	// mu orders physical file changes against catalog rewrites.
	mu sync.Mutex

	pmu      sync.Mutex
	previews map[string]preview
}

// Option configures a Manager.
type Option func(*Manager)

// WithNow sets the clock used for record timestamps.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// New creates a Manager.
func New(layout *artifact.Layout, store Store, s Synthesizer, cfg Config, opts ...Option) *Manager {
	if cfg.PreviewTTL <= 0 {
		cfg.PreviewTTL = DefaultPreviewTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m := &Manager{
		layout:   layout,
		store:    store,
		synth:    s,
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "catalog"),
		now:      time.Now,
		previews: make(map[string]preview),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateRequest asks for new audio.
type CreateRequest struct {
	Language string
	Text     string
	Label    string

	// Durable stores the result in the durable tier and the catalog.
	// Otherwise it lands in the cache tier and is evicted later.
	Durable bool
}

// Artifact points at a synthesized file.
type Artifact struct {
	Tier     artifact.Tier       `json:"tier"`
	Filename string              `json:"filename"`
	Path     string              `json:"path"`
	Record   *metadb.AudioRecord `json:"record,omitempty"`
}

// URL returns the artifact's address under base.
func (a *Artifact) URL(base string) string {
	return URLFor(base, a.Tier, a.Filename)
}

// URLFor builds the public address of filename in tier.
func URLFor(base string, tier artifact.Tier, filename string) string {
	prefix := DurablePrefix
	if tier == artifact.TierCache {
		prefix = CachePrefix
	}
	return strings.TrimSuffix(base, "/") + prefix + url.PathEscape(filename)
}

func relPath(tier artifact.Tier, filename string) string {
	if tier == artifact.TierCache {
		return artifact.CacheDirName + "/" + filename
	}
	return artifact.DurableDirName + "/" + filename
}

// Create synthesizes req and, for durable requests, records it in the
// catalog. Nothing is recorded when synthesis fails.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Artifact, error) {
	const op = "catalog.Create"

	if req.Language == "" {
		return nil, ttsbridge.Errorf(ttsbridge.KindMissingRequiredField, op, "language is required")
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, ttsbridge.Errorf(ttsbridge.KindMissingRequiredField, op, "text is required")
	}

	tier := artifact.TierCache
	if req.Durable {
		tier = artifact.TierDurable
	}
	filename := m.layout.NewFilename(artifact.DefaultExt)

	res, err := m.synth.Synthesize(ctx, synth.Request{
		Language: req.Language,
		Text:     req.Text,
		Target:   m.layout.Tier(tier),
		Key:      filename,
	})
	if err != nil {
		return nil, err
	}

	out := &Artifact{Tier: tier, Filename: filename, Path: relPath(tier, filename)}

	if !req.Durable {
		m.remember(filename, preview{text: req.Text, language: req.Language})
		return out, nil
	}

	rec := metadb.AudioRecord{
		ID:        uuid.NewString(),
		Filename:  filename,
		Label:     lo.Ternary(req.Label != "", req.Label, filename),
		Text:      req.Text,
		Language:  req.Language,
		CreatedAt: m.now(),
		Size:      res.Size,
		Digest:    res.Digest,
	}
	if err := m.store.Prepend(ctx, rec); err != nil {
		if derr := m.layout.Durable().Delete(ctx, filename); derr != nil {
			m.logger.Error("failed to remove unrecorded audio", "filename", filename, "error", derr)
		}
		return nil, err
	}

	m.logger.Info("created audio", "id", rec.ID, "filename", filename, "language", req.Language, "size", res.Size)
	out.Record = &rec
	return out, nil
}

// Entry is a catalog record with its position in the list.
type Entry struct {
	Index int `json:"index"`
	metadb.AudioRecord
}

// Page selects a window of the list. Numbering starts at 1.
type Page struct {
	Num  int
	Size int
}

// Listing is one page of the catalog.
type Listing struct {
	Total    int     `json:"total"`
	PageNum  int     `json:"pagenum"`
	PageSize int     `json:"pagesize"`
	List     []Entry `json:"list"`
}

// List returns a page of records whose files are present in the durable
// tier, most recent first.
func (m *Manager) List(ctx context.Context, page Page) (*Listing, error) {
	records, err := m.reconciled(ctx)
	if err != nil {
		return nil, err
	}

	if page.Num < 1 {
		page.Num = 1
	}
	if page.Size < 1 {
		page.Size = DefaultPageSize
	}

	entries := lo.Map(records, func(r metadb.AudioRecord, i int) Entry {
		return Entry{Index: i + 1, AudioRecord: r}
	})
	start := (page.Num - 1) * page.Size

	return &Listing{
		Total:    len(entries),
		PageNum:  page.Num,
		PageSize: page.Size,
		List:     lo.Slice(entries, start, start+page.Size),
	}, nil
}

// Get returns the record with id.
func (m *Manager) Get(ctx context.Context, id string) (*metadb.AudioRecord, error) {
	records, err := m.reconciled(ctx)
	if err != nil {
		return nil, err
	}
	rec, ok := lo.Find(records, func(r metadb.AudioRecord) bool { return r.ID == id })
	if !ok {
		return nil, ttsbridge.Errorf(ttsbridge.KindArtifactNotFound, "catalog.Get", "no audio with id %q", id)
	}
	return &rec, nil
}

// Relabel changes the label of a record. The file keeps its name. An empty
// label resets it to the filename.
func (m *Manager) Relabel(ctx context.Context, id, label string) (*metadb.AudioRecord, error) {
	const op = "catalog.Relabel"
	if id == "" {
		return nil, ttsbridge.Errorf(ttsbridge.KindMissingRequiredField, op, "id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	present, err := m.durableSet(ctx)
	if err != nil {
		return nil, err
	}

	var updated metadb.AudioRecord
	err = m.store.Update(ctx, func(records []metadb.AudioRecord) ([]metadb.AudioRecord, error) {
		_, idx, ok := lo.FindIndexOf(records, func(r metadb.AudioRecord) bool { return r.ID == id })
		if !ok || !present[records[idx].Filename] {
			return nil, ttsbridge.Errorf(ttsbridge.KindArtifactNotFound, op, "no audio with id %q", id)
		}
		records[idx].Label = lo.Ternary(label != "", label, records[idx].Filename)
		updated = records[idx]
		return records, nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("relabelled audio", "id", id, "label", updated.Label)
	return &updated, nil
}

// Delete removes the file of a record and then the record. If the file
// cannot be removed the catalog is left as it was.
func (m *Manager) Delete(ctx context.Context, id string) error {
	const op = "catalog.Delete"
	if id == "" {
		return ttsbridge.Errorf(ttsbridge.KindMissingRequiredField, op, "id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	records, err := m.reconciled(ctx)
	if err != nil {
		return err
	}
	rec, ok := lo.Find(records, func(r metadb.AudioRecord) bool { return r.ID == id })
	if !ok {
		return ttsbridge.Errorf(ttsbridge.KindArtifactNotFound, op, "no audio with id %q", id)
	}

	if err := m.layout.Durable().Delete(ctx, rec.Filename); err != nil {
		return ttsbridge.E(ttsbridge.KindStoreUnavailable, op, fmt.Errorf("removing %s: %w", rec.Filename, err))
	}

	err = m.store.Update(ctx, func(records []metadb.AudioRecord) ([]metadb.AudioRecord, error) {
		return lo.Reject(records, func(r metadb.AudioRecord, _ int) bool { return r.ID == id }), nil
	})
	if err != nil {
		return err
	}

	m.logger.Info("deleted audio", "id", id, "filename", rec.Filename)
	return nil
}

// SyncList returns the address and label of every durable record, for the
// hub to mirror.
func (m *Manager) SyncList(ctx context.Context, baseURL string) ([]bridge.AudioItem, error) {
	records, err := m.reconciled(ctx)
	if err != nil {
		return nil, err
	}
	return lo.Map(records, func(r metadb.AudioRecord, _ int) bridge.AudioItem {
		return bridge.AudioItem{
			URL:   URLFor(baseURL, artifact.TierDurable, r.Filename),
			Label: r.Label,
		}
	}), nil
}

// Promote copies a cache-tier file into the durable tier, records it and
// removes the cache copy. Promoting a file that is already durable returns
// its record.
func (m *Manager) Promote(ctx context.Context, filename, label string) (*metadb.AudioRecord, error) {
	const op = "catalog.Promote"
	if filename == "" {
		return nil, ttsbridge.Errorf(ttsbridge.KindMissingRequiredField, op, "filename is required")
	}
	if err := backend.ValidateKey(filename); err != nil {
		return nil, ttsbridge.E(ttsbridge.KindArtifactNotFound, op, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	exists, err := m.layout.Exists(ctx, filename)
	if err != nil {
		return nil, err
	}
	if exists {
		records, err := m.store.Catalog(ctx)
		if err != nil {
			return nil, err
		}
		if rec, ok := lo.Find(records, func(r metadb.AudioRecord) bool { return r.Filename == filename }); ok {
			return &rec, nil
		}
	} else if err := m.copyToDurable(ctx, filename); err != nil {
		return nil, err
	}

	// A copy made here must not outlive a failed promotion.
	undo := func() {
		if exists {
			return
		}
		if derr := m.layout.Durable().Delete(ctx, filename); derr != nil {
			m.logger.Error("failed to remove unrecorded audio", "filename", filename, "error", derr)
		}
	}

	info, err := m.layout.Durable().Stat(ctx, filename)
	if err != nil {
		undo()
		return nil, ttsbridge.E(ttsbridge.KindStoreUnavailable, op, err)
	}
	digest, err := m.digest(ctx, filename)
	if err != nil {
		undo()
		return nil, ttsbridge.E(ttsbridge.KindStoreUnavailable, op, err)
	}

	p := m.forget(filename)
	rec := metadb.AudioRecord{
		ID:        uuid.NewString(),
		Filename:  filename,
		Label:     lo.Ternary(label != "", label, filename),
		Text:      p.text,
		Language:  p.language,
		CreatedAt: m.now(),
		Size:      info.Size,
		Digest:    digest,
	}
	if err := m.store.Prepend(ctx, rec); err != nil {
		undo()
		m.remember(filename, p)
		return nil, err
	}

	if err := m.layout.Cache().Delete(ctx, filename); err != nil {
		m.logger.Warn("failed to remove promoted cache file", "filename", filename, "error", err)
	}

	m.logger.Info("promoted audio", "id", rec.ID, "filename", filename)
	return &rec, nil
}

func (m *Manager) copyToDurable(ctx context.Context, filename string) error {
	const op = "catalog.Promote"

	r, err := m.layout.Cache().Read(ctx, filename)
	if errors.Is(err, backend.ErrNotFound) {
		return ttsbridge.Errorf(ttsbridge.KindArtifactNotFound, op, "no cached audio named %q", filename)
	}
	if err != nil {
		return ttsbridge.E(ttsbridge.KindStoreUnavailable, op, err)
	}
	defer func() { _ = r.Close() }()

	if err := m.layout.Durable().Write(ctx, filename, r); err != nil {
		return ttsbridge.E(ttsbridge.KindStoreUnavailable, op, err)
	}
	return nil
}

func (m *Manager) digest(ctx context.Context, filename string) (ttsbridge.Digest, error) {
	r, err := m.layout.Durable().Read(ctx, filename)
	if err != nil {
		return ttsbridge.Digest{}, err
	}
	defer func() { _ = r.Close() }()
	dr := ttsbridge.NewDigestingReader(r)
	if _, err := io.Copy(io.Discard, dr); err != nil {
		return ttsbridge.Digest{}, err
	}
	return dr.Sum(), nil
}

// Reconcile drops persisted records whose files are gone and returns how
// many were removed.
func (m *Manager) Reconcile(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	present, err := m.durableSet(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	err = m.store.Update(ctx, func(records []metadb.AudioRecord) ([]metadb.AudioRecord, error) {
		kept := lo.Filter(records, func(r metadb.AudioRecord, _ int) bool { return present[r.Filename] })
		removed = len(records) - len(kept)
		return kept, nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		m.logger.Info("dropped orphaned catalog records", "removed", removed)
	}
	return removed, nil
}

// reconciled returns the catalog filtered to records with a durable file.
func (m *Manager) reconciled(ctx context.Context) ([]metadb.AudioRecord, error) {
	records, err := m.store.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	present, err := m.durableSet(ctx)
	if err != nil {
		return nil, err
	}
	return lo.Filter(records, func(r metadb.AudioRecord, _ int) bool { return present[r.Filename] }), nil
}

func (m *Manager) durableSet(ctx context.Context) (map[string]bool, error) {
	keys, err := m.layout.Durable().List(ctx)
	if err != nil {
		return nil, ttsbridge.E(ttsbridge.KindStoreUnavailable, "catalog.durableSet", err)
	}
	return lo.Associate(keys, func(k string) (string, bool) { return k, true }), nil
}

func (m *Manager) remember(filename string, p preview) {
	m.pmu.Lock()
	defer m.pmu.Unlock()

	cutoff := m.now().Add(-m.cfg.PreviewTTL)
	for name := range m.previews {
		if t, ok := artifact.ParseFilenameTime(name); !ok || t.Before(cutoff) {
			delete(m.previews, name)
		}
	}
	m.previews[filename] = p
}

func (m *Manager) forget(filename string) preview {
	m.pmu.Lock()
	defer m.pmu.Unlock()
	p := m.previews[filename]
	delete(m.previews, filename)
	return p
}
