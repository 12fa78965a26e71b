// Package synth turns text into an audio file with pico2wave and ffmpeg.
package synth

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/sync/semaphore"

	ttsbridge "github.com/wolfeidau/tts-bridge"
	"github.com/wolfeidau/tts-bridge/backend"
	"github.com/wolfeidau/tts-bridge/telemetry"
)

// Languages is the set of language tags pico2wave ships voices for.
var Languages = []string{"en-US", "en-GB", "de-DE", "es-ES", "fr-FR", "it-IT"}

// Supported reports whether lang is in Languages.
func Supported(lang string) bool {
	return slices.Contains(Languages, lang)
}

// Runner runs an external program and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = 5 * time.Second
	return cmd.CombinedOutput()
}

// Config configures the Invoker.
type Config struct {
	// PicoPath is the pico2wave binary. Default "pico2wave".
	PicoPath string

	// FFmpegPath is the ffmpeg binary. Default "ffmpeg".
	FFmpegPath string

	// GainDB is the volume boost applied by ffmpeg. Default 10.
	GainDB float64

	// MaxConcurrent caps simultaneous synthesis runs. Default 2.
	MaxConcurrent int64

	// Timeout bounds one run including both programs. Default 2 minutes.
	Timeout time.Duration

	// ScratchDir holds intermediate files. Default os.TempDir().
	ScratchDir string

	Logger *slog.Logger
}

// Request describes one synthesis.
type Request struct {
	Language string
	Text     string

	// Target receives the finished file under Key. The file appears there
	// complete or not at all.
	Target backend.WriterBackend
	Key    string
}

// Result describes a finished synthesis.
type Result struct {
	Key      string
	Size     int64
	Digest   ttsbridge.Digest
	Duration time.Duration
}

// Invoker runs the synthesis pipeline.
type Invoker struct {
	cfg    Config
	sem    *semaphore.Weighted
	run    Runner
	logger *slog.Logger
	now    func() time.Time
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithRunner replaces process execution, used in tests.
func WithRunner(r Runner) Option {
	return func(i *Invoker) {
		i.run = r
	}
}

// New creates an Invoker.
func New(cfg Config, opts ...Option) *Invoker {
	if cfg.PicoPath == "" {
		cfg.PicoPath = "pico2wave"
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.GainDB == 0 {
		cfg.GainDB = 10
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = os.TempDir()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	i := &Invoker{
		cfg:    cfg,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrent),
		run:    execRunner,
		logger: cfg.Logger.With("component", "synth"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Synthesize renders req.Text in req.Language and stores it in req.Target.
// On any failure nothing is left in the target tier.
func (i *Invoker) Synthesize(ctx context.Context, req Request) (*Result, error) {
	const op = "synth.Synthesize"

	if !Supported(req.Language) {
		return nil, ttsbridge.Errorf(ttsbridge.KindUnsupportedLanguage, op, "language %q is not one of %s", req.Language, strings.Join(Languages, ", "))
	}
	text := SanitizeText(req.Text)
	if text == "" {
		return nil, ttsbridge.Errorf(ttsbridge.KindMissingRequiredField, op, "text is empty")
	}
	if req.Target == nil {
		return nil, ttsbridge.Errorf(ttsbridge.KindInternal, op, "no target tier")
	}
	if err := backend.ValidateKey(req.Key); err != nil {
		return nil, ttsbridge.E(ttsbridge.KindInternal, op, err)
	}

	if err := i.sem.Acquire(ctx, 1); err != nil {
		return nil, ttsbridge.E(ttsbridge.KindSynthesisFailed, op, fmt.Errorf("waiting for a synthesis slot: %w", err))
	}
	defer i.sem.Release(1)

	start := i.now()
	res, err := i.synthesize(ctx, req.Language, text, req.Target, req.Key)
	elapsed := i.now().Sub(start)

	if err != nil {
		telemetry.RecordSynthesis(ctx, req.Language, "error", elapsed, 0)
		i.logger.Warn("synthesis failed", "language", req.Language, "key", req.Key, "error", err)
		return nil, ttsbridge.E(ttsbridge.KindSynthesisFailed, op, err)
	}

	res.Duration = elapsed
	telemetry.RecordSynthesis(ctx, req.Language, "success", elapsed, res.Size)
	i.logger.Debug("synthesized audio",
		"language", req.Language,
		"key", req.Key,
		"size", res.Size,
		"digest", res.Digest.ShortString(),
		"duration", elapsed,
	)
	return res, nil
}

func (i *Invoker) synthesize(ctx context.Context, lang, text string, target backend.WriterBackend, key string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, i.cfg.Timeout)
	defer cancel()

	scratch, err := os.MkdirTemp(i.cfg.ScratchDir, "tts-*")
	if err != nil {
		return nil, fmt.Errorf("creating scratch dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(scratch) }()

	raw := filepath.Join(scratch, "raw.wav")
	out := filepath.Join(scratch, "out"+filepath.Ext(key))

	if output, err := i.run(ctx, i.cfg.PicoPath, "-l", lang, "-w", raw, text); err != nil {
		return nil, fmt.Errorf("pico2wave: %w: %s", err, trimOutput(output))
	}
	if fi, err := os.Stat(raw); err != nil || fi.Size() == 0 {
		return nil, fmt.Errorf("pico2wave produced no audio")
	}

	gain := "volume=" + strconv.FormatFloat(i.cfg.GainDB, 'f', -1, 64) + "dB"
	if output, err := i.run(ctx, i.cfg.FFmpegPath,
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", raw,
		"-af", gain,
		out,
	); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w: %s", err, trimOutput(output))
	}

	return commit(ctx, out, target, key)
}

func commit(ctx context.Context, path string, target backend.WriterBackend, key string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening ffmpeg output: %w", err)
	}
	defer func() { _ = f.Close() }()

	w, err := target.Writer(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", key, err)
	}

	dr := ttsbridge.NewDigestingReader(f)
	if _, err := io.Copy(w, dr); err != nil {
		_ = w.Abort()
		return nil, fmt.Errorf("writing %s: %w", key, err)
	}
	if dr.BytesRead() == 0 {
		_ = w.Abort()
		return nil, fmt.Errorf("ffmpeg produced no audio")
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("committing %s: %w", key, err)
	}

	return &Result{Key: key, Size: dr.BytesRead(), Digest: dr.Sum()}, nil
}

// SanitizeText prepares user text for use as a single program argument.
// Control characters become spaces and a leading dash is moved off the
// first position so the text can never be read as a flag.
func SanitizeText(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "-") {
		s = " " + s
	}
	return s
}

func trimOutput(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 512 {
		s = s[:512] + "..."
	}
	return s
}
