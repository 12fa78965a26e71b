// Command tts-bridge is a text-to-speech engine for the eWeLink CUBE hub.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/tts-bridge/secrets"
	"github.com/wolfeidau/tts-bridge/server"
	"github.com/wolfeidau/tts-bridge/synth"
	"github.com/wolfeidau/tts-bridge/telemetry"
)

// CLI is the command line and environment configuration.
type CLI struct {
	Address       string `help:"Address to listen on." default:":8080" env:"TTS_ADDRESS"`
	DataPath      string `help:"Directory for the token and catalog databases." default:"./data" env:"CONFIG_DATA_PATH" type:"path"`
	AudioDataPath string `help:"Directory for audio files (defaults to the data path)." env:"CONFIG_AUDIO_DATA_PATH" type:"path"`
	PublicURL     string `help:"Address the hub uses to reach this server, e.g. http://192.168.1.20:8080." env:"TTS_PUBLIC_URL"`
	StaticDir     string `help:"Directory of web UI files served at /." env:"TTS_STATIC_DIR" type:"path"`

	BridgeURL    string        `help:"Hub address." default:"http://ihost" env:"EWELINK_CUBE_HOSTNAME"`
	AppName      string        `help:"App name sent with token requests." default:"tts-bridge" env:"TTS_APP_NAME"`
	EngineName   string        `help:"Speech engine name shown in the hub." default:"tts-bridge" env:"TTS_ENGINE_NAME"`
	TokenTimeout time.Duration `help:"How long to wait for the hub's link button." default:"300s" env:"TTS_TOKEN_TIMEOUT"`

	CacheRetention    time.Duration `help:"How long preview audio is kept." default:"10m" env:"TTS_CACHE_RETENTION"`
	CacheMaxSize      int64         `help:"Maximum preview cache size in bytes (0 to disable)." default:"0" env:"TTS_CACHE_MAX_SIZE"`
	SweepInterval     time.Duration `help:"How often the preview cache is swept." default:"1h" env:"TTS_SWEEP_INTERVAL"`
	ResetCacheOnStart bool          `help:"Empty the preview cache at startup." default:"true" negatable:"" env:"TTS_RESET_CACHE"`

	PicoPath        string        `help:"pico2wave binary." default:"pico2wave" env:"TTS_PICO_PATH"`
	FFmpegPath      string        `help:"ffmpeg binary." default:"ffmpeg" env:"TTS_FFMPEG_PATH"`
	Gain            float64       `help:"Volume boost in dB." default:"10" env:"TTS_GAIN_DB"`
	MaxSynth        int64         `help:"Maximum concurrent synthesis runs." default:"2" env:"TTS_MAX_SYNTH"`
	SynthTimeout    time.Duration `help:"Timeout for one synthesis run." default:"2m" env:"TTS_SYNTH_TIMEOUT"`
	DefaultLanguage string        `help:"Language for hub requests that name none." default:"en-US" env:"TTS_DEFAULT_LANGUAGE"`

	AuthToken   string `help:"Bearer token required on /api/ (empty disables auth)." env:"TTS_AUTH_TOKEN"`
	SecretsFile string `help:"Secrets template supplying auth_token and bridge_token (supports env, file and op lookups)." env:"TTS_SECRETS_FILE" type:"path"`
	MaxConns    int    `help:"Maximum concurrent connections (0 for no limit)." default:"0" env:"TTS_MAX_CONNS"`

	LogLevel  string `help:"Log level." default:"info" enum:"debug,info,warn,error" env:"LOG_LEVEL"`
	LogFormat string `help:"Log format." default:"text" enum:"text,json" env:"LOG_FORMAT"`

	Prometheus   bool   `help:"Expose Prometheus metrics at /metrics." default:"true" negatable:"" env:"TTS_PROMETHEUS"`
	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	// A missing .env file is fine.
	_ = godotenv.Load(".env")

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("tts-bridge"),
		kong.Description("Text-to-speech engine for the eWeLink CUBE hub."),
		kong.Vars{"version": server.Version},
	)
	kctx.FatalIfErrorf(cli.Run())
}

// Run starts the server and blocks until a signal stops it.
func (c *CLI) Run() error {
	logger, err := newLogger(c.LogLevel, c.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "tts-bridge",
		ServiceVersion:   server.Version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(sctx); err != nil {
			logger.Warn("flushing metrics", "error", err)
		}
	}()

	cfg := server.Config{
		Address:           c.Address,
		DataPath:          c.DataPath,
		AudioDataPath:     c.AudioDataPath,
		BridgeURL:         c.BridgeURL,
		PublicURL:         c.PublicURL,
		AppName:           c.AppName,
		EngineName:        c.EngineName,
		TokenTimeout:      c.TokenTimeout,
		CacheRetention:    c.CacheRetention,
		CacheMaxSize:      c.CacheMaxSize,
		SweepInterval:     c.SweepInterval,
		ResetCacheOnStart: c.ResetCacheOnStart,
		Synth: synth.Config{
			PicoPath:      c.PicoPath,
			FFmpegPath:    c.FFmpegPath,
			GainDB:        c.Gain,
			MaxConcurrent: c.MaxSynth,
			Timeout:       c.SynthTimeout,
			Logger:        logger,
		},
		DefaultLanguage: c.DefaultLanguage,
		AuthToken:       c.AuthToken,
		MaxConns:        c.MaxConns,
		StaticDir:       c.StaticDir,
		Logger:          logger,
	}

	if c.SecretsFile != "" {
		resolver := secrets.NewResolver(secrets.WithOnePassword(), secrets.WithLogger(logger))
		sec, err := resolver.ResolveFile(ctx, c.SecretsFile)
		if err != nil {
			return fmt.Errorf("resolving secrets: %w", err)
		}
		if sec.AuthToken != "" {
			cfg.AuthToken = sec.AuthToken
		}
		cfg.BridgeToken = sec.BridgeToken
	}

	srv, err := server.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown or error
	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		srv.Close()
		return err
	}
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: lvl, TimeFormat: time.DateTime})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}
