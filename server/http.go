// Package server provides the HTTP server for the text-to-speech bridge.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/netutil"

	ttsbridge "github.com/wolfeidau/tts-bridge"
	"github.com/wolfeidau/tts-bridge/artifact"
	"github.com/wolfeidau/tts-bridge/bridge"
	"github.com/wolfeidau/tts-bridge/catalog"
	"github.com/wolfeidau/tts-bridge/credential"
	"github.com/wolfeidau/tts-bridge/events"
	"github.com/wolfeidau/tts-bridge/expiry"
	"github.com/wolfeidau/tts-bridge/store/metadb"
	"github.com/wolfeidau/tts-bridge/synth"
	"github.com/wolfeidau/tts-bridge/telemetry"
)

// Database file names under DataPath.
const (
	IdentityDBFile = "token.db"
	CatalogDBFile  = "audio.db"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// DataPath holds the credential and catalog databases.
	DataPath string

	// AudioDataPath is the root of the durable and cache audio tiers.
	AudioDataPath string

	// BridgeURL is the hub's address.
	BridgeURL string

	// PublicURL is the address the hub uses to reach this server. Audio URLs
	// and the engine callback are built from it.
	PublicURL string

	// AppName identifies this service in token requests.
	AppName string

	// EngineName is the speech engine name shown in the hub.
	EngineName string

	// TokenTimeout bounds the wait for the hub's link button.
	// Default: 5 minutes
	TokenTimeout time.Duration

	// CacheRetention is how long preview audio is kept.
	// Default: 10 minutes
	CacheRetention time.Duration

	// CacheMaxSize caps the cache tier in bytes. Zero disables the cap.
	CacheMaxSize int64

	// SweepInterval is how often the cache tier is swept.
	// Default is 1 hour.
	SweepInterval time.Duration

	// ResetCacheOnStart empties the cache tier when the server starts.
	ResetCacheOnStart bool

	// Synth configures the synthesis pipeline.
	Synth synth.Config

	// DefaultLanguage is used for hub directives that name no language.
	DefaultLanguage string

	// AuthToken protects /api/ when set.
	AuthToken string

	// BridgeToken is stored as the hub credential at startup when none
	// is held yet.
	BridgeToken string

	// MaxConns caps concurrent connections. Zero means no cap.
	MaxConns int

	// StaticDir is served at / when set.
	StaticDir string

	// EventBuffer is the per-subscriber event queue length.
	EventBuffer int

	// Logger for the server
	Logger *slog.Logger
}

// Option overrides a collaborator, used in tests.
type Option func(*Server)

// WithSynthesizer replaces the synthesis pipeline.
func WithSynthesizer(s catalog.Synthesizer) Option {
	return func(srv *Server) {
		srv.synth = s
	}
}

// WithBridgeClient replaces the hub client.
func WithBridgeClient(c credential.BridgeClient) Option {
	return func(srv *Server) {
		srv.bridge = c
	}
}

// Server is the HTTP server for the bridge.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger
	started    time.Time

	// Components
	identity  *metadb.IdentityDB
	catalogDB *metadb.CatalogDB
	layout    *artifact.Layout
	synth     catalog.Synthesizer
	bridge    credential.BridgeClient
	bus       *events.Bus
	orch      *credential.Orchestrator
	audio     *catalog.Manager
	expiryMgr *expiry.Manager

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// New creates a new server with the given configuration.
func New(ctx context.Context, cfg Config, opts ...Option) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.DataPath == "" {
		cfg.DataPath = "./data"
	}
	if cfg.AudioDataPath == "" {
		cfg.AudioDataPath = cfg.DataPath
	}
	if cfg.BridgeURL == "" {
		cfg.BridgeURL = bridge.DefaultURL
	}
	if cfg.PublicURL == "" {
		cfg.PublicURL = defaultPublicURL(cfg.Address)
		cfg.Logger.Warn("no public url configured, the hub may not reach this server", "public_url", cfg.PublicURL)
	}
	cfg.PublicURL = strings.TrimSuffix(cfg.PublicURL, "/")
	if cfg.TokenTimeout == 0 {
		cfg.TokenTimeout = credential.DefaultTokenTimeout
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = synth.Languages[0]
	}
	if cfg.Synth.Logger == nil {
		cfg.Synth.Logger = cfg.Logger
	}

	s := &Server{
		config:  cfg,
		logger:  cfg.Logger,
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.init(ctx); err != nil {
		s.close()
		return nil, err
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:        cfg.Address,
		Handler:     s.loggingMiddleware(mux),
		ReadTimeout: 30 * time.Second,
		// A refresh holds its request open until the link button is pressed.
		WriteTimeout: cfg.TokenTimeout + time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

func (s *Server) init(ctx context.Context) error {
	cfg := s.config
	var err error

	// bbolt does not create parent directories.
	if err := os.MkdirAll(cfg.DataPath, 0o755); err != nil {
		return ttsbridge.E(ttsbridge.KindStoreUnavailable, "server.init", fmt.Errorf("creating data directory: %w", err))
	}

	s.identity, err = metadb.OpenIdentity(filepath.Join(cfg.DataPath, IdentityDBFile), metadb.WithLogger(cfg.Logger))
	if err != nil {
		return fmt.Errorf("opening identity store: %w", err)
	}
	s.catalogDB, err = metadb.OpenCatalog(filepath.Join(cfg.DataPath, CatalogDBFile), metadb.WithLogger(cfg.Logger))
	if err != nil {
		return fmt.Errorf("opening catalog store: %w", err)
	}

	if err := s.seedCredential(ctx); err != nil {
		return err
	}

	s.layout, err = artifact.New(ctx, artifact.Config{
		Root:       cfg.AudioDataPath,
		ResetCache: cfg.ResetCacheOnStart,
		Logger:     cfg.Logger,
	})
	if err != nil {
		return fmt.Errorf("preparing audio directories: %w", err)
	}

	if s.synth == nil {
		s.synth = synth.New(cfg.Synth)
	}
	if s.bridge == nil {
		s.bridge = bridge.New(
			bridge.WithBaseURL(cfg.BridgeURL),
			bridge.WithAppName(cfg.AppName),
			bridge.WithLogger(cfg.Logger),
		)
	}

	s.bus = events.New(events.WithBuffer(cfg.EventBuffer), events.WithLogger(cfg.Logger))

	s.orch, err = credential.New(s.bridge, s.identity, s.bus, credential.Config{
		EngineName:   cfg.EngineName,
		CallbackURL:  cfg.PublicURL + "/callback",
		TokenTimeout: cfg.TokenTimeout,
		Logger:       cfg.Logger,
	})
	if err != nil {
		return err
	}

	s.audio = catalog.New(s.layout, s.catalogDB, s.synth, catalog.Config{Logger: cfg.Logger})
	if _, err := s.audio.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconciling catalog: %w", err)
	}

	s.expiryMgr = expiry.NewManager(s.layout.Cache(), expiry.Config{
		Retention:     cfg.CacheRetention,
		MaxSize:       cfg.CacheMaxSize,
		CheckInterval: cfg.SweepInterval,
		Logger:        cfg.Logger,
	})
	return nil
}

func (s *Server) seedCredential(ctx context.Context) error {
	if s.config.BridgeToken == "" {
		return nil
	}
	cur, err := s.identity.Credential(ctx)
	if err != nil {
		return fmt.Errorf("reading hub credential: %w", err)
	}
	if cur.Valid() {
		return nil
	}
	if err := s.identity.PutCredential(ctx, metadb.Credential{Token: s.config.BridgeToken, UpdatedAt: time.Now()}); err != nil {
		return fmt.Errorf("seeding hub credential: %w", err)
	}
	s.logger.Info("stored preconfigured hub token")
	return nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	api := http.NewServeMux()
	api.HandleFunc("GET /api/v1/get-server-info", s.handleServerInfo)
	api.HandleFunc("GET /api/v1/get-cube-token", s.handleRefreshToken)
	api.HandleFunc("POST /api/v1/get-cube-token", s.handleRefreshToken)
	api.HandleFunc("GET /api/v1/audio/list", s.handleListAudio)
	api.HandleFunc("POST /api/v1/audio", s.handleCreateAudio)
	api.HandleFunc("POST /api/v1/audio/save", s.handleSaveAudio)
	api.HandleFunc("PUT /api/v1/audio", s.handleUpdateAudio)
	api.HandleFunc("DELETE /api/v1/audio", s.handleDeleteAudio)
	api.HandleFunc("/api/", s.handleUnknownAPI)
	mux.Handle("/api/", s.authMiddleware(api))

	// Hub directives
	mux.HandleFunc("POST /callback", s.handleCallback)

	// Progress events
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /events/ws", s.handleEventsWS)

	// Audio files, addressed by the URLs handed to the hub
	mux.Handle("GET "+catalog.DurablePrefix+"{file}", s.audioHandler(artifact.TierDurable))
	mux.Handle("GET "+catalog.CachePrefix+"{file}", s.audioHandler(artifact.TierCache))

	if s.config.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.config.StaticDir)))
	}
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set endpoint and error code.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)
		tags.Surface = deriveSurface(r.URL.Path)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		func() {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					s.logger.Error("handler panic", "request_id", requestID, "path", r.URL.Path, "panic", rec)
					if !wrapped.wroteHeader {
						s.writeError(wrapped, r, ttsbridge.Errorf(ttsbridge.KindInternal, "server", "internal error"))
					}
				}
			}()
			next.ServeHTTP(wrapped, r)
		}()

		duration := time.Since(start)

		// Build log attributes
		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"surface", tags.Surface,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		// Add handler-set tags
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.ErrorCode != 0 {
			attrs = append(attrs, "error_code", tags.ErrorCode)
		}

		// Add content type if present
		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		// Record OTel metrics
		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the server and blocks until it stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Address, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln and blocks until the server stops.
func (s *Server) Serve(ln net.Listener) error {
	if s.config.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.config.MaxConns)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("starting cache sweeper",
		"retention", s.config.CacheRetention,
		"max_size", s.config.CacheMaxSize,
		"check_interval", s.config.SweepInterval,
	)
	if err := s.expiryMgr.Start(context.Background()); err != nil {
		return fmt.Errorf("starting cache sweeper: %w", err)
	}

	s.logger.Info("starting server",
		"address", ln.Addr().String(),
		"public_url", s.config.PublicURL,
		"bridge_url", s.config.BridgeURL,
	)
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	// Ending subscriptions lets open event streams return.
	s.bus.Close()
	err := s.httpServer.Shutdown(ctx)
	s.close()
	return err
}

// close releases everything New acquired. Safe to call more than once.
func (s *Server) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true

	if s.expiryMgr != nil {
		s.expiryMgr.Stop()
	}
	if s.bus != nil {
		s.bus.Close()
	}
	if s.identity != nil {
		if err := s.identity.Close(); err != nil {
			s.logger.Warn("closing identity store", "error", err)
		}
	}
	if s.catalogDB != nil {
		if err := s.catalogDB.Close(); err != nil {
			s.logger.Warn("closing catalog store", "error", err)
		}
	}
}

// Close releases resources without serving, for servers that never started.
func (s *Server) Close() {
	s.close()
}

// Address returns the listen address, resolved once serving.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Address
}

// Bus returns the event bus.
func (s *Server) Bus() *events.Bus {
	return s.bus
}

func defaultPublicURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://localhost"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
	wroteHeader  bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// deriveSurface groups the request path for metrics.
func deriveSurface(path string) string {
	switch {
	case path == "/health" || path == "/metrics":
		return telemetry.SurfaceOps
	case strings.HasPrefix(path, "/api/"):
		return telemetry.SurfaceAPI
	case path == "/callback":
		return telemetry.SurfaceCallback
	case strings.HasPrefix(path, "/events"):
		return telemetry.SurfaceEvents
	case strings.HasPrefix(path, catalog.DurablePrefix), strings.HasPrefix(path, catalog.CachePrefix):
		return telemetry.SurfaceAudio
	default:
		return telemetry.SurfaceOps
	}
}
