// Package credential runs the bridge token refresh: fetch an access token,
// persist it, and make sure this service is registered as a speech engine.
package credential

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/singleflight"

	ttsbridge "github.com/wolfeidau/tts-bridge"
	"github.com/wolfeidau/tts-bridge/bridge"
	"github.com/wolfeidau/tts-bridge/events"
	"github.com/wolfeidau/tts-bridge/store/metadb"
	"github.com/wolfeidau/tts-bridge/telemetry"
)

// DefaultTokenTimeout is how long a refresh waits for the hub's link button.
const DefaultTokenTimeout = 300 * time.Second

// DefaultEngineName is the name this service registers under.
const DefaultEngineName = "tts-bridge"

// State is the orchestrator's refresh state.
type State int

const (
	StateIdle State = iota
	StateRefreshing
	StateSuccess
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRefreshing:
		return "refreshing"
	case StateSuccess:
		return "success"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// BridgeClient is the subset of the bridge API the orchestrator needs.
type BridgeClient interface {
	AccessToken(ctx context.Context, timeout time.Duration) (string, error)
	ListSpeechEngines(ctx context.Context, token string) ([]bridge.SpeechEngine, error)
	RegisterSpeechEngine(ctx context.Context, token, name, callbackURL string) (string, error)
	DeviceList(ctx context.Context, token string) error
}

// Store persists the credential and engine registration.
type Store interface {
	Credential(ctx context.Context) (*metadb.Credential, error)
	PutCredential(ctx context.Context, cred metadb.Credential) error
	ClearCredential(ctx context.Context) error
	Engine(ctx context.Context) (*metadb.Engine, error)
	PutEngine(ctx context.Context, eng metadb.Engine) error
}

// Config configures an Orchestrator.
type Config struct {
	// EngineName is the speech engine name shown in the hub.
	EngineName string

	// CallbackURL is the address the hub sends directives to.
	CallbackURL string

	// TokenTimeout bounds the wait for an access token.
	TokenTimeout time.Duration

	Logger *slog.Logger
}

// Result describes a successful refresh.
type Result struct {
	Token      string    `json:"-"`
	EngineID   string    `json:"engineId"`
	Registered bool      `json:"registered"`
	UpdatedAt  time.Time `json:"updateTime"`
}

// EndedEvent is the payload of a refresh-ended event.
type EndedEvent struct {
	Success bool   `json:"success"`
	Error   int    `json:"error"`
	Message string `json:"msg,omitempty"`
}

// Orchestrator serializes credential refreshes. Callers that ask for a
// refresh while one is running wait for it and share its result.
type Orchestrator struct {
	client BridgeClient
	store  Store
	pub    events.Publisher
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	group singleflight.Group

	mu      sync.Mutex
	state   State
	lastErr error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithNow sets the clock used to stamp stored records.
func WithNow(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// New creates an orchestrator. A nil client is rejected up front.
func New(client BridgeClient, store Store, pub events.Publisher, cfg Config, opts ...Option) (*Orchestrator, error) {
	if client == nil {
		return nil, ttsbridge.Errorf(ttsbridge.KindNoClientConfigured, "credential.New", "bridge client is required")
	}
	if store == nil {
		return nil, ttsbridge.Errorf(ttsbridge.KindInternal, "credential.New", "store is required")
	}
	if cfg.TokenTimeout <= 0 {
		cfg.TokenTimeout = DefaultTokenTimeout
	}
	if cfg.EngineName == "" {
		cfg.EngineName = DefaultEngineName
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if pub == nil {
		pub = events.Discard
	}

	o := &Orchestrator{
		client: client,
		store:  store,
		pub:    pub,
		cfg:    cfg,
		logger: cfg.Logger.With("component", "credential"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// State returns the current state and the error of the last failed refresh.
func (o *Orchestrator) State() (State, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state, o.lastErr
}

func (o *Orchestrator) setState(s State, err error) {
	o.mu.Lock()
	o.state = s
	o.lastErr = err
	o.mu.Unlock()
}

// Refresh runs a refresh, or joins the one already in flight. The refresh
// itself is not cancelled with ctx; the token timeout bounds it.
func (o *Orchestrator) Refresh(ctx context.Context) (*Result, error) {
	v, err, shared := o.group.Do("refresh", func() (any, error) {
		return o.refresh(context.WithoutCancel(ctx))
	})
	if shared {
		o.logger.Debug("joined in-flight refresh")
	}
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (o *Orchestrator) refresh(ctx context.Context) (res *Result, err error) {
	start := time.Now()
	o.setState(StateRefreshing, nil)
	o.pub.Publish(events.RefreshStarted, struct{}{})
	o.logger.Info("credential refresh started")

	defer func() {
		ended := EndedEvent{Success: err == nil}
		outcome := "success"
		if err != nil {
			kind := ttsbridge.KindOf(err)
			ended.Error = kind.Code()
			ended.Message = err.Error()
			outcome = kind.String()
			o.setState(StateFailed, err)
			o.logger.Error("credential refresh failed", "error", err, "duration", time.Since(start))
		} else {
			o.setState(StateSuccess, nil)
			o.logger.Info("credential refresh finished",
				"engine_id", res.EngineID,
				"registered", res.Registered,
				"duration", time.Since(start))
		}
		telemetry.RecordRefresh(ctx, outcome, res != nil && res.Registered, time.Since(start))
		o.pub.Publish(events.RefreshEnded, ended)
	}()

	if err := o.store.ClearCredential(ctx); err != nil {
		return nil, err
	}

	token, err := o.client.AccessToken(ctx, o.cfg.TokenTimeout)
	if err != nil {
		return nil, err
	}
	cred := metadb.Credential{Token: token, UpdatedAt: o.now()}
	if err := o.store.PutCredential(ctx, cred); err != nil {
		return nil, err
	}

	// From here on the stored token stays even if registration fails.
	engines, err := o.client.ListSpeechEngines(ctx, token)
	if err != nil {
		return nil, err
	}

	eng, err := o.store.Engine(ctx)
	if err != nil {
		return nil, err
	}

	res = &Result{Token: token, UpdatedAt: cred.UpdatedAt}
	if eng != nil && lo.ContainsBy(engines, func(e bridge.SpeechEngine) bool { return e.ID == eng.ID }) {
		res.EngineID = eng.ID
		return res, nil
	}

	if eng != nil {
		o.logger.Warn("bridge no longer lists engine, registering again", "engine_id", eng.ID)
	}
	id, err := o.client.RegisterSpeechEngine(ctx, token, o.cfg.EngineName, o.cfg.CallbackURL)
	if err != nil {
		return nil, err
	}
	if err := o.store.PutEngine(ctx, metadb.Engine{ID: id, RegisteredAt: o.now()}); err != nil {
		return nil, err
	}
	res.EngineID = id
	res.Registered = true
	return res, nil
}

// Status is a snapshot of the stored credential.
type Status struct {
	State     string    `json:"state"`
	HasToken  bool      `json:"hasToken"`
	UpdatedAt time.Time `json:"updateTime,omitzero"`
	EngineID  string    `json:"engineId,omitempty"`

	// TokenValid is set when the token was probed against the bridge.
	TokenValid *bool `json:"tokenValid,omitempty"`

	// ProbeError is the error code of a failed probe that was not a plain
	// rejection of the token.
	ProbeError int `json:"probeError,omitempty"`
}

// TokenStatus reports the stored credential and engine. With probe set and a
// token present, the token is checked against the bridge.
func (o *Orchestrator) TokenStatus(ctx context.Context, probe bool) (*Status, error) {
	cred, err := o.store.Credential(ctx)
	if err != nil {
		return nil, err
	}
	eng, err := o.store.Engine(ctx)
	if err != nil {
		return nil, err
	}

	state, _ := o.State()
	st := &Status{State: state.String(), HasToken: cred.Valid()}
	if cred != nil {
		st.UpdatedAt = cred.UpdatedAt
	}
	if eng != nil {
		st.EngineID = eng.ID
	}

	if !probe || !st.HasToken || state == StateRefreshing {
		return st, nil
	}

	err = o.client.DeviceList(ctx, cred.Token)
	switch {
	case err == nil:
		st.TokenValid = lo.ToPtr(true)
	case ttsbridge.IsKind(err, ttsbridge.KindBridgeTokenInvalid):
		st.TokenValid = lo.ToPtr(false)
	case errors.Is(err, context.Canceled):
		return nil, err
	default:
		st.ProbeError = ttsbridge.KindOf(err).Code()
		o.logger.Warn("token probe failed", "error", err)
	}
	return st, nil
}
