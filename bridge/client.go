// Package bridge talks to the hub's device bridge open API: access tokens,
// speech engine registration and a token probe.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	ttsbridge "github.com/wolfeidau/tts-bridge"
	"github.com/wolfeidau/tts-bridge/telemetry"
)

const (
	// DefaultURL is the hub's address on the local network.
	DefaultURL = "http://ihost"

	// DefaultAppName identifies this service when asking for a token.
	DefaultAppName = "tts-bridge"

	// DefaultTimeout bounds every call except the token wait.
	DefaultTimeout = 30 * time.Second

	// DefaultPollInterval is how often a pending token request is retried
	// while the hub waits for its link button.
	DefaultPollInterval = 2 * time.Second

	codeUnauthorized = 401
)

var errLinkPending = errors.New("link button not pressed")

// SpeechEngine is an engine the bridge knows about.
type SpeechEngine struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Client is a device bridge API client. It holds no token; callers pass the
// current one per call.
type Client struct {
	baseURL      string
	appName      string
	client       *http.Client
	pollInterval time.Duration
	logger       *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets the bridge address. A bare host gets an http scheme.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if !strings.Contains(u, "://") {
			u = "http://" + u
		}
		c.baseURL = strings.TrimSuffix(u, "/")
	}
}

// WithAppName sets the app name sent with token requests.
func WithAppName(name string) Option {
	return func(c *Client) {
		c.appName = name
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithPollInterval sets the retry interval for pending token requests.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		c.pollInterval = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a bridge client.
func New(opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultURL,
		appName: DefaultAppName,
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil),
		},
		pollInterval: DefaultPollInterval,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "bridge")
	return c
}

// BaseURL returns the bridge address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

type apiResponse struct {
	Error   int             `json:"error"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// AccessToken asks the bridge for a token and keeps asking until the hub's
// link button is pressed or timeout elapses.
func (c *Client) AccessToken(ctx context.Context, timeout time.Duration) (string, error) {
	const op = "bridge.AccessToken"

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ctx = telemetry.WithOperation(ctx, "access_token")

	q := url.Values{"app_name": {c.appName}}
	endpoint := c.baseURL + "/open-api/v2/bridge/access_token?" + q.Encode()

	attempts := 0
	for {
		attempts++
		var data struct {
			Token string `json:"token"`
		}
		err := c.do(ctx, op, http.MethodGet, endpoint, "", nil, &data, true)
		switch {
		case err == nil && data.Token != "":
			c.logger.Info("obtained bridge token", "attempts", attempts)
			return data.Token, nil
		case err == nil:
			return "", ttsbridge.Errorf(ttsbridge.KindBridgeUnknown, op, "bridge returned an empty token")
		case !errors.Is(err, errLinkPending):
			return "", err
		}

		c.logger.Debug("waiting for link button", "attempt", attempts)
		select {
		case <-ctx.Done():
			return "", ttsbridge.E(ttsbridge.KindBridgeTimeout, op, fmt.Errorf("link button not pressed within %s", timeout))
		case <-time.After(c.pollInterval):
		}
	}
}

// ListSpeechEngines returns the engines registered with the bridge.
func (c *Client) ListSpeechEngines(ctx context.Context, token string) ([]SpeechEngine, error) {
	ctx = telemetry.WithOperation(ctx, "list_engines")
	var data struct {
		Engines []SpeechEngine `json:"engine_list"`
	}
	if err := c.do(ctx, "bridge.ListSpeechEngines", http.MethodGet, c.baseURL+"/open-api/v2/tts/engines", token, nil, &data, false); err != nil {
		return nil, err
	}
	return data.Engines, nil
}

type registerPayload struct {
	ServiceAddress string `json:"service_address"`
	Name           string `json:"name"`
}

// RegisterSpeechEngine registers this service under name, with the hub
// calling back at callbackURL. It returns the engine id assigned by the hub.
func (c *Client) RegisterSpeechEngine(ctx context.Context, token, name, callbackURL string) (string, error) {
	const op = "bridge.RegisterSpeechEngine"
	ctx = telemetry.WithOperation(ctx, "register_engine")

	req := struct {
		Event Message[registerPayload] `json:"event"`
	}{
		Event: Message[registerPayload]{
			Header: Header{
				Name:      EventRegisterEngine,
				MessageID: uuid.NewString(),
				Version:   EnvelopeVersion,
			},
			Payload: registerPayload{ServiceAddress: callbackURL, Name: name},
		},
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", ttsbridge.E(ttsbridge.KindInternal, op, err)
	}

	var resp struct {
		Header  Header          `json:"header"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := c.roundTrip(ctx, op, http.MethodPost, c.baseURL+"/open-api/v2/thirdparty/event", token, body, &resp); err != nil {
		return "", err
	}

	if resp.Header.Name == HeaderErrorResponse {
		var ep ErrorPayload
		_ = json.Unmarshal(resp.Payload, &ep)
		return "", ttsbridge.Errorf(ttsbridge.KindRegistrationFailed, op, "%s: %s", ep.Type, ep.Description)
	}

	var ok struct {
		EngineID string `json:"engine_id"`
	}
	if err := json.Unmarshal(resp.Payload, &ok); err != nil || ok.EngineID == "" {
		return "", ttsbridge.Errorf(ttsbridge.KindRegistrationFailed, op, "response carried no engine id")
	}

	c.logger.Info("registered speech engine", "engine_id", ok.EngineID, "callback", callbackURL)
	return ok.EngineID, nil
}

// DeviceList fetches the device list, which doubles as a token validity probe.
func (c *Client) DeviceList(ctx context.Context, token string) error {
	ctx = telemetry.WithOperation(ctx, "device_list")
	return c.do(ctx, "bridge.DeviceList", http.MethodGet, c.baseURL+"/open-api/v2/devices", token, nil, nil, false)
}

// do performs a call against an endpoint answering {error, data, message}.
// With tokenRequest set, error 401 means the link button is still pending.
func (c *Client) do(ctx context.Context, op, method, endpoint, token string, body []byte, out any, tokenRequest bool) error {
	var resp apiResponse
	if err := c.roundTrip(ctx, op, method, endpoint, token, body, &resp); err != nil {
		return err
	}

	switch {
	case resp.Error == 0:
	case resp.Error == codeUnauthorized && tokenRequest:
		return errLinkPending
	case resp.Error == codeUnauthorized:
		return ttsbridge.Errorf(ttsbridge.KindBridgeTokenInvalid, op, "%s", resp.Message)
	default:
		return ttsbridge.Errorf(ttsbridge.KindBridgeUnknown, op, "bridge error %d: %s", resp.Error, resp.Message)
	}

	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return ttsbridge.E(ttsbridge.KindBridgeUnknown, op, fmt.Errorf("decoding data: %w", err))
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, op, method, endpoint, token string, body []byte, out any) error {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rdr)
	if err != nil {
		return ttsbridge.E(ttsbridge.KindInternal, op, fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return classify(ctx, op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		return ttsbridge.Errorf(ttsbridge.KindBridgeTokenInvalid, op, "bridge returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return ttsbridge.Errorf(ttsbridge.KindBridgeUnknown, op, "bridge returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return classify(ctx, op, err)
		}
		return ttsbridge.E(ttsbridge.KindBridgeUnknown, op, fmt.Errorf("decoding response: %w", err))
	}
	return nil
}

// classify maps transport failures onto the bridge error kinds.
func classify(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ttsbridge.E(ttsbridge.KindBridgeTimeout, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ttsbridge.E(ttsbridge.KindBridgeTimeout, op, err)
	}
	if errors.Is(err, context.Canceled) {
		return ttsbridge.E(ttsbridge.KindBridgeUnknown, op, err)
	}
	var urlErr *url.Error
	var opErr *net.OpError
	if errors.As(err, &opErr) || errors.As(err, &urlErr) {
		return ttsbridge.E(ttsbridge.KindBridgeUnreachable, op, err)
	}
	return ttsbridge.E(ttsbridge.KindBridgeUnknown, op, err)
}
