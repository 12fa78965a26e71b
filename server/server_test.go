package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	ttsbridge "github.com/wolfeidau/tts-bridge"
	"github.com/wolfeidau/tts-bridge/bridge"
	"github.com/wolfeidau/tts-bridge/events"
	"github.com/wolfeidau/tts-bridge/store/metadb"
	"github.com/wolfeidau/tts-bridge/synth"
)

type fakeSynth struct{}

func (fakeSynth) Synthesize(ctx context.Context, req synth.Request) (*synth.Result, error) {
	if !synth.Supported(req.Language) {
		return nil, ttsbridge.Errorf(ttsbridge.KindUnsupportedLanguage, "fake", "unsupported %q", req.Language)
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, ttsbridge.Errorf(ttsbridge.KindMissingRequiredField, "fake", "text is empty")
	}
	data := []byte("RIFF" + req.Text)
	if err := req.Target.Write(ctx, req.Key, bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return &synth.Result{Key: req.Key, Size: int64(len(data)), Digest: ttsbridge.DigestBytes(data)}, nil
}

type fakeBridge struct {
	gate     chan struct{}
	regCalls atomic.Int32
	callback atomic.Value
}

func (f *fakeBridge) AccessToken(ctx context.Context, _ time.Duration) (string, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "tok", nil
}

func (f *fakeBridge) ListSpeechEngines(context.Context, string) ([]bridge.SpeechEngine, error) {
	return nil, nil
}

func (f *fakeBridge) RegisterSpeechEngine(_ context.Context, _, _, callbackURL string) (string, error) {
	f.regCalls.Add(1)
	f.callback.Store(callbackURL)
	return "engine-1", nil
}

func (f *fakeBridge) DeviceList(context.Context, string) error {
	return nil
}

type testServer struct {
	*httptest.Server
	srv    *Server
	bridge *fakeBridge
}

func newTestServer(t *testing.T, mutate ...func(*Config)) *testServer {
	t.Helper()
	dir := t.TempDir()

	cfg := Config{
		DataPath:      filepath.Join(dir, "data"),
		AudioDataPath: filepath.Join(dir, "audio"),
		PublicURL:     "http://tts.local:8080",
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, m := range mutate {
		m(&cfg)
	}

	fb := &fakeBridge{}
	srv, err := New(context.Background(), cfg, WithSynthesizer(fakeSynth{}), WithBridgeClient(fb))
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Close)

	return &testServer{Server: ts, srv: srv, bridge: fb}
}

type apiResponse struct {
	Error int             `json:"error"`
	Data  json.RawMessage `json:"data"`
	Msg   string          `json:"msg"`
}

func (ts *testServer) call(t *testing.T, method, path string, body any) apiResponse {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.URL+path, rdr)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out apiResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

type audioJSON struct {
	ID       string `json:"id"`
	Index    int    `json:"index"`
	Filename string `json:"filename"`
	Label    string `json:"label"`
	Text     string `json:"text"`
	Language string `json:"language"`
	URL      string `json:"url"`
	Tier     string `json:"tier"`
}

func (ts *testServer) create(t *testing.T, text string, save bool) audioJSON {
	t.Helper()
	res := ts.call(t, http.MethodPost, "/api/v1/audio", map[string]any{"language": "en-US", "text": text, "save": save})
	require.Zero(t, res.Error, res.Msg)
	var a audioJSON
	require.NoError(t, json.Unmarshal(res.Data, &a))
	return a
}

func (ts *testServer) list(t *testing.T) []audioJSON {
	t.Helper()
	res := ts.call(t, http.MethodGet, "/api/v1/audio/list?pagenum=1&pagesize=50", nil)
	require.Zero(t, res.Error, res.Msg)
	var listing struct {
		Total int         `json:"total"`
		List  []audioJSON `json:"list"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &listing))
	require.Len(t, listing.List, listing.Total)
	return listing.List
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	require.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestAudioLifecycle(t *testing.T) {
	ts := newTestServer(t)

	a := ts.create(t, "hello", true)
	require.Equal(t, "durable", a.Tier)
	require.Equal(t, "http://tts.local:8080/_audio/"+a.Filename, a.URL)

	items := ts.list(t)
	require.Len(t, items, 1)
	require.Equal(t, "hello", items[0].Text)
	require.Equal(t, 1, items[0].Index)

	// Older clients send the new name as "filename".
	res := ts.call(t, http.MethodPut, "/api/v1/audio", map[string]string{"id": items[0].ID, "filename": "doorbell"})
	require.Zero(t, res.Error, res.Msg)
	items = ts.list(t)
	require.Equal(t, "doorbell", items[0].Label)
	require.Equal(t, a.Filename, items[0].Filename)

	res = ts.call(t, http.MethodDelete, "/api/v1/audio?id="+items[0].ID, nil)
	require.Zero(t, res.Error, res.Msg)
	require.Empty(t, ts.list(t))
}

func TestAudioErrorsUseEnvelope(t *testing.T) {
	ts := newTestServer(t)

	res := ts.call(t, http.MethodPost, "/api/v1/audio", map[string]any{"language": "xx-XX", "text": "x"})
	require.Equal(t, ttsbridge.KindUnsupportedLanguage.Code(), res.Error)
	require.JSONEq(t, `{}`, string(res.Data))

	res = ts.call(t, http.MethodPost, "/api/v1/audio", map[string]any{"language": "en-US"})
	require.Equal(t, ttsbridge.KindMissingRequiredField.Code(), res.Error)

	res = ts.call(t, http.MethodDelete, "/api/v1/audio?id=missing", nil)
	require.Equal(t, ttsbridge.KindArtifactNotFound.Code(), res.Error)

	res = ts.call(t, http.MethodDelete, "/api/v1/audio", nil)
	require.Equal(t, ttsbridge.KindMissingRequiredField.Code(), res.Error)

	res = ts.call(t, http.MethodPut, "/api/v1/audio", map[string]string{"id": "missing", "label": "x"})
	require.Equal(t, ttsbridge.KindArtifactNotFound.Code(), res.Error)

	res = ts.call(t, http.MethodGet, "/api/v1/nope", nil)
	require.Equal(t, ttsbridge.KindInternal.Code(), res.Error)
}

func TestAudioMalformedBody(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Post(ts.URL+"/api/v1/audio", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out apiResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, ttsbridge.KindMissingRequiredField.Code(), out.Error)
}

func TestPreviewAndSave(t *testing.T) {
	ts := newTestServer(t)

	p := ts.create(t, "preview me", false)
	require.Equal(t, "cache", p.Tier)
	require.Equal(t, "http://tts.local:8080/_audio-cache/"+p.Filename, p.URL)
	require.Empty(t, ts.list(t))

	resp, err := http.Get(ts.URL + "/_audio-cache/" + p.Filename)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "RIFFpreview me", string(body))
	require.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	res := ts.call(t, http.MethodPost, "/api/v1/audio/save", map[string]string{"filename": p.Filename, "label": "kept"})
	require.Zero(t, res.Error, res.Msg)

	items := ts.list(t)
	require.Len(t, items, 1)
	require.Equal(t, "kept", items[0].Label)
	require.Equal(t, "preview me", items[0].Text)

	resp, err = http.Get(ts.URL + "/_audio/" + p.Filename)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "audio/wav", resp.Header.Get("Content-Type"))

	resp, err = http.Get(ts.URL + "/_audio-cache/" + p.Filename)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAudioFileNotFound(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/_audio/none.wav", "/_audio/.hidden", "/_audio/..%2Fdata%2Ftoken.db"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		_ = resp.Body.Close()
		require.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestRefreshTokenAndServerInfo(t *testing.T) {
	ts := newTestServer(t)

	res := ts.call(t, http.MethodGet, "/api/v1/get-cube-token", nil)
	require.Zero(t, res.Error, res.Msg)
	var refresh struct {
		EngineID   string `json:"engineId"`
		Registered bool   `json:"registered"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &refresh))
	require.Equal(t, "engine-1", refresh.EngineID)
	require.True(t, refresh.Registered)
	require.Equal(t, "http://tts.local:8080/callback", ts.bridge.callback.Load())
	require.NotContains(t, string(res.Data), "tok")

	res = ts.call(t, http.MethodGet, "/api/v1/get-server-info?probe=true", nil)
	require.Zero(t, res.Error, res.Msg)
	var info struct {
		Version   string   `json:"version"`
		Languages []string `json:"languages"`
		Token     struct {
			State      string `json:"state"`
			HasToken   bool   `json:"hasToken"`
			EngineID   string `json:"engineId"`
			TokenValid *bool  `json:"tokenValid"`
		} `json:"token"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &info))
	require.Equal(t, "success", info.Token.State)
	require.True(t, info.Token.HasToken)
	require.Equal(t, "engine-1", info.Token.EngineID)
	require.NotNil(t, info.Token.TokenValid)
	require.True(t, *info.Token.TokenValid)
	require.Equal(t, synth.Languages, info.Languages)
}

func callback(t *testing.T, ts *testServer, name string, payload any) map[string]json.RawMessage {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"directive": map[string]any{
			"header":  bridge.Header{Name: name, MessageID: "msg-1", Version: "1"},
			"payload": payload,
		},
	})
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/callback", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func decodeHeader(t *testing.T, raw json.RawMessage) bridge.Header {
	t.Helper()
	var h bridge.Header
	require.NoError(t, json.Unmarshal(raw, &h))
	return h
}

func TestCallback_SyncAudioList(t *testing.T) {
	ts := newTestServer(t)
	a := ts.create(t, "one", true)
	ts.create(t, "preview", false)

	out := callback(t, ts, bridge.DirectiveSyncAudioList, map[string]any{})
	hdr := decodeHeader(t, out["header"])
	require.Equal(t, bridge.HeaderResponse, hdr.Name)
	require.Equal(t, "msg-1", hdr.MessageID)

	var payload audioListPayload
	require.NoError(t, json.Unmarshal(out["payload"], &payload))
	require.Equal(t, []bridge.AudioItem{{URL: a.URL, Label: a.Filename}}, payload.AudioList)
}

func TestCallback_Synthesize(t *testing.T) {
	ts := newTestServer(t)

	out := callback(t, ts, bridge.DirectiveSynthesize, map[string]string{"text": "front door", "label": "door"})
	hdr := decodeHeader(t, out["header"])
	require.Equal(t, bridge.HeaderResponse, hdr.Name)

	var payload audioPayload
	require.NoError(t, json.Unmarshal(out["payload"], &payload))
	require.Equal(t, "door", payload.Audio.Label)
	require.True(t, strings.HasPrefix(payload.Audio.URL, "http://tts.local:8080/_audio/"))

	items := ts.list(t)
	require.Len(t, items, 1)
	require.Equal(t, "en-US", items[0].Language)
}

func TestCallback_Errors(t *testing.T) {
	ts := newTestServer(t)

	out := callback(t, ts, bridge.DirectiveSynthesize, map[string]string{"text": ""})
	hdr := decodeHeader(t, out["header"])
	require.Equal(t, bridge.HeaderErrorResponse, hdr.Name)
	require.Equal(t, "msg-1", hdr.MessageID)
	var ep bridge.ErrorPayload
	require.NoError(t, json.Unmarshal(out["payload"], &ep))
	require.Equal(t, bridge.ErrorInvalidParameters, ep.Type)

	out = callback(t, ts, "Reboot", nil)
	require.NoError(t, json.Unmarshal(out["payload"], &ep))
	require.Equal(t, bridge.ErrorInvalidDirective, ep.Type)

	resp, err := http.Post(ts.URL+"/callback", "application/json", strings.NewReader("nope"))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var raw map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	require.Equal(t, bridge.HeaderErrorResponse, decodeHeader(t, raw["header"]).Name)
}

func readSSE(t *testing.T, sc *bufio.Scanner) events.Event {
	t.Helper()
	var name string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			var ev events.Event
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
			require.Equal(t, name, ev.Name)
			return ev
		}
	}
	t.Fatalf("stream ended: %v", sc.Err())
	return events.Event{}
}

func TestEvents_SSE(t *testing.T) {
	ts := newTestServer(t)
	ts.bridge.gate = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sc := bufio.NewScanner(resp.Body)
	require.Equal(t, events.Connected, readSSE(t, sc).Name)

	done := make(chan apiResponse, 1)
	go func() {
		done <- ts.call(t, http.MethodGet, "/api/v1/get-cube-token", nil)
	}()

	require.Equal(t, events.RefreshStarted, readSSE(t, sc).Name)
	close(ts.bridge.gate)
	require.Equal(t, events.RefreshEnded, readSSE(t, sc).Name)
	require.Zero(t, (<-done).Error)
}

func TestEvents_SSEUnsubscribesOnDisconnect(t *testing.T) {
	ts := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	readSSE(t, bufio.NewScanner(resp.Body))
	require.Equal(t, 1, ts.srv.Bus().Len())

	cancel()
	_ = resp.Body.Close()
	require.Eventually(t, func() bool { return ts.srv.Bus().Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestEvents_WebSocket(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/events/ws", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	read := func() events.Event {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var ev events.Event
		require.NoError(t, json.Unmarshal(data, &ev))
		return ev
	}

	require.Equal(t, events.Connected, read().Name)
	require.Eventually(t, func() bool { return ts.srv.Bus().Len() == 1 }, time.Second, 10*time.Millisecond)

	ts.srv.Bus().Publish(events.RefreshStarted, map[string]string{"k": "v"})
	ev := read()
	require.Equal(t, events.RefreshStarted, ev.Name)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool { return ts.srv.Bus().Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestPanicRecovery(t *testing.T) {
	s := &Server{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	h := s.loggingMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/audio/list", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var out apiResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	require.Equal(t, ttsbridge.KindInternal.Code(), out.Error)
}

func TestDefaultPublicURL(t *testing.T) {
	require.Equal(t, "http://localhost:8080", defaultPublicURL(":8080"))
	require.Equal(t, "http://10.0.0.2:9000", defaultPublicURL("10.0.0.2:9000"))
}

func TestDeriveSurface(t *testing.T) {
	require.Equal(t, "api", deriveSurface("/api/v1/audio"))
	require.Equal(t, "callback", deriveSurface("/callback"))
	require.Equal(t, "events", deriveSurface("/events/ws"))
	require.Equal(t, "audio", deriveSurface("/_audio-cache/1.wav"))
	require.Equal(t, "ops", deriveSurface("/health"))
}

func TestPreconfiguredBridgeToken(t *testing.T) {
	ts := newTestServer(t, func(c *Config) { c.BridgeToken = "seeded" })

	cred, err := ts.srv.identity.Credential(context.Background())
	require.NoError(t, err)
	require.Equal(t, "seeded", cred.Token)

	res := ts.call(t, http.MethodGet, "/api/v1/get-server-info", nil)
	require.Zero(t, res.Error, res.Msg)
	var info struct {
		Token struct {
			State    string `json:"state"`
			HasToken bool   `json:"hasToken"`
		} `json:"token"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &info))
	require.Equal(t, "idle", info.Token.State)
	require.True(t, info.Token.HasToken)
}

func TestPreconfiguredBridgeToken_KeepsExisting(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, ts.srv.identity.PutCredential(ctx, metadb.Credential{Token: "linked"}))

	ts.srv.config.BridgeToken = "seeded"
	require.NoError(t, ts.srv.seedCredential(ctx))

	cred, err := ts.srv.identity.Credential(ctx)
	require.NoError(t, err)
	require.Equal(t, "linked", cred.Token)
}

func TestNew_CreatesDataPath(t *testing.T) {
	dataPath := filepath.Join(t.TempDir(), "fresh", "install", "data")
	srv, err := New(context.Background(), Config{
		DataPath: dataPath,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, WithSynthesizer(fakeSynth{}), WithBridgeClient(&fakeBridge{}))
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	for _, name := range []string{IdentityDBFile, CatalogDBFile} {
		_, err := os.Stat(filepath.Join(dataPath, name))
		require.NoError(t, err, name)
	}
}

func TestNew_DataPathIsFile(t *testing.T) {
	dataPath := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.WriteFile(dataPath, []byte("not a directory"), 0o600))

	_, err := New(context.Background(), Config{
		DataPath: dataPath,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, WithSynthesizer(fakeSynth{}), WithBridgeClient(&fakeBridge{}))
	require.Error(t, err)
	require.Equal(t, ttsbridge.KindStoreUnavailable, ttsbridge.KindOf(err))
}

func TestAudioFile_Range(t *testing.T) {
	ts := newTestServer(t)

	for _, durable := range []bool{true, false} {
		a := ts.create(t, "hello world", durable)
		t.Run(a.Tier, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, ts.URL+strings.TrimPrefix(a.URL, "http://tts.local:8080"), nil)
			require.NoError(t, err)
			req.Header.Set("Range", "bytes=4-8")

			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()

			require.Equal(t, http.StatusPartialContent, resp.StatusCode)
			require.Equal(t, "bytes 4-8/15", resp.Header.Get("Content-Range"))
			require.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			require.Equal(t, "hello", string(body))
		})
	}
}
