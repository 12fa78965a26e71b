package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{name: "auth disabled", token: "", header: "", want: http.StatusOK},
		{name: "valid token", token: "test-token-123", header: "Bearer test-token-123", want: http.StatusOK},
		{name: "scheme is case insensitive", token: "test-token-123", header: "bearer test-token-123", want: http.StatusOK},
		{name: "wrong token", token: "test-token-123", header: "Bearer wrong-token", want: http.StatusUnauthorized},
		{name: "missing header", token: "test-token-123", header: "", want: http.StatusUnauthorized},
		{name: "basic auth", token: "test-token-123", header: "Basic dXNlcjpwYXNz", want: http.StatusUnauthorized},
		{name: "scheme only", token: "test-token-123", header: "Bearer", want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Server{config: Config{AuthToken: tt.token}}
			req := httptest.NewRequest(http.MethodGet, "/api/v1/audio/list", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			s.authMiddleware(okHandler()).ServeHTTP(rec, req)
			require.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestUnauthorizedEnvelope(t *testing.T) {
	s := &Server{config: Config{AuthToken: "test-token-123"}}
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/audio?id=x", nil)
	rec := httptest.NewRecorder()
	s.authMiddleware(okHandler()).ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

	var body envelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, http.StatusUnauthorized, body.Error)
	require.Equal(t, "unauthorized", body.Msg)
}

func TestAuth_OnlyGuardsAPI(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) { cfg.AuthToken = "test-token-123" })

	for _, path := range []string{"/health", "/events/ws-missing", "/_audio/none.wav"} {
		t.Run(path, func(t *testing.T) {
			resp, err := http.Get(ts.URL + path)
			require.NoError(t, err)
			_ = resp.Body.Close()
			require.NotEqual(t, http.StatusUnauthorized, resp.StatusCode, "path %s should be exempt from auth", path)
		})
	}

	for _, path := range []string{"/api/v1/get-server-info", "/api/v1/audio/list", "/api/v2/unknown"} {
		t.Run(path, func(t *testing.T) {
			resp, err := http.Get(ts.URL + path)
			require.NoError(t, err)
			_ = resp.Body.Close()
			require.Equal(t, http.StatusUnauthorized, resp.StatusCode, "path %s should require auth", path)
		})
	}
}
