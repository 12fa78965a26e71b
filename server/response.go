package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	ttsbridge "github.com/wolfeidau/tts-bridge"
	"github.com/wolfeidau/tts-bridge/telemetry"
)

// maxBodySize bounds JSON request bodies.
const maxBodySize = 1 << 20

// envelope is the body of every /api/ response. The status is always 200;
// Error carries the outcome.
type envelope struct {
	Error int    `json:"error"`
	Data  any    `json:"data"`
	Msg   string `json:"msg"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeResult(w http.ResponseWriter, data any) {
	if data == nil {
		data = struct{}{}
	}
	writeJSON(w, http.StatusOK, envelope{Error: ttsbridge.KindSuccess.Code(), Data: data, Msg: "success"})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := ttsbridge.KindOf(err)
	telemetry.SetErrorCode(r, kind.Code())

	if kind == ttsbridge.KindInternal || kind == ttsbridge.KindStoreUnavailable {
		s.logger.Error("request failed", "path", r.URL.Path, "kind", kind.String(), "error", err)
	} else {
		s.logger.Warn("request failed", "path", r.URL.Path, "kind", kind.String(), "error", err)
	}

	writeJSON(w, http.StatusOK, envelope{Error: kind.Code(), Data: struct{}{}, Msg: err.Error()})
}

// decodeBody reads a JSON request body into v. An empty body leaves v as is.
func decodeBody(r *http.Request, op string, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return ttsbridge.E(ttsbridge.KindMissingRequiredField, op, fmt.Errorf("invalid request body: %w", err))
}
