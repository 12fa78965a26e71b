package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/wolfeidau/tts-bridge/artifact"
	"github.com/wolfeidau/tts-bridge/backend"
	"github.com/wolfeidau/tts-bridge/telemetry"
)

// audioHandler serves files of one tier by name.
func (s *Server) audioHandler(tier artifact.Tier) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		telemetry.SetEndpoint(r, string(tier))

		name := r.PathValue("file")
		b := s.layout.Tier(tier)

		info, err := b.Stat(r.Context(), name)
		if errors.Is(err, backend.ErrNotFound) || errors.Is(err, backend.ErrInvalidKey) {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			s.logger.Error("stat audio failed", "tier", tier, "file", name, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		rc, err := b.Read(r.Context(), name)
		if errors.Is(err, backend.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			s.logger.Error("read audio failed", "tier", tier, "file", name, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		defer func() { _ = rc.Close() }()

		w.Header().Set("Content-Type", "audio/wav")
		if tier == artifact.TierCache {
			w.Header().Set("Cache-Control", "no-store")
		} else {
			w.Header().Set("Cache-Control", "public, max-age=86400")
		}

		if rs, ok := rc.(io.ReadSeeker); ok {
			http.ServeContent(w, r, name, info.ModTime, rs)
			return
		}
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
		_, _ = io.Copy(w, rc)
	})
}
