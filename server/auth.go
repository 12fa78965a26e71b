package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authMiddleware requires "Authorization: Bearer <AuthToken>" on the
// management API. An empty AuthToken leaves the API open.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	want := []byte(s.config.AuthToken)
	if len(want) == 0 {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if subtle.ConstantTimeCompare(bearerToken(r), want) != 1 {
			unauthorizedResponse(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) []byte {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return nil
	}
	return []byte(strings.TrimSpace(token))
}

func unauthorizedResponse(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeJSON(w, http.StatusUnauthorized, envelope{Error: http.StatusUnauthorized, Data: struct{}{}, Msg: "unauthorized"})
}
