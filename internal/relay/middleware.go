package relay

import (
	"log"
	"net/http"
	"time"
)

// loggingMiddleware logs every request's method, path, remote addr,
// and duration when detailed logging is enabled (EnableDetailedLogs);
// otherwise it passes requests through without logging. Adapted from
// the teacher's CDPProxy.loggingMiddleware.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.EnableDetailedLogs {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		log.Printf("relay: %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
		log.Printf("relay: %s %s completed in %v", r.Method, r.URL.Path, time.Since(start))
	})
}

// authorize extracts the bearer token from the Authorization header or
// "token" query parameter and validates it against the configured
// shared secret (and optional control-scoped JWT).
func (s *Server) authorize(r *http.Request, control bool) bool {
	token := bearerToken(r)
	if token == "" {
		return false
	}
	if control {
		return s.auth.ValidateControl(token)
	}
	return s.auth.Validate(token)
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
		return h[7:]
	}
	return r.URL.Query().Get("token")
}
