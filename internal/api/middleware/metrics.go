package middleware

import (
	"net/http"
	"strings"
	"time"
)

// Observer receives one sample per request.
type Observer interface {
	ObserveHTTP(method, path string, status int, d time.Duration)
}

// Metrics must wrap the ServeMux directly: the mux records the matched
// pattern on the request it is given, and that pattern is the path label.
func Metrics(o Observer) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := wrap(w)
			next.ServeHTTP(sw, r)

			// Patterns look like "GET /api/v1/users"; the method is its own label.
			_, path, found := strings.Cut(r.Pattern, " ")
			if !found {
				path = r.Pattern
			}
			if path == "" {
				path = "unmatched"
			}
			o.ObserveHTTP(r.Method, path, sw.Status(), time.Since(start))
		})
	}
}
