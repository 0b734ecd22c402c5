package middleware

import (
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chatrelay/internal/api/respond"
	"chatrelay/internal/ratelimit"
	"chatrelay/pkg/types"
)

// RateLimit admits each client IP through l. A failing backend lets the
// request through and logs a warning.
func RateLimit(l ratelimit.Limiter, logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := l.Allow(r.Context(), "ip:"+ClientIP(r))
			if err != nil {
				logger.Warn("rate limiter unavailable", slog.Any("error", err))
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				secs := int(math.Ceil(d.RetryAfter.Seconds()))
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				msg := fmt.Sprintf("Too many requests. Please try again after %s.", FormatRetry(time.Duration(secs)*time.Second))
				respond.Error(w, logger, types.NewError(types.KindRateLimited, types.ReasonTooManyRequests, msg, nil))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// FormatRetry renders a wait as "1 minute and 5 seconds" style text.
func FormatRetry(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs <= 0 {
		return "a few seconds"
	}
	h, m, s := secs/3600, (secs%3600)/60, secs%60

	var parts []string
	if h > 0 {
		parts = append(parts, plural(h, "hour"))
	}
	if m > 0 {
		parts = append(parts, plural(m, "minute"))
	}
	if s > 0 {
		parts = append(parts, plural(s, "second"))
	}
	return strings.Join(parts, " and ")
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return strconv.Itoa(n) + " " + unit + "s"
}

// ClientIP is the host part of RemoteAddr. Deployments behind a proxy are
// expected to rewrite RemoteAddr before this point.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
