// Package respond writes JSON bodies and the error envelope shared by the
// REST surface and the socket upgrade.
package respond

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"chatrelay/pkg/types"
)

// Envelope is the body of every failed request.
type Envelope struct {
	Status     string `json:"status"`
	StatusCode int    `json:"statusCode"`
	Error      string `json:"error"`
	Reason     string `json:"reason,omitempty"`
	Message    string `json:"message"`
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind types.Kind) int {
	switch kind {
	case types.KindUnauthenticated:
		return http.StatusUnauthorized
	case types.KindForbidden:
		return http.StatusForbidden
	case types.KindValidationFailed:
		return http.StatusBadRequest
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindConflict:
		return http.StatusConflict
	case types.KindRateLimited:
		return http.StatusTooManyRequests
	case types.KindUpstreamFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// EnvelopeFor renders err for a client. Untagged errors are reported as an
// upstream failure without their text.
func EnvelopeFor(err error) Envelope {
	e := types.AsError(err)
	p := e.Payload()
	return Envelope{
		Status:     "error",
		StatusCode: StatusFor(e.Kind),
		Error:      p.Kind,
		Reason:     p.Reason,
		Message:    p.Message,
	}
}

// JSON writes v with the given status.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// Error writes the envelope for err. Server-side failures are logged with
// their cause.
func Error(w http.ResponseWriter, logger *slog.Logger, err error) {
	env := EnvelopeFor(err)
	if env.StatusCode >= http.StatusInternalServerError && logger != nil {
		logger.Error("request failed",
			slog.String("kind", env.Error),
			slog.String("reason", env.Reason),
			slog.Any("error", err),
		)
	}
	JSON(w, env.StatusCode, env)
}

// NotFound answers requests for unknown routes.
func NotFound(w http.ResponseWriter, r *http.Request) {
	msg := fmt.Sprintf("Cannot find %s on this server", r.URL.RequestURI())
	JSON(w, http.StatusNotFound, Envelope{
		Status:     "error",
		StatusCode: http.StatusNotFound,
		Error:      string(types.KindNotFound),
		Reason:     "route_not_found",
		Message:    msg,
	})
}

// Decode reads a JSON body into dst, rejecting unknown shapes with a
// validation error.
func Decode(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return types.ValidationFailed(types.ReasonInvalidPayload, "Request body is required")
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return types.ValidationFailed(types.ReasonInvalidPayload, "Invalid JSON in request body")
	}
	return nil
}
