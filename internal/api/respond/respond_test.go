package respond

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/pkg/types"
)

func TestStatusFor(t *testing.T) {
	tests := map[types.Kind]int{
		types.KindUnauthenticated:        http.StatusUnauthorized,
		types.KindForbidden:              http.StatusForbidden,
		types.KindValidationFailed:       http.StatusBadRequest,
		types.KindNotFound:               http.StatusNotFound,
		types.KindConflict:               http.StatusConflict,
		types.KindRateLimited:            http.StatusTooManyRequests,
		types.KindUpstreamFailure:        http.StatusBadGateway,
		types.KindDeliveryPartialFailure: http.StatusInternalServerError,
	}
	for kind, want := range tests {
		assert.Equal(t, want, StatusFor(kind), string(kind))
	}
}

func TestError_WritesEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()

	Error(rec, nil, types.Forbidden(types.ReasonNotMember, "You are not a member of this chat"))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, Envelope{
		Status:     "error",
		StatusCode: http.StatusForbidden,
		Error:      "forbidden",
		Reason:     types.ReasonNotMember,
		Message:    "You are not a member of this chat",
	}, env)
}

func TestError_HidesUntaggedCause(t *testing.T) {
	rec := httptest.NewRecorder()

	Error(rec, nil, errors.New("pq: password authentication failed for user admin"))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotContains(t, rec.Body.String(), "password authentication")
}

func TestNotFound(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/nope?x=1", nil)

	NotFound(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "Cannot find /api/v1/nope?x=1 on this server")
}

func TestDecode(t *testing.T) {
	var dst struct {
		Name string `json:"name"`
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"general"}`))
	require.NoError(t, Decode(req, &dst))
	assert.Equal(t, "general", dst.Name)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":`))
	err := Decode(req, &dst)
	assert.Equal(t, types.KindValidationFailed, types.KindOf(err))
}
