package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Functional Validation Tests - content

func TestNormalizeContent(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		want       string
		wantReason string
	}{
		{name: "plain", content: "hello", want: "hello"},
		{name: "trimmed", content: "  hi there \n", want: "hi there"},
		{name: "empty", content: "", wantReason: ReasonEmptyContent},
		{name: "whitespace only", content: " \t\n ", wantReason: ReasonEmptyContent},
		{name: "at limit", content: strings.Repeat("a", MaxContentBytes), want: strings.Repeat("a", MaxContentBytes)},
		{name: "over limit", content: strings.Repeat("a", MaxContentBytes+1), wantReason: ReasonContentTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeContent(tt.content)
			if tt.wantReason != "" {
				require.Error(t, err)
				assert.Equal(t, KindValidationFailed, KindOf(err))
				assert.True(t, errors.Is(err, &Error{Kind: KindValidationFailed, Reason: tt.wantReason}))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsValidID(t *testing.T) {
	assert.True(t, IsValidID(uuid.NewString()))
	assert.False(t, IsValidID(""))
	assert.False(t, IsValidID("room-1"))
	assert.False(t, IsValidID(strings.Repeat("x", 36)))
	assert.Error(t, ValidateChatID("not-a-uuid"))
	assert.NoError(t, ValidateChatID(uuid.NewString()))
}

func TestIsValidRole(t *testing.T) {
	assert.True(t, IsValidRole(RoleUser))
	assert.True(t, IsValidRole(RoleAdmin))
	assert.False(t, IsValidRole("root"))
}

// Functional Validation Tests - errors

func TestError_IsMatchesKindAndReason(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", Unauthenticated(ReasonExpiredToken, MessageLoginRequired, nil))

	assert.True(t, errors.Is(err, &Error{Kind: KindUnauthenticated}))
	assert.True(t, errors.Is(err, &Error{Kind: KindUnauthenticated, Reason: ReasonExpiredToken}))
	assert.False(t, errors.Is(err, &Error{Kind: KindUnauthenticated, Reason: ReasonMissingToken}))
	assert.False(t, errors.Is(err, &Error{Kind: KindForbidden}))
}

func TestAsError_HidesUntaggedCauses(t *testing.T) {
	cause := errors.New("dial tcp 10.0.0.3:5432: connection refused")

	tagged := AsError(cause)

	assert.Equal(t, KindUpstreamFailure, tagged.Kind)
	assert.NotContains(t, tagged.Payload().Message, "10.0.0.3")
	assert.ErrorIs(t, tagged, cause)
}

func TestErrorPayload_NeverCarriesCause(t *testing.T) {
	err := UpstreamFailure(ReasonPersistFailed, errors.New("UNIQUE constraint failed: messages.id"))

	data, marshalErr := json.Marshal(err.Payload())
	require.NoError(t, marshalErr)

	assert.NotContains(t, string(data), "UNIQUE")
	assert.Contains(t, string(data), `"reason":"persist_failed"`)
}

func TestUser_PasswordHashNotSerialized(t *testing.T) {
	u := User{ID: uuid.NewString(), Email: "a@b.c", PasswordHash: "$2a$12$secret", Role: RoleUser}

	data, err := json.Marshal(u)
	require.NoError(t, err)

	assert.NotContains(t, string(data), "secret")
	assert.Contains(t, string(data), `"role":"USER"`)
}
