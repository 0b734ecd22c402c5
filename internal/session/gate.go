// Package session implements the gate every REST request and socket
// handshake passes through before acting as a user.
package session

import (
	"context"
	"errors"
	"log/slog"

	"chatrelay/internal/token"
	"chatrelay/pkg/types"
)

// State is the outcome of one pass through the gate. The machine is linear:
// NoToken moves to exactly one of the other states.
type State int

const (
	StateNoToken State = iota
	StateCachedValid
	StateFreshlyVerified
	StateRotated
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateNoToken:
		return "no_token"
	case StateCachedValid:
		return "cached_valid"
	case StateFreshlyVerified:
		return "freshly_verified"
	case StateRotated:
		return "rotated"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Accepting reports whether the state lets the caller continue.
func (s State) Accepting() bool {
	return s == StateCachedValid || s == StateFreshlyVerified || s == StateRotated
}

// Credentials are the raw tokens presented by a caller.
type Credentials struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Empty reports whether no token was presented at all.
func (c Credentials) Empty() bool {
	return c.AccessToken == "" && c.RefreshToken == ""
}

// Decision is what the gate hands back. Rotation is set only in StateRotated
// and must be persisted by the caller (cookies or a session_refreshed event).
type Decision struct {
	State    State
	Identity types.Identity
	Rotation *token.Rotation
}

// Recorder observes gate outcomes.
type Recorder interface {
	GateOutcome(state string)
}

type noopRecorder struct{}

func (noopRecorder) GateOutcome(string) {}

// Gate authorizes callers with the token service.
type Gate struct {
	tokens   *token.Service
	recorder Recorder
	logger   *slog.Logger
}

// Option customizes a Gate.
type Option func(*Gate)

func WithRecorder(r Recorder) Option { return func(g *Gate) { g.recorder = r } }

func WithLogger(l *slog.Logger) Option { return func(g *Gate) { g.logger = l } }

// NewGate builds a gate over tokens.
func NewGate(tokens *token.Service, opts ...Option) *Gate {
	g := &Gate{tokens: tokens, recorder: noopRecorder{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(slog.String("component", "gate"))
	return g
}

// Authorize runs the gate. A rejected decision always comes with an
// Unauthenticated error; any other error never escapes.
func (g *Gate) Authorize(ctx context.Context, creds Credentials) (Decision, error) {
	d, err := g.authorize(ctx, creds)
	g.recorder.GateOutcome(d.State.String())
	return d, err
}

func (g *Gate) authorize(ctx context.Context, creds Credentials) (Decision, error) {
	var accessErr error
	if creds.AccessToken != "" {
		if p, ok := g.tokens.Cached(creds.AccessToken, token.KindAccess); ok {
			return Decision{State: StateCachedValid, Identity: p.Identity()}, nil
		}
		p, err := g.tokens.Verify(creds.AccessToken, token.KindAccess)
		if err == nil {
			return Decision{State: StateFreshlyVerified, Identity: p.Identity()}, nil
		}
		accessErr = err
	}

	if creds.RefreshToken == "" {
		return reject(rejectReason(creds, accessErr), accessErr)
	}

	rot, err := g.tokens.Rotate(ctx, creds.RefreshToken)
	if err != nil {
		g.logger.Debug("refresh rejected", slog.Any("error", err))
		return reject(types.ReasonRefreshFailed, err)
	}

	g.logger.Debug("session rotated",
		slog.String("user_id", rot.Identity.UserID),
		slog.Bool("role_changed", rot.RoleChanged),
	)
	return Decision{State: StateRotated, Identity: rot.Identity, Rotation: &rot}, nil
}

func reject(reason string, cause error) (Decision, error) {
	return Decision{State: StateRejected}, types.Unauthenticated(reason, types.MessageLoginRequired, cause)
}

func rejectReason(creds Credentials, accessErr error) string {
	switch {
	case creds.AccessToken == "":
		return types.ReasonMissingToken
	case errors.Is(accessErr, token.ErrExpiredToken):
		return types.ReasonExpiredToken
	default:
		return types.ReasonInvalidToken
	}
}

// RequireRole returns Forbidden unless id carries one of roles.
func RequireRole(id types.Identity, roles ...types.Role) error {
	for _, r := range roles {
		if id.Role == r {
			return nil
		}
	}
	return types.Forbidden(types.ReasonInsufficientRole, types.MessageForbiddenRole)
}
