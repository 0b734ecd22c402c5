package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"chatrelay/internal/clock"
	"chatrelay/pkg/types"
)

// Default lifetimes, mirrored by the cookie max-age values.
const (
	DefaultAccessTTL  = time.Hour
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

// Claims is the signed payload: {id, role} plus registered claims.
type Claims struct {
	UserID string     `json:"id"`
	Role   types.Role `json:"role"`
	// Minted is the issue instant in nanoseconds; iat only carries seconds.
	Minted int64 `json:"mnt,omitempty"`
	jwt.RegisteredClaims
}

// Config holds the signing material and lifetimes.
type Config struct {
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
}

// RoleSource reports the authoritative role of a user. Implementations
// return ErrSubjectGone when the user no longer exists.
type RoleSource interface {
	CurrentRole(ctx context.Context, userID string) (types.Role, error)
}

// Recorder observes cache effectiveness. Implemented by the metrics package.
type Recorder interface {
	CacheLookup(hit bool)
}

type noopRecorder struct{}

func (noopRecorder) CacheLookup(bool) {}

// Rotation is the outcome of a successful refresh.
type Rotation struct {
	AccessToken  string
	RefreshToken string
	Identity     types.Identity
	RoleChanged  bool
}

// Pair is a freshly minted access/refresh pair.
type Pair struct {
	AccessToken  string
	RefreshToken string
}

// Service mints, verifies and rotates tokens and owns the verification cache.
type Service struct {
	cfg      Config
	secrets  map[Kind][]byte
	ttls     map[Kind]time.Duration
	cache    *Cache
	clock    clock.Clock
	roles    RoleSource
	recorder Recorder
	logger   *slog.Logger

	mu      sync.RWMutex
	revoked map[string]time.Time // userID -> revocation instant
	dropped map[string]time.Time // jti of a logged-out token -> its expiry
}

// Option customizes a Service.
type Option func(*Service)

func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

func WithRoleSource(r RoleSource) Option { return func(s *Service) { s.roles = r } }

func WithRecorder(r Recorder) Option { return func(s *Service) { s.recorder = r } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// NewService validates cfg and builds a Service around cache.
func NewService(cfg Config, cache *Cache, opts ...Option) (*Service, error) {
	if cfg.AccessSecret == "" || cfg.RefreshSecret == "" || cfg.AccessSecret == cfg.RefreshSecret {
		return nil, ErrMissingSecret
	}
	if cache == nil {
		return nil, errors.New("token cache is required")
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}

	s := &Service{
		cfg: cfg,
		secrets: map[Kind][]byte{
			KindAccess:  []byte(cfg.AccessSecret),
			KindRefresh: []byte(cfg.RefreshSecret),
		},
		ttls: map[Kind]time.Duration{
			KindAccess:  cfg.AccessTTL,
			KindRefresh: cfg.RefreshTTL,
		},
		cache:    cache,
		clock:    clock.System,
		recorder: noopRecorder{},
		logger:   slog.Default(),
		revoked:  make(map[string]time.Time),
		dropped:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "token"))
	return s, nil
}

// TTL returns the configured lifetime of kind.
func (s *Service) TTL(kind Kind) time.Duration {
	return s.ttls[kind]
}

// Mint signs a new token of the given kind and caches its payload.
func (s *Service) Mint(userID string, role types.Role, kind Kind) (string, error) {
	secret, ok := s.secrets[kind]
	if !ok {
		return "", ErrUnknownKind
	}
	if userID == "" || !types.IsValidRole(role) {
		return "", ErrInvalidClaims
	}

	now := s.mintInstant(userID)
	claims := Claims{
		UserID: userID,
		Role:   role,
		Minted: now.UnixNano(),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttls[kind])),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign %s token: %w", kind, err)
	}

	s.cache.Put(signed, payloadFrom(&claims, kind))
	return signed, nil
}

// mintInstant is the clock reading, moved past the user's revocation instant
// when the clock has not advanced beyond it.
func (s *Service) mintInstant(userID string) time.Time {
	now := s.clock.Now()
	s.mu.RLock()
	at, ok := s.revoked[userID]
	s.mu.RUnlock()
	if ok && !now.After(at) {
		now = at.Add(time.Nanosecond)
	}
	return now
}

// MintPair mints an access and a refresh token for a login.
func (s *Service) MintPair(userID string, role types.Role) (Pair, error) {
	access, err := s.Mint(userID, role, KindAccess)
	if err != nil {
		return Pair{}, err
	}
	refresh, err := s.Mint(userID, role, KindRefresh)
	if err != nil {
		return Pair{}, err
	}
	return Pair{AccessToken: access, RefreshToken: refresh}, nil
}

// Cached is the fast path: it returns the payload only when tok is in the
// cache, without any signature work.
func (s *Service) Cached(tok string, kind Kind) (Payload, bool) {
	if tok == "" {
		return Payload{}, false
	}
	p, ok := s.cache.Get(tok, kind)
	s.recorder.CacheLookup(ok)
	return p, ok
}

// Verify checks signature, issuer and expiry. Results are memoized by raw
// token string.
func (s *Service) Verify(tok string, kind Kind) (Payload, error) {
	if _, ok := s.secrets[kind]; !ok {
		return Payload{}, ErrUnknownKind
	}
	if tok == "" {
		return Payload{}, ErrMalformedToken
	}
	if p, ok := s.Cached(tok, kind); ok {
		return p, nil
	}

	claims, err := s.parse(tok, kind)
	if err != nil {
		return Payload{}, err
	}
	p := payloadFrom(claims, kind)

	// Revocation checks and cache insert happen under one read lock so a
	// concurrent Revoke or RevokeUser cannot be overtaken by a stale insert.
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.dropped[p.ID]; ok {
		return Payload{}, ErrLoggedOut
	}
	if kind == KindAccess {
		if at, ok := s.revoked[p.UserID]; ok && !p.IssuedAt.After(at) {
			return Payload{}, ErrRevokedToken
		}
	}
	s.cache.Put(tok, p)
	return p, nil
}

// parse checks signature, issuer, expiry and the claims Verify relies on.
func (s *Service) parse(tok string, kind Kind) (*Claims, error) {
	secret, ok := s.secrets[kind]
	if !ok {
		return nil, ErrUnknownKind
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.clock.Now),
	)

	claims := &Claims{}
	_, err := parser.ParseWithClaims(tok, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if claims.UserID == "" || claims.ID == "" || !types.IsValidRole(claims.Role) {
		return nil, ErrMalformedToken
	}
	return claims, nil
}

// Rotate turns a valid refresh token into a new access/refresh pair. The
// role is re-read from the RoleSource when one is configured; a changed
// role evicts every cached entry of the user first.
func (s *Service) Rotate(ctx context.Context, refreshToken string) (Rotation, error) {
	p, err := s.Verify(refreshToken, KindRefresh)
	if err != nil {
		return Rotation{}, err
	}

	role := p.Role
	changed := false
	if s.roles != nil {
		current, err := s.roles.CurrentRole(ctx, p.UserID)
		if err != nil {
			if errors.Is(err, ErrSubjectGone) {
				s.cache.EvictUser(p.UserID)
				s.cache.Evict(refreshToken)
				return Rotation{}, err
			}
			return Rotation{}, types.UpstreamFailure(types.ReasonStoreUnavailable, err)
		}
		if current != role {
			evicted := s.cache.EvictUser(p.UserID)
			s.logger.Info("role changed since refresh token was issued",
				slog.String("user_id", p.UserID),
				slog.String("old_role", string(role)),
				slog.String("new_role", string(current)),
				slog.Int("evicted", evicted),
			)
			role = current
			changed = true
		}
	}

	pair, err := s.MintPair(p.UserID, role)
	if err != nil {
		return Rotation{}, err
	}
	return Rotation{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		Identity:     types.Identity{UserID: p.UserID, Role: role},
		RoleChanged:  changed,
	}, nil
}

// Revoke invalidates the given tokens (logout). Each one is rejected by
// Verify until its own expiry. Expired or foreign tokens are only evicted.
func (s *Service) Revoke(tokens ...string) {
	for _, tok := range tokens {
		if tok == "" {
			continue
		}
		for _, kind := range []Kind{KindAccess, KindRefresh} {
			claims, err := s.parse(tok, kind)
			if err != nil {
				continue
			}
			s.mu.Lock()
			s.dropped[claims.ID] = claims.ExpiresAt.Time
			s.mu.Unlock()
			break
		}
		s.cache.Evict(tok)
	}
}

// Evict drops tokens from the verification cache only. They verify again
// on their next use.
func (s *Service) Evict(tokens ...string) {
	for _, tok := range tokens {
		if tok != "" {
			s.cache.Evict(tok)
		}
	}
}

// RevokeUser evicts every cached entry of userID and rejects access tokens
// issued up to now. Used on role change, deletion and password reset.
func (s *Service) RevokeUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[userID] = s.clock.Now()
	evicted := s.cache.EvictUser(userID)
	s.logger.Info("revoked cached tokens", slog.String("user_id", userID), slog.Int("evicted", evicted))
}

// Sweep drops expired cache entries and revocation records that can no
// longer match a live token.
func (s *Service) Sweep() int {
	removed := s.cache.Sweep()

	now := s.clock.Now()
	cutoff := now.Add(-s.cfg.AccessTTL)
	s.mu.Lock()
	for userID, at := range s.revoked {
		if at.Before(cutoff) {
			delete(s.revoked, userID)
		}
	}
	for id, exp := range s.dropped {
		if !exp.After(now) {
			delete(s.dropped, id)
		}
	}
	s.mu.Unlock()
	return removed
}

// RunSweeper sweeps every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Debug("swept expired tokens", slog.Int("removed", n))
			}
		}
	}
}

func payloadFrom(c *Claims, kind Kind) Payload {
	p := Payload{ID: c.ID, UserID: c.UserID, Role: c.Role, Kind: kind}
	switch {
	case c.Minted != 0:
		p.IssuedAt = time.Unix(0, c.Minted).UTC()
	case c.IssuedAt != nil:
		p.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		p.ExpiresAt = c.ExpiresAt.Time
	}
	return p
}
