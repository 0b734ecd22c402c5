package token

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/clock"
	"chatrelay/pkg/types"
)

type fakeRoles struct {
	mu    sync.Mutex
	roles map[string]types.Role
	err   error
}

func (f *fakeRoles) CurrentRole(_ context.Context, userID string) (types.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	role, ok := f.roles[userID]
	if !ok {
		return "", ErrSubjectGone
	}
	return role, nil
}

func (f *fakeRoles) set(userID string, role types.Role) {
	f.mu.Lock()
	f.roles[userID] = role
	f.mu.Unlock()
}

type countingRecorder struct {
	mu           sync.Mutex
	hits, misses int
}

func (r *countingRecorder) CacheLookup(hit bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if hit {
		r.hits++
	} else {
		r.misses++
	}
}

func testConfig() Config {
	return Config{
		AccessSecret:  "access-secret-for-tests",
		RefreshSecret: "refresh-secret-for-tests",
		AccessTTL:     time.Hour,
		RefreshTTL:    7 * 24 * time.Hour,
		Issuer:        "chatrelay-test",
	}
}

func newTestService(t *testing.T, opts ...Option) (*Service, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(epoch)
	cache, err := NewCache(1024, 8, clk)
	require.NoError(t, err)
	svc, err := NewService(testConfig(), cache, append([]Option{WithClock(clk)}, opts...)...)
	require.NoError(t, err)
	return svc, clk
}

// Functional Validation Tests - construction

func TestNewService_RequiresDistinctSecrets(t *testing.T) {
	cache, err := NewCache(8, 1, nil)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.RefreshSecret = cfg.AccessSecret
	_, err = NewService(cfg, cache)
	assert.ErrorIs(t, err, ErrMissingSecret)

	cfg = testConfig()
	cfg.AccessSecret = ""
	_, err = NewService(cfg, cache)
	assert.ErrorIs(t, err, ErrMissingSecret)
}

func TestNewService_DefaultsLifetimes(t *testing.T) {
	cache, err := NewCache(8, 1, nil)
	require.NoError(t, err)
	cfg := testConfig()
	cfg.AccessTTL, cfg.RefreshTTL = 0, 0

	svc, err := NewService(cfg, cache)
	require.NoError(t, err)

	assert.Equal(t, DefaultAccessTTL, svc.TTL(KindAccess))
	assert.Equal(t, DefaultRefreshTTL, svc.TTL(KindRefresh))
}

// Functional Validation Tests - mint and verify

func TestVerify_RoundTrip(t *testing.T) {
	for _, kind := range []Kind{KindAccess, KindRefresh} {
		for _, role := range []types.Role{types.RoleUser, types.RoleAdmin} {
			t.Run(string(kind)+"/"+string(role), func(t *testing.T) {
				svc, _ := newTestService(t)
				userID := uuid.NewString()

				tok, err := svc.Mint(userID, role, kind)
				require.NoError(t, err)

				p, err := svc.Verify(tok, kind)
				require.NoError(t, err)
				assert.Equal(t, types.Identity{UserID: userID, Role: role}, p.Identity())
				assert.Equal(t, epoch.Add(svc.TTL(kind)), p.ExpiresAt)
			})
		}
	}
}

func TestVerify_UncachedTokenIsParsed(t *testing.T) {
	svc, _ := newTestService(t)
	tok, err := svc.Mint("u1", types.RoleUser, KindAccess)
	require.NoError(t, err)
	svc.Evict(tok)

	_, cached := svc.Cached(tok, KindAccess)
	require.False(t, cached)

	p, err := svc.Verify(tok, KindAccess)
	require.NoError(t, err)
	assert.Equal(t, "u1", p.UserID)

	_, cached = svc.Cached(tok, KindAccess)
	assert.True(t, cached, "successful verification is memoized")
}

func TestVerify_ExpiresAfterTTL(t *testing.T) {
	svc, clk := newTestService(t)
	tok, err := svc.Mint("u1", types.RoleUser, KindAccess)
	require.NoError(t, err)

	clk.Advance(time.Hour - time.Second)
	_, err = svc.Verify(tok, KindAccess)
	require.NoError(t, err)

	clk.Advance(time.Second)
	_, err = svc.Verify(tok, KindAccess)
	assert.ErrorIs(t, err, ErrExpiredToken)

	_, cached := svc.Cached(tok, KindAccess)
	assert.False(t, cached)
}

func TestVerify_KindsAreNotInterchangeable(t *testing.T) {
	svc, _ := newTestService(t)
	access, err := svc.Mint("u1", types.RoleUser, KindAccess)
	require.NoError(t, err)
	svc.Evict(access)

	_, err = svc.Verify(access, KindRefresh)
	assert.ErrorIs(t, err, ErrMalformedToken, "access token must not verify with the refresh secret")
}

func TestVerify_RejectsTamperedAndForeignTokens(t *testing.T) {
	svc, clk := newTestService(t)
	tok, err := svc.Mint("u1", types.RoleUser, KindAccess)
	require.NoError(t, err)

	parts := strings.Split(tok, ".")
	require.Len(t, parts, 3)
	tampered := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		UserID: "u1",
		Role:   types.RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "chatrelay-test",
			ExpiresAt: jwt.NewNumericDate(clk.Now().Add(time.Hour)),
		},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	otherIssuer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: "u1",
		Role:   types.RoleUser,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			ExpiresAt: jwt.NewNumericDate(clk.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(testConfig().AccessSecret))
	require.NoError(t, err)

	for name, raw := range map[string]string{
		"tampered":     tampered,
		"alg none":     unsigned,
		"wrong issuer": otherIssuer,
		"garbage":      "not.a.token",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Verify(raw, KindAccess)
			assert.ErrorIs(t, err, ErrMalformedToken)
		})
	}
}

func TestVerify_EmptyTokenIsMalformed(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Verify("", KindAccess)
	assert.ErrorIs(t, err, ErrMalformedToken)
}

func TestMint_RejectsInvalidClaims(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Mint("", types.RoleUser, KindAccess)
	assert.ErrorIs(t, err, ErrInvalidClaims)

	_, err = svc.Mint("u1", "root", KindAccess)
	assert.ErrorIs(t, err, ErrInvalidClaims)

	_, err = svc.Mint("u1", types.RoleUser, "id")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestCached_RecordsHitsAndMisses(t *testing.T) {
	rec := &countingRecorder{}
	svc, _ := newTestService(t, WithRecorder(rec))
	tok, err := svc.Mint("u1", types.RoleUser, KindAccess)
	require.NoError(t, err)

	_, _ = svc.Cached(tok, KindAccess)
	_, _ = svc.Cached("unknown", KindAccess)

	assert.Equal(t, 1, rec.hits)
	assert.Equal(t, 1, rec.misses)
}

// Functional Validation Tests - rotation

func TestRotate_IssuesFreshPair(t *testing.T) {
	svc, clk := newTestService(t)
	pair, err := svc.MintPair("u1", types.RoleUser)
	require.NoError(t, err)

	clk.Advance(time.Minute)
	rot, err := svc.Rotate(context.Background(), pair.RefreshToken)
	require.NoError(t, err)

	assert.NotEqual(t, pair.AccessToken, rot.AccessToken)
	assert.NotEqual(t, pair.RefreshToken, rot.RefreshToken)
	assert.Equal(t, types.Identity{UserID: "u1", Role: types.RoleUser}, rot.Identity)
	assert.False(t, rot.RoleChanged)

	p, err := svc.Verify(rot.AccessToken, KindAccess)
	require.NoError(t, err)
	assert.Equal(t, clk.Now().Add(time.Hour), p.ExpiresAt)
}

func TestRotate_ReplayYieldsIndependentTokens(t *testing.T) {
	svc, clk := newTestService(t)
	pair, err := svc.MintPair("u1", types.RoleUser)
	require.NoError(t, err)

	first, err := svc.Rotate(context.Background(), pair.RefreshToken)
	require.NoError(t, err)

	clk.Advance(30 * time.Minute)
	second, err := svc.Rotate(context.Background(), pair.RefreshToken)
	require.NoError(t, err)

	assert.NotEqual(t, first.AccessToken, second.AccessToken)

	clk.Advance(31 * time.Minute)

	_, err = svc.Verify(first.AccessToken, KindAccess)
	assert.ErrorIs(t, err, ErrExpiredToken, "first rotation's access token is past its own expiry")
	_, cached := svc.Cached(first.AccessToken, KindAccess)
	assert.False(t, cached)

	_, err = svc.Verify(second.AccessToken, KindAccess)
	assert.NoError(t, err)
}

func TestRotate_RejectsAccessToken(t *testing.T) {
	svc, _ := newTestService(t)
	access, err := svc.Mint("u1", types.RoleUser, KindAccess)
	require.NoError(t, err)

	_, err = svc.Rotate(context.Background(), access)
	assert.Error(t, err)
}

func TestRotate_ExpiredRefreshToken(t *testing.T) {
	svc, clk := newTestService(t)
	refresh, err := svc.Mint("u1", types.RoleUser, KindRefresh)
	require.NoError(t, err)

	clk.Advance(7 * 24 * time.Hour)

	_, err = svc.Rotate(context.Background(), refresh)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestRotate_RoleChangeEvictsCachedEntries(t *testing.T) {
	roles := &fakeRoles{roles: map[string]types.Role{"u1": types.RoleUser}}
	svc, clk := newTestService(t, WithRoleSource(roles))

	pair, err := svc.MintPair("u1", types.RoleUser)
	require.NoError(t, err)

	roles.set("u1", types.RoleAdmin)
	clk.Advance(time.Second)

	rot, err := svc.Rotate(context.Background(), pair.RefreshToken)
	require.NoError(t, err)

	assert.True(t, rot.RoleChanged)
	assert.Equal(t, types.RoleAdmin, rot.Identity.Role)

	_, cached := svc.Cached(pair.AccessToken, KindAccess)
	assert.False(t, cached, "stale access token must not be served from cache")

	p, err := svc.Verify(rot.AccessToken, KindAccess)
	require.NoError(t, err)
	assert.Equal(t, types.RoleAdmin, p.Role)
}

func TestRotate_DeletedSubject(t *testing.T) {
	roles := &fakeRoles{roles: map[string]types.Role{}}
	svc, _ := newTestService(t, WithRoleSource(roles))

	pair, err := svc.MintPair("gone", types.RoleUser)
	require.NoError(t, err)

	_, err = svc.Rotate(context.Background(), pair.RefreshToken)
	assert.ErrorIs(t, err, ErrSubjectGone)

	_, cached := svc.Cached(pair.AccessToken, KindAccess)
	assert.False(t, cached)
}

func TestRotate_RoleSourceUnavailable(t *testing.T) {
	roles := &fakeRoles{err: errors.New("database is locked")}
	svc, _ := newTestService(t, WithRoleSource(roles))

	pair, err := svc.MintPair("u1", types.RoleUser)
	require.NoError(t, err)

	_, err = svc.Rotate(context.Background(), pair.RefreshToken)
	assert.Equal(t, types.KindUpstreamFailure, types.KindOf(err))
}

// Functional Validation Tests - revocation

func TestRevokeUser_RejectsEarlierAccessTokens(t *testing.T) {
	svc, clk := newTestService(t)
	old, err := svc.Mint("u1", types.RoleUser, KindAccess)
	require.NoError(t, err)
	refresh, err := svc.Mint("u1", types.RoleUser, KindRefresh)
	require.NoError(t, err)
	other, err := svc.Mint("u2", types.RoleUser, KindAccess)
	require.NoError(t, err)

	svc.RevokeUser("u1")

	_, cached := svc.Cached(old, KindAccess)
	assert.False(t, cached)
	_, err = svc.Verify(old, KindAccess)
	assert.ErrorIs(t, err, ErrRevokedToken)

	_, err = svc.Verify(other, KindAccess)
	assert.NoError(t, err, "other users are unaffected")

	_, err = svc.Verify(refresh, KindRefresh)
	assert.NoError(t, err, "refresh tokens survive revocation")

	clk.Advance(time.Second)
	fresh, err := svc.Mint("u1", types.RoleUser, KindAccess)
	require.NoError(t, err)
	svc.Evict(fresh)

	_, err = svc.Verify(fresh, KindAccess)
	assert.NoError(t, err, "tokens issued after revocation verify")
}

func TestRevokeUser_SameSecondMintStillVerifies(t *testing.T) {
	clk := clock.NewFake(epoch.Add(500 * time.Millisecond))
	cache, err := NewCache(1, 1, clk)
	require.NoError(t, err)
	svc, err := NewService(testConfig(), cache, WithClock(clk))
	require.NoError(t, err)

	old, err := svc.Mint("u1", types.RoleUser, KindAccess)
	require.NoError(t, err)
	svc.RevokeUser("u1")

	// Same clock reading as the revocation.
	sameInstant, err := svc.Mint("u1", types.RoleUser, KindAccess)
	require.NoError(t, err)

	clk.Advance(200 * time.Millisecond)
	later, err := svc.Mint("u1", types.RoleUser, KindAccess)
	require.NoError(t, err)

	svc.Evict(old, sameInstant, later)
	_, err = svc.Verify(old, KindAccess)
	assert.ErrorIs(t, err, ErrRevokedToken)
	_, err = svc.Verify(sameInstant, KindAccess)
	assert.NoError(t, err)
	svc.Evict(sameInstant)
	_, err = svc.Verify(later, KindAccess)
	assert.NoError(t, err)
}

func TestRevoke_InvalidatesBothKindsUntilExpiry(t *testing.T) {
	svc, clk := newTestService(t)
	pair, err := svc.MintPair("u1", types.RoleUser)
	require.NoError(t, err)
	other, err := svc.MintPair("u1", types.RoleUser)
	require.NoError(t, err)

	svc.Revoke(pair.AccessToken, pair.RefreshToken, "not-a-token")

	_, err = svc.Verify(pair.AccessToken, KindAccess)
	assert.ErrorIs(t, err, ErrLoggedOut)
	_, err = svc.Verify(pair.RefreshToken, KindRefresh)
	assert.ErrorIs(t, err, ErrLoggedOut)
	_, err = svc.Rotate(context.Background(), pair.RefreshToken)
	assert.ErrorIs(t, err, ErrLoggedOut)

	_, err = svc.Verify(other.AccessToken, KindAccess)
	assert.NoError(t, err, "other sessions of the user are unaffected")

	svc.mu.RLock()
	tracked := len(svc.dropped)
	svc.mu.RUnlock()
	require.Equal(t, 2, tracked)

	// The access record goes with the access token's expiry, the refresh
	// record with the refresh token's.
	clk.Advance(time.Hour)
	svc.Sweep()
	svc.mu.RLock()
	tracked = len(svc.dropped)
	svc.mu.RUnlock()
	assert.Equal(t, 1, tracked)

	clk.Advance(7 * 24 * time.Hour)
	svc.Sweep()
	svc.mu.RLock()
	tracked = len(svc.dropped)
	svc.mu.RUnlock()
	assert.Zero(t, tracked)
}

func TestSweep_DropsExpiredEntriesAndOldRevocations(t *testing.T) {
	svc, clk := newTestService(t)
	_, err := svc.Mint("u1", types.RoleUser, KindAccess)
	require.NoError(t, err)
	_, err = svc.Mint("u1", types.RoleUser, KindRefresh)
	require.NoError(t, err)
	svc.RevokeUser("u2")

	clk.Advance(time.Hour + time.Second)

	assert.Equal(t, 1, svc.Sweep())

	svc.mu.RLock()
	_, tracked := svc.revoked["u2"]
	svc.mu.RUnlock()
	assert.False(t, tracked)
}

func TestRunSweeper_StopsOnCancel(t *testing.T) {
	svc, _ := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- svc.RunSweeper(ctx, 10*time.Millisecond) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

// Concurrency Tests

func TestVerify_ConcurrentWithRevocation(t *testing.T) {
	svc, _ := newTestService(t)
	tok, err := svc.Mint("u1", types.RoleUser, KindAccess)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = svc.Verify(tok, KindAccess)
			}
		}()
	}
	svc.RevokeUser("u1")
	wg.Wait()

	_, cached := svc.Cached(tok, KindAccess)
	assert.False(t, cached, "no verify may re-insert a revoked token")
}
