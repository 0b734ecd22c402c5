// Package accounts implements registration, login, profile management,
// password reset and user administration.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"chatrelay/internal/avatar"
	"chatrelay/internal/clock"
	"chatrelay/internal/mailer"
	"chatrelay/internal/security"
	"chatrelay/internal/token"
	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

// Account errors returned to callers.
var (
	ErrUserExists         = types.Conflict("user_exists", "User already exists")
	ErrEmailTaken         = types.Conflict("email_taken", "Email already exists")
	ErrUserNotFound       = types.NotFound("user_not_found", "User not found")
	ErrInvalidCredentials = types.Unauthenticated(types.ReasonInvalidCredentials, "Invalid credentials", nil)
	ErrInvalidResetToken  = types.ValidationFailed("invalid_reset_token", "Invalid or expired token")
	ErrUnsupportedAvatar  = types.ValidationFailed("unsupported_file", "File type not allowed")
	ErrAvatarTooLarge     = types.ValidationFailed("file_too_large", "File exceeds the 50MB limit")
)

// Tokens is the part of the token service accounts drive.
type Tokens interface {
	MintPair(userID string, role types.Role) (token.Pair, error)
	TTL(kind token.Kind) time.Duration
	Revoke(tokens ...string)
	RevokeUser(userID string)
}

// Config holds account settings.
type Config struct {
	ClientURL string        // base of the emailed reset link
	ResetTTL  time.Duration // lifetime of a reset token
}

// Service implements the account operations.
type Service struct {
	store   interfaces.UserStore
	tokens  Tokens
	hasher  *security.Hasher
	mailer  mailer.Mailer
	avatars avatar.Store
	cfg     Config
	clock   clock.Clock
	logger  *slog.Logger

	// dummyHash keeps login timing flat for unknown emails.
	dummyHash string
}

// Option configures a Service.
type Option func(*Service)

func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

func WithAvatarStore(a avatar.Store) Option { return func(s *Service) { s.avatars = a } }

// NewService wires the account service.
func NewService(store interfaces.UserStore, tokens Tokens, hasher *security.Hasher, m mailer.Mailer, cfg Config, opts ...Option) *Service {
	if cfg.ResetTTL <= 0 {
		cfg.ResetTTL = time.Hour
	}
	cfg.ClientURL = strings.TrimRight(cfg.ClientURL, "/")
	s := &Service{
		store:  store,
		tokens: tokens,
		hasher: hasher,
		mailer: m,
		cfg:    cfg,
		clock:  clock.System,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "accounts"))
	if h, err := hasher.Hash(uuid.NewString()); err == nil {
		s.dummyHash = h
	}
	return s
}

// LoginResult is what a successful login returns. Tokens travel in cookies;
// the expiry instants are echoed in the body.
type LoginResult struct {
	User                  *types.User `json:"user"`
	AccessToken           string      `json:"-"`
	RefreshToken          string      `json:"-"`
	ExpiresAccessTokenAt  time.Time   `json:"expiresAccessTokenAt"`
	ExpiresRefreshTokenAt time.Time   `json:"expiresRefreshTokenAt"`
}

// StoreRoles reads roles straight from the user store. It is the
// token.RoleSource handed to the token service, which is built before the
// accounts service.
type StoreRoles struct {
	Store interfaces.UserStore
}

// CurrentRole reports the stored role of userID; a missing user is
// token.ErrSubjectGone.
func (r StoreRoles) CurrentRole(ctx context.Context, userID string) (types.Role, error) {
	u, err := r.Store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return "", token.ErrSubjectGone
		}
		return "", err
	}
	return u.Role, nil
}

// CurrentRole reports the stored role of userID.
func (s *Service) CurrentRole(ctx context.Context, userID string) (types.Role, error) {
	return StoreRoles{Store: s.store}.CurrentRole(ctx, userID)
}

// Register creates a USER account.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*types.User, error) {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Username = strings.TrimSpace(in.Username)
	if err := Validate(in); err != nil {
		return nil, err
	}

	if _, err := s.store.GetUserByEmail(ctx, in.Email); err == nil {
		return nil, ErrUserExists
	} else if !errors.Is(err, interfaces.ErrNotFound) {
		return nil, types.UpstreamFailure(types.ReasonStoreUnavailable, err)
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	now := s.clock.Now().UTC()
	user := &types.User{
		ID:           uuid.NewString(),
		Username:     in.Username,
		Email:        in.Email,
		PasswordHash: hash,
		Avatar:       in.Avatar,
		Role:         types.RoleUser,
		Status:       types.StatusOffline,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, interfaces.ErrDuplicate) {
			return nil, ErrUserExists
		}
		return nil, types.UpstreamFailure(types.ReasonStoreUnavailable, err)
	}

	s.logger.Info("user registered", slog.String("user_id", user.ID))
	return user, nil
}

// Login verifies the password and mints a token pair.
func (s *Service) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	if err := Validate(in); err != nil {
		return nil, err
	}

	user, err := s.store.GetUserByEmail(ctx, in.Email)
	if err != nil {
		if !errors.Is(err, interfaces.ErrNotFound) {
			return nil, types.UpstreamFailure(types.ReasonStoreUnavailable, err)
		}
		_ = s.hasher.Compare(s.dummyHash, in.Password)
		return nil, ErrInvalidCredentials
	}
	if err := s.hasher.Compare(user.PasswordHash, in.Password); err != nil {
		return nil, ErrInvalidCredentials
	}

	pair, err := s.tokens.MintPair(user.ID, user.Role)
	if err != nil {
		return nil, fmt.Errorf("mint tokens: %w", err)
	}
	now := s.clock.Now().UTC()
	return &LoginResult{
		User:                  user,
		AccessToken:           pair.AccessToken,
		RefreshToken:          pair.RefreshToken,
		ExpiresAccessTokenAt:  now.Add(s.tokens.TTL(token.KindAccess)),
		ExpiresRefreshTokenAt: now.Add(s.tokens.TTL(token.KindRefresh)),
	}, nil
}

// Logout evicts the presented tokens from the verification cache.
func (s *Service) Logout(accessToken, refreshToken string) {
	s.tokens.Revoke(accessToken, refreshToken)
}

// Profile returns the account of userID.
func (s *Service) Profile(ctx context.Context, userID string) (*types.User, error) {
	u, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, types.UpstreamFailure(types.ReasonStoreUnavailable, err)
	}
	return u, nil
}

// UpdateProfile applies the non-nil fields of in to the caller's account.
func (s *Service) UpdateProfile(ctx context.Context, userID string, in UpdateInput) (*types.User, error) {
	if in.Email != nil {
		e := strings.ToLower(strings.TrimSpace(*in.Email))
		in.Email = &e
	}
	if err := Validate(in); err != nil {
		return nil, err
	}

	user, err := s.Profile(ctx, userID)
	if err != nil {
		return nil, err
	}

	if in.Email != nil && *in.Email != user.Email {
		other, err := s.store.GetUserByEmail(ctx, *in.Email)
		switch {
		case err == nil && other.ID != user.ID:
			return nil, ErrEmailTaken
		case err != nil && !errors.Is(err, interfaces.ErrNotFound):
			return nil, types.UpstreamFailure(types.ReasonStoreUnavailable, err)
		}
		user.Email = *in.Email
	}
	if in.Username != nil {
		user.Username = strings.TrimSpace(*in.Username)
	}
	if in.Password != nil {
		hash, err := s.hasher.Hash(*in.Password)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		user.PasswordHash = hash
	}

	if err := s.store.UpdateUser(ctx, user); err != nil {
		if errors.Is(err, interfaces.ErrDuplicate) {
			return nil, ErrEmailTaken
		}
		return nil, types.UpstreamFailure(types.ReasonStoreUnavailable, err)
	}
	return user, nil
}

// UploadAvatar stores a new profile image and drops the previous one.
func (s *Service) UploadAvatar(ctx context.Context, userID, contentType string, r io.Reader) (*types.User, error) {
	if s.avatars == nil {
		return nil, types.UpstreamFailure("uploads_disabled", errors.New("no avatar store configured"))
	}
	if !avatar.Allowed(contentType) {
		return nil, ErrUnsupportedAvatar
	}

	user, err := s.Profile(ctx, userID)
	if err != nil {
		return nil, err
	}

	url, err := s.avatars.Save(ctx, userID, contentType, r)
	switch {
	case errors.Is(err, avatar.ErrTooLarge):
		return nil, ErrAvatarTooLarge
	case errors.Is(err, avatar.ErrUnsupportedType):
		return nil, ErrUnsupportedAvatar
	case err != nil:
		return nil, types.UpstreamFailure("upload_failed", err)
	}

	previous := user.Avatar
	user.Avatar = url
	if err := s.store.UpdateUser(ctx, user); err != nil {
		_ = s.avatars.Delete(ctx, url)
		return nil, types.UpstreamFailure(types.ReasonStoreUnavailable, err)
	}
	if previous != "" {
		if err := s.avatars.Delete(ctx, previous); err != nil {
			s.logger.Warn("failed to delete previous avatar", slog.String("user_id", userID), slog.Any("error", err))
		}
	}
	return user, nil
}

// ForgotPassword stores a hashed reset token and emails the raw token as a
// link. Only the hash is persisted.
func (s *Service) ForgotPassword(ctx context.Context, in ForgotPasswordInput) error {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	if err := Validate(in); err != nil {
		return err
	}

	user, err := s.store.GetUserByEmail(ctx, in.Email)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return types.NotFound("user_not_found", "User does not exist")
		}
		return types.UpstreamFailure(types.ReasonStoreUnavailable, err)
	}

	raw, hash, err := security.NewResetToken()
	if err != nil {
		return err
	}
	if err := s.store.SetPasswordReset(ctx, user.ID, hash, s.clock.Now().UTC().Add(s.cfg.ResetTTL)); err != nil {
		return types.UpstreamFailure(types.ReasonStoreUnavailable, err)
	}

	link := s.cfg.ClientURL + "/reset-password/" + raw
	err = s.mailer.Send(ctx, mailer.Message{
		To:      user.Email,
		Name:    user.Username,
		Subject: "Reset Your Password",
		Body:    "Click the link below to reset your password: " + link,
		Link:    link,
	})
	if err != nil {
		s.logger.Error("failed to send reset email", slog.String("user_id", user.ID), slog.Any("error", err))
		return types.NewError(types.KindUpstreamFailure, "email_failed", "Failed to send email", err)
	}
	return nil
}

// ResetPassword consumes a reset token, sets the new password and revokes
// every cached token of the user.
func (s *Service) ResetPassword(ctx context.Context, rawToken string, in ResetPasswordInput) error {
	if err := Validate(in); err != nil {
		return err
	}
	if rawToken == "" {
		return ErrInvalidResetToken
	}

	userID, err := s.store.ConsumePasswordReset(ctx, security.HashToken(rawToken), s.clock.Now().UTC())
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return ErrInvalidResetToken
		}
		return types.UpstreamFailure(types.ReasonStoreUnavailable, err)
	}

	user, err := s.Profile(ctx, userID)
	if err != nil {
		return err
	}
	hash, err := s.hasher.Hash(in.NewPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	user.PasswordHash = hash
	if err := s.store.UpdateUser(ctx, user); err != nil {
		return types.UpstreamFailure(types.ReasonStoreUnavailable, err)
	}

	s.tokens.RevokeUser(userID)
	s.logger.Info("password reset", slog.String("user_id", userID))
	return nil
}

// ListUsers returns every account.
func (s *Service) ListUsers(ctx context.Context) ([]*types.User, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, types.UpstreamFailure(types.ReasonStoreUnavailable, err)
	}
	if users == nil {
		users = []*types.User{}
	}
	return users, nil
}

// DeleteUsers removes the given accounts and revokes their tokens.
func (s *Service) DeleteUsers(ctx context.Context, in DeleteUsersInput) (int64, error) {
	if err := Validate(in); err != nil {
		return 0, err
	}
	n, err := s.store.DeleteUsers(ctx, in.IDs)
	if err != nil {
		return 0, types.UpstreamFailure(types.ReasonStoreUnavailable, err)
	}
	for _, id := range in.IDs {
		s.tokens.RevokeUser(id)
	}
	s.logger.Info("users deleted", slog.Int64("count", n))
	return n, nil
}

// ChangeRole sets the role of userID. Cached tokens of that user are
// revoked so the new role applies from the next request.
func (s *Service) ChangeRole(ctx context.Context, userID string, in RoleInput) (*types.User, error) {
	if !types.IsValidID(userID) {
		return nil, types.ValidationFailed(types.ReasonInvalidID, "Invalid user ID")
	}
	if err := Validate(in); err != nil {
		return nil, err
	}

	if err := s.store.UpdateUserRole(ctx, userID, in.Role); err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, types.UpstreamFailure(types.ReasonStoreUnavailable, err)
	}
	s.tokens.RevokeUser(userID)
	s.logger.Info("role changed", slog.String("user_id", userID), slog.String("role", string(in.Role)))
	return s.Profile(ctx, userID)
}
