package token

import "errors"

var (
	ErrExpiredToken   = errors.New("token expired")
	ErrMalformedToken = errors.New("malformed token")
	ErrRevokedToken   = errors.New("token issued before the subject was revoked")
	ErrLoggedOut      = errors.New("token was revoked at logout")
	ErrInvalidClaims  = errors.New("token claims require a user id and a known role")
	ErrMissingSecret  = errors.New("access and refresh secrets must be set and differ")
	ErrUnknownKind    = errors.New("unknown token kind")

	// ErrSubjectGone is returned by a RoleSource when the user no longer exists.
	ErrSubjectGone = errors.New("token subject no longer exists")
)
