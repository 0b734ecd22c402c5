package session

import (
	"net/http"
	"strings"
	"time"
)

// Cookie and header names carrying tokens.
const (
	AccessCookie  = "access_token"
	RefreshCookie = "refresh_token"
	RefreshHeader = "X-Refresh-Token"
)

// CookieConfig controls the attributes of the token cookies.
type CookieConfig struct {
	Secure     bool
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// FromRequest extracts credentials: cookies first, then the Authorization
// bearer header for the access token and X-Refresh-Token for the refresh
// token.
func FromRequest(r *http.Request) Credentials {
	var creds Credentials
	if c, err := r.Cookie(AccessCookie); err == nil {
		creds.AccessToken = c.Value
	}
	if creds.AccessToken == "" {
		creds.AccessToken = bearerToken(r.Header.Get("Authorization"))
	}
	if c, err := r.Cookie(RefreshCookie); err == nil {
		creds.RefreshToken = c.Value
	}
	if creds.RefreshToken == "" {
		creds.RefreshToken = strings.TrimSpace(r.Header.Get(RefreshHeader))
	}
	return creds
}

func bearerToken(header string) string {
	scheme, tok, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(tok)
}

// TokenCookies builds the http-only, same-site-strict pair set at login and
// after rotation.
func (c CookieConfig) TokenCookies(access, refresh string) []*http.Cookie {
	return []*http.Cookie{
		c.cookie(AccessCookie, access, int(c.AccessTTL/time.Second)),
		c.cookie(RefreshCookie, refresh, int(c.RefreshTTL/time.Second)),
	}
}

// ClearedCookies expires both token cookies (Max-Age=0 on the wire).
func (c CookieConfig) ClearedCookies() []*http.Cookie {
	return []*http.Cookie{
		c.cookie(AccessCookie, "", -1),
		c.cookie(RefreshCookie, "", -1),
	}
}

// SetTokenCookies writes the pair onto w.
func (c CookieConfig) SetTokenCookies(w http.ResponseWriter, access, refresh string) {
	for _, ck := range c.TokenCookies(access, refresh) {
		http.SetCookie(w, ck)
	}
}

// ClearTokenCookies expires both cookies on w.
func (c CookieConfig) ClearTokenCookies(w http.ResponseWriter) {
	for _, ck := range c.ClearedCookies() {
		http.SetCookie(w, ck)
	}
}

// Header renders cookies as Set-Cookie values, for responses that are not
// written through an http.ResponseWriter (the socket upgrade).
func Header(cookies []*http.Cookie) http.Header {
	h := http.Header{}
	for _, ck := range cookies {
		if v := ck.String(); v != "" {
			h.Add("Set-Cookie", v)
		}
	}
	return h
}

func (c CookieConfig) cookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteStrictMode,
	}
}
