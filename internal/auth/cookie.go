package auth

import (
	"net/http"
	"time"
)

// DefaultCookieName is the session cookie name unless configured otherwise.
const DefaultCookieName = "session-token"

// CookieConfig describes how the session cookie is written.
//
// HttpOnly and SameSite=Lax are not configurable. Secure defaults to true in
// config and is only switched off for plain-HTTP local development.
type CookieConfig struct {
	Name   string
	Path   string
	Domain string
	Secure bool
}

func (c CookieConfig) normalize() CookieConfig {
	if c.Name == "" {
		c.Name = DefaultCookieName
	}
	if c.Path == "" {
		c.Path = "/"
	}
	return c
}

// SetSessionCookie delivers cred to the client. Max-Age equals the
// credential's lifetime so the browser drops the cookie when the token stops
// verifying.
func SetSessionCookie(w http.ResponseWriter, cfg CookieConfig, cred *Credential) {
	cfg = cfg.normalize()
	maxAge := int(cred.ExpiresAt.Sub(cred.IssuedAt).Seconds())

	http.SetCookie(w, &http.Cookie{
		Name:     cfg.Name,
		Value:    cred.Token,
		Path:     cfg.Path,
		Domain:   cfg.Domain,
		MaxAge:   maxAge,
		Expires:  cred.ExpiresAt.UTC(),
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie tells the browser to delete the session cookie.
func ClearSessionCookie(w http.ResponseWriter, cfg CookieConfig) {
	cfg = cfg.normalize()
	http.SetCookie(w, &http.Cookie{
		Name:     cfg.Name,
		Value:    "",
		Path:     cfg.Path,
		Domain:   cfg.Domain,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0).UTC(),
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}
