package models

import (
	"log/slog"
	"net/http"
	"time"
)

// Credentials identify the author. They are supplied once and never persisted.
type Credentials struct {
	Username string
	Password string
}

// LogValue keeps the password out of logs.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("username", c.Username),
		slog.String("password", "[redacted]"),
	)
}

// Session is the authenticated state obtained from a login.
type Session struct {
	CookieName  string    `json:"cookie_name"`
	CookieValue string    `json:"cookie_value"`
	ObtainedAt  time.Time `json:"obtained_at"`
	Valid       bool      `json:"valid"`
}

// Age returns how long ago the session was obtained.
func (s Session) Age(now time.Time) time.Duration {
	if s.ObtainedAt.IsZero() {
		return 0
	}
	return now.Sub(s.ObtainedAt)
}

// Usable reports whether the session can be sent with a request.
func (s Session) Usable() bool {
	return s.Valid && s.CookieName != "" && s.CookieValue != ""
}

// Cookies returns the cookies to attach to authenticated requests.
func (s Session) Cookies() []*http.Cookie {
	if s.CookieName == "" || s.CookieValue == "" {
		return nil
	}
	return []*http.Cookie{{Name: s.CookieName, Value: s.CookieValue}}
}

// Invalidated returns a copy of s marked invalid.
func (s Session) Invalidated() Session {
	s.Valid = false
	return s
}

// SameCookie reports whether both sessions carry the same cookie value.
func (s Session) SameCookie(other Session) bool {
	return s.CookieName == other.CookieName && s.CookieValue == other.CookieValue
}

// LogValue keeps the cookie value out of logs.
func (s Session) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("cookie", s.CookieName),
		slog.Bool("valid", s.Valid),
		slog.Time("obtained_at", s.ObtainedAt),
	)
}
