// Package session logs the author in and keeps the session cookie usable for a run.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/aluiziolira/leanpub-report/config"
	"github.com/aluiziolira/leanpub-report/models"
	"github.com/aluiziolira/leanpub-report/parser"
	"github.com/aluiziolira/leanpub-report/scraper"
)

const tokenField = "authenticity_token"

// Manager obtains sessions from the login endpoint. The session itself is
// returned to the caller and threaded explicitly; the manager keeps no
// current session of its own.
type Manager struct {
	scraper *scraper.Scraper
	creds   models.Credentials
	cfg     *config.Config
	store   Store
	now     func() time.Time

	logins  int64
	reauths int64
}

// Option customises a Manager.
type Option func(*Manager)

// WithStore persists sessions in store.
func WithStore(store Store) Option {
	return func(m *Manager) { m.store = store }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager builds a manager that logs in through s.
func NewManager(s *scraper.Scraper, creds models.Credentials, cfg *config.Config, opts ...Option) *Manager {
	m := &Manager{
		scraper: s,
		creds:   creds,
		cfg:     cfg,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Login posts the credentials and returns a fresh valid session.
// Transient failures are retried; rejected credentials are not.
func (m *Manager) Login(ctx context.Context) (models.Session, error) {
	var session models.Session
	err := m.scraper.Retrier().Do(ctx, scraper.LoginPath, func(ctx context.Context) error {
		s, err := m.login(ctx)
		if err != nil {
			return err
		}
		session = s
		return nil
	})
	if err != nil {
		var authErr *scraper.AuthError
		if errors.As(err, &authErr) {
			m.scraper.RecordError(authErr)
		}
		slog.Error("login failed", slog.Any("credentials", m.creds), slog.Any("error", err))
		return models.Session{}, err
	}

	atomic.AddInt64(&m.logins, 1)
	m.save(ctx, session)
	slog.Info("logged in", slog.Any("credentials", m.creds), slog.Any("session", session))
	return session, nil
}

// EnsureValid returns s when it is valid and younger than SessionMaxAge,
// otherwise it logs in again.
func (m *Manager) EnsureValid(ctx context.Context, s models.Session) (models.Session, error) {
	if m.fresh(s) {
		return s, nil
	}
	if s.Usable() {
		slog.Info("session too old, logging in again", slog.Duration("age", s.Age(m.now())))
	}
	return m.Login(ctx)
}

// Reauthenticate discards stale and logs in again.
func (m *Manager) Reauthenticate(ctx context.Context, stale models.Session) (models.Session, error) {
	atomic.AddInt64(&m.reauths, 1)
	m.scraper.Metrics.IncReauth()
	slog.Warn("session expired, re-authenticating", slog.Any("session", stale))

	m.save(ctx, stale.Invalidated())
	return m.Login(ctx)
}

// Restore returns the session kept by the store, or an invalid session when
// there is none to reuse.
func (m *Manager) Restore(ctx context.Context) models.Session {
	if m.store == nil {
		return models.Session{}
	}

	s, err := m.store.Load(ctx)
	if err != nil {
		if !errors.Is(err, ErrNoSession) {
			slog.Warn("could not restore session", slog.Any("error", err))
		}
		return models.Session{}
	}
	if s.CookieName != m.cfg.SessionCookieName || !m.fresh(s) {
		return models.Session{}
	}

	slog.Debug("restored session", slog.Any("session", s))
	return s
}

// Reauthentications counts logins performed because a session expired.
func (m *Manager) Reauthentications() int {
	return int(atomic.LoadInt64(&m.reauths))
}

// Logins counts successful logins.
func (m *Manager) Logins() int {
	return int(atomic.LoadInt64(&m.logins))
}

func (m *Manager) fresh(s models.Session) bool {
	if !s.Usable() {
		return false
	}
	return m.cfg.SessionMaxAge <= 0 || s.Age(m.now()) < m.cfg.SessionMaxAge
}

func (m *Manager) login(ctx context.Context) (models.Session, error) {
	form := url.Values{}
	form.Set(m.cfg.LoginUserField, m.creds.Username)
	form.Set(m.cfg.LoginPassField, m.creds.Password)

	var cookies []*http.Cookie
	if m.cfg.FetchLoginToken {
		token, pre, err := m.prelogin(ctx)
		switch {
		case errors.Is(err, context.Canceled):
			return models.Session{}, err
		case err != nil:
			slog.Debug("login page unavailable, posting without token", slog.Any("error", err))
		default:
			if token != "" {
				form.Set(tokenField, token)
			}
			cookies = pre
		}
	}

	resp, err := m.scraper.Do(ctx, scraper.Request{
		Method:  http.MethodPost,
		Path:    scraper.LoginPath,
		Form:    form,
		Cookies: cookies,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return models.Session{}, err
		}
		return models.Session{}, &scraper.AuthError{Kind: scraper.AuthUnexpectedResponse, Err: err}
	}
	return m.sessionFrom(resp)
}

// prelogin fetches the login form for its CSRF token and pre-session cookies.
func (m *Manager) prelogin(ctx context.Context) (string, []*http.Cookie, error) {
	resp, err := m.scraper.Do(ctx, scraper.Request{Method: http.MethodGet, Path: scraper.LoginPath})
	if err != nil {
		return "", nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("login page returned status %d", resp.StatusCode)
	}
	return parser.LoginToken(resp.Body), resp.Cookies(), nil
}

func (m *Manager) sessionFrom(resp *scraper.Response) (models.Session, error) {
	status := resp.StatusCode
	switch {
	case status >= http.StatusInternalServerError || status == http.StatusTooManyRequests:
		return models.Session{}, &scraper.AuthError{
			Kind:   scraper.AuthUnexpectedResponse,
			Status: status,
			Err: &scraper.FetchError{
				Kind:     models.ErrorKindUnexpectedStatus,
				URL:      resp.URL,
				Status:   status,
				Fragment: parser.Fragment(resp.Body),
			},
		}
	case status >= http.StatusBadRequest:
		return models.Session{}, &scraper.AuthError{Kind: scraper.AuthInvalidCredentials, Status: status}
	case status >= 300 && status < 400 && scraper.IsLoginRedirect(resp.Location()):
		return models.Session{}, &scraper.AuthError{
			Kind:   scraper.AuthInvalidCredentials,
			Status: status,
			Err:    errors.New("redirected back to login"),
		}
	case status >= 200 && status < 300 && parser.IsLoginPage(resp.Body):
		return models.Session{}, &scraper.AuthError{
			Kind:   scraper.AuthInvalidCredentials,
			Status: status,
			Err:    errors.New("login form rendered again"),
		}
	}

	value, ok := resp.Cookie(m.cfg.SessionCookieName)
	if !ok {
		return models.Session{}, &scraper.AuthError{
			Kind:   scraper.AuthUnexpectedResponse,
			Status: status,
			Err:    fmt.Errorf("response did not set %s", m.cfg.SessionCookieName),
		}
	}

	return models.Session{
		CookieName:  m.cfg.SessionCookieName,
		CookieValue: value,
		ObtainedAt:  m.now(),
		Valid:       true,
	}, nil
}

func (m *Manager) save(ctx context.Context, s models.Session) {
	if m.store == nil {
		return
	}
	if err := m.store.Save(ctx, s); err != nil {
		slog.Warn("could not persist session", slog.Any("error", err))
	}
}
