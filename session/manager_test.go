package session

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jarcoal/httpmock"

	"github.com/aluiziolira/leanpub-report/config"
	"github.com/aluiziolira/leanpub-report/models"
	"github.com/aluiziolira/leanpub-report/scraper"
)

const testBase = "http://example.test"

var testCreds = models.Credentials{Username: "author@example.test", Password: "s3cret"}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.BaseURL = testBase
	cfg.Delay = 0
	cfg.RandomDelay = 0
	cfg.Timeout = 2 * time.Second
	cfg.MaxRetries = 2
	cfg.RetryBackoff = time.Millisecond
	cfg.RetryBackoffMax = 2 * time.Millisecond
	cfg.FetchLoginToken = false
	return cfg
}

func newTestManager(t *testing.T, cfg *config.Config, opts ...Option) (*Manager, *httpmock.MockTransport) {
	t.Helper()
	s, err := scraper.NewScraper(cfg)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	transport := httpmock.NewMockTransport()
	s.SetTransport(transport)
	return NewManager(s, testCreds, cfg, opts...), transport
}

func loginOK(cookie string) httpmock.Responder {
	return func(req *http.Request) (*http.Response, error) {
		if err := req.ParseForm(); err != nil {
			return nil, err
		}
		if req.PostForm.Get("session[email]") != testCreds.Username || req.PostForm.Get("session[password]") != testCreds.Password {
			return httpmock.NewStringResponse(http.StatusUnauthorized, "bad credentials"), nil
		}
		resp := httpmock.NewStringResponse(http.StatusFound, "")
		resp.Header.Set("Location", testBase+"/author_dashboard")
		resp.Header.Add("Set-Cookie", "_leanpub_session="+cookie+"; Path=/; HttpOnly")
		return resp, nil
	}
}

func TestLoginReturnsValidSession(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m, transport := newTestManager(t, testConfig(), WithClock(func() time.Time { return fixed }))
	transport.RegisterResponder("POST", testBase+"/login", loginOK("cookie-1"))

	got, err := m.Login(context.Background())
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	want := models.Session{CookieName: "_leanpub_session", CookieValue: "cookie-1", ObtainedAt: fixed, Valid: true}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("session mismatch (-want +got):\n%s", diff)
	}
	if m.Logins() != 1 {
		t.Fatalf("logins=%d, want 1", m.Logins())
	}
}

func TestLoginSendsCSRFToken(t *testing.T) {
	cfg := testConfig()
	cfg.FetchLoginToken = true
	m, transport := newTestManager(t, cfg)

	transport.RegisterResponder("GET", testBase+"/login", func(req *http.Request) (*http.Response, error) {
		resp := httpmock.NewStringResponse(http.StatusOK, `<html><body><form action="/login">
			<input type="hidden" name="authenticity_token" value="tok-123">
			<input name="session[password]" type="password"></form></body></html>`)
		resp.Header.Set("Content-Type", "text/html")
		resp.Header.Add("Set-Cookie", "_leanpub_session=anon; Path=/")
		return resp, nil
	})
	transport.RegisterResponder("POST", testBase+"/login", func(req *http.Request) (*http.Response, error) {
		if err := req.ParseForm(); err != nil {
			return nil, err
		}
		if req.PostForm.Get("authenticity_token") != "tok-123" {
			return httpmock.NewStringResponse(http.StatusUnprocessableEntity, "token"), nil
		}
		if req.Header.Get("Cookie") != "_leanpub_session=anon" {
			return httpmock.NewStringResponse(http.StatusUnprocessableEntity, "cookie"), nil
		}
		return loginOK("authed")(req)
	})

	got, err := m.Login(context.Background())
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if got.CookieValue != "authed" {
		t.Fatalf("cookie=%q, want authed", got.CookieValue)
	}
}

func TestLoginRejectedCredentials(t *testing.T) {
	tests := []struct {
		name      string
		responder httpmock.Responder
	}{
		{name: "forbidden", responder: httpmock.NewStringResponder(http.StatusForbidden, "nope")},
		{name: "unprocessable", responder: httpmock.NewStringResponder(http.StatusUnprocessableEntity, "nope")},
		{name: "redirect to login", responder: func(req *http.Request) (*http.Response, error) {
			resp := httpmock.NewStringResponse(http.StatusFound, "")
			resp.Header.Set("Location", "/login")
			return resp, nil
		}},
		{name: "form rendered again", responder: func(req *http.Request) (*http.Response, error) {
			resp := httpmock.NewStringResponse(http.StatusOK, `<html><body><form id="new_session" action="/login"></form></body></html>`)
			resp.Header.Set("Content-Type", "text/html")
			return resp, nil
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, transport := newTestManager(t, testConfig())
			var calls int64
			transport.RegisterResponder("POST", testBase+"/login", func(req *http.Request) (*http.Response, error) {
				atomic.AddInt64(&calls, 1)
				return tt.responder(req)
			})

			_, err := m.Login(context.Background())
			if !errors.Is(err, scraper.ErrInvalidCredentials) {
				t.Fatalf("expected invalid credentials, got %v", err)
			}
			if calls != 1 {
				t.Fatalf("rejected login must not be retried, calls=%d", calls)
			}
			if got := transport.GetTotalCallCount(); got != 1 {
				t.Fatalf("no other endpoint may be called, total=%d", got)
			}
		})
	}
}

func TestLoginRetriesServerError(t *testing.T) {
	m, transport := newTestManager(t, testConfig())
	var calls int64
	transport.RegisterResponder("POST", testBase+"/login", func(req *http.Request) (*http.Response, error) {
		if atomic.AddInt64(&calls, 1) == 1 {
			return httpmock.NewStringResponse(http.StatusBadGateway, "upstream"), nil
		}
		return loginOK("after-retry")(req)
	})

	got, err := m.Login(context.Background())
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if got.CookieValue != "after-retry" || calls != 2 {
		t.Fatalf("cookie=%q calls=%d", got.CookieValue, calls)
	}
}

func TestLoginServerErrorExhaustsRetries(t *testing.T) {
	m, transport := newTestManager(t, testConfig())
	transport.RegisterResponder("POST", testBase+"/login", httpmock.NewStringResponder(http.StatusServiceUnavailable, "down"))

	_, err := m.Login(context.Background())
	if !errors.Is(err, scraper.ErrUnexpectedResponse) {
		t.Fatalf("expected unexpected response, got %v", err)
	}
	if got := transport.GetTotalCallCount(); got != 3 {
		t.Fatalf("calls=%d, want 3", got)
	}
}

func TestLoginMissingCookie(t *testing.T) {
	m, transport := newTestManager(t, testConfig())
	transport.RegisterResponder("POST", testBase+"/login", func(req *http.Request) (*http.Response, error) {
		resp := httpmock.NewStringResponse(http.StatusFound, "")
		resp.Header.Set("Location", testBase+"/author_dashboard")
		return resp, nil
	})

	_, err := m.Login(context.Background())
	var authErr *scraper.AuthError
	if !errors.As(err, &authErr) || authErr.Kind != scraper.AuthUnexpectedResponse {
		t.Fatalf("expected unexpected response, got %v", err)
	}
	if got := transport.GetTotalCallCount(); got != 1 {
		t.Fatalf("missing cookie must not be retried, calls=%d", got)
	}
}

func TestEnsureValid(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cfg := testConfig()
	cfg.SessionMaxAge = time.Hour

	tests := []struct {
		name       string
		in         models.Session
		wantLogin  bool
		wantCookie string
	}{
		{
			name:       "fresh session kept",
			in:         models.Session{CookieName: "_leanpub_session", CookieValue: "old", ObtainedAt: now.Add(-time.Minute), Valid: true},
			wantCookie: "old",
		},
		{
			name:       "too old",
			in:         models.Session{CookieName: "_leanpub_session", CookieValue: "old", ObtainedAt: now.Add(-2 * time.Hour), Valid: true},
			wantLogin:  true,
			wantCookie: "new",
		},
		{
			name:       "invalid",
			in:         models.Session{CookieName: "_leanpub_session", CookieValue: "old", ObtainedAt: now, Valid: false},
			wantLogin:  true,
			wantCookie: "new",
		},
		{
			name:       "empty",
			wantLogin:  true,
			wantCookie: "new",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, transport := newTestManager(t, cfg, WithClock(func() time.Time { return now }))
			transport.RegisterResponder("POST", testBase+"/login", loginOK("new"))

			got, err := m.EnsureValid(context.Background(), tt.in)
			if err != nil {
				t.Fatalf("ensure valid: %v", err)
			}
			if got.CookieValue != tt.wantCookie {
				t.Fatalf("cookie=%q, want %q", got.CookieValue, tt.wantCookie)
			}
			if loggedIn := transport.GetTotalCallCount() > 0; loggedIn != tt.wantLogin {
				t.Fatalf("logged in=%v, want %v", loggedIn, tt.wantLogin)
			}
		})
	}
}

func TestEnsureValidWithoutAgeLimit(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cfg := testConfig()
	cfg.SessionMaxAge = 0

	m, transport := newTestManager(t, cfg, WithClock(func() time.Time { return now }))
	transport.RegisterResponder("POST", testBase+"/login", loginOK("new"))

	old := models.Session{CookieName: "_leanpub_session", CookieValue: "old", ObtainedAt: now.Add(-30 * 24 * time.Hour), Valid: true}
	got, err := m.EnsureValid(context.Background(), old)
	if err != nil {
		t.Fatalf("ensure valid: %v", err)
	}
	if got.CookieValue != "old" {
		t.Fatalf("cookie=%q, want the old session kept", got.CookieValue)
	}
	if calls := transport.GetTotalCallCount(); calls != 0 {
		t.Fatalf("calls=%d, want no login", calls)
	}
}

func TestReauthenticatePersistsNewSession(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "session.json"))
	m, transport := newTestManager(t, testConfig(), WithStore(store))
	transport.RegisterResponder("POST", testBase+"/login", loginOK("second"))

	stale := models.Session{CookieName: "_leanpub_session", CookieValue: "first", ObtainedAt: time.Now(), Valid: true}
	got, err := m.Reauthenticate(context.Background(), stale)
	if err != nil {
		t.Fatalf("reauthenticate: %v", err)
	}
	if got.SameCookie(stale) || !got.Valid {
		t.Fatalf("expected a new valid session, got %+v", got)
	}
	if m.Reauthentications() != 1 {
		t.Fatalf("reauths=%d, want 1", m.Reauthentications())
	}

	saved, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if saved.CookieValue != "second" {
		t.Fatalf("stored cookie=%q, want second", saved.CookieValue)
	}
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.SessionMaxAge = time.Hour

	t.Run("no store", func(t *testing.T) {
		m, _ := newTestManager(t, cfg)
		if m.Restore(ctx).Usable() {
			t.Fatal("expected unusable session")
		}
	})

	t.Run("stored fresh session", func(t *testing.T) {
		store := NewFileStore(filepath.Join(t.TempDir(), "session.json"))
		want := models.Session{CookieName: "_leanpub_session", CookieValue: "kept", ObtainedAt: time.Now().Add(-time.Minute), Valid: true}
		if err := store.Save(ctx, want); err != nil {
			t.Fatalf("save: %v", err)
		}
		m, _ := newTestManager(t, cfg, WithStore(store))
		got := m.Restore(ctx)
		if got.CookieValue != "kept" || !got.Valid {
			t.Fatalf("restored %+v", got)
		}
	})

	t.Run("stored stale session", func(t *testing.T) {
		store := NewFileStore(filepath.Join(t.TempDir(), "session.json"))
		old := models.Session{CookieName: "_leanpub_session", CookieValue: "old", ObtainedAt: time.Now().Add(-2 * time.Hour), Valid: true}
		if err := store.Save(ctx, old); err != nil {
			t.Fatalf("save: %v", err)
		}
		m, _ := newTestManager(t, cfg, WithStore(store))
		if m.Restore(ctx).Usable() {
			t.Fatal("expected stale session to be dropped")
		}
	})

	t.Run("corrupt file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "session.json")
		if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
		m, _ := newTestManager(t, cfg, WithStore(NewFileStore(path)))
		if m.Restore(ctx).Usable() {
			t.Fatal("expected unusable session")
		}
	})
}
