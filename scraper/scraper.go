package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/aluiziolira/leanpub-report/config"
	"github.com/aluiziolira/leanpub-report/models"
	"github.com/aluiziolira/leanpub-report/parser"
)

const (
	ctxStart    = "start"
	ctxResponse = "response"
)

// Scraper is the HTTP transport shared by login, listing and category fetches.
// It wraps one colly collector; the session cookie travels explicitly with
// every request instead of living in a cookie jar.
type Scraper struct {
	cfg       *config.Config
	baseURL   *url.URL
	collector *colly.Collector
	retry     *Retrier
	Metrics   *Metrics

	requestCount int64
	errorCount   int64

	mu           sync.Mutex
	errorsByType map[string]int

	handlersOnce sync.Once
}

// Request is one call against the site. Path is relative to the base URL.
type Request struct {
	Method  string
	Path    string
	Form    url.Values
	Cookies []*http.Cookie
}

// Response is what the transport captured from the site.
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
	URL        string
}

// Cookies parses the Set-Cookie headers of the response.
func (r *Response) Cookies() []*http.Cookie {
	return (&http.Response{Header: r.Header}).Cookies()
}

// Cookie returns the value of the named cookie set by the response.
func (r *Response) Cookie(name string) (string, bool) {
	for _, c := range r.Cookies() {
		if c.Name == name && c.Value != "" {
			return c.Value, true
		}
	}
	return "", false
}

// Location returns the redirect target, if any.
func (r *Response) Location() string {
	return r.Header.Get("Location")
}

// Stats is a snapshot of the transport counters.
type Stats struct {
	Requests     int
	Errors       int
	Retries      int
	ErrorsByType map[string]int
}

// NewScraper builds a scraper instance configured from cfg.
func NewScraper(cfg *config.Config) (*Scraper, error) {
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("base url must include a host")
	}

	collector := colly.NewCollector(
		colly.AllowedDomains(parsed.Hostname()),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.UserAgent(cfg.UserAgent),
	)

	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = true
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})
	collector.DisableCookies()
	collector.SetRedirectHandler(func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	})

	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: cfg.Parallelism,
		Delay:       cfg.Delay,
		RandomDelay: cfg.RandomDelay,
	}); err != nil {
		return nil, fmt.Errorf("configure rate limits: %w", err)
	}

	s := &Scraper{
		cfg:          cfg,
		baseURL:      parsed,
		collector:    collector,
		errorsByType: make(map[string]int),
		Metrics:      NewMetrics(),
	}
	s.retry = NewRetrier(cfg, s.Metrics)
	s.configureHandlers()
	return s, nil
}

// SetTransport replaces the round tripper used for every request.
func (s *Scraper) SetTransport(rt http.RoundTripper) {
	s.collector.WithTransport(rt)
}

// Retrier returns the retry policy shared by all callers of this scraper.
func (s *Scraper) Retrier() *Retrier {
	return s.retry
}

// Do sends req and returns the captured response. Non-2xx statuses are not
// errors at this level; transport failures come back as *FetchError.
// Cancelling ctx abandons the request.
func (s *Scraper) Do(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	target, err := s.resolve(req.Path)
	if err != nil {
		return nil, err
	}

	hdr := http.Header{}
	hdr.Set("User-Agent", s.cfg.UserAgent)
	var body io.Reader
	if req.Form != nil {
		body = strings.NewReader(req.Form.Encode())
		hdr.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if len(req.Cookies) > 0 {
		hdr.Set("Cookie", cookieHeader(req.Cookies))
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	cctx := colly.NewContext()
	done := make(chan error, 1)
	go func() {
		done <- s.collector.Request(method, target, body, cctx, hdr)
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-done:
		if err != nil {
			classified := classifyError(err, target)
			s.recordError(classified)
			return nil, classified
		}
	}

	resp, ok := cctx.GetAny(ctxResponse).(*Response)
	if !ok {
		err := &FetchError{Kind: models.ErrorKindNetwork, URL: target, Err: errors.New("no response captured")}
		s.recordError(err)
		return nil, err
	}
	return resp, nil
}

// Stats returns a snapshot of the transport counters.
func (s *Scraper) Stats() Stats {
	s.mu.Lock()
	byType := make(map[string]int, len(s.errorsByType))
	for k, v := range s.errorsByType {
		byType[k] = v
	}
	s.mu.Unlock()

	return Stats{
		Requests:     int(atomic.LoadInt64(&s.requestCount)),
		Errors:       int(atomic.LoadInt64(&s.errorCount)),
		Retries:      s.retry.TotalRetries(),
		ErrorsByType: byType,
	}
}

// RecordError counts err in the run statistics and metrics.
func (s *Scraper) RecordError(err error) {
	s.recordError(err)
}

func (s *Scraper) configureHandlers() {
	s.handlersOnce.Do(func() {
		s.collector.OnRequest(func(r *colly.Request) {
			r.Ctx.Put(ctxStart, time.Now())
			current := atomic.AddInt64(&s.requestCount, 1)
			s.Metrics.IncRequest(endpointLabel(r.URL.Path))
			slog.Debug("request",
				slog.Int64("requests", current),
				slog.String("method", r.Method),
				slog.String("url", r.URL.String()),
			)
		})

		s.collector.OnResponse(func(r *colly.Response) {
			header := http.Header{}
			if r.Headers != nil {
				header = r.Headers.Clone()
			}
			r.Ctx.Put(ctxResponse, &Response{
				StatusCode: r.StatusCode,
				Body:       append([]byte(nil), r.Body...),
				Header:     header,
				URL:        r.Request.URL.String(),
			})
			if start, ok := r.Ctx.GetAny(ctxStart).(time.Time); ok {
				s.Metrics.ObserveDuration(endpointLabel(r.Request.URL.Path), time.Since(start))
			}
			if r.StatusCode >= http.StatusBadRequest {
				slog.Debug("non-2xx response",
					slog.Int("status", r.StatusCode),
					slog.String("url", r.Request.URL.String()),
				)
			}
		})

		s.collector.OnError(func(r *colly.Response, err error) {
			url := ""
			if r != nil && r.Request != nil && r.Request.URL != nil {
				url = r.Request.URL.String()
			}
			slog.Debug("transport error", slog.String("url", url), slog.Any("error", err))
		})
	})
}

// fetchPage GETs an authenticated page, retrying transient failures, and
// turns expiry and unexpected statuses into *FetchError.
func (s *Scraper) fetchPage(ctx context.Context, session models.Session, path string) (*Response, error) {
	if !session.Usable() {
		return nil, &FetchError{
			Kind: models.ErrorKindSessionExpired,
			URL:  path,
			Err:  errors.New("session is not valid"),
		}
	}

	var resp *Response
	err := s.retry.Do(ctx, path, func(ctx context.Context) error {
		r, err := s.Do(ctx, Request{Method: http.MethodGet, Path: path, Cookies: session.Cookies()})
		if err != nil {
			return err
		}
		if err := s.checkResponse(r); err != nil {
			s.recordError(err)
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *Scraper) checkResponse(r *Response) error {
	switch {
	case r.StatusCode == http.StatusUnauthorized || r.StatusCode == http.StatusForbidden:
		return &FetchError{Kind: models.ErrorKindSessionExpired, URL: r.URL, Status: r.StatusCode}
	case r.StatusCode >= 300 && r.StatusCode < 400:
		if IsLoginRedirect(r.Location()) {
			return &FetchError{Kind: models.ErrorKindSessionExpired, URL: r.URL, Status: r.StatusCode}
		}
		return &FetchError{
			Kind:   models.ErrorKindUnexpectedStatus,
			URL:    r.URL,
			Status: r.StatusCode,
			Err:    fmt.Errorf("redirect to %q", r.Location()),
		}
	case r.StatusCode < 200 || r.StatusCode >= 300:
		return &FetchError{
			Kind:     models.ErrorKindUnexpectedStatus,
			URL:      r.URL,
			Status:   r.StatusCode,
			Fragment: parser.Fragment(r.Body),
		}
	}
	if parser.IsLoginPage(r.Body) {
		return &FetchError{
			Kind:   models.ErrorKindSessionExpired,
			URL:    r.URL,
			Status: r.StatusCode,
			Err:    errors.New("login form served"),
		}
	}
	return nil
}

func (s *Scraper) resolve(path string) (string, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parse request path %q: %w", path, err)
	}
	return s.baseURL.ResolveReference(ref).String(), nil
}

// sameSitePath returns href as a path+query on the base host, or "" when it
// points elsewhere.
func (s *Scraper) sameSitePath(href string) string {
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	abs := s.baseURL.ResolveReference(ref)
	if abs.Host != s.baseURL.Host {
		return ""
	}
	return abs.RequestURI()
}

func (s *Scraper) recordError(err error) {
	atomic.AddInt64(&s.errorCount, 1)
	category := errorTypeLabel(err)

	s.mu.Lock()
	s.errorsByType[category]++
	s.mu.Unlock()

	s.Metrics.IncError(category)
}

// IsLoginRedirect reports whether a Location header points at the login page.
func IsLoginRedirect(location string) bool {
	if location == "" {
		return false
	}
	u, err := url.Parse(location)
	if err != nil {
		return false
	}
	return u.Path == LoginPath || strings.HasPrefix(u.Path, LoginPath+"/")
}

func cookieHeader(cookies []*http.Cookie) string {
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		if c == nil || c.Name == "" {
			continue
		}
		parts = append(parts, (&http.Cookie{Name: c.Name, Value: c.Value}).String())
	}
	return strings.Join(parts, "; ")
}
