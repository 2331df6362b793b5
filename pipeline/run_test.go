package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jarcoal/httpmock"

	"github.com/aluiziolira/leanpub-report/config"
	"github.com/aluiziolira/leanpub-report/models"
	"github.com/aluiziolira/leanpub-report/scraper"
	"github.com/aluiziolira/leanpub-report/session"
)

const testBase = "http://example.test"

func newTestRunner(t *testing.T) (*Runner, *httpmock.MockTransport) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.BaseURL = testBase
	cfg.Parallelism = 2
	cfg.Delay = 0
	cfg.RandomDelay = 0
	cfg.Timeout = 2 * time.Second
	cfg.RetryBackoff = time.Millisecond
	cfg.RetryBackoffMax = 2 * time.Millisecond
	cfg.FetchLoginToken = false

	s, err := scraper.NewScraper(cfg)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	transport := httpmock.NewMockTransport()
	s.SetTransport(transport)

	creds := models.Credentials{Username: "author@example.test", Password: "s3cret"}
	return NewRunner(cfg, s, session.NewManager(s, creds, cfg)), transport
}

func html(status int, body string) httpmock.Responder {
	return func(req *http.Request) (*http.Response, error) {
		resp := httpmock.NewStringResponse(status, body)
		resp.Header.Set("Content-Type", "text/html; charset=utf-8")
		return resp, nil
	}
}

func loginResponder(cookies ...string) httpmock.Responder {
	var n int64
	return func(req *http.Request) (*http.Response, error) {
		i := int(atomic.AddInt64(&n, 1)) - 1
		if i >= len(cookies) {
			i = len(cookies) - 1
		}
		resp := httpmock.NewStringResponse(http.StatusFound, "")
		resp.Header.Set("Location", testBase+"/author_dashboard")
		resp.Header.Add("Set-Cookie", "_leanpub_session="+cookies[i]+"; Path=/")
		return resp, nil
	}
}

// requireCookie answers 401 unless the request carries the given session cookie.
func requireCookie(cookie string, next httpmock.Responder) httpmock.Responder {
	return func(req *http.Request) (*http.Response, error) {
		if req.Header.Get("Cookie") != "_leanpub_session="+cookie {
			return httpmock.NewStringResponse(http.StatusUnauthorized, ""), nil
		}
		return next(req)
	}
}

func listing(titles map[string]string, slugs ...string) string {
	var b strings.Builder
	b.WriteString("<html><body><table>")
	for _, slug := range slugs {
		fmt.Fprintf(&b, `<tr><td><a href="/%s/overview">%s</a></td></tr>`, slug, titles[slug])
	}
	b.WriteString("</table></body></html>")
	return b.String()
}

func categories(names ...string) string {
	var b strings.Builder
	b.WriteString(`<html><body><section class="book-categories"><ul>`)
	for _, name := range names {
		fmt.Fprintf(&b, "<li>%s</li>", name)
	}
	b.WriteString("</ul></section></body></html>")
	return b.String()
}

var titles = map[string]string{"a": "Alpha", "b": "Beta", "c": "Gamma", "d": "Delta"}

func TestRunBuildsReport(t *testing.T) {
	runner, transport := newTestRunner(t)
	transport.RegisterResponder("POST", testBase+"/login", loginResponder("c1"))
	transport.RegisterResponder("GET", testBase+scraper.PublishedPath, requireCookie("c1", html(200, listing(titles, "a", "b", "c"))))
	transport.RegisterResponder("GET", testBase+scraper.UnpublishedPath, requireCookie("c1", html(200, listing(titles))))
	transport.RegisterResponder("GET", testBase+"/a/book_categories", requireCookie("c1", html(200, categories("Fiction"))))
	transport.RegisterResponder("GET", testBase+"/b/book_categories", requireCookie("c1", html(200, categories())))
	transport.RegisterResponder("GET", testBase+"/c/book_categories", requireCookie("c1", html(200, categories("Tech", "Guide"))))

	result, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	want := models.Report{
		{Book: models.BookSummary{Slug: "a", Title: "Alpha", Status: models.StatusPublished}, Categories: models.CategorySet{"Fiction"}},
		{Book: models.BookSummary{Slug: "b", Title: "Beta", Status: models.StatusPublished}, Categories: models.CategorySet{}},
		{Book: models.BookSummary{Slug: "c", Title: "Gamma", Status: models.StatusPublished}, Categories: models.CategorySet{"Tech", "Guide"}},
	}
	if diff := cmp.Diff(want, result.Report); diff != "" {
		t.Fatalf("report mismatch (-want +got):\n%s", diff)
	}
	if result.RunID == "" {
		t.Fatal("expected a run id")
	}
	if result.RequestCount != 6 {
		t.Fatalf("requests=%d, want 6", result.RequestCount)
	}
	if result.Reauthentications != 0 {
		t.Fatalf("reauthentications=%d, want 0", result.Reauthentications)
	}
	if result.EndTime.Before(result.StartTime) {
		t.Fatal("end time before start time")
	}
}

func TestRunDedupesSlugsAcrossListings(t *testing.T) {
	runner, transport := newTestRunner(t)
	transport.RegisterResponder("POST", testBase+"/login", loginResponder("c1"))
	transport.RegisterResponder("GET", testBase+scraper.PublishedPath, html(200, listing(titles, "a", "b")))
	transport.RegisterResponder("GET", testBase+scraper.UnpublishedPath, html(200, listing(titles, "b", "d")))
	for _, slug := range []string{"a", "b", "d"} {
		transport.RegisterResponder("GET", testBase+"/"+slug+"/book_categories", html(200, categories("X")))
	}

	result, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b", "d"}, result.Report.Slugs()); diff != "" {
		t.Fatalf("slugs mismatch (-want +got):\n%s", diff)
	}
	if result.Report[1].Book.Status != models.StatusPublished {
		t.Fatalf("duplicate must keep its first listing, got %s", result.Report[1].Book.Status)
	}
	if result.DuplicateSlugs != 1 {
		t.Fatalf("duplicates=%d, want 1", result.DuplicateSlugs)
	}
}

func TestRunRecoversFromExpiryDuringCategories(t *testing.T) {
	runner, transport := newTestRunner(t)
	transport.RegisterResponder("POST", testBase+"/login", loginResponder("c1", "c2"))
	transport.RegisterResponder("GET", testBase+scraper.PublishedPath, html(200, listing(titles, "a", "b", "c")))
	transport.RegisterResponder("GET", testBase+scraper.UnpublishedPath, html(200, listing(titles)))

	// The first session stops working once listings are done.
	for slug, cats := range map[string][]string{"a": {"Fiction"}, "b": {"Poetry"}, "c": {"Tech"}} {
		transport.RegisterResponder("GET", testBase+"/"+slug+"/book_categories", requireCookie("c2", html(200, categories(cats...))))
	}

	result, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Reauthentications != 1 {
		t.Fatalf("reauthentications=%d, want 1", result.Reauthentications)
	}
	if got := result.Report.Failures(); got != 0 {
		t.Fatalf("failures=%d, want 0: %+v", got, result.Report)
	}
	info := transport.GetCallCountInfo()
	if got := info["POST "+testBase+"/login"]; got != 2 {
		t.Fatalf("logins=%d, want 2", got)
	}
}

func TestRunRecoversFromExpiryDuringListing(t *testing.T) {
	runner, transport := newTestRunner(t)
	transport.RegisterResponder("POST", testBase+"/login", loginResponder("c1", "c2"))
	transport.RegisterResponder("GET", testBase+scraper.PublishedPath, requireCookie("c2", html(200, listing(titles, "a"))))
	transport.RegisterResponder("GET", testBase+scraper.UnpublishedPath, requireCookie("c2", html(200, listing(titles))))
	transport.RegisterResponder("GET", testBase+"/a/book_categories", requireCookie("c2", html(200, categories("Fiction"))))

	result, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Reauthentications != 1 || len(result.Report) != 1 || result.Report[0].Failed() {
		t.Fatalf("unexpected result: reauths=%d report=%+v", result.Reauthentications, result.Report)
	}
}

func TestRunInvalidCredentialsIssuesNoFetches(t *testing.T) {
	runner, transport := newTestRunner(t)
	transport.RegisterResponder("POST", testBase+"/login", httpmock.NewStringResponder(http.StatusForbidden, "denied"))

	result, err := runner.Run(context.Background())
	if !errors.Is(err, scraper.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if len(result.Report) != 0 {
		t.Fatalf("expected empty report, got %+v", result.Report)
	}
	if got := transport.GetTotalCallCount(); got != 1 {
		t.Fatalf("calls=%d, want only the login", got)
	}
}

func TestRunKeepsBooksWhenListingFails(t *testing.T) {
	runner, transport := newTestRunner(t)
	transport.RegisterResponder("POST", testBase+"/login", loginResponder("c1"))
	transport.RegisterResponder("GET", testBase+scraper.PublishedPath, html(200, listing(titles, "a", "b")))
	transport.RegisterResponder("GET", testBase+scraper.UnpublishedPath, html(http.StatusServiceUnavailable, "busy"))
	transport.RegisterResponder("GET", testBase+"/a/book_categories", html(200, categories("Fiction")))
	transport.RegisterResponder("GET", testBase+"/b/book_categories", html(200, categories("Poetry")))

	result, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("a failed listing must not abort the run: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, result.Report.Slugs()); diff != "" {
		t.Fatalf("slugs mismatch (-want +got):\n%s", diff)
	}
	if got := result.Report.Failures(); got != 0 {
		t.Fatalf("failures=%d, want 0: %+v", got, result.Report)
	}
	if result.Complete() || len(result.ListingErrors) != 1 {
		t.Fatalf("expected one listing error, got %+v", result.ListingErrors)
	}
	failure := result.ListingErrors[0]
	if failure.Status != models.StatusUnpublished || failure.Kind != models.ErrorKindUnexpectedStatus {
		t.Fatalf("unexpected listing error: %+v", failure)
	}
	// Retried before giving up.
	if got := transport.GetCallCountInfo()["GET "+testBase+scraper.UnpublishedPath]; got != 3 {
		t.Fatalf("unpublished calls=%d, want 3", got)
	}
}

func TestRunListingParseErrorIsRecorded(t *testing.T) {
	runner, transport := newTestRunner(t)
	transport.RegisterResponder("POST", testBase+"/login", loginResponder("c1"))
	transport.RegisterResponder("GET", testBase+scraper.PublishedPath, html(200, "plain text outage notice"))
	transport.RegisterResponder("GET", testBase+scraper.UnpublishedPath, html(200, listing(titles, "c")))
	transport.RegisterResponder("GET", testBase+"/c/book_categories", html(200, categories("Tech")))

	result, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if diff := cmp.Diff([]string{"c"}, result.Report.Slugs()); diff != "" {
		t.Fatalf("slugs mismatch (-want +got):\n%s", diff)
	}
	if len(result.ListingErrors) != 1 || result.ListingErrors[0].Kind != models.ErrorKindParse {
		t.Fatalf("expected a parse error on the published listing, got %+v", result.ListingErrors)
	}
}

func TestRunReauthenticatesOncePerRun(t *testing.T) {
	runner, transport := newTestRunner(t)
	transport.RegisterResponder("POST", testBase+"/login", loginResponder("c1", "c2", "c3"))
	transport.RegisterResponder("GET", testBase+scraper.PublishedPath, requireCookie("c2", html(200, listing(titles, "a", "b"))))
	transport.RegisterResponder("GET", testBase+scraper.UnpublishedPath, requireCookie("c2", html(200, listing(titles))))
	// Category pages only accept a session the run never gets.
	for _, slug := range []string{"a", "b"} {
		transport.RegisterResponder("GET", testBase+"/"+slug+"/book_categories", requireCookie("c3", html(200, categories("X"))))
	}

	result, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Reauthentications != 1 {
		t.Fatalf("reauthentications=%d, want 1", result.Reauthentications)
	}
	if got := transport.GetCallCountInfo()["POST "+testBase+"/login"]; got != 2 {
		t.Fatalf("logins=%d, want 2", got)
	}
	for _, entry := range result.Report {
		if entry.FetchError == nil || entry.FetchError.Kind != models.ErrorKindSessionExpired {
			t.Fatalf("entry %s: expected session_expired, got %+v", entry.Book.Slug, entry.FetchError)
		}
	}
}

func TestDedupeNeverEvicts(t *testing.T) {
	var books []models.BookSummary
	for i := 0; i < 50; i++ {
		books = append(books, models.BookSummary{Slug: fmt.Sprintf("book-%d", i), Status: models.StatusPublished})
	}
	books = append(books, models.BookSummary{Slug: "book-0", Status: models.StatusUnpublished})

	result := &models.RunResult{}
	got := dedupe(books, result)
	if len(got) != 50 || result.DuplicateSlugs != 1 {
		t.Fatalf("kept=%d duplicates=%d, want 50 and 1", len(got), result.DuplicateSlugs)
	}
	if got[0].Status != models.StatusPublished {
		t.Fatalf("first entry must win, got %s", got[0].Status)
	}
}
