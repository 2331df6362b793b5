// Package pipeline turns the discovered books into the final report and writes it out.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aluiziolira/leanpub-report/models"
	"github.com/aluiziolira/leanpub-report/scraper"
)

// CategoryFetcher fetches the categories of one book.
type CategoryFetcher interface {
	Categories(ctx context.Context, session models.Session, slug string) (models.CategorySet, error)
}

// Authenticator replaces an expired session.
type Authenticator interface {
	Reauthenticate(ctx context.Context, stale models.Session) (models.Session, error)
}

// Aggregator fans category fetches out over a bounded worker pool and
// assembles the report in discovery order.
type Aggregator struct {
	fetcher CategoryFetcher
	auth    Authenticator
	workers int
	metrics *scraper.Metrics

	progressEvery time.Duration
	reauthSpent   bool
}

// NewAggregator builds an aggregator running at most workers fetches at once.
func NewAggregator(fetcher CategoryFetcher, auth Authenticator, workers int, metrics *scraper.Metrics) *Aggregator {
	if workers <= 0 {
		workers = 1
	}
	return &Aggregator{
		fetcher: fetcher,
		auth:    auth,
		workers: workers,
		metrics: metrics,
	}
}

// ReportProgress makes BuildReport log how many books are done every interval.
func (a *Aggregator) ReportProgress(interval time.Duration) *Aggregator {
	a.progressEvery = interval
	return a
}

// SpendReauthentication marks the run's single re-authentication as already
// used. A session expiry during BuildReport is then recorded on the entry.
func (a *Aggregator) SpendReauthentication() *Aggregator {
	a.reauthSpent = true
	return a
}

// BuildReport fetches categories for every book. It returns one entry per
// book, in the order given, with per-book failures recorded on the entry.
//
// A session expiry triggers at most one re-authentication for the whole
// call, and none after SpendReauthentication. If that re-authentication
// fails, or ctx is cancelled, the entries not yet fetched are marked
// cancelled and the partial report is returned together with the error.
func (a *Aggregator) BuildReport(ctx context.Context, session models.Session, books []models.BookSummary) (models.Report, error) {
	report := make(models.Report, len(books))
	for i, book := range books {
		report[i] = models.BookReport{Book: book}
	}
	if len(books) == 0 {
		return report, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	gate := newSessionGate(session, a.auth)
	gate.used = a.reauthSpent
	finished := make([]bool, len(books))
	jobs := make(chan int)

	var completed int64
	stopProgress := a.startProgress(len(books), &completed)
	defer stopProgress()

	workers := a.workers
	if workers > len(books) {
		workers = len(books)
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				entry, ok, fatal := a.fetch(runCtx, gate, books[i])
				if fatal {
					cancel()
				}
				if !ok {
					continue
				}
				report[i] = entry
				finished[i] = true
				atomic.AddInt64(&completed, 1)
			}
		}()
	}

dispatch:
	for i := range books {
		select {
		case <-runCtx.Done():
			break dispatch
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()

	cancelled := 0
	for i := range report {
		if finished[i] {
			continue
		}
		cancelled++
		report[i].Categories = nil
		report[i].FetchError = &models.FetchFailure{
			Kind:    models.ErrorKindCancelled,
			Message: "not fetched: run stopped",
		}
	}

	slog.Info("report built",
		slog.Int("books", len(report)),
		slog.Int("failures", report.Failures()),
		slog.Int("cancelled", cancelled),
	)

	if err := ctx.Err(); err != nil {
		return report, err
	}
	if err := gate.failure(); err != nil {
		return report, err
	}
	return report, nil
}

func (a *Aggregator) startProgress(total int, completed *int64) func() {
	if a.progressEvery <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(a.progressEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				slog.Info("category fetch progress",
					slog.Int64("done", atomic.LoadInt64(completed)),
					slog.Int("total", total),
				)
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

// fetch runs one category fetch. ok is false when the fetch was abandoned;
// fatal is set when re-authentication failed and the run must stop.
func (a *Aggregator) fetch(ctx context.Context, gate *sessionGate, book models.BookSummary) (entry models.BookReport, ok, fatal bool) {
	entry = models.BookReport{Book: book}

	session, gen, err := gate.acquire()
	if err != nil || ctx.Err() != nil {
		return entry, false, false
	}

	a.metrics.TrackInFlight(1)
	categories, err := a.fetcher.Categories(ctx, session, book.Slug)
	a.metrics.TrackInFlight(-1)

	if scraper.IsSessionExpired(err) {
		refreshed, retry, gateErr := gate.refresh(ctx, session, gen)
		if gateErr != nil {
			return entry, false, !errors.Is(gateErr, context.Canceled)
		}
		if retry {
			a.metrics.TrackInFlight(1)
			categories, err = a.fetcher.Categories(ctx, refreshed, book.Slug)
			a.metrics.TrackInFlight(-1)
		}
	}

	if err != nil {
		if ctx.Err() != nil {
			return entry, false, false
		}
		kind := scraper.KindOf(err)
		entry.FetchError = &models.FetchFailure{Kind: kind, Message: err.Error()}
		a.metrics.IncCategoryFetch(string(kind))
		slog.Warn("category fetch failed",
			slog.String("slug", book.Slug),
			slog.String("kind", string(kind)),
			slog.Any("error", err),
		)
		return entry, true, false
	}

	entry.Categories = categories
	a.metrics.IncCategoryFetch("ok")
	return entry, true, false
}

// sessionGate shares one session between workers and lets exactly one of
// them replace it after an expiry. Workers block while the replacement is
// in flight.
type sessionGate struct {
	auth Authenticator

	mu         sync.Mutex
	cond       *sync.Cond
	current    models.Session
	generation int
	refreshing bool
	used       bool
	err        error
}

func newSessionGate(session models.Session, auth Authenticator) *sessionGate {
	g := &sessionGate{auth: auth, current: session}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// acquire returns the current session and its generation, waiting for a
// refresh in progress.
func (g *sessionGate) acquire() (models.Session, int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.refreshing {
		g.cond.Wait()
	}
	return g.current, g.generation, g.err
}

// refresh is called by a worker whose session of generation gen expired.
// It returns the session to retry with, or retry=false once the single
// re-authentication has been spent.
func (g *sessionGate) refresh(ctx context.Context, stale models.Session, gen int) (models.Session, bool, error) {
	g.mu.Lock()
	for g.refreshing {
		g.cond.Wait()
	}
	switch {
	case g.err != nil:
		err := g.err
		g.mu.Unlock()
		return models.Session{}, false, err
	case g.generation != gen:
		current := g.current
		g.mu.Unlock()
		return current, true, nil
	case g.used:
		g.mu.Unlock()
		return models.Session{}, false, nil
	}
	g.used = true
	g.refreshing = true
	g.mu.Unlock()

	fresh, err := g.auth.Reauthenticate(ctx, stale)

	g.mu.Lock()
	g.refreshing = false
	if err != nil {
		g.err = err
	} else {
		g.current = fresh
		g.generation++
	}
	g.cond.Broadcast()
	g.mu.Unlock()

	if err != nil {
		slog.Error("re-authentication failed, stopping", slog.Any("error", err))
		return models.Session{}, false, err
	}
	return fresh, true, nil
}

func (g *sessionGate) failure() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}
