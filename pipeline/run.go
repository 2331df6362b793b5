package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aluiziolira/leanpub-report/config"
	"github.com/aluiziolira/leanpub-report/models"
	"github.com/aluiziolira/leanpub-report/scraper"
	"github.com/aluiziolira/leanpub-report/session"
)

const progressInterval = 10 * time.Second

// Runner performs one complete run: session, listings, categories.
type Runner struct {
	cfg      *config.Config
	scraper  *scraper.Scraper
	sessions *session.Manager
}

// NewRunner wires a runner from its collaborators.
func NewRunner(cfg *config.Config, s *scraper.Scraper, sessions *session.Manager) *Runner {
	return &Runner{cfg: cfg, scraper: s, sessions: sessions}
}

// Run produces the report. A listing that cannot be read is recorded in
// RunResult.ListingErrors and the books of the other listings are still
// reported. Only an authentication failure or cancellation returns an error;
// the result then carries whatever was gathered so far.
func (r *Runner) Run(ctx context.Context) (*models.RunResult, error) {
	result := &models.RunResult{
		RunID:     uuid.NewString(),
		StartTime: time.Now(),
		Report:    models.Report{},
	}
	logger := slog.With(slog.String("run_id", result.RunID))
	defer r.finish(result)

	sess, err := r.sessions.EnsureValid(ctx, r.sessions.Restore(ctx))
	if err != nil {
		return result, fmt.Errorf("establish session: %w", err)
	}

	books, sess, reauthenticated, err := r.listBooks(ctx, sess, result)
	if err != nil {
		return result, err
	}
	books = dedupe(books, result)
	logger.Info("books discovered",
		slog.Int("books", len(books)),
		slog.Int("duplicates", result.DuplicateSlugs),
		slog.Int("failed_listings", len(result.ListingErrors)),
	)

	sess, err = r.sessions.EnsureValid(ctx, sess)
	if err != nil {
		return result, fmt.Errorf("refresh session: %w", err)
	}

	aggregator := NewAggregator(r.scraper, r.sessions, r.cfg.Parallelism, r.scraper.Metrics)
	if r.cfg.Verbose {
		aggregator.ReportProgress(progressInterval)
	}
	if reauthenticated {
		aggregator.SpendReauthentication()
	}
	report, err := aggregator.BuildReport(ctx, sess, books)
	result.Report = report
	if err != nil {
		return result, fmt.Errorf("build report: %w", err)
	}
	return result, nil
}

// listBooks fetches every listing in discovery order. A session expiry is
// recovered by re-authenticating at most once; reauthenticated reports
// whether that happened. Any other listing failure is recorded on result and
// the listing is skipped.
func (r *Runner) listBooks(ctx context.Context, sess models.Session, result *models.RunResult) (books []models.BookSummary, _ models.Session, reauthenticated bool, _ error) {
	for _, status := range models.Statuses {
		listed, err := r.scraper.Books(ctx, sess, status)
		if scraper.IsSessionExpired(err) && !reauthenticated {
			reauthenticated = true
			sess, err = r.sessions.Reauthenticate(ctx, sess)
			if err != nil {
				return books, sess, reauthenticated, fmt.Errorf("re-authenticate: %w", err)
			}
			listed, err = r.scraper.Books(ctx, sess, status)
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return books, sess, reauthenticated, fmt.Errorf("list %s books: %w", status, ctxErr)
			}
			kind := scraper.KindOf(err)
			result.ListingErrors = append(result.ListingErrors, models.ListingFailure{
				Status:  status,
				Kind:    kind,
				Message: err.Error(),
			})
			slog.Error("listing failed, continuing without it",
				slog.String("status", string(status)),
				slog.String("kind", string(kind)),
				slog.Any("error", err),
			)
			continue
		}
		books = append(books, listed...)
	}
	return books, sess, reauthenticated, nil
}

// dedupe keeps the first listing entry of each slug.
func dedupe(books []models.BookSummary, result *models.RunResult) []models.BookSummary {
	// Sized to hold every slug so nothing is evicted.
	seen, err := lru.New[string, models.Status](len(books) + 1)
	if err != nil {
		slog.Warn("slug dedupe disabled", slog.Any("error", err))
		return books
	}

	out := make([]models.BookSummary, 0, len(books))
	for _, book := range books {
		if first, dup := seen.Get(book.Slug); dup {
			result.DuplicateSlugs++
			slog.Warn("duplicate slug dropped",
				slog.String("slug", book.Slug),
				slog.String("kept_status", string(first)),
				slog.String("dropped_status", string(book.Status)),
			)
			continue
		}
		seen.Add(book.Slug, book.Status)
		out = append(out, book)
	}
	return out
}

func (r *Runner) finish(result *models.RunResult) {
	stats := r.scraper.Stats()
	result.EndTime = time.Now()
	result.RequestCount = stats.Requests
	result.ErrorCount = stats.Errors
	result.RetryCount = stats.Retries
	result.ErrorsByType = stats.ErrorsByType
	result.Reauthentications = r.sessions.Reauthentications()
}
