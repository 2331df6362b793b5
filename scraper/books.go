package scraper

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aluiziolira/leanpub-report/models"
	"github.com/aluiziolira/leanpub-report/parser"
)

// Books lists the author's books on the dashboard listing for status,
// following pagination up to MaxPages. Status is taken from the listing
// queried, never from page content.
func (s *Scraper) Books(ctx context.Context, session models.Session, status models.Status) ([]models.BookSummary, error) {
	path := ListingPath(status)
	if path == "" {
		return nil, fmt.Errorf("unknown book status %q", status)
	}

	books := []models.BookSummary{}
	seen := make(map[string]struct{})
	visited := make(map[string]struct{})

	for page := 1; path != "" && page <= s.cfg.MaxPages; page++ {
		visited[path] = struct{}{}

		resp, err := s.fetchPage(ctx, session, path)
		if err != nil {
			return nil, err
		}

		parsed, err := parser.ParseBookList(resp.Body, status)
		if err != nil {
			failure := parseFailure(resp.URL, err)
			s.recordError(failure)
			return nil, failure
		}

		for _, book := range parsed.Books {
			if err := parser.ValidateSummary(book); err != nil {
				slog.Warn("skipping listing entry", slog.Any("error", err))
				continue
			}
			if _, dup := seen[book.Slug]; dup {
				continue
			}
			seen[book.Slug] = struct{}{}
			books = append(books, book)
		}

		next := s.sameSitePath(parsed.Next)
		if _, again := visited[next]; again {
			next = ""
		}
		path = next
	}

	s.Metrics.AddBooks(status, len(books))
	slog.Info("listing fetched",
		slog.String("status", string(status)),
		slog.Int("books", len(books)),
	)
	return books, nil
}
