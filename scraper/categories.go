package scraper

import (
	"context"
	"errors"
	"strings"

	"github.com/aluiziolira/leanpub-report/models"
	"github.com/aluiziolira/leanpub-report/parser"
)

// Categories fetches the category list of one book. It has no side effects,
// so repeated calls with a valid session return the same set.
func (s *Scraper) Categories(ctx context.Context, session models.Session, slug string) (models.CategorySet, error) {
	if slug == "" || strings.Contains(slug, "/") {
		return nil, &FetchError{
			Kind: models.ErrorKindParse,
			URL:  slug,
			Err:  errors.New("invalid book slug"),
		}
	}

	resp, err := s.fetchPage(ctx, session, CategoriesPath(slug))
	if err != nil {
		return nil, err
	}

	categories, err := parser.ParseCategories(resp.Body)
	if err != nil {
		failure := parseFailure(resp.URL, err)
		s.recordError(failure)
		return nil, failure
	}
	return categories, nil
}
