package scraper

import (
	"net/url"
	"strings"

	"github.com/aluiziolira/leanpub-report/models"
)

// Endpoints on the site.
const (
	LoginPath       = "/login"
	PublishedPath   = "/author_dashboard/books/published"
	UnpublishedPath = "/author_dashboard/books/unpublished"

	categoriesSuffix = "/book_categories"

	endpointLogin      = "login"
	endpointListing    = "listing"
	endpointCategories = "categories"
	endpointOther      = "other"
)

// ListingPath returns the dashboard listing for status, or "" if status is unknown.
func ListingPath(status models.Status) string {
	switch status {
	case models.StatusPublished:
		return PublishedPath
	case models.StatusUnpublished:
		return UnpublishedPath
	default:
		return ""
	}
}

// CategoriesPath returns the category page of a book.
func CategoriesPath(slug string) string {
	return "/" + url.PathEscape(slug) + categoriesSuffix
}

func endpointLabel(path string) string {
	switch {
	case path == LoginPath:
		return endpointLogin
	case strings.HasPrefix(path, "/author_dashboard/books/"):
		return endpointListing
	case strings.HasSuffix(path, categoriesSuffix):
		return endpointCategories
	default:
		return endpointOther
	}
}
