// Package parser turns dashboard and category pages into structured values.
package parser

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"

	"github.com/aluiziolira/leanpub-report/models"
)

// ParseError reports a page whose structure did not match the expected layout.
type ParseError struct {
	Page     string
	Reason   string
	Fragment string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %s", e.Page, e.Reason)
}

func newParseError(page, reason string, body []byte) *ParseError {
	return &ParseError{Page: page, Reason: reason, Fragment: Fragment(body)}
}

// BookPage is one page of a dashboard listing.
type BookPage struct {
	Books []models.BookSummary
	// Next is the href of the following page, empty on the last page.
	Next string
}

// ParseBookList extracts the books linked from a dashboard listing.
// status comes from the endpoint that served the page and is stamped on every entry.
func ParseBookList(body []byte, status models.Status) (BookPage, error) {
	if !isMarkup(body) {
		return BookPage{}, newParseError("book list", "response is not an HTML page", body)
	}
	doc, err := document(body)
	if err != nil {
		return BookPage{}, newParseError("book list", err.Error(), body)
	}

	page := BookPage{Books: []models.BookSummary{}}
	seen := make(map[string]struct{})
	doc.Find(bookLinkSelector).Each(func(_ int, a *goquery.Selection) {
		slug, ok := slugFromHref(a.AttrOr("href", ""))
		if !ok {
			return
		}
		if _, dup := seen[slug]; dup {
			return
		}
		title := NormalizeText(a.Text())
		if title == "" {
			return
		}
		seen[slug] = struct{}{}
		page.Books = append(page.Books, models.BookSummary{
			Slug:   slug,
			Title:  title,
			Status: status,
		})
	})

	page.Next = strings.TrimSpace(doc.Find(nextPageSelector).First().AttrOr("href", ""))
	return page, nil
}

func slugFromHref(href string) (string, bool) {
	if href == "" {
		return "", false
	}
	u, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	if !strings.HasSuffix(u.Path, bookLinkSuffix) {
		return "", false
	}
	slug := strings.TrimSuffix(strings.TrimPrefix(u.Path, "/"), bookLinkSuffix)
	if slug == "" || strings.Contains(slug, "/") {
		return "", false
	}
	return slug, true
}

// ParseCategories extracts the category names listed on a book's category page.
func ParseCategories(body []byte) (models.CategorySet, error) {
	doc, err := document(body)
	if err != nil {
		return nil, newParseError("categories", err.Error(), body)
	}

	container := doc.Find(categoryContainerSelector).First()
	if container.Length() == 0 {
		return nil, newParseError("categories", "category list not found", body)
	}

	categories := models.CategorySet{}
	container.Find(categoryItemSelector).Each(func(_ int, item *goquery.Selection) {
		name := NormalizeText(item.Text())
		if name == "" || categories.Contains(name) {
			return
		}
		categories = append(categories, name)
	})
	return categories, nil
}

// IsLoginPage reports whether body is the sign-in form rather than the requested page.
func IsLoginPage(body []byte) bool {
	doc, err := document(body)
	if err != nil {
		return false
	}
	return doc.Find(loginPasswordSelector).Length() > 0 || doc.Find(loginFormSelector).Length() > 0
}

// LoginToken returns the CSRF token embedded in the login page, if any.
func LoginToken(body []byte) string {
	doc, err := document(body)
	if err != nil {
		return ""
	}
	if token := doc.Find(loginTokenSelector).First().AttrOr("value", ""); token != "" {
		return token
	}
	return doc.Find(csrfMetaSelector).First().AttrOr("content", "")
}

// ValidateSummary ensures the listing captured the required fields.
func ValidateSummary(b models.BookSummary) error {
	if strings.TrimSpace(b.Slug) == "" {
		return fmt.Errorf("book missing slug")
	}
	if strings.Contains(b.Slug, "/") {
		return fmt.Errorf("book slug %q is not a single path segment", b.Slug)
	}
	if strings.TrimSpace(b.Title) == "" {
		return fmt.Errorf("book missing title for %s", b.Slug)
	}
	if _, err := models.ParseStatus(string(b.Status)); err != nil {
		return fmt.Errorf("book %s: %w", b.Slug, err)
	}
	return nil
}

// NormalizeText drops non printable runes and collapses whitespace.
func NormalizeText(text string) string {
	var b strings.Builder
	for _, r := range text {
		if unicode.IsSpace(r) {
			b.WriteRune(' ')
			continue
		}
		if unicode.IsPrint(r) {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Fragment returns the start of body, trimmed for log and error output.
func Fragment(body []byte) string {
	text := strings.TrimSpace(string(body))
	runes := []rune(text)
	if len(runes) <= maxFragmentLen {
		return text
	}
	return string(runes[:maxFragmentLen]) + "..."
}

// isMarkup reports whether body opens with a tag. A page with markup but no
// book links is an empty listing; JSON or plain text is not a listing at all.
func isMarkup(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && trimmed[0] == '<'
}

func document(body []byte) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(bytes.NewReader(body))
}
