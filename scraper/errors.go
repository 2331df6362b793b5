package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/aluiziolira/leanpub-report/models"
	"github.com/aluiziolira/leanpub-report/parser"
)

// Sentinels matched by errors.Is against FetchError and AuthError.
var (
	ErrSessionExpired     = errors.New("session expired")
	ErrParse              = errors.New("parse error")
	ErrTimeout            = errors.New("timeout")
	ErrNetwork            = errors.New("network error")
	ErrUnexpectedStatus   = errors.New("unexpected status")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnexpectedResponse = errors.New("unexpected login response")
)

// FetchError describes a failed request against the site.
type FetchError struct {
	Kind     models.ErrorKind
	URL      string
	Status   int
	Fragment string
	Err      error
}

func (e *FetchError) Error() string {
	msg := string(e.Kind)
	if e.URL != "" {
		msg += " " + e.URL
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind.
func (e *FetchError) Is(target error) bool {
	switch target {
	case ErrSessionExpired:
		return e.Kind == models.ErrorKindSessionExpired
	case ErrParse:
		return e.Kind == models.ErrorKindParse
	case ErrTimeout:
		return e.Kind == models.ErrorKindTimeout
	case ErrNetwork:
		return e.Kind == models.ErrorKindNetwork
	case ErrUnexpectedStatus:
		return e.Kind == models.ErrorKindUnexpectedStatus
	}
	return false
}

// AuthKind tells why a login failed.
type AuthKind string

const (
	AuthInvalidCredentials AuthKind = "invalid_credentials"
	AuthUnexpectedResponse AuthKind = "unexpected_response"
)

// AuthError is returned by login. It is fatal to a run.
type AuthError struct {
	Kind   AuthKind
	Status int
	Err    error
}

func (e *AuthError) Error() string {
	msg := "login failed: " + string(e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

func (e *AuthError) Is(target error) bool {
	switch target {
	case ErrInvalidCredentials:
		return e.Kind == AuthInvalidCredentials
	case ErrUnexpectedResponse:
		return e.Kind == AuthUnexpectedResponse
	}
	return false
}

// IsSessionExpired reports whether err signals an expired session.
func IsSessionExpired(err error) bool {
	return errors.Is(err, ErrSessionExpired)
}

// Retryable reports whether err is transient: timeouts, network failures,
// rate limiting and server errors.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		return false
	}
	switch fetchErr.Kind {
	case models.ErrorKindTimeout, models.ErrorKindNetwork:
		return true
	case models.ErrorKindUnexpectedStatus:
		return fetchErr.Status == http.StatusTooManyRequests || fetchErr.Status >= http.StatusInternalServerError
	}
	return false
}

// KindOf maps err onto the kind recorded in a report.
func KindOf(err error) models.ErrorKind {
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return models.ErrorKindCancelled
	}
	var parseErr *parser.ParseError
	if errors.As(err, &parseErr) {
		return models.ErrorKindParse
	}
	return models.ErrorKindNetwork
}

func classifyError(err error, target string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &FetchError{Kind: models.ErrorKindTimeout, URL: target, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &FetchError{Kind: models.ErrorKindTimeout, URL: target, Err: err}
	}
	return &FetchError{Kind: models.ErrorKindNetwork, URL: target, Err: err}
}

func parseFailure(target string, err error) error {
	fetchErr := &FetchError{Kind: models.ErrorKindParse, URL: target, Err: err}
	var parseErr *parser.ParseError
	if errors.As(err, &parseErr) {
		fetchErr.Fragment = parseErr.Fragment
	}
	return fetchErr
}

func errorTypeLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return string(authErr.Kind)
	}
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return string(fetchErr.Kind)
	}
	if errors.Is(err, context.Canceled) {
		return string(models.ErrorKindCancelled)
	}
	return "other"
}
