package stream

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind classifies a generation failure.
type Kind string

const (
	KindTransport        Kind = "stream_transport_error"
	KindRateLimited      Kind = "rate_limited"
	KindQuotaExhausted   Kind = "quota_exhausted"
	KindGenerationFailed Kind = "generation_failed"
)

// Error is a typed generation failure. Match it against the Err* sentinels
// with errors.Is, or extract it with errors.As for the status and retry hint.
type Error struct {
	Kind       Kind
	StatusCode int
	RetryAfter time.Duration
	Message    string
	Err        error
}

// Sentinels for errors.Is. Only Kind is compared.
var (
	ErrStreamTransport  = &Error{Kind: KindTransport}
	ErrRateLimited      = &Error{Kind: KindRateLimited}
	ErrQuotaExhausted   = &Error{Kind: KindQuotaExhausted}
	ErrGenerationFailed = &Error{Kind: KindGenerationFailed}
)

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the failure kind carried by err, or "" if err is not a
// generation failure.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether the user may retry without external action.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindRateLimited, KindGenerationFailed:
		return true
	}
	return false
}

// Transport wraps a network-level failure.
func Transport(err error) error {
	return &Error{Kind: KindTransport, Err: err}
}

// Failed wraps a generic generation failure.
func Failed(msg string, err error) error {
	return &Error{Kind: KindGenerationFailed, Message: msg, Err: err}
}

const maxErrorBody = 4096

// FromResponse maps a non-2xx provider response to a typed failure. It
// returns nil for 2xx responses. The body is read but not closed.
func FromResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var msg string
	if resp.Body != nil {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg = strings.TrimSpace(string(b))
	}
	e := &Error{StatusCode: resp.StatusCode, Message: msg}
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		e.Kind = KindRateLimited
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	case http.StatusPaymentRequired:
		e.Kind = KindQuotaExhausted
	default:
		e.Kind = KindGenerationFailed
	}
	return e
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
