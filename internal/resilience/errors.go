package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"

	"github.com/sony/gobreaker"
)

// ErrorKind is the closed set of failure classes produced by the fetch layer.
type ErrorKind string

const (
	KindNetwork     ErrorKind = "network"
	KindTimeout     ErrorKind = "timeout"
	KindTemporary   ErrorKind = "temporary"
	KindUnavailable ErrorKind = "unavailable"
	KindRateLimited ErrorKind = "rate_limited"
	KindCircuitOpen ErrorKind = "circuit_open"
	KindServer      ErrorKind = "server"
	KindClient      ErrorKind = "client"
	KindBadResponse ErrorKind = "bad_response"
	KindCanceled    ErrorKind = "canceled"
	KindUnknown     ErrorKind = "unknown"
)

// Retryable reports whether a failure of the given kind is worth another attempt.
func Retryable(kind ErrorKind) bool {
	switch kind {
	case KindNetwork, KindTimeout, KindTemporary, KindUnavailable, KindRateLimited:
		return true
	default:
		return false
	}
}

// FetchError tags an upstream failure with its kind.
type FetchError struct {
	Kind       ErrorKind
	Op         string
	StatusCode int
	Err        error
}

// NewFetchError wraps err with an explicit kind.
func NewFetchError(kind ErrorKind, op string, err error) *FetchError {
	return &FetchError{Kind: kind, Op: op, Err: err}
}

// NewStatusError builds a FetchError from a non-2xx HTTP status.
func NewStatusError(op string, status int, err error) *FetchError {
	return &FetchError{Kind: KindForStatus(status), Op: op, StatusCode: status, Err: err}
}

func (e *FetchError) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// KindForStatus maps an HTTP status code onto an error kind.
func KindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout:
		return KindTimeout
	case status == http.StatusBadGateway, status == http.StatusServiceUnavailable, status == http.StatusGatewayTimeout:
		return KindUnavailable
	case status >= 500:
		return KindServer
	case status >= 400:
		return KindClient
	default:
		return KindUnknown
	}
}

// Classify derives the kind of err. Tagged FetchErrors win; otherwise well-known
// transport and context errors are recognised by type.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return KindCircuitOpen
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return KindNetwork
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindNetwork
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTemporary {
			return KindTemporary
		}
		return KindNetwork
	}

	return KindUnknown
}
