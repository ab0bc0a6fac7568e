// Package provider holds the error taxonomy shared by all remote speech and
// text services. Provider implementations under pkg/provider/* classify
// their failures with [Classify] or [FromStatus] so callers can decide
// between retrying, falling back and giving up without knowing which SDK
// produced the error.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"
)

// ErrMissingCredential is wrapped by a [ConfigurationError] when a provider
// is invoked without the API key or endpoint it needs.
var ErrMissingCredential = errors.New("provider: missing credential")

// ErrUnsupportedFormat is wrapped by a [ConfigurationError] when a service
// rejects or returns an audio format the pipeline cannot handle.
var ErrUnsupportedFormat = errors.New("provider: unsupported audio format")

// TransientNetworkError is a failure that may succeed if retried: connection
// resets, refused connections, transport timeouts and HTTP 408, 429 and 5xx.
type TransientNetworkError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientNetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: transient failure (HTTP %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// ServiceError is a remote call that failed for good, either because the
// service rejected the request or because a transient failure persisted
// after retrying.
type ServiceError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *ServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: service error (HTTP %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: service error: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// ConfigurationError is a missing credential, a rejected credential or an
// unsupported format. It disables the call path it occurred on; it is never
// retried.
type ConfigurationError struct {
	Op  string
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: configuration error: %v", e.Op, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// TimeoutError is a call that exceeded its deadline.
type TimeoutError struct {
	Op    string
	After time.Duration
	Err   error
}

func (e *TimeoutError) Error() string {
	if e.After > 0 {
		return fmt.Sprintf("%s: timed out after %s", e.Op, e.After)
	}
	return fmt.Sprintf("%s: timed out", e.Op)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, context.DeadlineExceeded) hold for timeouts that
// were not caused by a context deadline.
func (e *TimeoutError) Is(target error) bool {
	return target == context.DeadlineExceeded
}

// StatusError is returned by HTTP-based providers for non-2xx responses.
// [Classify] maps it through [FromStatus].
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// Configuration returns a [ConfigurationError] for op.
func Configuration(op string, err error) error {
	return &ConfigurationError{Op: op, Err: err}
}

// MissingCredential returns a [ConfigurationError] wrapping
// [ErrMissingCredential] for the named setting.
func MissingCredential(op, setting string) error {
	return &ConfigurationError{Op: op, Err: fmt.Errorf("%w: %s", ErrMissingCredential, setting)}
}

// FromStatus classifies an HTTP status code returned by op. err is the
// SDK error or response body wrapped by the result.
func FromStatus(op string, code int, err error) error {
	if err == nil {
		err = errors.New(http.StatusText(code))
	}
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return &TransientNetworkError{Op: op, StatusCode: code, Err: err}
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return &ConfigurationError{Op: op, Err: err}
	case code == http.StatusUnsupportedMediaType:
		return &ConfigurationError{Op: op, Err: fmt.Errorf("%w: %w", ErrUnsupportedFormat, err)}
	default:
		return &ServiceError{Op: op, StatusCode: code, Err: err}
	}
}

// Classify maps err into the taxonomy. Errors that already wrap a taxonomy
// type are returned unchanged, as is context.Canceled (cancellation is not a
// provider failure). A nil err yields nil.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if isClassified(err) || errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Op: op, Err: err}
	}

	var se *StatusError
	if errors.As(err, &se) {
		return FromStatus(op, se.StatusCode, err)
	}
	if errors.Is(err, ErrMissingCredential) || errors.Is(err, ErrUnsupportedFormat) {
		return &ConfigurationError{Op: op, Err: err}
	}
	if isTransientNetwork(err) {
		return &TransientNetworkError{Op: op, Err: err}
	}
	return &ServiceError{Op: op, Err: err}
}

// IsTransient reports whether err is a [TransientNetworkError].
func IsTransient(err error) bool {
	var te *TransientNetworkError
	return errors.As(err, &te)
}

// IsConfiguration reports whether err is a [ConfigurationError].
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsTimeout reports whether err is a [TimeoutError].
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsService reports whether err is a [ServiceError].
func IsService(err error) bool {
	var se *ServiceError
	return errors.As(err, &se)
}

func isClassified(err error) bool {
	var (
		tn *TransientNetworkError
		se *ServiceError
		ce *ConfigurationError
		to *TimeoutError
	)
	return errors.As(err, &tn) || errors.As(err, &se) || errors.As(err, &ce) || errors.As(err, &to)
}

func isTransientNetwork(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, net.ErrClosed) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}
