package imaputil

import (
	"context"
	"net"
	"strings"

	"github.com/pkg/errors"
)

// Error classification for the retry policy. Servers are sloppy about how
// they phrase failures, so besides the explicit markers we sniff net errors
// and a few well-known response substrings.

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

type authError struct{ err error }

func (e *authError) Error() string { return e.err.Error() }
func (e *authError) Unwrap() error { return e.err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err}
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err}
}

// AuthFailed marks err as an authentication failure, which aborts the run.
func AuthFailed(err error) error {
	if err == nil {
		return nil
	}
	return &authError{err}
}

// IsAuth reports whether err stems from a failed login.
func IsAuth(err error) bool {
	var ae *authError
	return errors.As(err, &ae)
}

// IsTransient reports whether err looks like a failure that a retry with
// backoff could clear: connection resets, timeouts, server-busy responses.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	var pe *permanentError
	if errors.As(err, &pe) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"connection reset",
		"broken pipe",
		"connection closed",
		"use of closed network connection",
		"i/o timeout",
		"temporarily unavailable",
		"server busy",
		"try again",
		"too many connections",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// IsPermanentAppend reports whether err is a destination-side rejection that
// no retry will fix (quota, message too large, malformed literal).
func IsPermanentAppend(err error) bool {
	if err == nil {
		return false
	}
	var pe *permanentError
	if errors.As(err, &pe) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"quota",
		"exceeded",
		"too large",
		"message size",
		"malformed",
		"invalid message",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
