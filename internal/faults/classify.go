// Package faults classifies extraction errors and decides between retry,
// skip, and abort with bounded backoff.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Class is a coarse fault category driving the recovery decision.
type Class string

// Fault classes.
const (
	ClassRateLimited Class = "rate_limited"
	ClassServerError Class = "server_error"
	ClassForbidden   Class = "forbidden"
	ClassNotFound    Class = "not_found"
	ClassNetwork     Class = "network"
	ClassUnknown     Class = "unknown"
)

// HTTPError carries a non-success status code from a backend call.
type HTTPError struct {
	StatusCode int
	URL        string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.URL)
}

// Classify maps a raw fault to its class.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusTooManyRequests:
			return ClassRateLimited
		case httpErr.StatusCode >= 500:
			return ClassServerError
		case httpErr.StatusCode == http.StatusUnauthorized, httpErr.StatusCode == http.StatusForbidden:
			return ClassForbidden
		case httpErr.StatusCode == http.StatusNotFound:
			return ClassNotFound
		}
		return ClassUnknown
	}

	// Per-call timeouts feed the same path as network faults.
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassNetwork
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return ClassNetwork
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range []string{"connection refused", "connection reset", "timeout", "no such host"} {
		if strings.Contains(msg, hint) {
			return ClassNetwork
		}
	}
	return ClassUnknown
}

// Signature returns the stable key component used for retry bookkeeping, so
// that distinct fault kinds on the same URL count separately.
func Signature(err error) string {
	class := Classify(err)
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return fmt.Sprintf("%s:%d", class, httpErr.StatusCode)
	}
	return string(class)
}
