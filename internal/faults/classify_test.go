package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassUnknown},
		{"429", &HTTPError{StatusCode: 429, URL: "https://example.com"}, ClassRateLimited},
		{"500", &HTTPError{StatusCode: 500, URL: "https://example.com"}, ClassServerError},
		{"503", &HTTPError{StatusCode: 503, URL: "https://example.com"}, ClassServerError},
		{"401", &HTTPError{StatusCode: 401, URL: "https://example.com"}, ClassForbidden},
		{"403", &HTTPError{StatusCode: 403, URL: "https://example.com"}, ClassForbidden},
		{"404", &HTTPError{StatusCode: 404, URL: "https://example.com"}, ClassNotFound},
		{"418", &HTTPError{StatusCode: 418, URL: "https://example.com"}, ClassUnknown},
		{"wrapped http", fmt.Errorf("fetch: %w", &HTTPError{StatusCode: 429}), ClassRateLimited},
		{"deadline", context.DeadlineExceeded, ClassNetwork},
		{"net timeout", &net.DNSError{IsTimeout: true}, ClassNetwork},
		{"refused", syscall.ECONNREFUSED, ClassNetwork},
		{"reset", syscall.ECONNRESET, ClassNetwork},
		{"string hint", errors.New("dial tcp: connection refused"), ClassNetwork},
		{"opaque", errors.New("something odd"), ClassUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestSignature_DistinguishesStatusCodes(t *testing.T) {
	t.Parallel()

	require.Equal(t, "server_error:500", Signature(&HTTPError{StatusCode: 500}))
	require.Equal(t, "server_error:502", Signature(&HTTPError{StatusCode: 502}))
	require.Equal(t, "network", Signature(context.DeadlineExceeded))
}

func TestHTTPError_Error(t *testing.T) {
	t.Parallel()

	err := &HTTPError{StatusCode: 404, URL: "https://example.com/missing"}
	require.Equal(t, "http 404: https://example.com/missing", err.Error())
}
