// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package saga

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// Classify maps any failure from an external call into a typed outcome.
//
// Policy:
//   - an explicit domain rejection (typed *Error) keeps its kind
//   - 4xx-equivalent client errors are NonRetryableBusiness
//   - 5xx-equivalent server errors are RetryableTransient
//   - unreachable service, connection refused, or a timeout with no
//     response are RetryableTransient
//   - anything unrecognized defaults to RetryableTransient, matching the
//     5xx-equivalent treatment of an opaque upstream fault
//
// A compensating-action failure is promoted to CompensationFatal by the
// compensation coordinator, not here: the classifier only sees raw adapter
// errors.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}

	// Adapters that classify at the boundary return *Error directly.
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.IsClientError() {
			return KindNonRetryableBusiness
		}
		return KindRetryableTransient
	}

	// A timeout firing before the external call returns is network-level
	// unless the adapter explicitly reported a business rejection above.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindRetryableTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindRetryableTransient
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return KindRetryableTransient
	}

	// Heuristic fallback for adapters surfacing plain errors.
	msg := strings.ToLower(err.Error())
	if containsAny(msg, []string{"invalid", "rejected", "validation", "malformed", "duplicate", "cheat", "forbidden", "unauthorized", "not allowed"}) {
		return KindNonRetryableBusiness
	}
	if containsAny(msg, []string{"connection", "unreachable", "refused", "timeout", "timed out", "unavailable", "too many requests"}) {
		return KindRetryableTransient
	}

	return KindRetryableTransient
}

// containsAny reports whether s contains any of the substrings.
func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
