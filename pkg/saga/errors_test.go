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
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_Error(t *testing.T) {
	plain := NewBusinessError("RECEIPT_INVALID", "receipt rejected")
	if got := plain.Error(); got != "RECEIPT_INVALID: receipt rejected" {
		t.Errorf("Error() = %q", got)
	}

	wrapped := WrapError(plain, KindNonRetryableBusiness, "STEP_EXECUTION_FAILED", "step verify-receipt failed")
	if !strings.Contains(wrapped.Error(), "caused by: RECEIPT_INVALID") {
		t.Errorf("wrapped Error() should include cause, got %q", wrapped.Error())
	}
}

func TestError_UnwrapChain(t *testing.T) {
	root := NewTransientError("STEP_TIMEOUT", "deadline exceeded")
	wrapped := WrapError(root, KindRetryableTransient, "RETRY_EXHAUSTED", "step exhausted retries")

	var target *Error
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As failed on wrapped error")
	}
	if target.Code != "RETRY_EXHAUSTED" {
		t.Errorf("outermost code = %q", target.Code)
	}
	if wrapped.Cause == nil || wrapped.Cause.Code != "STEP_TIMEOUT" {
		t.Errorf("cause not preserved: %+v", wrapped.Cause)
	}
}

func TestWrapError_SynthesizesCauseFromPlainError(t *testing.T) {
	wrapped := WrapError(fmt.Errorf("connection refused"), KindRetryableTransient, "STEP_EXECUTION_FAILED", "step failed")
	if wrapped.Cause == nil {
		t.Fatal("expected synthesized cause")
	}
	if wrapped.Cause.Message != "connection refused" {
		t.Errorf("cause message = %q", wrapped.Cause.Message)
	}
}

func TestWrapError_NilIsNil(t *testing.T) {
	if WrapError(nil, KindRetryableTransient, "X", "y") != nil {
		t.Error("WrapError(nil) should be nil")
	}
}

func TestKindPredicates(t *testing.T) {
	if !IsTransient(NewTransientError("C", "m")) {
		t.Error("IsTransient false for transient error")
	}
	if !IsBusiness(NewBusinessError("C", "m")) {
		t.Error("IsBusiness false for business error")
	}
	if !IsCompensationFatal(NewCompensationFatalError("C", "m")) {
		t.Error("IsCompensationFatal false for compensation-fatal error")
	}
	if IsTransient(errors.New("plain")) || IsBusiness(errors.New("plain")) {
		t.Error("predicates should be false for unclassified errors")
	}
}

func TestError_Details(t *testing.T) {
	err := NewCompensationFatalError("COMPENSATION_FAILED", "revoke failed").
		WithDetail("step_name", "grant-entitlement").
		WithDetail("attempts", 3)

	if got := err.Detail("step_name"); got != "grant-entitlement" {
		t.Errorf("Detail(step_name) = %v", got)
	}
	if got := err.Detail("attempts"); got != 3 {
		t.Errorf("Detail(attempts) = %v", got)
	}
	if got := err.Detail("missing"); got != nil {
		t.Errorf("Detail(missing) = %v, want nil", got)
	}
}

func TestHTTPError(t *testing.T) {
	client := &HTTPError{StatusCode: 422, Body: "invalid receipt"}
	if !client.IsClientError() || client.IsServerError() {
		t.Error("422 should be a client error")
	}

	server := &HTTPError{StatusCode: 503}
	if server.IsClientError() || !server.IsServerError() {
		t.Error("503 should be a server error")
	}

	if !strings.Contains(server.Error(), "503") {
		t.Errorf("Error() should name the status, got %q", server.Error())
	}
}
