// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"errors"
	"fmt"
	"net/http"
	"syscall"
	"testing"

	"github.com/bureau-foundation/roomsync/messaging"
	"github.com/bureau-foundation/roomsync/transport"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{
			name: "revoked token",
			err:  &transport.AuthError{Op: "sync", Err: &messaging.MatrixError{Code: messaging.ErrCodeUnknownToken, StatusCode: http.StatusUnauthorized}},
			want: CategoryAuth,
		},
		{
			name: "network",
			err:  fmt.Errorf("send: %w", &transport.NetworkError{Op: "send", Err: errors.New("connection refused")}),
			want: CategoryTransient,
		},
		{
			name: "forbidden",
			err:  &messaging.MatrixError{Code: messaging.ErrCodeForbidden, StatusCode: http.StatusForbidden},
			want: CategoryForbidden,
		},
		{
			name: "not found",
			err:  &messaging.MatrixError{Code: messaging.ErrCodeNotFound, StatusCode: http.StatusNotFound},
			want: CategoryNotFound,
		},
		{
			name: "server error",
			err:  &messaging.MatrixError{Code: messaging.ErrCodeUnknown, StatusCode: http.StatusBadGateway},
			want: CategoryTransient,
		},
		{
			name: "unwrapped connection failure",
			err:  fmt.Errorf("listening: %w", syscall.ECONNREFUSED),
			want: CategoryTransient,
		},
		{
			name: "plain",
			err:  errors.New("disk full"),
			want: CategoryInternal,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			classified := Classify(test.err)
			var categorized *Error
			if !errors.As(classified, &categorized) {
				t.Fatalf("Classify returned %T", classified)
			}
			if categorized.Category != test.want {
				t.Errorf("category = %s, want %s", categorized.Category, test.want)
			}
			if !errors.Is(classified, test.err) {
				t.Error("classified error lost its chain")
			}
		})
	}
}

func TestClassifyKeepsExistingCategory(t *testing.T) {
	original := Validation("bad room %q", "x")
	if got := Classify(original); got != error(original) {
		t.Errorf("Classify rewrapped a categorized error: %v", got)
	}
	if Classify(nil) != nil {
		t.Error("Classify(nil) should be nil")
	}
}

func TestExitCodeOf(t *testing.T) {
	if code := ExitCodeOf(nil); code != 0 {
		t.Errorf("nil: %d", code)
	}
	if code := ExitCodeOf(errors.New("x")); code != 1 {
		t.Errorf("plain: %d", code)
	}
	if code := ExitCodeOf(&ExitError{Code: 7}); code != 7 {
		t.Errorf("ExitError: %d", code)
	}
	if code := ExitCodeOf(fmt.Errorf("wrapped: %w", Auth("no session"))); code != 3 {
		t.Errorf("wrapped auth: %d", code)
	}
}
