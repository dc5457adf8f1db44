// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"errors"
	"testing"
)

func TestNewRejectsNonPositiveSize(t *testing.T) {
	for _, size := range []int{0, -1} {
		if _, err := New(size); err == nil {
			t.Errorf("New(%d) succeeded, want error", size)
		}
	}
}

func TestNewFromBytesZeroesSource(t *testing.T) {
	source := []byte("syt_access_token")
	buffer, err := NewFromBytes(source)
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	defer buffer.Close()

	for i, value := range source {
		if value != 0 {
			t.Fatalf("source[%d] = %d after NewFromBytes, want 0", i, value)
		}
	}
	got, err := buffer.String()
	if err != nil {
		t.Fatalf("String: %v", err)
	}
	if got != "syt_access_token" {
		t.Errorf("String() = %q, want syt_access_token", got)
	}
	if !buffer.Equal([]byte("syt_access_token")) {
		t.Error("Equal returned false for the stored value")
	}
	if buffer.Equal([]byte("other")) {
		t.Error("Equal returned true for a different value")
	}
}

func TestNewFromBytesRejectsEmpty(t *testing.T) {
	if _, err := NewFromBytes(nil); err == nil {
		t.Fatal("NewFromBytes(nil) succeeded, want error")
	}
	if _, err := NewFromString(""); err == nil {
		t.Fatal("NewFromString(\"\") succeeded, want error")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	buffer, err := NewFromString("token")
	if err != nil {
		t.Fatalf("NewFromString: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := buffer.String(); !errors.Is(err, ErrClosed) {
		t.Errorf("String after Close: err = %v, want ErrClosed", err)
	}
	if _, err := buffer.Bytes(); !errors.Is(err, ErrClosed) {
		t.Errorf("Bytes after Close: err = %v, want ErrClosed", err)
	}
	if buffer.Equal([]byte("token")) {
		t.Error("closed buffer compared equal")
	}
}
