// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bureau-foundation/roomsync/lib/ref"
	"github.com/bureau-foundation/roomsync/lib/secret"
)

// testBuffer creates a secret.Buffer closed when the test completes.
func testBuffer(t *testing.T, value string) *secret.Buffer {
	t.Helper()
	buffer, err := secret.NewFromString(value)
	if err != nil {
		t.Fatalf("creating test buffer: %v", err)
	}
	t.Cleanup(func() { buffer.Close() })
	return buffer
}

func TestNewClient(t *testing.T) {
	t.Run("valid URL", func(t *testing.T) {
		client, err := NewClient(ClientConfig{HomeserverURL: "http://localhost:6167/"})
		if err != nil {
			t.Fatalf("NewClient failed: %v", err)
		}
		if client.HomeserverURL() != "http://localhost:6167" {
			t.Errorf("HomeserverURL() = %q, want trailing slash stripped", client.HomeserverURL())
		}
	})

	t.Run("empty URL", func(t *testing.T) {
		if _, err := NewClient(ClientConfig{}); err == nil {
			t.Fatal("expected error for empty URL")
		}
	})

	t.Run("invalid URL", func(t *testing.T) {
		if _, err := NewClient(ClientConfig{HomeserverURL: "://invalid"}); err == nil {
			t.Fatal("expected error for invalid URL")
		}
	})

	t.Run("unsupported scheme", func(t *testing.T) {
		if _, err := NewClient(ClientConfig{HomeserverURL: "ftp://example.org"}); err == nil {
			t.Fatal("expected error for ftp scheme")
		}
	})
}

func TestLogin(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/_matrix/client/v3/login" {
			t.Errorf("unexpected path: %s", request.URL.Path)
		}
		var body LoginRequest
		if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
			t.Errorf("decoding login request: %v", err)
		}
		if body.Type != "m.login.password" {
			t.Errorf("login type = %q", body.Type)
		}
		if body.Identifier == nil || body.Identifier.User != "alice" {
			t.Errorf("identifier = %+v, want user alice", body.Identifier)
		}
		if body.Password != "hunter2" {
			t.Errorf("password = %q", body.Password)
		}
		if body.InitialDeviceDisplayName != "roomsync" {
			t.Errorf("device display name = %q", body.InitialDeviceDisplayName)
		}
		writeJSON(writer, AuthResponse{
			UserID:      ref.MustParseUserID("@alice:example.org"),
			AccessToken: "syt_alice",
			DeviceID:    "DEVICE1",
		})
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{HomeserverURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	session, err := client.Login(context.Background(), "alice", testBuffer(t, "hunter2"),
		LoginOptions{DeviceDisplayName: "roomsync"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	defer session.Close()

	if session.UserID().String() != "@alice:example.org" {
		t.Errorf("UserID = %s", session.UserID())
	}
	if session.DeviceID() != "DEVICE1" {
		t.Errorf("DeviceID = %s", session.DeviceID())
	}
	token, err := session.AccessToken()
	if err != nil || token != "syt_alice" {
		t.Errorf("AccessToken = %q, %v", token, err)
	}
}

func TestLoginForbidden(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusForbidden)
		writeJSON(writer, MatrixError{Code: ErrCodeForbidden, Message: "Invalid password"})
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{HomeserverURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	_, err = client.Login(context.Background(), "alice", testBuffer(t, "wrong"), LoginOptions{})
	if !IsMatrixError(err, ErrCodeForbidden) {
		t.Fatalf("Login error = %v, want M_FORBIDDEN", err)
	}
	var matrixErr *MatrixError
	if !errors.As(err, &matrixErr) || matrixErr.StatusCode != http.StatusForbidden {
		t.Errorf("StatusCode not preserved: %v", err)
	}
}

func TestNonJSONErrorResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(writer, "<html>bad gateway</html>")
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{HomeserverURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	_, err = client.ServerVersions(context.Background())
	var matrixErr *MatrixError
	if !errors.As(err, &matrixErr) {
		t.Fatalf("error = %v, want *MatrixError", err)
	}
	if matrixErr.StatusCode != http.StatusBadGateway || matrixErr.Code != ErrCodeUnknown {
		t.Errorf("MatrixError = %+v", matrixErr)
	}
	if !IsTransient(err) {
		t.Error("502 should be transient")
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		auth      bool
		transient bool
	}{
		{"unknown token", &MatrixError{Code: ErrCodeUnknownToken, StatusCode: 401}, true, false},
		{"missing token", &MatrixError{Code: ErrCodeMissingToken, StatusCode: 401}, true, false},
		{"bare 401", &MatrixError{Code: ErrCodeUnknown, StatusCode: 401}, true, false},
		{"forbidden", &MatrixError{Code: ErrCodeForbidden, StatusCode: 403}, false, false},
		{"rate limited", &MatrixError{Code: ErrCodeLimitExceeded, StatusCode: 429}, false, true},
		{"server error", &MatrixError{Code: ErrCodeUnknown, StatusCode: 503}, false, true},
		{"wrapped server error", fmt.Errorf("send: %w", &MatrixError{StatusCode: 500}), false, true},
		{"connection refused", errors.New("dial tcp: connection refused"), false, true},
		{"canceled", fmt.Errorf("sync: %w", context.Canceled), false, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsAuthError(test.err); got != test.auth {
				t.Errorf("IsAuthError = %v, want %v", got, test.auth)
			}
			if got := IsTransient(test.err); got != test.transient {
				t.Errorf("IsTransient = %v, want %v", got, test.transient)
			}
		})
	}
}

func TestRetryAfter(t *testing.T) {
	matrixErr := &MatrixError{Code: ErrCodeLimitExceeded, RetryAfterMS: 1500}
	if matrixErr.RetryAfter().Milliseconds() != 1500 {
		t.Errorf("RetryAfter = %v", matrixErr.RetryAfter())
	}
}
