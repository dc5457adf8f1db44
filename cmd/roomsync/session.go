// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"golang.org/x/term"

	"github.com/bureau-foundation/roomsync/cmd/roomsync/cli"
	"github.com/bureau-foundation/roomsync/lib/codec"
	"github.com/bureau-foundation/roomsync/lib/config"
	"github.com/bureau-foundation/roomsync/lib/ref"
	"github.com/bureau-foundation/roomsync/lib/sealed"
	"github.com/bureau-foundation/roomsync/lib/secret"
)

// savedSession is what login persists. The file is CBOR sealed with
// the age identity at Paths.Identity, so the access token never sits
// on disk in the clear.
type savedSession struct {
	Homeserver  string     `cbor:"homeserver"`
	UserID      ref.UserID `cbor:"user_id"`
	DeviceID    string     `cbor:"device_id"`
	AccessToken string     `cbor:"access_token"`
}

// saveSession seals session to cfg.Paths.Session, generating the
// identity on first use.
func saveSession(cfg *config.Config, session savedSession) error {
	identity, err := sealed.LoadIdentity(cfg.Paths.Identity)
	if errors.Is(err, fs.ErrNotExist) {
		identity, err = sealed.GenerateIdentity()
		if err != nil {
			return err
		}
		if err := identity.WriteFile(cfg.Paths.Identity); err != nil {
			identity.Close()
			return err
		}
	}
	if err != nil {
		return err
	}
	defer identity.Close()

	plaintext, err := codec.Marshal(session)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	defer secret.Zero(plaintext)

	return sealed.WriteSealed(cfg.Paths.Session, plaintext, identity)
}

// loadSession opens the session written by login.
func loadSession(cfg *config.Config) (savedSession, error) {
	if _, err := os.Stat(cfg.Paths.Session); errors.Is(err, fs.ErrNotExist) {
		return savedSession{}, cli.Auth("not logged in; run 'roomsync login'")
	}

	identity, err := sealed.LoadIdentity(cfg.Paths.Identity)
	if err != nil {
		return savedSession{}, cli.Auth("session key unavailable; run 'roomsync login' again: %w", err)
	}
	defer identity.Close()

	plaintext, err := sealed.ReadSealed(cfg.Paths.Session, identity)
	if err != nil {
		return savedSession{}, cli.Auth("cannot open saved session; run 'roomsync login' again: %w", err)
	}
	defer plaintext.Close()

	data, err := plaintext.Bytes()
	if err != nil {
		return savedSession{}, cli.Internal("%w", err)
	}
	var session savedSession
	if err := codec.Unmarshal(data, &session); err != nil {
		return savedSession{}, cli.Auth("saved session is corrupt; run 'roomsync login' again: %w", err)
	}
	if session.Homeserver == "" || session.UserID.IsZero() || session.AccessToken == "" {
		return savedSession{}, cli.Auth("saved session is incomplete; run 'roomsync login' again")
	}
	return session, nil
}

// removeSession deletes the session file. A missing file is not an
// error.
func removeSession(cfg *config.Config) error {
	if err := os.Remove(cfg.Paths.Session); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing session: %w", err)
	}
	return nil
}

// readLoginPassword reads the password from passwordFile, or prompts on
// the terminal when passwordFile is empty or "-".
func (a *app) readLoginPassword(passwordFile string) (*secret.Buffer, error) {
	if passwordFile != "" && passwordFile != "-" {
		return readSecretFile(passwordFile)
	}

	stdinFileDescriptor := int(os.Stdin.Fd())
	if !term.IsTerminal(stdinFileDescriptor) {
		return nil, cli.Validation("no terminal available for interactive password prompt (use --password-file)")
	}

	fmt.Fprint(a.stderr, "Password: ")
	passwordBytes, err := term.ReadPassword(stdinFileDescriptor)
	fmt.Fprintln(a.stderr)
	if err != nil {
		return nil, cli.Internal("reading password: %w", err)
	}

	buffer, err := secret.NewFromBytes(passwordBytes)
	if err != nil {
		secret.Zero(passwordBytes)
		return nil, err
	}
	return buffer, nil
}

// readSecretFile reads a secret from path, stripping trailing newlines.
func readSecretFile(path string) (*secret.Buffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cli.Validation("reading %s: %w", path, err)
	}

	for len(data) > 0 && (data[len(data)-1] == '\n' || data[len(data)-1] == '\r') {
		data = data[:len(data)-1]
	}

	if len(data) == 0 {
		secret.Zero(data)
		return nil, cli.Validation("file %s is empty (after stripping trailing newlines)", path)
	}

	buffer, err := secret.NewFromBytes(data)
	if err != nil {
		secret.Zero(data)
		return nil, err
	}
	return buffer, nil
}
