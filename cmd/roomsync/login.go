// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/roomsync/cmd/roomsync/cli"
	"github.com/bureau-foundation/roomsync/messaging"
	"github.com/bureau-foundation/roomsync/transport"
)

// loginTimeout bounds the login request.
const loginTimeout = 30 * time.Second

func (a *app) loginCommand() *cli.Command {
	var (
		homeserver   string
		passwordFile string
	)

	return &cli.Command{
		Name:    "login",
		Summary: "Log in and save the session",
		Description: `Log in to a Matrix homeserver with a password and save the session.

The session (homeserver, user ID, device ID and access token) is sealed
with an age key kept next to it, so the token never sits on disk in the
clear. The key is generated on first login. Every other command uses the
saved session until "roomsync logout".

The password is read from --password-file, or prompted for on the
terminal when the flag is omitted or "-".`,
		Usage: "roomsync login [flags] <username>",
		Examples: []cli.Example{
			{
				Description: "Log in interactively",
				Command:     "roomsync login --homeserver https://matrix.example.org alice",
			},
			{
				Description: "Log in with the password from a file",
				Command:     "roomsync login --password-file ~/.matrix-password alice",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("login", pflag.ContinueOnError)
			flagSet.StringVar(&homeserver, "homeserver", "", "homeserver URL (default: the config's homeserver)")
			flagSet.StringVar(&passwordFile, "password-file", "", "file holding the password, or - to prompt")
			a.addConfigFlag(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) < 1 {
				return cli.Validation("username is required\n\nUsage: roomsync login [flags] <username>")
			}
			if len(args) > 1 {
				return cli.Validation("unexpected argument: %s", args[1])
			}
			username := args[0]

			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if homeserver == "" {
				homeserver = cfg.Homeserver
			}
			if homeserver == "" {
				return cli.Validation("no homeserver: pass --homeserver or set homeserver in the config")
			}
			logger := a.commandLogger(cfg, "login")

			password, err := a.readLoginPassword(passwordFile)
			if err != nil {
				return err
			}
			defer password.Close()

			client, err := messaging.NewClient(messaging.ClientConfig{HomeserverURL: homeserver, Logger: logger})
			if err != nil {
				return cli.Validation("%w", err)
			}
			session, err := transport.New(transport.Config{
				Client: client,
				Credentials: transport.Credentials{
					Username:          username,
					Password:          password,
					DeviceDisplayName: "roomsync",
				},
				Logger: logger,
			})
			if err != nil {
				return cli.Internal("%w", err)
			}

			ctx, cancel := a.newContext()
			defer cancel()
			ctx, cancelTimeout := context.WithTimeout(ctx, loginTimeout)
			defer cancelTimeout()

			if err := session.Connect(ctx); err != nil {
				if transport.IsAuthError(err) {
					return cli.Auth("login failed: %w", err)
				}
				return cli.Classify(fmt.Errorf("login failed: %w", err))
			}

			// The token is wiped by Disconnect, so read it first.
			accessToken, err := session.AccessToken()
			if err != nil {
				session.Disconnect()
				return cli.Internal("%w", err)
			}
			saved := savedSession{
				Homeserver:  homeserver,
				UserID:      session.UserID(),
				DeviceID:    session.DeviceID(),
				AccessToken: accessToken,
			}
			session.Disconnect()

			if err := saveSession(cfg, saved); err != nil {
				return cli.Internal("saving session: %w", err)
			}
			logger.Info("logged in", "user_id", saved.UserID.String(), "device_id", saved.DeviceID)

			fmt.Fprintf(a.stdout, "Logged in as %s (device %s)\n", saved.UserID, saved.DeviceID)
			fmt.Fprintf(a.stdout, "Session saved to %s\n", cfg.Paths.Session)
			return nil
		},
	}
}
