// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/roomsync/cmd/roomsync/cli"
	"github.com/bureau-foundation/roomsync/transport"
)

// logoutTimeout bounds the logout request.
const logoutTimeout = 30 * time.Second

func (a *app) logoutCommand() *cli.Command {
	return &cli.Command{
		Name:    "logout",
		Summary: "Invalidate the session and delete local state",
		Description: `Invalidate the access token on the homeserver, then delete the saved
session and everything roomsync stored for it: sync cursors, cached
timelines and undelivered messages.

Local state is deleted even when the homeserver cannot be reached; the
command then exits non-zero because the token may still be valid
server-side.`,
		Usage: "roomsync logout [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("logout", pflag.ContinueOnError)
			a.addConfigFlag(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return cli.Validation("unexpected argument: %s", args[0])
			}
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			logger := a.commandLogger(cfg, "logout")

			ctx, cancel := a.newContext()
			defer cancel()
			ctx, cancelTimeout := context.WithTimeout(ctx, logoutTimeout)
			defer cancelTimeout()

			r, err := a.build(ctx, cfg, logger, startOptions{})
			if err != nil {
				return err
			}
			defer r.Close()

			// A token the homeserver already rejects needs no logout
			// request; local state is still deleted below.
			connectErr := r.coordinator.Session().Connect(ctx)
			if connectErr != nil && transport.IsAuthError(connectErr) {
				connectErr = nil
			}
			if connectErr != nil {
				logger.Warn("cannot reach homeserver; deleting local state only", "error", connectErr)
			}

			logoutErr := r.coordinator.Logout(ctx)
			if err := removeSession(cfg); err != nil {
				return cli.Internal("%w", err)
			}
			if connectErr != nil {
				return cli.Classify(fmt.Errorf("local state deleted, but the homeserver could not be reached and the token may still be valid: %w", connectErr))
			}
			if logoutErr != nil {
				return cli.Classify(fmt.Errorf("local state deleted, but the homeserver logout failed: %w", logoutErr))
			}

			fmt.Fprintf(a.stdout, "Logged out %s\n", r.session.UserID)
			return nil
		},
	}
}
