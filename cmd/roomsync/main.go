// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Command roomsync keeps a local, persistent view of Matrix rooms and
// delivers messages to them, surviving restarts and flaky networks.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/bureau-foundation/roomsync/cmd/roomsync/cli"
)

func main() {
	if err := run(); err != nil {
		// Commands that print their own output return an ExitError with
		// the desired exit code. Don't print a redundant "error:" line.
		var exitErr *cli.ExitError
		if !errors.As(err, &exitErr) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(cli.ExitCodeOf(err))
	}
}

func run() error {
	return newApp().root().Execute(os.Args[1:])
}
