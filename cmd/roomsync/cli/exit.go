// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import "fmt"

// ExitError ends a command that has already reported its outcome,
// such as "status --check" finding failed messages. main exits with
// Code and prints nothing more.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("exit status %d", e.Code) }

// ExitCode implements the interface ExitCodeOf looks for.
func (e *ExitError) ExitCode() int { return e.Code }
