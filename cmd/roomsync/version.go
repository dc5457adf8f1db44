// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/roomsync/cmd/roomsync/cli"
	"github.com/bureau-foundation/roomsync/lib/version"
)

type versionReport struct {
	version.Build
	Digest string `json:"digest,omitempty"`
	Binary string `json:"binary,omitempty"`
}

func (a *app) versionCommand() *cli.Command {
	var (
		jsonOutput cli.JSONOutput
		digest     bool
	)

	return &cli.Command{
		Name:    "version",
		Summary: "Print version information",
		Usage:   "roomsync version [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("version", pflag.ContinueOnError)
			jsonOutput.AddFlag(flagSet)
			flagSet.BoolVar(&digest, "digest", false, "include the BLAKE3 digest of the running binary")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return cli.Validation("unexpected argument: %s", args[0])
			}
			report := versionReport{Build: version.Current()}
			if digest {
				sum, path, err := version.SelfDigest()
				if err != nil {
					return cli.Internal("%w", err)
				}
				report.Digest, report.Binary = sum, path
			}

			if done, err := jsonOutput.EmitJSON(a.stdout, report); done {
				return err
			}
			fmt.Fprintf(a.stdout, "roomsync %s\n", version.Full())
			if report.Digest != "" {
				fmt.Fprintf(a.stdout, "blake3 %s  %s\n", report.Digest, report.Binary)
			}
			return nil
		},
	}
}
