// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/spf13/pflag"
)

func TestCommand_Execute_DispatchesToSubcommand(t *testing.T) {
	var called string

	root := &Command{
		Name:   "roomsync",
		Output: &bytes.Buffer{},
		Subcommands: []*Command{
			{
				Name: "version",
				Run: func(args []string) error {
					called = "version"
					return nil
				},
			},
			{
				Name: "status",
				Run: func(args []string) error {
					called = "status"
					return nil
				},
			},
		},
	}

	if err := root.Execute([]string{"status"}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if called != "status" {
		t.Errorf("dispatched to %q, want %q", called, "status")
	}
}

func TestCommand_Execute_FlagParsing(t *testing.T) {
	var room string
	var receivedArgs []string

	command := &Command{
		Name: "send",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("send", pflag.ContinueOnError)
			flagSet.StringVar(&room, "room", "", "target room")
			return flagSet
		},
		Run: func(args []string) error {
			receivedArgs = args
			return nil
		},
	}

	if err := command.Execute([]string{"--room", "!abc:example.org", "hello", "world"}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if room != "!abc:example.org" {
		t.Errorf("room = %q", room)
	}
	if strings.Join(receivedArgs, " ") != "hello world" {
		t.Errorf("args = %v, want [hello world]", receivedArgs)
	}
}

func TestCommand_Execute_UnknownCommandSuggests(t *testing.T) {
	root := &Command{
		Name:   "roomsync",
		Output: &bytes.Buffer{},
		Subcommands: []*Command{
			{Name: "status", Run: func([]string) error { return nil }},
			{Name: "send", Run: func([]string) error { return nil }},
		},
	}

	err := root.Execute([]string{"stauts"})
	if err == nil {
		t.Fatal("expected error for unknown command")
	}
	if !strings.Contains(err.Error(), `did you mean "status"`) {
		t.Errorf("error = %q, want a suggestion for status", err)
	}
	if ExitCodeOf(err) != CategoryValidation.ExitCode() {
		t.Errorf("exit code = %d, want %d", ExitCodeOf(err), CategoryValidation.ExitCode())
	}
}

func TestCommand_Execute_UnknownFlagSuggests(t *testing.T) {
	command := &Command{
		Name: "tail",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("tail", pflag.ContinueOnError)
			flagSet.Int("history", 0, "events of history")
			return flagSet
		},
		Run: func([]string) error { return nil },
	}

	err := command.Execute([]string{"--histroy", "5"})
	if err == nil {
		t.Fatal("expected error for unknown flag")
	}
	if !strings.Contains(err.Error(), "did you mean --history") {
		t.Errorf("error = %q, want a suggestion for --history", err)
	}
}

func TestCommand_Execute_SubcommandRequired(t *testing.T) {
	var help bytes.Buffer
	root := &Command{
		Name:        "roomsync",
		Output:      &help,
		Subcommands: []*Command{{Name: "status", Summary: "Show stored state"}},
	}

	err := root.Execute(nil)
	if err == nil {
		t.Fatal("expected error when no subcommand given")
	}
	if !strings.Contains(help.String(), "status") || !strings.Contains(help.String(), "Show stored state") {
		t.Errorf("help output missing subcommand listing:\n%s", help.String())
	}
}

func TestCommand_PrintHelp(t *testing.T) {
	command := &Command{
		Name:        "send",
		Description: "Send a message to a room.",
		Usage:       "roomsync send [flags] <room> <text>",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("send", pflag.ContinueOnError)
			flagSet.String("file", "", "attach a file")
			return flagSet
		},
		Examples: []Example{{Description: "Say hello", Command: "roomsync send '!abc:example.org' hello"}},
	}

	var help bytes.Buffer
	command.PrintHelp(&help)
	output := help.String()

	for _, want := range []string{"Send a message to a room.", "roomsync send [flags] <room> <text>", "--file", "# Say hello"} {
		if !strings.Contains(output, want) {
			t.Errorf("help missing %q:\n%s", want, output)
		}
	}
}

func TestCommand_Execute_HelpFlag(t *testing.T) {
	var help bytes.Buffer
	ran := false
	root := &Command{
		Name:   "roomsync",
		Output: &help,
		Subcommands: []*Command{{
			Name:    "tail",
			Summary: "Print new messages",
			Flags: func() *pflag.FlagSet {
				return pflag.NewFlagSet("tail", pflag.ContinueOnError)
			},
			Run: func([]string) error {
				ran = true
				return nil
			},
		}},
	}

	if err := root.Execute([]string{"tail", "--help"}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if ran {
		t.Error("Run called for --help")
	}
	if !strings.Contains(help.String(), "roomsync tail") {
		t.Errorf("help should name the full command path:\n%s", help.String())
	}
}

func TestCommand_Execute_RunErrorPassesThrough(t *testing.T) {
	sentinel := errors.New("boom")
	command := &Command{Name: "x", Run: func([]string) error { return sentinel }}
	if err := command.Execute(nil); !errors.Is(err, sentinel) {
		t.Errorf("error = %v, want sentinel", err)
	}
}

func TestEditDistance(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"", "abc", 3},
		{"status", "stauts", 2},
		{"send", "sned", 2},
		{"chat", "chat", 0},
		{"tail", "tails", 1},
		{"kitten", "sitting", 3},
		{"café", "cafe", 1},
	}
	for _, test := range tests {
		if got := editDistance(test.a, test.b); got != test.want {
			t.Errorf("editDistance(%q, %q) = %d, want %d", test.a, test.b, got, test.want)
		}
	}
}

func TestClosest(t *testing.T) {
	commands := []string{"login", "logout", "status", "send", "tail"}
	tests := []struct {
		input, want string
	}{
		{"logn", "login"},
		{"logot", "logout"},
		{"stat", "status"},
		{"frobnicate", ""},
	}
	for _, test := range tests {
		if got := closest(test.input, commands); got != test.want {
			t.Errorf("closest(%q) = %q, want %q", test.input, got, test.want)
		}
	}
}
