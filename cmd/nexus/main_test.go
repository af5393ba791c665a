package main

import (
	"bytes"
	"testing"
)

func TestNewRootCmdIncludesSubcommands(t *testing.T) {
	cmd := newRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"serve", "sessions", "events", "doctor", "migrate", "version"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestVersionCommandPrintsBuildInfo(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := out.String(); got == "" {
		t.Fatal("expected version output, got empty string")
	}
}

func TestEnvOrFallsBackWhenUnset(t *testing.T) {
	t.Setenv("CONDUCTOR_TEST_VALUE", "")
	if got := envOr("CONDUCTOR_TEST_VALUE", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}

	t.Setenv("CONDUCTOR_TEST_VALUE", "set")
	if got := envOr("CONDUCTOR_TEST_VALUE", "fallback"); got != "set" {
		t.Fatalf("expected set value, got %q", got)
	}
}

func TestSessionsCommandRequiresInstanceAndModel(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"sessions", "create", "my-agent"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	if err := cmd.Execute(); err == nil {
		t.Fatal("expected an error when --instance and --model are omitted")
	}
}
