package main

import "testing"

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"serve", "run", "auth", "config", "version"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestAuthCmdIncludesSubcommands(t *testing.T) {
	cmd := buildAuthCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	for _, name := range []string{"login", "list", "logout"} {
		if !names[name] {
			t.Fatalf("expected auth subcommand %q to be registered", name)
		}
	}
}
