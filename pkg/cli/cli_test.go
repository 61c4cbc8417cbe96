package cli

import (
	"flag"
	"testing"
)

func TestMapFlag(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var creds map[string]string
	fsMapVar(fs, &creds, "creds", nil, "")
	if err := fs.Parse([]string{"-creds", "alice:secret;bob:p:w"}); err != nil {
		t.Fatalf("Parse() err = %v; want nil", err)
	}
	if len(creds) != 2 || creds["alice"] != "secret" || creds["bob"] != "p:w" {
		t.Fatalf("creds = %v; want alice:secret bob:p:w", creds)
	}
	if err := fs.Parse([]string{"-creds", "invalid"}); err == nil {
		t.Fatalf("Parse() err = nil; want error")
	}
}

func TestCommands(t *testing.T) {
	cmd := New("1.0.0", "", "")
	want := []string{"version", "migrate", "setting", "lyrics", "batch", "serve"}
	if len(cmd.Subcommands) != len(want) {
		t.Fatalf("len(subcommands) = %d; want %d", len(cmd.Subcommands), len(want))
	}
	for i, name := range want {
		if got := cmd.Subcommands[i].Name; got != name {
			t.Fatalf("subcommand %d = %q; want %q", i, got, name)
		}
	}
	serve := cmd.Subcommands[5]
	for _, name := range []string{"config", "db-type", "workers", "queue-size", "llm", "poll", "stale", "creds"} {
		if serve.FlagSet.Lookup(name) == nil {
			t.Fatalf("serve flag %q not found", name)
		}
	}
}
