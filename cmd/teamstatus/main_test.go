package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"info":  slog.LevelInfo,
		"bogus": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestResolveConfig_FlagsOverrideFile(t *testing.T) {
	// WHAT: --db and --replay win over the config file.
	// WHY: Operators replay a copy of the store without editing the config.
	path := filepath.Join(t.TempDir(), "teamstatus.yaml")
	os.WriteFile(path, []byte("db_path: prod.db\nlaunchpad:\n  project: juju\n"), 0o644)

	cfg, err := resolveConfig(&options{configPath: path, dbPath: "copy.db", replay: true})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DBPath != "copy.db" || !cfg.Replay || cfg.Launchpad.Project != "juju" {
		t.Fatalf("config = %+v", cfg)
	}
}

func TestStatusCommand(t *testing.T) {
	// WHAT: `status` on a fresh store prints an empty JSON list.
	dir := t.TempDir()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"status", "--db", filepath.Join(dir, "store.db"), "--log-level", "error"})

	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	var passes []map[string]any
	if err := json.Unmarshal(out.Bytes(), &passes); err != nil {
		t.Fatalf("output %q: %v", out.String(), err)
	}
	if len(passes) != 0 {
		t.Fatalf("passes = %v", passes)
	}
}

func TestCommandTree(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{{"run"}, {"login"}, {"status"}, {"collect", "bugs"}, {"collect", "people"}, {"collect", "cards"}} {
		cmd, _, err := root.Find(path)
		if err != nil || cmd == root {
			t.Errorf("command %v not found: %v", path, err)
		}
	}
}
