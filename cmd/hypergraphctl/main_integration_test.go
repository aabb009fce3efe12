//go:build sqlite

package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCheckpointLifecycleSQLite(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "hypergraph.db")
	cfgPath := writeTestConfig(t)
	common := []string{"--config", cfgPath, "--store", "sqlite", "--db-path", dbPath}
	with := func(args ...string) []string {
		return append(args, common...)
	}

	if _, err := runCapture(t, with("run", "--ticks", "2", "--stimulus-region", "in", "--checkpoint", "first", "--description", "lifecycle")...); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("expected sqlite db at %s: %v", dbPath, err)
	}

	out, err := runCapture(t, with("list", "--json")...)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var infos []struct {
		Name    string `json:"name"`
		Neurons int    `json:"neurons"`
	}
	if err := json.Unmarshal([]byte(out), &infos); err != nil {
		t.Fatalf("decode list %q: %v", out, err)
	}
	if len(infos) != 1 || infos[0].Name != "first" || infos[0].Neurons != 16 {
		t.Fatalf("unexpected list: %+v", infos)
	}

	out, err = runCapture(t, with("inspect", "first")...)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if !strings.Contains(out, `description="lifecycle"`) || !strings.Contains(out, "name=in") {
		t.Fatalf("unexpected inspect output: %q", out)
	}

	exportPath := filepath.Join(dir, "first.hgck")
	if _, err := runCapture(t, with("export", "first", "--out", exportPath)...); err != nil {
		t.Fatalf("export: %v", err)
	}
	out, err = runCapture(t, with("import", exportPath, "--name", "second")...)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if !strings.Contains(out, "imported name=second") {
		t.Fatalf("unexpected import output: %q", out)
	}

	if _, err := runCapture(t, with("delete", "first")...); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := runCapture(t, with("delete", "first")...); err == nil {
		t.Fatal("expected second delete to fail")
	}
	out, err = runCapture(t, with("list")...)
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if !strings.Contains(out, "name=second") || strings.Contains(out, "name=first") {
		t.Fatalf("unexpected list after delete: %q", out)
	}
}
