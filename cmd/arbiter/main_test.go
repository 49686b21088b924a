package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestInitKeysCommandCreatesKey(t *testing.T) {
	tmp := t.TempDir()
	keyPath := filepath.Join(tmp, "arbiter.keys.yaml")

	cmd := initKeysCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetArgs([]string{"--project", "demo", "--keys-file", keyPath})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute init-keys: %v", err)
	}

	data, err := os.ReadFile(keyPath)
	if err != nil {
		t.Fatalf("read keys file: %v", err)
	}
	if !bytes.Contains(data, []byte("demo")) {
		t.Fatalf("expected project section to be written")
	}
}

func TestLoadConfigExplicitPath(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "arbiter.yaml")
	if err := os.WriteFile(path, []byte("addr: \":9200\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Addr != ":9200" {
		t.Fatalf("addr = %q", cfg.Addr)
	}
}
