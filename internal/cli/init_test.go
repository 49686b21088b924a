package cli

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

type testKeysFile struct {
	DefaultPolicy struct {
		AllowLocalhostWithoutAuth bool `yaml:"allow_localhost_without_auth"`
	} `yaml:"default_policy"`
	Projects map[string]struct {
		Keys []string `yaml:"keys"`
	} `yaml:"projects"`
}

func TestInitKeysFileCreatesProjectKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.yaml")
	key, err := InitKeysFile(path, "demo")
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if key == "" {
		t.Fatalf("expected generated key")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read keys file: %v", err)
	}
	var cfg testKeysFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("parse yaml: %v", err)
	}
	keys := cfg.Projects["demo"].Keys
	if len(keys) == 0 || keys[0] != key {
		t.Fatalf("expected demo key %q, got %+v", key, keys)
	}
	if !cfg.DefaultPolicy.AllowLocalhostWithoutAuth {
		t.Fatalf("expected localhost policy to default on")
	}
}

func TestInitKeysFileAppendsToExistingProject(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.yaml")

	first, err := InitKeysFile(path, "demo")
	if err != nil {
		t.Fatalf("first init: %v", err)
	}
	second, err := InitKeysFile(path, "demo")
	if err != nil {
		t.Fatalf("second init: %v", err)
	}
	if first == second {
		t.Fatalf("expected distinct keys")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read keys file: %v", err)
	}
	var cfg testKeysFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("parse yaml: %v", err)
	}
	if len(cfg.Projects["demo"].Keys) != 2 {
		t.Fatalf("expected 2 keys, got %+v", cfg.Projects["demo"].Keys)
	}
}

func TestInitKeysFileRequiresProject(t *testing.T) {
	dir := t.TempDir()
	if _, err := InitKeysFile(filepath.Join(dir, "keys.yaml"), ""); err == nil {
		t.Fatalf("expected error for empty project")
	}
}
