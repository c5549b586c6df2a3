package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeRegistryFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write registry file: %v", err)
	}
	return path
}

func TestLoadRegistryParsesBackendTable(t *testing.T) {
	path := writeRegistryFile(t, `
backends:
  - model: llama-70b
    kind: chat
    gpu: "0"
    strategy: long
    base_url: http://127.0.0.1:9000/v1
    container: llama-70b-gpu0
  - model: bge-large
    kind: embeddings
    gpu: "0"
    base_url: http://127.0.0.1:9010/v1
    container: embed-bge-large
`)

	reg, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}
	if len(reg.All()) != 2 {
		t.Fatalf("len(All()) = %d, want 2", len(reg.All()))
	}
	if _, ok := reg.Backend("llama-70b@0"); !ok {
		t.Error("expected backend llama-70b@0 to be present")
	}
}

func TestLoadRegistryRejectsMissingFile(t *testing.T) {
	if _, err := LoadRegistry(filepath.Join(t.TempDir(), "does-not-exist.yaml")); err == nil {
		t.Error("expected error for missing registry file")
	}
}

func TestLoadRegistryRejectsInvalidEntries(t *testing.T) {
	path := writeRegistryFile(t, `
backends:
  - model: llama-70b
    kind: chat
    gpu: "2"
    strategy: long
    base_url: http://127.0.0.1:9000/v1
    container: llama-70b-gpu0
`)

	if _, err := LoadRegistry(path); err == nil {
		t.Error("expected error for invalid gpu value")
	}
}
