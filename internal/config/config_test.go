package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: 9100\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("Port = %d, want 9100", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Host = %q, want 0.0.0.0", cfg.Server.Host)
	}
	if cfg.Server.PublicURL != "http://localhost:9100" {
		t.Errorf("PublicURL = %q", cfg.Server.PublicURL)
	}
	if cfg.Engine.MinPartSize != 5*1024*1024 {
		t.Errorf("MinPartSize = %d", cfg.Engine.MinPartSize)
	}
	if !cfg.Metrics.Enabled {
		t.Error("metrics should be enabled by default")
	}
	if cfg.Auth.OwnerID != "cairn" {
		t.Errorf("OwnerID = %q, want cairn", cfg.Auth.OwnerID)
	}
}

func TestLoadHumanSizes(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  max_object_size: 1GiB
engine:
  min_part_size: "5 MiB"
storage:
  backend: memory
  memory:
    max_size: 1048576
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.MaxObjectSize != 1<<30 {
		t.Errorf("MaxObjectSize = %d", cfg.Server.MaxObjectSize)
	}
	if cfg.Engine.MinPartSize != 5<<20 {
		t.Errorf("MinPartSize = %d", cfg.Engine.MinPartSize)
	}
	if cfg.Storage.Memory.MaxSize != 1<<20 {
		t.Errorf("Memory.MaxSize = %d", cfg.Storage.Memory.MaxSize)
	}
}

func TestLoadRejectsBadSize(t *testing.T) {
	if _, err := Load(writeConfig(t, "engine:\n  min_part_size: lots\n")); err == nil {
		t.Fatal("expected error for unparseable size")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"local", "storage:\n  backend: local\n", false},
		{"unknown", "storage:\n  backend: tape\n", true},
		{"aws missing bucket", "storage:\n  backend: aws\n", true},
		{"aws ok", "storage:\n  backend: aws\n  aws:\n    bucket: b\n", false},
		{"azure missing account", "storage:\n  backend: azure\n  azure:\n    container: c\n", true},
		{"azure ok", "storage:\n  backend: azure\n  azure:\n    container: c\n    account: acct\n", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAzureAccountURLDerived(t *testing.T) {
	cfg, err := Load(writeConfig(t, "storage:\n  backend: azure\n  azure:\n    container: c\n    account: acct\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Azure.AccountURL != "https://acct.blob.core.windows.net" {
		t.Errorf("AccountURL = %q", cfg.Storage.Azure.AccountURL)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope", "config.yaml")); err == nil {
		t.Fatal("expected error for missing config")
	}
}
