package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Chunking.Size != 1000 {
		t.Errorf("expected chunk size 1000, got %d", cfg.Chunking.Size)
	}
	if cfg.Chunking.Overlap != 100 {
		t.Errorf("expected overlap 100, got %d", cfg.Chunking.Overlap)
	}
	if cfg.Watch.DebounceMs != 5000 {
		t.Errorf("expected debounce 5000ms, got %d", cfg.Watch.DebounceMs)
	}
	if cfg.Watch.MaxConcurrency != 1 {
		t.Errorf("expected max concurrency 1, got %d", cfg.Watch.MaxConcurrency)
	}
	if cfg.Watch.Debounce() != 5*time.Second {
		t.Errorf("Debounce() = %v, expected 5s", cfg.Watch.Debounce())
	}
}

func TestSaveLoad(t *testing.T) {
	root := t.TempDir()

	cfg := DefaultConfig()
	cfg.Embedder.Provider = "openai"
	cfg.Embedder.Model = "text-embedding-3-small"
	cfg.Store.Backend = "qdrant"
	cfg.Store.Qdrant.Endpoint = "localhost"

	if err := Save(root, cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(root)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.Embedder.Provider != "openai" {
		t.Errorf("expected provider openai, got %s", loaded.Embedder.Provider)
	}
	if loaded.Store.Backend != "qdrant" {
		t.Errorf("expected backend qdrant, got %s", loaded.Store.Backend)
	}
	if loaded.Chunking.Size != 1000 {
		t.Errorf("expected chunk size 1000 after reload, got %d", loaded.Chunking.Size)
	}
}

func TestLoadPartialConfigAppliesDefaults(t *testing.T) {
	root := t.TempDir()
	configDir := filepath.Join(root, ConfigDir)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatal(err)
	}

	partial := "version: 1\nembedder:\n  provider: ollama\n"
	if err := os.WriteFile(filepath.Join(configDir, ConfigFileName), []byte(partial), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Watch.DebounceMs != 5000 {
		t.Errorf("expected default debounce, got %d", cfg.Watch.DebounceMs)
	}
	if cfg.Watch.MaxConcurrency != 1 {
		t.Errorf("expected default concurrency, got %d", cfg.Watch.MaxConcurrency)
	}
	if len(cfg.Watch.Extensions) == 0 {
		t.Error("expected default extensions")
	}
}

func TestLoadMissingConfig(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Error("expected error for missing config")
	}
}

func TestGetDimensions(t *testing.T) {
	dim := 3072
	tests := []struct {
		name     string
		cfg      EmbedderConfig
		expected int
	}{
		{"explicit", EmbedderConfig{Provider: "openai", Dimensions: &dim}, 3072},
		{"openai default", EmbedderConfig{Provider: "openai"}, 1536},
		{"ollama default", EmbedderConfig{Provider: "ollama"}, 768},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.GetDimensions(); got != tt.expected {
				t.Errorf("GetDimensions() = %d, expected %d", got, tt.expected)
			}
		})
	}
}
