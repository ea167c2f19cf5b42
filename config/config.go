package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ConfigDir      = ".loom"
	ConfigFileName = "config.yaml"
	IndexFileName  = "index.gob"
	StateFileName  = "state.gob"
)

type Config struct {
	Version  int            `yaml:"version"`
	Embedder EmbedderConfig `yaml:"embedder"`
	Store    StoreConfig    `yaml:"store"`
	Chunking ChunkingConfig `yaml:"chunking"`
	Watch    WatchConfig    `yaml:"watch"`
	Shadow   ShadowConfig   `yaml:"shadow"`
	Chat     ChatConfig     `yaml:"chat"`
	Ignore   []string       `yaml:"ignore"`
}

type EmbedderConfig struct {
	Provider   string `yaml:"provider"` // ollama | openai
	Model      string `yaml:"model"`
	Endpoint   string `yaml:"endpoint,omitempty"`
	APIKey     string `yaml:"api_key,omitempty"`
	Dimensions *int   `yaml:"dimensions,omitempty"`
}

// GetDimensions returns the configured dimensions or the provider default.
func (e *EmbedderConfig) GetDimensions() int {
	if e.Dimensions != nil {
		return *e.Dimensions
	}
	switch e.Provider {
	case "openai":
		return 1536
	default:
		return 768
	}
}

type StoreConfig struct {
	Backend  string         `yaml:"backend"` // gob | postgres | qdrant
	Postgres PostgresConfig `yaml:"postgres,omitempty"`
	Qdrant   QdrantConfig   `yaml:"qdrant,omitempty"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type QdrantConfig struct {
	Endpoint   string `yaml:"endpoint"`
	Port       int    `yaml:"port,omitempty"`
	Collection string `yaml:"collection,omitempty"` // defaults from project identity
	APIKey     string `yaml:"api_key,omitempty"`
	UseTLS     bool   `yaml:"use_tls,omitempty"`
}

type ChunkingConfig struct {
	Size    int `yaml:"size"`
	Overlap int `yaml:"overlap"`
}

type WatchConfig struct {
	DebounceMs     int      `yaml:"debounce_ms"`
	MaxConcurrency int      `yaml:"max_concurrency"`
	Extensions     []string `yaml:"extensions"`
	IgnoreDirs     []string `yaml:"ignore_dirs"`
}

// Debounce returns the configured debounce interval.
func (w *WatchConfig) Debounce() time.Duration {
	return time.Duration(w.DebounceMs) * time.Millisecond
}

type ShadowConfig struct {
	CacheRoot string `yaml:"cache_root,omitempty"` // defaults to <user cache>/loom/shadow
	CopyFiles bool   `yaml:"copy_files"`           // full copy instead of structure-only clone
}

type ChatConfig struct {
	Provider  string `yaml:"provider"` // openai-compatible chat completions
	Model     string `yaml:"model"`
	Endpoint  string `yaml:"endpoint,omitempty"`
	APIKey    string `yaml:"api_key,omitempty"`
	MaxChunks int    `yaml:"max_chunks"` // retrieval depth for answers
}

func DefaultConfig() *Config {
	defaultDim := 768
	return &Config{
		Version: 1,
		Embedder: EmbedderConfig{
			Provider:   "ollama",
			Model:      "nomic-embed-text",
			Endpoint:   "http://localhost:11434",
			Dimensions: &defaultDim,
		},
		Store: StoreConfig{
			Backend: "gob",
		},
		Chunking: ChunkingConfig{
			Size:    1000,
			Overlap: 100,
		},
		Watch: WatchConfig{
			DebounceMs:     5000,
			MaxConcurrency: 1,
			Extensions: []string{
				".go", ".js", ".ts", ".jsx", ".tsx", ".py", ".rb", ".rs",
				".c", ".h", ".cpp", ".hpp", ".cs", ".java", ".php",
				".md", ".txt", ".json", ".yaml", ".yml", ".toml",
			},
			IgnoreDirs: []string{
				"node_modules", "vendor", "dist", "build", "target",
				".git", ".loom", "__pycache__",
			},
		},
		Shadow: ShadowConfig{
			CopyFiles: false,
		},
		Chat: ChatConfig{
			Provider:  "openai",
			Model:     "gpt-4o-mini",
			MaxChunks: 5,
		},
		Ignore: []string{},
	}
}

// GetConfigPath returns the config file path for a project root.
func GetConfigPath(projectRoot string) string {
	return filepath.Join(projectRoot, ConfigDir, ConfigFileName)
}

// Exists reports whether the project at projectRoot has been initialized.
func Exists(projectRoot string) bool {
	_, err := os.Stat(GetConfigPath(projectRoot))
	return err == nil
}

// FindProjectRoot walks up from the current directory looking for a .loom
// directory. Returns an error if none is found.
func FindProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		configPath := filepath.Join(dir, ConfigDir, ConfigFileName)
		if _, err := os.Stat(configPath); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no %s directory found (run 'loom init' first)", ConfigDir)
		}
		dir = parent
	}
}

// Load reads the config for the project rooted at projectRoot.
func Load(projectRoot string) (*Config, error) {
	configPath := filepath.Join(projectRoot, ConfigDir, ConfigFileName)

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// Save writes the config to the project's .loom directory, creating it if needed.
func Save(projectRoot string, cfg *Config) error {
	configDir := filepath.Join(projectRoot, ConfigDir)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyDefaults fills zero values left by partial config files.
func (c *Config) applyDefaults() {
	def := DefaultConfig()

	if c.Chunking.Size <= 0 {
		c.Chunking.Size = def.Chunking.Size
	}
	if c.Chunking.Overlap < 0 {
		c.Chunking.Overlap = def.Chunking.Overlap
	}
	if c.Watch.DebounceMs <= 0 {
		c.Watch.DebounceMs = def.Watch.DebounceMs
	}
	if c.Watch.MaxConcurrency <= 0 {
		c.Watch.MaxConcurrency = def.Watch.MaxConcurrency
	}
	if len(c.Watch.Extensions) == 0 {
		c.Watch.Extensions = def.Watch.Extensions
	}
	if len(c.Watch.IgnoreDirs) == 0 {
		c.Watch.IgnoreDirs = def.Watch.IgnoreDirs
	}
	if c.Chat.MaxChunks <= 0 {
		c.Chat.MaxChunks = def.Chat.MaxChunks
	}
}

// IndexPath returns the path of the local gob index for a project.
func IndexPath(projectRoot string) string {
	return filepath.Join(projectRoot, ConfigDir, IndexFileName)
}

// StatePath returns the path of the persisted editor state for a project.
func StatePath(projectRoot string) string {
	return filepath.Join(projectRoot, ConfigDir, StateFileName)
}

// ShadowCacheRoot resolves the directory under which shadow workspaces are
// created. Falls back to the OS temp dir when the user cache dir is unknown.
func (c *Config) ShadowCacheRoot() string {
	if c.Shadow.CacheRoot != "" {
		return c.Shadow.CacheRoot
	}
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "loom", "shadow")
	}
	return filepath.Join(cacheDir, "loom", "shadow")
}
