package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models karya.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
		BaseURL  string `yaml:"base_url"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Blob struct {
		Root         string        `yaml:"root"`
		Secret       string        `yaml:"secret"`
		SignedURLTTL time.Duration `yaml:"signed_url_ttl"`
	} `yaml:"blob"`
	Sync struct {
		MaxBatchRows int `yaml:"max_batch_rows"`
	} `yaml:"sync"`
}

// Load reads and validates config from the workspace, falling back to
// defaults when the file does not exist.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(workspace), nil
		}
		return nil, err
	}
	cfg, err := FromYAML(data)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults(workspace)
	return cfg, cfg.Validate()
}

// FromYAML parses config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	return &cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Blob.Root == "" {
		return fmt.Errorf("config.blob.root is required")
	}
	if c.Blob.SignedURLTTL < 0 {
		return fmt.Errorf("config.blob.signed_url_ttl must not be negative")
	}
	if c.Sync.MaxBatchRows < 0 {
		return fmt.Errorf("config.sync.max_batch_rows must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults(workspace string) {
	d := Default(workspace)
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = d.Server.BasePath
	}
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = d.Server.BaseURL
	}
	if c.Blob.Root == "" {
		c.Blob.Root = d.Blob.Root
	}
	if c.Blob.SignedURLTTL == 0 {
		c.Blob.SignedURLTTL = d.Blob.SignedURLTTL
	}
	if c.Sync.MaxBatchRows == 0 {
		c.Sync.MaxBatchRows = d.Sync.MaxBatchRows
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "karya.yml")
}

// Default returns the default Config for a workspace.
func Default(workspace string) *Config {
	var cfg Config
	cfg.Server.Addr = ":8277"
	cfg.Server.BasePath = "/v1"
	cfg.Server.BaseURL = "http://localhost:8277"
	cfg.Blob.Root = filepath.Join(workspace, ".karya", "blobs")
	cfg.Blob.SignedURLTTL = time.Hour
	cfg.Sync.MaxBatchRows = 5000
	return &cfg
}
