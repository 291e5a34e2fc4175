// Package config models handoff.yml. Configuration is an explicit value
// passed into the components that need it; nothing here is process-global,
// so one process can serve several exchanges side by side.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"handoff/internal/codec"
)

// Config models handoff.yml.
type Config struct {
	Exchange struct {
		ID string `yaml:"id"`
	} `yaml:"exchange"`
	Storage struct {
		// Kind selects the backend: fs, s3, or bucket.
		Kind     string `yaml:"kind"`
		Root     string `yaml:"root,omitempty"`
		Bucket   string `yaml:"bucket,omitempty"`
		Region   string `yaml:"region,omitempty"`
		Endpoint string `yaml:"endpoint,omitempty"`
		Prefix   string `yaml:"prefix,omitempty"`
	} `yaml:"storage"`
	Limits struct {
		FileCap             int `yaml:"file_cap"`
		AttachmentThreshold int `yaml:"attachment_threshold"`
	} `yaml:"limits"`
	Notify struct {
		URL string `yaml:"url,omitempty"`
	} `yaml:"notify"`
	Server struct {
		Addr      string `yaml:"addr,omitempty"`
		JWTSecret string `yaml:"jwt_secret,omitempty"`
	} `yaml:"server"`
}

// Default returns a working configuration for an exchange backed by the
// local filesystem.
func Default(exchangeID string) *Config {
	cfg := &Config{}
	cfg.Exchange.ID = exchangeID
	cfg.Storage.Kind = "fs"
	cfg.Storage.Root = ".handoff"
	cfg.Limits.FileCap = codec.FileCap
	cfg.Limits.AttachmentThreshold = codec.ExternalizeThreshold
	cfg.Server.Addr = "127.0.0.1:8080"
	return cfg
}

// Load reads and validates config from a file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with ho init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates raw config bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Limits.FileCap == 0 {
		cfg.Limits.FileCap = codec.FileCap
	}
	if cfg.Limits.AttachmentThreshold == 0 {
		cfg.Limits.AttachmentThreshold = codec.ExternalizeThreshold
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Exchange.ID == "" {
		return fmt.Errorf("config.exchange.id is required")
	}
	switch c.Storage.Kind {
	case "fs":
		if c.Storage.Root == "" {
			return fmt.Errorf("config.storage.root is required for kind fs")
		}
	case "s3":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("config.storage.bucket is required for kind s3")
		}
		if c.Storage.Region == "" {
			return fmt.Errorf("config.storage.region is required for kind s3")
		}
	case "bucket":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("config.storage.bucket is required for kind bucket")
		}
	default:
		return fmt.Errorf("config.storage.kind must be fs, s3, or bucket")
	}
	if c.Limits.FileCap < 0 || c.Limits.AttachmentThreshold < 0 {
		return fmt.Errorf("config.limits values must be positive")
	}
	if c.Limits.AttachmentThreshold > c.Limits.FileCap {
		return fmt.Errorf("config.limits.attachment_threshold must not exceed file_cap")
	}
	return nil
}

// ToYAML renders the config for writing back to disk.
func (c *Config) ToYAML() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("render config: %w", err)
	}
	return data, nil
}
