// Package config loads and validates the orgmap configuration file (YAML).
// Defaults are applied on load; validation collects every problem instead of
// stopping at the first one so a bad config is fixable in one pass.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/orgmap/orgmap/pkg/log"
	"github.com/orgmap/orgmap/pkg/orghtml"
)

// Defaults.
const (
	DefaultListenAddr      = "127.0.0.1:5174"
	DefaultLatexTimeoutMS  = 15000
	DefaultLatexCacheBytes = 32 << 20
	DefaultLogLevel        = "info"
)

// Config is the one structured configuration file.
type Config struct {
	// RootDir is the corpus path. Required.
	RootDir string `yaml:"root_dir"`

	// StateDir holds the metadata database, the full-text index
	// directory, and the persistent LaTeX cache. Defaults to
	// <root_dir>/.orgmap.
	StateDir string `yaml:"state_dir"`

	ListenAddr string `yaml:"listen_addr"`

	// HTMLAdviceRules style custom blocks in rendered previews.
	HTMLAdviceRules []orghtml.AdviceRule `yaml:"html_advice_rules"`

	LatexTimeoutMS  int   `yaml:"latex_timeout_ms"`
	LatexCacheBytes int64 `yaml:"latex_cache_bytes"`

	// WatcherEnabled toggles the filesystem watcher. Editor hints keep
	// working either way.
	WatcherEnabled *bool `yaml:"watcher_enabled"`

	LogLevel string `yaml:"log_level"`
}

// Load reads, decodes (strictly), defaults, and validates a config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.StateDir == "" && c.RootDir != "" {
		c.StateDir = filepath.Join(c.RootDir, ".orgmap")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.LatexTimeoutMS == 0 {
		c.LatexTimeoutMS = DefaultLatexTimeoutMS
	}
	if c.LatexCacheBytes == 0 {
		c.LatexCacheBytes = DefaultLatexCacheBytes
	}
	if c.WatcherEnabled == nil {
		enabled := true
		c.WatcherEnabled = &enabled
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.RootDir) == "" {
		problems = append(problems, "root_dir is required")
	}
	if c.LatexTimeoutMS < 0 {
		problems = append(problems, "latex_timeout_ms must not be negative")
	}
	if c.LatexCacheBytes < 0 {
		problems = append(problems, "latex_cache_bytes must not be negative")
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		problems = append(problems, err.Error())
	}
	for i, rule := range c.HTMLAdviceRules {
		if strings.TrimSpace(rule.On) == "" {
			problems = append(problems, fmt.Sprintf("html_advice_rules[%d]: 'on' keyword is required", i))
		}
	}

	if len(problems) > 0 {
		return errors.New("invalid config: " + strings.Join(problems, "; "))
	}
	return nil
}

// LatexTimeout converts the millisecond option into a duration.
func (c *Config) LatexTimeout() time.Duration {
	return time.Duration(c.LatexTimeoutMS) * time.Millisecond
}

// MetaPath is the metadata database location.
func (c *Config) MetaPath() string {
	return filepath.Join(c.StateDir, "meta.db")
}

// IndexDir is the full-text index directory.
func (c *Config) IndexDir() string {
	return filepath.Join(c.StateDir, "fts")
}

// LatexCacheDir is the persistent SVG cache directory.
func (c *Config) LatexCacheDir() string {
	return filepath.Join(c.StateDir, "latex")
}

// Watch reports whether the filesystem watcher should run.
func (c *Config) Watch() bool {
	return c.WatcherEnabled == nil || *c.WatcherEnabled
}
