package upload

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

const (
	defaultVersion              = 1
	defaultListen               = "127.0.0.1:8080"
	defaultBasePath             = "/files"
	defaultDataDir              = "~/.tigrisup/data"
	defaultRegistry             = RegistryBbolt
	defaultMaxFileSize          = "50GB"
	defaultMaxChunkSize         = "64MB"
	defaultUploadTTLMin         = 24 * 60
	defaultCleanIntervalMin     = 10
	defaultEndpoint             = "http://127.0.0.1:8080/files"
	defaultChunkSize            = "8MB"
	defaultMaxRetries           = 8
	defaultRetryBaseMs          = 500
	defaultRetryMaxSec          = 30
	defaultRequestTimeoutSec    = 120
	defaultDisplayIntervalMs    = 500
	defaultHistorySize          = 120
	defaultResumeDB             = "~/.tigrisup/resume.db"
	defaultDiskMinFreePercent   = 10
	maxConfigurableChunkSizeMiB = 1024
)

const (
	RegistryBbolt  = "bbolt"
	RegistryMemory = "memory"
)

var ErrConfigMissing = errors.New("upload config missing")

// ValidationError aggregates config validation issues.
type ValidationError struct {
	Issues []string
}

func (v ValidationError) Error() string {
	if len(v.Issues) == 0 {
		return "config validation failed"
	}
	if len(v.Issues) == 1 {
		return v.Issues[0]
	}
	return fmt.Sprintf("config validation failed: %s", strings.Join(v.Issues, "; "))
}

// Config is the on-disk configuration shared by the server and the client.
type Config struct {
	Version  int            `yaml:"version"`
	Server   ServerConfig   `yaml:"server"`
	Client   ClientConfig   `yaml:"client"`
	FailSafe FailSafeConfig `yaml:"fail_safe"`
}

// ServerConfig configures `serve`.
type ServerConfig struct {
	Listen                string `yaml:"listen"`
	BasePath              string `yaml:"base_path"`
	DataDir               string `yaml:"data_dir"`
	Registry              string `yaml:"registry"`
	MaxFileSize           string `yaml:"max_file_size"`
	MaxChunkSize          string `yaml:"max_chunk_size"`
	UploadTTLMin          int    `yaml:"upload_ttl_min"`
	CompletedRetentionMin int    `yaml:"completed_retention_min"`
	CleanIntervalMin      int    `yaml:"clean_interval_min"`
	AutoFinalize          bool   `yaml:"auto_finalize"`
}

// ClientConfig configures `upload` and `status`.
type ClientConfig struct {
	Endpoint          string `yaml:"endpoint"`
	ChunkSize         string `yaml:"chunk_size"`
	MaxRetries        int    `yaml:"max_retries"`
	RetryBaseMs       int    `yaml:"retry_base_ms"`
	RetryMaxSec       int    `yaml:"retry_max_sec"`
	RequestTimeoutSec int    `yaml:"request_timeout_sec"`
	DisplayIntervalMs int    `yaml:"display_interval_ms"`
	HistorySize       int    `yaml:"history_size"`
	// MaxFileSize refuses larger files before any request is sent.
	MaxFileSize string `yaml:"max_file_size"`
	// RateLimit caps upload bandwidth, e.g. "2MB" per second. Empty is unlimited.
	RateLimit string `yaml:"rate_limit"`
	ResumeDB  string `yaml:"resume_db"`
}

// FailSafeConfig configures ENOSPC protection.
type FailSafeConfig struct {
	Enable             bool `yaml:"enable"`
	DiskMinFreePercent int  `yaml:"disk_min_free_percent"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	cfg := &Config{FailSafe: FailSafeConfig{Enable: true}}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig reads config from the provided path. When the file does not exist
// it writes a template and returns ErrConfigMissing to prompt the user to edit
// the newly created file.
func LoadConfig(path string) (*Config, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if writeErr := WriteTemplate(path); writeErr != nil {
				return nil, writeErr
			}
			return nil, ErrConfigMissing
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse upload config: %w", err)
	}

	cfg.applyDefaults()
	if vErr := cfg.Validate(); len(vErr.Issues) > 0 {
		return nil, vErr
	}

	return &cfg, nil
}

// Validate reports every problem with the configuration at once.
func (c Config) Validate() ValidationError {
	issues := make([]string, 0)

	if c.Version != defaultVersion {
		issues = append(issues, "version must be 1")
	}

	s := c.Server
	if s.Listen == "" {
		issues = append(issues, "server.listen must be set")
	}
	if !strings.HasPrefix(s.BasePath, "/") {
		issues = append(issues, "server.base_path must start with /")
	}
	if s.Registry != RegistryBbolt && s.Registry != RegistryMemory {
		issues = append(issues, fmt.Sprintf("server.registry must be %q or %q", RegistryBbolt, RegistryMemory))
	}
	if n, err := parseSize(s.MaxFileSize); err != nil || n <= 0 {
		issues = append(issues, "server.max_file_size must be a positive size such as 50GB")
	}
	if n, err := parseSize(s.MaxChunkSize); err != nil || n <= 0 || n > maxConfigurableChunkSizeMiB<<20 {
		issues = append(issues, "server.max_chunk_size must be a size in (0,1GB]")
	}
	if s.UploadTTLMin <= 0 {
		issues = append(issues, "server.upload_ttl_min must be > 0")
	}
	if s.CompletedRetentionMin < 0 {
		issues = append(issues, "server.completed_retention_min must be >= 0")
	}
	if s.CleanIntervalMin <= 0 {
		issues = append(issues, "server.clean_interval_min must be > 0")
	}

	cl := c.Client
	if !strings.HasPrefix(cl.Endpoint, "http://") && !strings.HasPrefix(cl.Endpoint, "https://") {
		issues = append(issues, "client.endpoint must be an http(s) URL")
	}
	if n, err := parseSize(cl.ChunkSize); err != nil || n <= 0 || n > maxConfigurableChunkSizeMiB<<20 {
		issues = append(issues, "client.chunk_size must be a size in (0,1GB]")
	}
	if cl.MaxRetries < 0 {
		issues = append(issues, "client.max_retries must be >= 0")
	}
	if cl.RetryBaseMs <= 0 {
		issues = append(issues, "client.retry_base_ms must be > 0")
	}
	if cl.RetryMaxSec <= 0 {
		issues = append(issues, "client.retry_max_sec must be > 0")
	}
	if cl.RequestTimeoutSec < 0 {
		issues = append(issues, "client.request_timeout_sec must be >= 0")
	}
	if cl.DisplayIntervalMs < 0 {
		issues = append(issues, "client.display_interval_ms must be >= 0")
	}
	if cl.HistorySize <= 0 {
		issues = append(issues, "client.history_size must be > 0")
	}
	if n, err := parseSize(cl.MaxFileSize); err != nil || n <= 0 {
		issues = append(issues, "client.max_file_size must be a positive size such as 50GB")
	}
	if cl.RateLimit != "" {
		if n, err := parseSize(cl.RateLimit); err != nil || n <= 0 {
			issues = append(issues, "client.rate_limit must be a positive size such as 2MB")
		}
	}

	if c.FailSafe.DiskMinFreePercent <= 0 || c.FailSafe.DiskMinFreePercent > 100 {
		issues = append(issues, "fail_safe.disk_min_free_percent must be in (0,100]")
	}

	return ValidationError{Issues: issues}
}

// MaxFileSizeBytes returns server.max_file_size in bytes.
func (s ServerConfig) MaxFileSizeBytes() int64 {
	n, _ := parseSize(s.MaxFileSize)
	return n
}

// MaxChunkSizeBytes returns server.max_chunk_size in bytes.
func (s ServerConfig) MaxChunkSizeBytes() int64 {
	n, _ := parseSize(s.MaxChunkSize)
	return n
}

// UploadTTL is how long an incomplete upload may sit idle.
func (s ServerConfig) UploadTTL() time.Duration {
	return time.Duration(s.UploadTTLMin) * time.Minute
}

// CompletedRetention is how long completed uploads are kept; zero is forever.
func (s ServerConfig) CompletedRetention() time.Duration {
	return time.Duration(s.CompletedRetentionMin) * time.Minute
}

func (s ServerConfig) CleanInterval() time.Duration {
	return time.Duration(s.CleanIntervalMin) * time.Minute
}

// EffectiveDataDir expands a leading ~ in data_dir.
func (s ServerConfig) EffectiveDataDir() (string, error) {
	return homedir.Expand(s.DataDir)
}

func (c ClientConfig) ChunkSizeBytes() int64 {
	n, _ := parseSize(c.ChunkSize)
	return n
}

// MaxFileSizeBytes returns client.max_file_size in bytes.
func (c ClientConfig) MaxFileSizeBytes() int64 {
	n, _ := parseSize(c.MaxFileSize)
	return n
}

// RateLimitBytes returns the bandwidth cap, or 0 when unlimited.
func (c ClientConfig) RateLimitBytes() int64 {
	if c.RateLimit == "" {
		return 0
	}
	n, _ := parseSize(c.RateLimit)
	return n
}

func (c ClientConfig) RetryBase() time.Duration {
	return time.Duration(c.RetryBaseMs) * time.Millisecond
}

func (c ClientConfig) RetryMax() time.Duration {
	return time.Duration(c.RetryMaxSec) * time.Second
}

func (c ClientConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

func (c ClientConfig) DisplayInterval() time.Duration {
	return time.Duration(c.DisplayIntervalMs) * time.Millisecond
}

// EffectiveResumeDB expands a leading ~ in resume_db.
func (c ClientConfig) EffectiveResumeDB() (string, error) {
	return homedir.Expand(c.ResumeDB)
}

// DefaultConfigPath is ~/.tigrisup/config.yaml.
func DefaultConfigPath() string {
	home, err := homedir.Dir()
	if err != nil {
		return filepath.Join(".tigrisup", "config.yaml")
	}
	return filepath.Join(home, ".tigrisup", "config.yaml")
}

func (c *Config) applyDefaults() {
	if c.Version == 0 {
		c.Version = defaultVersion
	}

	s := &c.Server
	if s.Listen == "" {
		s.Listen = defaultListen
	}
	if s.BasePath == "" {
		s.BasePath = defaultBasePath
	}
	if s.DataDir == "" {
		s.DataDir = defaultDataDir
	}
	if s.Registry == "" {
		s.Registry = defaultRegistry
	}
	if s.MaxFileSize == "" {
		s.MaxFileSize = defaultMaxFileSize
	}
	if s.MaxChunkSize == "" {
		s.MaxChunkSize = defaultMaxChunkSize
	}
	if s.UploadTTLMin == 0 {
		s.UploadTTLMin = defaultUploadTTLMin
	}
	if s.CleanIntervalMin == 0 {
		s.CleanIntervalMin = defaultCleanIntervalMin
	}

	cl := &c.Client
	if cl.Endpoint == "" {
		cl.Endpoint = defaultEndpoint
	}
	if cl.ChunkSize == "" {
		cl.ChunkSize = defaultChunkSize
	}
	if cl.MaxRetries == 0 {
		cl.MaxRetries = defaultMaxRetries
	}
	if cl.RetryBaseMs == 0 {
		cl.RetryBaseMs = defaultRetryBaseMs
	}
	if cl.RetryMaxSec == 0 {
		cl.RetryMaxSec = defaultRetryMaxSec
	}
	if cl.RequestTimeoutSec == 0 {
		cl.RequestTimeoutSec = defaultRequestTimeoutSec
	}
	if cl.DisplayIntervalMs == 0 {
		cl.DisplayIntervalMs = defaultDisplayIntervalMs
	}
	if cl.HistorySize == 0 {
		cl.HistorySize = defaultHistorySize
	}
	if cl.MaxFileSize == "" {
		cl.MaxFileSize = defaultMaxFileSize
	}
	if cl.ResumeDB == "" {
		cl.ResumeDB = defaultResumeDB
	}

	if c.FailSafe.DiskMinFreePercent == 0 {
		c.FailSafe.DiskMinFreePercent = defaultDiskMinFreePercent
	}
}

func parseSize(s string) (int64, error) {
	return units.RAMInBytes(strings.TrimSpace(s))
}

// WriteTemplate writes a commented default configuration to path.
func WriteTemplate(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tpl := bytes.NewBufferString("# tigrisup configuration\n")
	tpl.WriteString("version: 1\n")
	tpl.WriteString("server:\n")
	tpl.WriteString("  listen: 127.0.0.1:8080\n")
	tpl.WriteString("  base_path: /files\n")
	tpl.WriteString("  data_dir: ~/.tigrisup/data\n")
	tpl.WriteString("  # bbolt keeps upload state across restarts, memory does not\n")
	tpl.WriteString("  registry: bbolt\n")
	tpl.WriteString("  max_file_size: 50GB\n")
	tpl.WriteString("  max_chunk_size: 64MB\n")
	tpl.WriteString("  upload_ttl_min: 1440\n")
	tpl.WriteString("  # completed_retention_min: 0\n")
	tpl.WriteString("  clean_interval_min: 10\n")
	tpl.WriteString("  auto_finalize: false\n")
	tpl.WriteString("client:\n")
	tpl.WriteString("  endpoint: http://127.0.0.1:8080/files\n")
	tpl.WriteString("  chunk_size: 8MB\n")
	tpl.WriteString("  max_retries: 8\n")
	tpl.WriteString("  retry_base_ms: 500\n")
	tpl.WriteString("  retry_max_sec: 30\n")
	tpl.WriteString("  request_timeout_sec: 120\n")
	tpl.WriteString("  display_interval_ms: 500\n")
	tpl.WriteString("  history_size: 120\n")
	tpl.WriteString("  max_file_size: 50GB\n")
	tpl.WriteString("  # rate_limit: 2MB\n")
	tpl.WriteString("  resume_db: ~/.tigrisup/resume.db\n")
	tpl.WriteString("fail_safe:\n")
	tpl.WriteString("  enable: true\n")
	tpl.WriteString("  disk_min_free_percent: 10\n")

	if err := os.WriteFile(path, tpl.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write config template: %w", err)
	}
	return nil
}
