package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPort      = 8000
	DefaultChunkSize = 1 << 20
)

// Config is intentionally small and file-friendly.
// Zero values mean "use the default" except AllowUpload.
type Config struct {
	// Port is the TCP port the HTTP server listens on.
	Port int `json:"port" toml:"port" yaml:"port"`

	// Root is the directory tree being served.
	Root string `json:"root" toml:"root" yaml:"root"`

	// AllowUpload enables multipart POST uploads into listed directories.
	AllowUpload bool `json:"allowUpload" toml:"allowUpload" yaml:"allowUpload"`

	// StateDir holds staged uploads and cached thumbnails.
	// Default: <tmp>/dirserve
	StateDir string `json:"stateDir,omitempty" toml:"stateDir" yaml:"stateDir"`

	// MaxConns bounds concurrently accepted connections. 0 = unlimited.
	MaxConns int `json:"maxConns,omitempty" toml:"maxConns" yaml:"maxConns"`

	// ChunkSize is the file read size per transfer step.
	ChunkSize int `json:"chunkSize,omitempty" toml:"chunkSize" yaml:"chunkSize"`

	// StatCacheTTL expires cached metadata. 0 keeps entries for the process lifetime.
	StatCacheTTL Duration `json:"statCacheTTL,omitempty" toml:"statCacheTTL" yaml:"statCacheTTL"`

	// MetricsAddr serves /metrics when set, e.g. ":9090".
	MetricsAddr string `json:"metricsAddr,omitempty" toml:"metricsAddr" yaml:"metricsAddr"`

	LogLevel  string `json:"logLevel,omitempty" toml:"logLevel" yaml:"logLevel"`
	LogFormat string `json:"logFormat,omitempty" toml:"logFormat" yaml:"logFormat"`
}

// ServerConfig is the narrow view the request pipeline needs.
type ServerConfig struct {
	Port        int
	RootDir     string
	AllowUpload bool
}

// Duration accepts "30s"-style strings in every config format.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalText(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Default returns the configuration before files, env, or flags apply.
func Default() Config {
	return Config{
		Port:      DefaultPort,
		Root:      ".",
		ChunkSize: DefaultChunkSize,
		LogLevel:  "info",
		LogFormat: "console",
	}
}

// FromEnv overlays DIRSERVE_* environment variables onto cfg.
func FromEnv(cfg Config) Config {
	cfg.Port = envInt("DIRSERVE_PORT", cfg.Port)
	cfg.Root = envOr("DIRSERVE_ROOT", cfg.Root)
	cfg.AllowUpload = envBool("DIRSERVE_ALLOW_UPLOAD", cfg.AllowUpload)
	cfg.StateDir = envOr("DIRSERVE_STATE_DIR", cfg.StateDir)
	cfg.MaxConns = envInt("DIRSERVE_MAX_CONNS", cfg.MaxConns)
	cfg.ChunkSize = envInt("DIRSERVE_CHUNK_SIZE", cfg.ChunkSize)
	cfg.MetricsAddr = envOr("DIRSERVE_METRICS_ADDR", cfg.MetricsAddr)
	cfg.LogLevel = envOr("DIRSERVE_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOr("DIRSERVE_LOG_FORMAT", cfg.LogFormat)
	if v := os.Getenv("DIRSERVE_STAT_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.StatCacheTTL = Duration(d)
		}
	}
	return cfg
}

// LoadFile overlays the file at path onto cfg. The format follows the
// extension: .json, .toml, .yaml or .yml.
func LoadFile(path string, cfg Config) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(b, &cfg)
	case ".toml":
		_, err = toml.Decode(string(b), &cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	default:
		return cfg, fmt.Errorf("config %s: unsupported format", path)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Finalize validates cfg and resolves Root and StateDir to absolute paths.
func (c *Config) Finalize() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if strings.TrimSpace(c.Root) == "" {
		return errors.New("config: root is required")
	}
	abs, err := filepath.Abs(c.Root)
	if err != nil {
		return fmt.Errorf("abs root: %w", err)
	}
	st, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("config: root: %w", err)
	}
	if !st.IsDir() {
		return fmt.Errorf("config: root %s is not a directory", abs)
	}
	c.Root = abs
	if c.StateDir == "" {
		c.StateDir = filepath.Join(os.TempDir(), "dirserve")
	}
	if c.StateDir, err = filepath.Abs(c.StateDir); err != nil {
		return fmt.Errorf("abs state: %w", err)
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.MaxConns < 0 {
		return fmt.Errorf("config: invalid maxConns %d", c.MaxConns)
	}
	return nil
}

func (c Config) ServerConfig() ServerConfig {
	return ServerConfig{Port: c.Port, RootDir: c.Root, AllowUpload: c.AllowUpload}
}

// Addr is the listen address for Port on all interfaces.
func (c Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}
