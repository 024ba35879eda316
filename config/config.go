package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"

	"pullsend/protocol"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "pullsend"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "PULLSEND_DATA_DIR"
	// DefaultListeningPort is the TCP port used when no user override exists.
	DefaultListeningPort = 9999
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"

	DefaultConcurrency         = 8
	MaxConcurrency             = 64
	DefaultMaxAttempts         = 4
	DefaultRetryInitialDelayMS = 200
	DefaultRetryMaxDelayMS     = 2000
	DefaultRequestTimeoutMS    = 15000
	DefaultOfferTimeoutMS      = 120000
	DefaultLogLevel            = "info"

	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID              string         `json:"device_id"`
	DeviceName            string         `json:"device_name"`
	PortMode              string         `json:"port_mode"`
	ListeningPort         int            `json:"listening_port"`
	Ed25519PrivateKeyPath string         `json:"ed25519_private_key_path"`
	KeyFingerprint        string         `json:"key_fingerprint"`
	Transfer              TransferConfig `json:"transfer"`
}

// TransferConfig holds the tunables handed to the transfer engine.
type TransferConfig struct {
	SaveDirectory       string `json:"save_directory"`
	ChunkSize           int    `json:"chunk_size"`
	Concurrency         int    `json:"concurrency"`
	MaxAttempts         int    `json:"max_attempts"`
	RetryInitialDelayMS int    `json:"retry_initial_delay_ms"`
	RetryMaxDelayMS     int    `json:"retry_max_delay_ms"`
	RequestTimeoutMS    int    `json:"request_timeout_ms"`
	OfferTimeoutMS      int    `json:"offer_timeout_ms"`
	LogLevel            string `json:"log_level"`
	MetricsAddress      string `json:"metrics_address,omitempty"`
}

// RetryInitialDelay returns the first retry delay.
func (c TransferConfig) RetryInitialDelay() time.Duration {
	return time.Duration(c.RetryInitialDelayMS) * time.Millisecond
}

// RetryMaxDelay returns the retry delay ceiling.
func (c TransferConfig) RetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxDelayMS) * time.Millisecond
}

// RequestTimeout returns the per chunk request timeout.
func (c TransferConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// OfferTimeout returns how long an offer may wait for a decision.
func (c TransferConfig) OfferTimeout() time.Duration {
	return time.Duration(c.OfferTimeoutMS) * time.Millisecond
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If PULLSEND_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
		filepath.Join(dataDir, "received"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate resolves the data directory and delegates to LoadOrCreateIn.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	return LoadOrCreateIn(dataDir)
}

// LoadOrCreateIn ensures directories and config exist under dataDir, then
// returns the normalized config and its path.
func LoadOrCreateIn(dataDir string) (*DeviceConfig, string, error) {
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *DeviceConfig {
	cfg := &DeviceConfig{}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "pullsend device"
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if cfg.DeviceName == "" {
		cfg.DeviceName = defaultDeviceName()
		updated = true
	}

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.ListeningPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}

	if cfg.PortMode == PortModeFixed && cfg.ListeningPort == 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ListeningPort < 0 {
		cfg.ListeningPort = 0
		updated = true
	}

	if cfg.Ed25519PrivateKeyPath == "" {
		cfg.Ed25519PrivateKeyPath = filepath.Join(dataDir, "keys", "ed25519_private.pem")
		updated = true
	}

	if NormalizeTransfer(&cfg.Transfer, dataDir) {
		updated = true
	}

	return updated
}

// NormalizeTransfer fills defaults and clamps out of range values. It
// reports whether anything changed.
func NormalizeTransfer(t *TransferConfig, dataDir string) bool {
	updated := false
	set := func(field *int, value int) {
		if *field != value {
			*field = value
			updated = true
		}
	}

	if t.SaveDirectory == "" {
		t.SaveDirectory = filepath.Join(dataDir, "received")
		updated = true
	}

	switch {
	case t.ChunkSize == 0:
		set(&t.ChunkSize, protocol.DefaultChunkSize)
	case t.ChunkSize < protocol.MinChunkSize:
		set(&t.ChunkSize, protocol.MinChunkSize)
	case t.ChunkSize > protocol.MaxChunkSize:
		set(&t.ChunkSize, protocol.MaxChunkSize)
	}

	switch {
	case t.Concurrency <= 0:
		set(&t.Concurrency, DefaultConcurrency)
	case t.Concurrency > MaxConcurrency:
		set(&t.Concurrency, MaxConcurrency)
	}

	if t.MaxAttempts <= 0 {
		set(&t.MaxAttempts, DefaultMaxAttempts)
	}
	if t.RetryInitialDelayMS <= 0 {
		set(&t.RetryInitialDelayMS, DefaultRetryInitialDelayMS)
	}
	if t.RetryMaxDelayMS <= 0 {
		set(&t.RetryMaxDelayMS, DefaultRetryMaxDelayMS)
	}
	if t.RetryMaxDelayMS < t.RetryInitialDelayMS {
		set(&t.RetryMaxDelayMS, t.RetryInitialDelayMS)
	}
	if t.RequestTimeoutMS <= 0 {
		set(&t.RequestTimeoutMS, DefaultRequestTimeoutMS)
	}
	if t.OfferTimeoutMS <= 0 {
		set(&t.OfferTimeoutMS, DefaultOfferTimeoutMS)
	}

	level := normalizeLogLevel(t.LogLevel)
	if t.LogLevel != level {
		t.LogLevel = level
		updated = true
	}

	return updated
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}

func normalizeLogLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return "debug"
	case "warn", "warning":
		return "warn"
	case "error":
		return "error"
	default:
		return DefaultLogLevel
	}
}
