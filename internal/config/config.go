package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Host      string `yaml:"host"`
	PortStart int    `yaml:"port_start"`
	PortEnd   int    `yaml:"port_end"`

	UploadDir      string `yaml:"upload_dir"`
	DownloadDir    string `yaml:"download_dir"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`

	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`
	SessionMaxAge      time.Duration `yaml:"session_max_age"`
	ReapInterval       time.Duration `yaml:"reap_interval"`
	ArchiveStripRoot   bool          `yaml:"archive_strip_root"`

	// HistoryDSN selects the transfer history backend: a postgres:// URL or
	// a sqlite file path. Empty disables history.
	HistoryDSN string `yaml:"history_dsn"`

	LogPath    string `yaml:"log_path"`
	LogLevel   string `yaml:"log_level"`
	LogConsole bool   `yaml:"log_console"`

	MDNS        bool   `yaml:"mdns"`
	ServiceName string `yaml:"service_name"`
	DeviceName  string `yaml:"device_name"`
}

// Default returns the built-in configuration. Downloads land in ~/Downloads.
func Default() Config {
	downloads := "Downloads"
	if home, err := os.UserHomeDir(); err == nil {
		downloads = filepath.Join(home, "Downloads")
	}
	hostname, _ := os.Hostname()
	return Config{
		Host:               "0.0.0.0",
		PortStart:          5000,
		PortEnd:            5050,
		DownloadDir:        downloads,
		MaxUploadBytes:     1 << 30,
		SessionIdleTimeout: 30 * time.Minute,
		SessionMaxAge:      24 * time.Hour,
		ReapInterval:       time.Minute,
		ArchiveStripRoot:   true,
		LogLevel:           "info",
		MDNS:               true,
		ServiceName:        "_filedrop._tcp",
		DeviceName:         hostname,
	}
}

// LoadFile merges the YAML file at path over Default. Keys missing from the
// file keep their default values.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.PortStart <= 0 || c.PortStart > 65535 {
		errs = append(errs, fmt.Errorf("port_start %d out of range", c.PortStart))
	}
	if c.PortEnd < c.PortStart || c.PortEnd > 65535 {
		errs = append(errs, fmt.Errorf("port_end %d must be between port_start and 65535", c.PortEnd))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("max_upload_bytes must be positive"))
	}
	if c.SessionIdleTimeout < 0 || c.SessionMaxAge < 0 {
		errs = append(errs, errors.New("session timeouts must not be negative"))
	}
	if c.ReapInterval <= 0 {
		errs = append(errs, errors.New("reap_interval must be positive"))
	}
	if c.DownloadDir == "" {
		errs = append(errs, errors.New("download_dir is required"))
	}
	return errors.Join(errs...)
}
