package config

import (
	"errors"
	"fmt"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/acearchive/keeper/internal/safety"
)

// FileName is the name of the config file in every search location.
const FileName = "keeper.yaml"

const defaultAPIURL = "https://api.acearchive.lgbt/v0"

// Config is the top-level configuration
type Config struct {
	Keeper KeeperConfig `yaml:"keeper"`
	Backup BackupConfig `yaml:"backup"`
	API    APIConfig    `yaml:"api"`
	Store  StoreConfig  `yaml:"store"`
	Server ServerConfig `yaml:"server"`
}

// KeeperConfig identifies this keeper to the registry
type KeeperConfig struct {
	ID    string `yaml:"id"`
	Email string `yaml:"email"`
}

// BackupConfig holds backup run settings
type BackupConfig struct {
	ZipFile        string        `yaml:"zip_file"`
	LogFile        string        `yaml:"log_file"`
	Verbose        bool          `yaml:"verbose"`
	Workers        int           `yaml:"workers"`
	RetryAttempts  int           `yaml:"retry_attempts"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	StallTimeout   time.Duration `yaml:"stall_timeout"`
	// MaxFailedItems is how many items may fail before the run counts as
	// failed; -1 means any number.
	MaxFailedItems int    `yaml:"max_failed_items"`
	MetricsFile    string `yaml:"metrics_file"`
	SpoolDir       string `yaml:"spool_dir"`
}

// APIConfig holds the Ace Archive endpoints
type APIConfig struct {
	ArchiveURL  string `yaml:"archive_url"`
	RegistryURL string `yaml:"registry_url"`
	ChecksumURL string `yaml:"checksum_url"`
	PageSize    int    `yaml:"page_size"`
}

// StoreConfig holds local database settings
type StoreConfig struct {
	DBPath string `yaml:"db_path"`
}

// ServerConfig holds status server settings
type ServerConfig struct {
	// Listen is empty when the status server is disabled.
	Listen string `yaml:"listen"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Backup: BackupConfig{
			ZipFile:        "acearchive.zip",
			Workers:        4,
			RetryAttempts:  3,
			RetryBaseDelay: 250 * time.Millisecond,
			RequestTimeout: 30 * time.Second,
			StallTimeout:   60 * time.Second,
			MaxFailedItems: 0,
		},
		API: APIConfig{
			ArchiveURL:  defaultAPIURL,
			RegistryURL: defaultAPIURL + "/backups",
			ChecksumURL: defaultAPIURL + "/checksum",
			PageSize:    100,
		},
		Store: StoreConfig{
			DBPath: "",
		},
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Save writes the config to path, creating parent directories as needed.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// UserConfigPath returns the per-user config file location.
func UserConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "acearchive-keeper", FileName), nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{FileName}
	if p, err := UserConfigPath(); err == nil {
		searchPaths = append(searchPaths, p)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// EnsureKeeperID generates a random keeper id when none is set. It reports
// whether the config changed.
func (c *Config) EnsureKeeperID() bool {
	if c.Keeper.ID != "" {
		return false
	}
	c.Keeper.ID = uuid.NewString()
	return true
}

// DBPath returns the sqlite path, defaulting to a file next to the zip.
func (c *Config) DBPath() string {
	if c.Store.DBPath != "" {
		return c.Store.DBPath
	}
	return filepath.Join(filepath.Dir(c.Backup.ZipFile), "keeper.db")
}

// Validate checks the values a backup run depends on.
func (c *Config) Validate() error {
	var errs []error

	if c.Keeper.ID != "" {
		if id, err := uuid.Parse(c.Keeper.ID); err != nil || id == uuid.Nil {
			errs = append(errs, fmt.Errorf("keeper.id %q is not a uuid", c.Keeper.ID))
		}
	}
	if c.Keeper.Email != "" {
		if _, err := NormalizeContact(c.Keeper.Email); err != nil {
			errs = append(errs, fmt.Errorf("keeper.email: %w", err))
		}
	}

	if c.Backup.Workers < 1 || c.Backup.Workers > 32 {
		errs = append(errs, fmt.Errorf("backup.workers must be between 1 and 32, got %d", c.Backup.Workers))
	}
	if c.Backup.RetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("backup.retry_attempts must be at least 1, got %d", c.Backup.RetryAttempts))
	}
	if c.Backup.RetryBaseDelay < 0 || c.Backup.RequestTimeout <= 0 || c.Backup.StallTimeout <= 0 {
		errs = append(errs, errors.New("backup timeouts must be positive"))
	}
	if c.Backup.MaxFailedItems < -1 {
		errs = append(errs, fmt.Errorf("backup.max_failed_items must be -1 or more, got %d", c.Backup.MaxFailedItems))
	}

	if _, err := safety.ValidateAPIURL(c.API.ArchiveURL); err != nil {
		errs = append(errs, fmt.Errorf("api.archive_url: %w", err))
	}
	for name, u := range map[string]string{"api.registry_url": c.API.RegistryURL, "api.checksum_url": c.API.ChecksumURL} {
		if u == "" {
			continue
		}
		if _, err := safety.ValidateAPIURL(u); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if c.API.PageSize < 1 || c.API.PageSize > 1000 {
		errs = append(errs, fmt.Errorf("api.page_size must be between 1 and 1000, got %d", c.API.PageSize))
	}

	return errors.Join(errs...)
}

// NormalizeContact parses an email address and lowercases its domain.
func NormalizeContact(raw string) (string, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid email address %q: %w", raw, err)
	}
	local, domain, ok := strings.Cut(addr.Address, "@")
	if !ok || local == "" || domain == "" {
		return "", fmt.Errorf("invalid email address %q", raw)
	}
	return local + "@" + strings.ToLower(domain), nil
}

// Options is the validated run configuration handed to a backup session.
type Options struct {
	OutputPath         string
	Contact            string
	Verbose            bool
	Quiet              bool
	LogFile            string
	ConfigFileOverride string
}

// Validate checks and normalizes the options in place.
func (o *Options) Validate() error {
	if strings.TrimSpace(o.OutputPath) == "" {
		return errors.New("output path is required")
	}
	abs, err := filepath.Abs(o.OutputPath)
	if err != nil {
		return fmt.Errorf("resolving output path: %w", err)
	}
	o.OutputPath = abs

	if fi, err := os.Stat(abs); err == nil && fi.IsDir() {
		return fmt.Errorf("output path %s is a directory", abs)
	}
	if fi, err := os.Stat(filepath.Dir(abs)); err != nil || !fi.IsDir() {
		return fmt.Errorf("output directory %s does not exist", filepath.Dir(abs))
	}

	if o.Contact != "" {
		contact, err := NormalizeContact(o.Contact)
		if err != nil {
			return err
		}
		o.Contact = contact
	}

	if o.LogFile != "" {
		if fi, err := os.Stat(o.LogFile); err == nil && fi.IsDir() {
			return fmt.Errorf("log file %s is a directory", o.LogFile)
		}
	}
	if o.ConfigFileOverride != "" {
		if _, err := os.Stat(o.ConfigFileOverride); err != nil {
			return fmt.Errorf("config file: %w", err)
		}
	}
	return nil
}
