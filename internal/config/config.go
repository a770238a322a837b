package config

import (
	"fmt"
	"os"
	"time"

	"go.yaml.in/yaml/v4"
)

// Config is the top-level application configuration.
type Config struct {
	LogLevel  string    `yaml:"log_level"`
	IMAP      IMAP      `yaml:"imap"`
	Redis     Redis     `yaml:"redis"`
	Watermark Watermark `yaml:"watermark"`
	Criteria  string    `yaml:"criteria_file"`
	Export    Export    `yaml:"export"`

	PollIntervalSeconds int `yaml:"poll_interval_seconds"`

	// PostProcess controls what happens to a message on the server after
	// all of its extraction records have been consumed: "none", "flag" or
	// "delete".
	PostProcess string `yaml:"post_process"`
}

// IMAP holds the mailbox server configuration.
type IMAP struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	UseTLS             bool   `yaml:"use_tls"`
	Folder             string `yaml:"folder"`
	DialTimeoutSeconds int    `yaml:"dial_timeout_seconds"`
}

// Redis holds the metadata cache store configuration.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Watermark controls how the last-seen UID is initialized and persisted.
type Watermark struct {
	// Offset rewinds the initial watermark by this many messages when no
	// persisted state exists (backfill).
	Offset    uint32 `yaml:"offset"`
	StateFile string `yaml:"state_file"`
}

// Export configures the filesystem record consumer.
type Export struct {
	Dir string `yaml:"dir"`

	// IDOC segment templates handed through to downstream builders.
	StartSegment   string `yaml:"start_segment"`
	DynamicSegment string `yaml:"dynamic_segment"`
	EndSegment     string `yaml:"end_segment"`
}

// PollInterval returns the poll interval as a time.Duration.
func (c *Config) PollInterval() time.Duration {
	if c.PollIntervalSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// DialTimeout returns the IMAP dial timeout, defaulting to 10s.
func (i *IMAP) DialTimeout() time.Duration {
	if i.DialTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(i.DialTimeoutSeconds) * time.Second
}

// GetFolder returns the IMAP folder name, defaulting to "INBOX".
func (i *IMAP) GetFolder() string {
	if i.Folder == "" {
		return "INBOX"
	}
	return i.Folder
}

// Load reads and parses a YAML configuration file. Connection settings may
// be overridden from the environment (IMAP_SERVER, IMAP_PORT, IMAP_EMAIL,
// IMAP_PASSWORD, IMAP_INBOX) so deployments can keep credentials out of the
// file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{
		LogLevel:    "info",
		PostProcess: "none",
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("IMAP_SERVER"); v != "" {
		c.IMAP.Host = v
	}
	if v := os.Getenv("IMAP_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			c.IMAP.Port = port
		}
	}
	if v := os.Getenv("IMAP_EMAIL"); v != "" {
		c.IMAP.Username = v
	}
	if v := os.Getenv("IMAP_PASSWORD"); v != "" {
		c.IMAP.Password = v
	}
	if v := os.Getenv("IMAP_INBOX"); v != "" {
		c.IMAP.Folder = v
	}
}

func (c *Config) validate() error {
	if c.IMAP.Host == "" {
		return fmt.Errorf("imap.host is required")
	}
	if c.IMAP.Port == 0 {
		return fmt.Errorf("imap.port is required")
	}
	if c.IMAP.Username == "" {
		return fmt.Errorf("imap.username is required")
	}
	if c.IMAP.Password == "" {
		return fmt.Errorf("imap.password is required")
	}
	if c.Criteria == "" {
		return fmt.Errorf("criteria_file is required")
	}
	if c.Export.Dir == "" {
		return fmt.Errorf("export.dir is required")
	}
	switch c.PostProcess {
	case "none", "flag", "delete":
	default:
		return fmt.Errorf("post_process must be none, flag or delete")
	}
	return nil
}
