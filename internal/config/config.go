package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"go.yaml.in/yaml/v4"
)

// DefaultPath is used when no --config flag is given.
const DefaultPath = "/etc/mail-forwarder/config.toml"

const (
	defaultCheckIntervalSeconds = 300
	defaultShutdownGraceSeconds = 30
	defaultSenderTimeoutSeconds = 60
	defaultBackoffInitial       = 5
	defaultBackoffMax           = 300
	defaultPruneSchedule        = "@daily"
)

// Config is the top-level application configuration.
type Config struct {
	ForwardTo            string         `yaml:"forward_to" toml:"forward_to"`
	LogLevel             string         `yaml:"log_level" toml:"log_level"`
	LogFile              string         `yaml:"log_file" toml:"log_file"`
	Quiet                bool           `yaml:"quiet" toml:"quiet"`
	DataDir              string         `yaml:"data_dir" toml:"data_dir"`
	MetricsAddr          string         `yaml:"metrics_addr" toml:"metrics_addr"`
	ShutdownGraceSeconds int            `yaml:"shutdown_grace_seconds" toml:"shutdown_grace_seconds"`
	Sender               Sender         `yaml:"sender" toml:"sender"`
	Receivers            []Receiver     `yaml:"receivers" toml:"receivers"`
	Notifications        []Notification `yaml:"notifications" toml:"notifications"`
	Backoff              Backoff        `yaml:"backoff" toml:"backoff"`
	Ledger               Ledger         `yaml:"ledger" toml:"ledger"`
}

// Sender holds the outgoing mail server configuration shared by every
// mailbox.
type Sender struct {
	Host           string `yaml:"host" toml:"host"`
	Port           int    `yaml:"port" toml:"port"`
	Username       string `yaml:"username" toml:"username"`
	Password       string `yaml:"password" toml:"password"`
	UseTLS         *bool  `yaml:"use_tls" toml:"use_tls"`
	TimeoutSeconds int    `yaml:"timeout_seconds" toml:"timeout_seconds"`
}

// Receiver describes one monitored mailbox.
type Receiver struct {
	Name                 string `yaml:"name" toml:"name"`
	Protocol             string `yaml:"protocol" toml:"protocol"` // "pop3" or "imap"
	Host                 string `yaml:"host" toml:"host"`
	Port                 int    `yaml:"port" toml:"port"`
	Username             string `yaml:"username" toml:"username"`
	Password             string `yaml:"password" toml:"password"`
	UseTLS               bool   `yaml:"use_tls" toml:"use_tls"`
	IMAPFolder           string `yaml:"imap_folder" toml:"imap_folder"`
	CheckIntervalSeconds int    `yaml:"check_interval_seconds" toml:"check_interval_seconds"`
	DeleteAfterForward   bool   `yaml:"delete_after_forward" toml:"delete_after_forward"`
}

// Notification is one configured notification target. Which fields apply
// depends on Type.
type Notification struct {
	Type         string `yaml:"type" toml:"type"` // "telegram", "file" or "email"
	ChatID       string `yaml:"chat_id" toml:"chat_id"`
	Token        string `yaml:"token" toml:"token"`
	FilePath     string `yaml:"file_path" toml:"file_path"`
	SMTPHost     string `yaml:"smtp_host" toml:"smtp_host"`
	SMTPPort     int    `yaml:"smtp_port" toml:"smtp_port"`
	SMTPUsername string `yaml:"smtp_username" toml:"smtp_username"`
	SMTPPassword string `yaml:"smtp_password" toml:"smtp_password"`
}

// Backoff bounds the retry delay after transient mailbox failures.
type Backoff struct {
	InitialSeconds int `yaml:"initial_seconds" toml:"initial_seconds"`
	MaxSeconds     int `yaml:"max_seconds" toml:"max_seconds"`
}

// Ledger selects where forwarded message IDs are persisted.
type Ledger struct {
	Backend       string `yaml:"backend" toml:"backend"` // "sqlite" or "file"
	Path          string `yaml:"path" toml:"path"`
	RetentionDays int    `yaml:"retention_days" toml:"retention_days"`
	PruneSchedule string `yaml:"prune_schedule" toml:"prune_schedule"`
}

// AccountID returns the identifier that keys this mailbox in the ledger.
func (r *Receiver) AccountID() string {
	if r.Name != "" {
		return r.Name
	}
	return fmt.Sprintf("%s:%s@%s:%d", r.Protocol, r.Username, r.Host, r.Port)
}

// CheckInterval returns the check interval as a time.Duration.
func (r *Receiver) CheckInterval() time.Duration {
	if r.CheckIntervalSeconds <= 0 {
		return defaultCheckIntervalSeconds * time.Second
	}
	return time.Duration(r.CheckIntervalSeconds) * time.Second
}

// GetIMAPFolder returns the IMAP folder name, defaulting to "INBOX".
func (r *Receiver) GetIMAPFolder() string {
	if r.IMAPFolder == "" {
		return "INBOX"
	}
	return r.IMAPFolder
}

// TLS reports whether the sender uses implicit TLS. Defaults to true.
func (s *Sender) TLS() bool {
	if s.UseTLS == nil {
		return true
	}
	return *s.UseTLS
}

// Timeout bounds one complete SMTP session.
func (s *Sender) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return defaultSenderTimeoutSeconds * time.Second
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// Initial returns the first backoff delay.
func (b *Backoff) Initial() time.Duration {
	if b.InitialSeconds <= 0 {
		return defaultBackoffInitial * time.Second
	}
	return time.Duration(b.InitialSeconds) * time.Second
}

// Max returns the backoff cap.
func (b *Backoff) Max() time.Duration {
	if b.MaxSeconds <= 0 {
		return defaultBackoffMax * time.Second
	}
	return time.Duration(b.MaxSeconds) * time.Second
}

// Retention returns how long ledger records are kept; zero keeps them
// forever.
func (l *Ledger) Retention() time.Duration {
	if l.RetentionDays <= 0 {
		return 0
	}
	return time.Duration(l.RetentionDays) * 24 * time.Hour
}

// ShutdownGrace returns how long workers get to drain on shutdown.
func (c *Config) ShutdownGrace() time.Duration {
	if c.ShutdownGraceSeconds <= 0 {
		return defaultShutdownGraceSeconds * time.Second
	}
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

// Load reads and parses a TOML or YAML configuration file. A .env file in
// the same directory is loaded into the environment first, then ${VAR}
// references in the file are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	envFile := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	return Parse(data, formatOf(path))
}

// Parse decodes raw configuration in the given format ("toml" or "yaml"),
// applies defaults and validates the result.
func Parse(data []byte, format string) (*Config, error) {
	data = expandEnv(data)

	cfg := &Config{
		LogLevel: "info",
	}
	var err error
	switch format {
	case "yaml":
		err = yaml.Unmarshal(data, cfg)
	case "toml":
		err = toml.Unmarshal(data, cfg)
	default:
		return nil, fmt.Errorf("unsupported config format: %s", format)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "toml"
	}
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv only touches ${VAR}; a bare $ is common in passwords.
func expandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envRef.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	c.Ledger.Backend = strings.ToLower(strings.TrimSpace(c.Ledger.Backend))
	if c.Ledger.Backend == "" {
		c.Ledger.Backend = "sqlite"
	}
	if c.Ledger.PruneSchedule == "" {
		c.Ledger.PruneSchedule = defaultPruneSchedule
	}
	for i := range c.Receivers {
		r := &c.Receivers[i]
		r.Protocol = strings.ToLower(strings.TrimSpace(r.Protocol))
		if r.Protocol == "" {
			r.Protocol = "pop3"
		}
	}
	for i := range c.Notifications {
		n := &c.Notifications[i]
		n.Type = strings.ToLower(strings.TrimSpace(n.Type))
	}
}

// LedgerPath returns the configured ledger location, or a backend-specific
// file under DataDir.
func (c *Config) LedgerPath() string {
	if c.Ledger.Path != "" {
		return c.Ledger.Path
	}
	if c.Ledger.Backend == "file" {
		return filepath.Join(c.DataDir, "seen.log")
	}
	return filepath.Join(c.DataDir, "seen.db")
}

func (c *Config) validate() error {
	if c.ForwardTo == "" {
		return fmt.Errorf("forward_to is required")
	}
	if c.Sender.Host == "" {
		return fmt.Errorf("sender.host is required")
	}
	if c.Sender.Port == 0 {
		return fmt.Errorf("sender.port is required")
	}
	if len(c.Receivers) == 0 {
		return fmt.Errorf("at least one receiver is required")
	}
	if c.Ledger.Backend != "sqlite" && c.Ledger.Backend != "file" {
		return fmt.Errorf("ledger.backend must be sqlite or file")
	}
	if c.Backoff.Max() < c.Backoff.Initial() {
		return fmt.Errorf("backoff.max_seconds must not be below backoff.initial_seconds")
	}

	seen := make(map[string]int, len(c.Receivers))
	for i, r := range c.Receivers {
		label := r.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i)
		}
		if r.Protocol != "pop3" && r.Protocol != "imap" {
			return fmt.Errorf("receiver %s: protocol must be pop3 or imap", label)
		}
		if r.Host == "" {
			return fmt.Errorf("receiver %s: host is required", label)
		}
		if r.Port == 0 {
			return fmt.Errorf("receiver %s: port is required", label)
		}
		if r.Username == "" {
			return fmt.Errorf("receiver %s: username is required", label)
		}
		if r.CheckIntervalSeconds < 0 {
			return fmt.Errorf("receiver %s: check_interval_seconds must be positive", label)
		}
		if r.IMAPFolder != "" && r.Protocol != "imap" {
			return fmt.Errorf("receiver %s: imap_folder only applies to imap", label)
		}
		// Kept mail is listed again every cycle; once its record is pruned
		// it would be forwarded again.
		if c.Ledger.RetentionDays > 0 && !r.DeleteAfterForward {
			return fmt.Errorf("receiver %s: ledger.retention_days requires delete_after_forward", label)
		}
		id := r.AccountID()
		if j, dup := seen[id]; dup {
			return fmt.Errorf("receiver %s: duplicate account id %q (also receiver #%d)", label, id, j)
		}
		seen[id] = i
	}

	for i, n := range c.Notifications {
		switch n.Type {
		case "telegram":
			if n.ChatID == "" || n.Token == "" {
				return fmt.Errorf("notification #%d: telegram requires chat_id and token", i)
			}
		case "file":
			if n.FilePath == "" {
				return fmt.Errorf("notification #%d: file requires file_path", i)
			}
		case "email":
			if n.SMTPHost == "" || n.SMTPPort == 0 || n.SMTPUsername == "" {
				return fmt.Errorf("notification #%d: email requires smtp_host, smtp_port and smtp_username", i)
			}
		default:
			return fmt.Errorf("notification #%d: unknown type %q", i, n.Type)
		}
	}
	return nil
}
