package agentbus

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lamcomm/agentbus/internal/journal"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads "250ms"-style strings or plain
// numbers of seconds from YAML
type Duration time.Duration

// Std returns d as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	if seconds, err := strconv.ParseFloat(node.Value, 64); err == nil {
		*d = Duration(seconds * float64(time.Second))
		return nil
	}
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", node.Line, node.Value)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// BackoffConfig configures the retry delay curve
type BackoffConfig struct {
	// Base is the delay before the first retry
	Base Duration `yaml:"base"`

	// Cap bounds every delay
	Cap Duration `yaml:"cap"`

	// Multiplier grows the delay per failed attempt
	Multiplier float64 `yaml:"multiplier"`
}

// AMQPConfig locates a RabbitMQ exchange that receives a copy of every
// dead letter. An empty URL disables forwarding.
type AMQPConfig struct {
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

// Config is the bus configuration
type Config struct {
	// JournalPath is the JSONL journal file
	JournalPath string `yaml:"journal_path"`

	// DLQPath is the JSONL dead-letter file
	DLQPath string `yaml:"dlq_path"`

	// SyncWrites fsyncs after every journal append
	SyncWrites bool `yaml:"sync_writes"`

	// MaxAttempts is the number of failed attempts after which a delivery
	// is dead-lettered
	MaxAttempts int `yaml:"max_attempts"`

	Backoff BackoffConfig `yaml:"backoff"`

	// AckDeadline is how long a delivery may stay unacknowledged before
	// it counts as failed
	AckDeadline Duration `yaml:"ack_deadline"`

	// SweepInterval is how often ack deadlines are checked
	SweepInterval Duration `yaml:"sweep_interval"`

	// ReceiveTimeout is used by Receive calls without their own timeout
	ReceiveTimeout Duration `yaml:"receive_timeout"`

	// LogLevel is one of debug, info, warn, error
	LogLevel string `yaml:"log_level"`

	// MetricsAddr is where the CLI serves /metrics and /healthz
	MetricsAddr string `yaml:"metrics_addr"`

	DeadLetterAMQP AMQPConfig `yaml:"dead_letter_amqp"`
}

// DefaultDLQPath is the default dead-letter file
const DefaultDLQPath = "data/dlq.jsonl"

// DefaultConfig returns the configuration used when nothing is set
func DefaultConfig() Config {
	return Config{
		JournalPath: journal.DefaultPath,
		DLQPath:     DefaultDLQPath,
		SyncWrites:  true,
		MaxAttempts: 3,
		Backoff: BackoffConfig{
			Base:       Duration(100 * time.Millisecond),
			Cap:        Duration(30 * time.Second),
			Multiplier: 2,
		},
		AckDeadline:    Duration(30 * time.Second),
		SweepInterval:  Duration(time.Second),
		ReceiveTimeout: Duration(time.Second),
		LogLevel:       "info",
		MetricsAddr:    ":9090",
	}
}

// LoadConfig reads a YAML file over DefaultConfig. Keys missing from the
// file keep their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the configuration for errors
func (c Config) Validate() error {
	var errs []error

	if c.JournalPath == "" {
		errs = append(errs, fmt.Errorf("journal_path is required"))
	}
	if c.DLQPath == "" {
		errs = append(errs, fmt.Errorf("dlq_path is required"))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts))
	}
	if c.Backoff.Base <= 0 {
		errs = append(errs, fmt.Errorf("backoff.base must be positive"))
	}
	if c.Backoff.Cap < c.Backoff.Base {
		errs = append(errs, fmt.Errorf("backoff.cap %s is below backoff.base %s", c.Backoff.Cap.Std(), c.Backoff.Base.Std()))
	}
	if c.Backoff.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("backoff.multiplier must be at least 1, got %g", c.Backoff.Multiplier))
	}
	if c.AckDeadline <= 0 {
		errs = append(errs, fmt.Errorf("ack_deadline must be positive"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("sweep_interval must be positive"))
	}
	if c.ReceiveTimeout < 0 {
		errs = append(errs, fmt.Errorf("receive_timeout cannot be negative"))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// ParseLogLevel maps a config level name to a slog level
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log_level %q is not one of debug, info, warn, error", level)
	}
}
