package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default driver tunables.
const (
	DefaultVendorID        = 0x10A5
	DefaultProductID       = 0x9201
	DefaultTransferTimeout = 5 * time.Second
	DefaultInitRetries     = 3
	DefaultInitRetryDelay  = time.Second
	DefaultPollInterval    = time.Second
	DefaultEnrollSamples   = 5
	DefaultQuality         = 50
)

// Default recovery tunables.
const (
	DefaultRecoveryMaxAttempts = 3
	DefaultRecoveryDeadline    = 5 * time.Second
	DefaultHardwareResetDelay  = 100 * time.Millisecond
	DefaultCommRetryDelay      = 50 * time.Millisecond
)

// Recovery holds the recovery engine tunables.
type Recovery struct {
	// MaxAttempts bounds both the per-strategy retry loops and the
	// device-level recovery budget.
	MaxAttempts int `yaml:"max_attempts"`

	// Deadline is the safety-valve timer for a recovery run.
	Deadline time.Duration `yaml:"deadline"`

	// HardwareResetDelay is the base inter-attempt delay of the hardware
	// reset sequence; it scales with the attempt number.
	HardwareResetDelay time.Duration `yaml:"hardware_reset_delay"`

	// CommRetryDelay is the base inter-attempt delay of communication
	// recovery; it scales with the attempt number.
	CommRetryDelay time.Duration `yaml:"comm_retry_delay"`
}

// Config holds all driver tunables. A Config is created once by the
// process entry point and injected into every session; there is no global
// library state.
type Config struct {
	// VendorID and ProductID select the sensor on the bus.
	VendorID  uint16 `yaml:"vendor_id"`
	ProductID uint16 `yaml:"product_id"`

	// TransferTimeout bounds every bulk/interrupt transfer.
	TransferTimeout time.Duration `yaml:"transfer_timeout"`

	// InitRetries and InitRetryDelay bound device initialization.
	InitRetries    int           `yaml:"init_retries"`
	InitRetryDelay time.Duration `yaml:"init_retry_delay"`

	// PollInterval is the event notification poll period. It also bounds
	// the cancellation latency of the notification task.
	PollInterval time.Duration `yaml:"poll_interval"`

	// EnrollSamples is the number of accepted samples the bundled tools
	// collect before completing an enrollment. The device itself does not
	// dictate a count.
	EnrollSamples int `yaml:"enroll_samples"`

	// QualityThreshold is the minimum sample quality (0-100) passed to
	// enroll/verify/identify commands.
	QualityThreshold uint8 `yaml:"quality_threshold"`

	// Recovery holds the recovery engine tunables.
	Recovery Recovery `yaml:"recovery"`
}

// Default returns a Config populated with the default tunables.
func Default() *Config {
	return &Config{
		VendorID:         DefaultVendorID,
		ProductID:        DefaultProductID,
		TransferTimeout:  DefaultTransferTimeout,
		InitRetries:      DefaultInitRetries,
		InitRetryDelay:   DefaultInitRetryDelay,
		PollInterval:     DefaultPollInterval,
		EnrollSamples:    DefaultEnrollSamples,
		QualityThreshold: DefaultQuality,
		Recovery: Recovery{
			MaxAttempts:        DefaultRecoveryMaxAttempts,
			Deadline:           DefaultRecoveryDeadline,
			HardwareResetDelay: DefaultHardwareResetDelay,
			CommRetryDelay:     DefaultCommRetryDelay,
		},
	}
}

// fileRecovery mirrors Recovery for parsing. Durations are strings in the
// Go duration syntax; absent fields keep their defaults.
type fileRecovery struct {
	MaxAttempts        *int    `yaml:"max_attempts"`
	Deadline           *string `yaml:"deadline"`
	HardwareResetDelay *string `yaml:"hardware_reset_delay"`
	CommRetryDelay     *string `yaml:"comm_retry_delay"`
}

// fileConfig mirrors Config for parsing.
type fileConfig struct {
	VendorID         *uint16       `yaml:"vendor_id"`
	ProductID        *uint16       `yaml:"product_id"`
	TransferTimeout  *string       `yaml:"transfer_timeout"`
	InitRetries      *int          `yaml:"init_retries"`
	InitRetryDelay   *string       `yaml:"init_retry_delay"`
	PollInterval     *string       `yaml:"poll_interval"`
	EnrollSamples    *int          `yaml:"enroll_samples"`
	QualityThreshold *uint8        `yaml:"quality_threshold"`
	Recovery         *fileRecovery `yaml:"recovery"`
}

// Load reads a YAML config file and overlays it on the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	var raw fileConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if raw.VendorID != nil {
		cfg.VendorID = *raw.VendorID
	}
	if raw.ProductID != nil {
		cfg.ProductID = *raw.ProductID
	}
	if raw.InitRetries != nil {
		cfg.InitRetries = *raw.InitRetries
	}
	if raw.EnrollSamples != nil {
		cfg.EnrollSamples = *raw.EnrollSamples
	}
	if raw.QualityThreshold != nil {
		cfg.QualityThreshold = *raw.QualityThreshold
	}
	if err := setDur(&cfg.TransferTimeout, raw.TransferTimeout, "transfer_timeout"); err != nil {
		return nil, err
	}
	if err := setDur(&cfg.InitRetryDelay, raw.InitRetryDelay, "init_retry_delay"); err != nil {
		return nil, err
	}
	if err := setDur(&cfg.PollInterval, raw.PollInterval, "poll_interval"); err != nil {
		return nil, err
	}
	if rec := raw.Recovery; rec != nil {
		if rec.MaxAttempts != nil {
			cfg.Recovery.MaxAttempts = *rec.MaxAttempts
		}
		if err := setDur(&cfg.Recovery.Deadline, rec.Deadline, "recovery.deadline"); err != nil {
			return nil, err
		}
		if err := setDur(&cfg.Recovery.HardwareResetDelay, rec.HardwareResetDelay, "recovery.hardware_reset_delay"); err != nil {
			return nil, err
		}
		if err := setDur(&cfg.Recovery.CommRetryDelay, rec.CommRetryDelay, "recovery.comm_retry_delay"); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDur parses an optional duration string into dst.
func setDur(dst *time.Duration, src *string, field string) error {
	if src == nil {
		return nil
	}
	d, err := time.ParseDuration(*src)
	if err != nil {
		return fmt.Errorf("config: %s: %w", field, err)
	}
	*dst = d
	return nil
}

// Validate checks the config for values the driver cannot operate with.
func (c *Config) Validate() error {
	if c.TransferTimeout <= 0 {
		return fmt.Errorf("config: transfer_timeout must be positive")
	}
	if c.InitRetries < 1 {
		return fmt.Errorf("config: init_retries must be at least 1")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("config: poll_interval must be positive")
	}
	if c.EnrollSamples < 1 {
		return fmt.Errorf("config: enroll_samples must be at least 1")
	}
	if c.QualityThreshold > 100 {
		return fmt.Errorf("config: quality_threshold must be 0-100")
	}
	if c.Recovery.MaxAttempts < 1 {
		return fmt.Errorf("config: recovery max_attempts must be at least 1")
	}
	if c.Recovery.Deadline <= 0 {
		return fmt.Errorf("config: recovery deadline must be positive")
	}
	return nil
}
