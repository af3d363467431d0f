package session

import "time"

const (
	DefaultCaptureTimeout  = 500 * time.Second
	DefaultWriteTimeout    = 15 * time.Second
	DefaultMaxLineBytes    = 64 * 1024
	DefaultMaxMessageBytes = 1024 * 1024
)

// SecurityMode selects how strictly transport security is enforced.
type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// TLSConfig holds listener or dialer certificate material.
type TLSConfig struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration `toml:"initial_delay"`
	Multiplier   float64       `toml:"multiplier"`
	MaxDelay     time.Duration `toml:"max_delay"`
	Jitter       bool          `toml:"jitter"`
}

// Config defines relay session timing, bounds and transport security.
type Config struct {
	// CaptureTimeout bounds one start-to-end sentinel capture.
	CaptureTimeout  time.Duration `toml:"capture_timeout"`
	WriteTimeout    time.Duration `toml:"write_timeout"`
	MaxLineBytes    int           `toml:"max_line_bytes"`
	MaxMessageBytes int           `toml:"max_message_bytes"`
	// AcceptBackoff paces retries after accept errors other than listener
	// closure.
	AcceptBackoff BackoffConfig `toml:"accept_backoff"`
	SecurityMode  SecurityMode  `toml:"security_mode"`
	TLS           TLSConfig     `toml:"tls"`
}

func DefaultConfig() Config {
	return Config{
		CaptureTimeout:  DefaultCaptureTimeout,
		WriteTimeout:    DefaultWriteTimeout,
		MaxLineBytes:    DefaultMaxLineBytes,
		MaxMessageBytes: DefaultMaxMessageBytes,
		AcceptBackoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
		SecurityMode: SecurityModeDevelopment,
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.CaptureTimeout <= 0 {
		c.CaptureTimeout = d.CaptureTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = d.MaxLineBytes
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = d.MaxMessageBytes
	}
	if c.AcceptBackoff.InitialDelay <= 0 {
		c.AcceptBackoff = d.AcceptBackoff
	}
	c.SecurityMode = NormalizeSecurityMode(c.SecurityMode)
	return c
}
