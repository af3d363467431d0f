package config

import (
	"fmt"
	"strings"

	"github.com/danmuck/dronecomms/internal/protocol/session"
	"github.com/danmuck/dronecomms/internal/relay"
)

// RelayConfig is the runtime configuration of the TCP line relay pair.
type RelayConfig struct {
	A               relay.Options
	B               relay.Options
	AdminListenAddr string
	// AdminToken, when set, is required as a bearer token on /status.
	AdminToken      string
}

// tcprelay config.toml key mapping.
type relayFile struct {
	EndpointAName        string `toml:"endpoint_a_name"`
	EndpointAAddr        string `toml:"endpoint_a_addr"`
	EndpointBName        string `toml:"endpoint_b_name"`
	EndpointBAddr        string `toml:"endpoint_b_addr"`
	StartSentinel        string `toml:"start_sentinel"`
	EndSentinel          string `toml:"end_sentinel"`
	CaptureTimeout       string `toml:"capture_timeout"`
	WriteTimeout         string `toml:"write_timeout"`
	MaxLineBytes         int    `toml:"max_line_bytes"`
	MaxMessageBytes      int    `toml:"max_message_bytes"`
	AcceptBackoffInitial string `toml:"accept_backoff_initial"`
	AcceptBackoffMax     string `toml:"accept_backoff_max"`
	SessionSecurityMode  string `toml:"session_security_mode"`
	SessionTLSEnabled    bool   `toml:"session_tls_enabled"`
	SessionTLSMutual     bool   `toml:"session_tls_mutual"`
	SessionTLSCertFile   string `toml:"session_tls_cert_file"`
	SessionTLSKeyFile    string `toml:"session_tls_key_file"`
	SessionTLSCAFile     string `toml:"session_tls_ca_file"`
	AdminListenAddr      string `toml:"admin_listen_addr"`
	AdminToken           string `toml:"admin_token"`
}

func DefaultRelayConfig() RelayConfig {
	sess := session.DefaultConfig()
	return RelayConfig{
		A: relay.Options{
			Name:          "a",
			ListenAddr:    ":7001",
			StartSentinel: relay.DefaultStartSentinel,
			EndSentinel:   relay.DefaultEndSentinel,
			Session:       sess,
		},
		B: relay.Options{
			Name:          "b",
			ListenAddr:    ":7002",
			StartSentinel: relay.DefaultStartSentinel,
			EndSentinel:   relay.DefaultEndSentinel,
			Session:       sess,
		},
	}
}

// LoadRelayConfig overlays the keys present in path on DefaultRelayConfig.
// Sentinels, timing and transport security apply to both endpoints.
func LoadRelayConfig(path string) (RelayConfig, error) {
	cfg := DefaultRelayConfig()

	var raw relayFile
	meta, err := decodeFile(path, &raw)
	if err != nil {
		return RelayConfig{}, err
	}

	if meta.IsDefined("endpoint_a_name") {
		cfg.A.Name = strings.TrimSpace(raw.EndpointAName)
	}
	if meta.IsDefined("endpoint_a_addr") {
		cfg.A.ListenAddr = strings.TrimSpace(raw.EndpointAAddr)
	}
	if meta.IsDefined("endpoint_b_name") {
		cfg.B.Name = strings.TrimSpace(raw.EndpointBName)
	}
	if meta.IsDefined("endpoint_b_addr") {
		cfg.B.ListenAddr = strings.TrimSpace(raw.EndpointBAddr)
	}

	start, end := cfg.A.StartSentinel, cfg.A.EndSentinel
	if meta.IsDefined("start_sentinel") {
		start = strings.TrimSpace(raw.StartSentinel)
	}
	if meta.IsDefined("end_sentinel") {
		end = strings.TrimSpace(raw.EndSentinel)
	}

	sess := cfg.A.Session
	if meta.IsDefined("capture_timeout") {
		if sess.CaptureTimeout, err = parseDuration("capture_timeout", raw.CaptureTimeout); err != nil {
			return RelayConfig{}, err
		}
	}
	if meta.IsDefined("write_timeout") {
		if sess.WriteTimeout, err = parseDuration("write_timeout", raw.WriteTimeout); err != nil {
			return RelayConfig{}, err
		}
	}
	if meta.IsDefined("max_line_bytes") {
		sess.MaxLineBytes = raw.MaxLineBytes
	}
	if meta.IsDefined("max_message_bytes") {
		sess.MaxMessageBytes = raw.MaxMessageBytes
	}
	if meta.IsDefined("accept_backoff_initial") {
		if sess.AcceptBackoff.InitialDelay, err = parseDuration("accept_backoff_initial", raw.AcceptBackoffInitial); err != nil {
			return RelayConfig{}, err
		}
	}
	if meta.IsDefined("accept_backoff_max") {
		if sess.AcceptBackoff.MaxDelay, err = parseDuration("accept_backoff_max", raw.AcceptBackoffMax); err != nil {
			return RelayConfig{}, err
		}
	}
	if meta.IsDefined("session_security_mode") {
		sess.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.SessionSecurityMode))
	}
	if meta.IsDefined("session_tls_enabled") {
		sess.TLS.Enabled = raw.SessionTLSEnabled
	}
	if meta.IsDefined("session_tls_mutual") {
		sess.TLS.Mutual = raw.SessionTLSMutual
	}
	if meta.IsDefined("session_tls_cert_file") {
		sess.TLS.CertFile = strings.TrimSpace(raw.SessionTLSCertFile)
	}
	if meta.IsDefined("session_tls_key_file") {
		sess.TLS.KeyFile = strings.TrimSpace(raw.SessionTLSKeyFile)
	}
	if meta.IsDefined("session_tls_ca_file") {
		sess.TLS.CAFile = strings.TrimSpace(raw.SessionTLSCAFile)
	}
	if meta.IsDefined("admin_listen_addr") {
		cfg.AdminListenAddr = strings.TrimSpace(raw.AdminListenAddr)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}

	sess = sess.WithDefaults()
	for _, ep := range []*relay.Options{&cfg.A, &cfg.B} {
		ep.StartSentinel = start
		ep.EndSentinel = end
		ep.Session = sess
	}

	if err := cfg.Validate(); err != nil {
		return RelayConfig{}, fmt.Errorf("load relay config: %w", err)
	}
	return cfg, nil
}

func (c RelayConfig) Validate() error {
	for _, ep := range []relay.Options{c.A, c.B} {
		if ep.Name == "" {
			return fmt.Errorf("%w: endpoint name is required", ErrInvalidConfig)
		}
		if ep.ListenAddr == "" {
			return fmt.Errorf("%w: endpoint %s listen address is required", ErrInvalidConfig, ep.Name)
		}
		if ep.StartSentinel == "" || ep.EndSentinel == "" {
			return fmt.Errorf("%w: sentinels must not be empty", ErrInvalidConfig)
		}
		if ep.Session.MaxLineBytes > ep.Session.MaxMessageBytes {
			return fmt.Errorf("%w: max_line_bytes exceeds max_message_bytes", ErrInvalidConfig)
		}
		if err := ep.Session.ValidateServerTransport(); err != nil {
			return err
		}
	}
	if c.A.Name == c.B.Name {
		return fmt.Errorf("%w: endpoint names must differ", ErrInvalidConfig)
	}
	if c.A.ListenAddr == c.B.ListenAddr {
		return fmt.Errorf("%w: endpoints must listen on different addresses", ErrInvalidConfig)
	}
	return nil
}
