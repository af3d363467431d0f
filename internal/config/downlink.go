package config

import (
	"fmt"
	"strings"

	"github.com/danmuck/dronecomms/internal/serial"
)

// DownlinkConfig is the runtime configuration of the serial telemetry
// receiver.
type DownlinkConfig struct {
	Serial          serial.Config
	Sinks           SinkConfig
	AdminListenAddr string
	// AdminToken, when set, is required as a bearer token on /status.
	AdminToken      string
}

// SinkConfig selects the fan-out consumers. Empty paths or addresses disable
// the matching sink.
type SinkConfig struct {
	Log          bool
	FilePath     string
	FileCompress bool
	UDPAddr      string
}

// downlinkd config.toml key mapping.
type downlinkFile struct {
	SerialDevice     string `toml:"serial_device"`
	SerialBaudRate   int    `toml:"serial_baud_rate"`
	SerialDataBits   int    `toml:"serial_data_bits"`
	SerialStopBits   int    `toml:"serial_stop_bits"`
	SerialParity     string `toml:"serial_parity"`
	SinkLog          bool   `toml:"sink_log"`
	SinkFilePath     string `toml:"sink_file_path"`
	SinkFileCompress bool   `toml:"sink_file_compress"`
	SinkUDPAddr      string `toml:"sink_udp_addr"`
	AdminListenAddr  string `toml:"admin_listen_addr"`
	AdminToken       string `toml:"admin_token"`
}

func DefaultDownlinkConfig() DownlinkConfig {
	return DownlinkConfig{
		Serial: serial.DefaultConfig("/dev/ttyUSB0"),
		Sinks:  SinkConfig{Log: true},
	}
}

// LoadDownlinkConfig overlays the keys present in path on
// DefaultDownlinkConfig and validates the result.
func LoadDownlinkConfig(path string) (DownlinkConfig, error) {
	cfg := DefaultDownlinkConfig()

	var raw downlinkFile
	meta, err := decodeFile(path, &raw)
	if err != nil {
		return DownlinkConfig{}, err
	}

	if meta.IsDefined("serial_device") {
		cfg.Serial.Device = strings.TrimSpace(raw.SerialDevice)
	}
	if meta.IsDefined("serial_baud_rate") {
		cfg.Serial.BaudRate = raw.SerialBaudRate
	}
	if meta.IsDefined("serial_data_bits") {
		cfg.Serial.DataBits = raw.SerialDataBits
	}
	if meta.IsDefined("serial_stop_bits") {
		cfg.Serial.StopBits = raw.SerialStopBits
	}
	if meta.IsDefined("serial_parity") {
		cfg.Serial.Parity = strings.ToLower(strings.TrimSpace(raw.SerialParity))
	}
	if meta.IsDefined("sink_log") {
		cfg.Sinks.Log = raw.SinkLog
	}
	if meta.IsDefined("sink_file_path") {
		cfg.Sinks.FilePath = strings.TrimSpace(raw.SinkFilePath)
	}
	if meta.IsDefined("sink_file_compress") {
		cfg.Sinks.FileCompress = raw.SinkFileCompress
	}
	if meta.IsDefined("sink_udp_addr") {
		cfg.Sinks.UDPAddr = strings.TrimSpace(raw.SinkUDPAddr)
	}
	if meta.IsDefined("admin_listen_addr") {
		cfg.AdminListenAddr = strings.TrimSpace(raw.AdminListenAddr)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}

	if err := cfg.Validate(); err != nil {
		return DownlinkConfig{}, fmt.Errorf("load downlink config: %w", err)
	}
	return cfg, nil
}

func (c DownlinkConfig) Validate() error {
	if err := c.Serial.Validate(); err != nil {
		return err
	}
	if c.Sinks.FileCompress && c.Sinks.FilePath == "" {
		return fmt.Errorf("%w: sink_file_compress requires sink_file_path", ErrInvalidConfig)
	}
	return nil
}
