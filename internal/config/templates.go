package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "downlink":
		return downlinkTemplate, nil
	case "relay":
		return relayTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

// Validate loads path as the given kind and reports the first problem.
func Validate(path, kind string) error {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "downlink":
		_, err := LoadDownlinkConfig(path)
		return err
	case "relay":
		_, err := LoadRelayConfig(path)
		return err
	default:
		return fmt.Errorf("unknown config kind: %s", kind)
	}
}

const downlinkTemplate = `serial_device = "/dev/ttyUSB0"
serial_baud_rate = 115200
serial_data_bits = 8
serial_stop_bits = 1
serial_parity = "none"

sink_log = true
sink_file_path = "telemetry.frames"
sink_file_compress = false
sink_udp_addr = "127.0.0.1:14550"

admin_listen_addr = "127.0.0.1:7080"
admin_token = ""
`

const relayTemplate = `endpoint_a_name = "ground"
endpoint_a_addr = ":7001"
endpoint_b_name = "vehicle"
endpoint_b_addr = ":7002"

start_sentinel = "-----BEGIN MESSAGE-----"
end_sentinel = "-----END SIGNATURE-----"

capture_timeout = "500s"
write_timeout = "15s"
max_line_bytes = 65536
max_message_bytes = 1048576
accept_backoff_initial = "250ms"
accept_backoff_max = "5s"

session_security_mode = "development"
session_tls_enabled = false
session_tls_mutual = false
session_tls_cert_file = ""
session_tls_key_file = ""
session_tls_ca_file = ""

admin_listen_addr = "127.0.0.1:7081"
admin_token = ""
`
