//go:build !linux

package serial

import (
	"os"

	"github.com/danmuck/dronecomms/internal/logging"
)

// configure leaves line settings to the operating system. Only Linux
// programs termios directly; elsewhere the device must be preconfigured
// (for example with stty).
func configure(_ *os.File, cfg Config) error {
	logger := logging.Component("serial")
	logger.Warn().Str("line", cfg.String()).
		Msg("line settings not applied on this platform")
	return nil
}
