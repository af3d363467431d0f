package serial

import (
	"fmt"
	"os"
	"syscall"

	"github.com/danmuck/dronecomms/internal/logging"
)

// Port is an open serial line in raw mode.
type Port struct {
	f   *os.File
	cfg Config
}

// Open validates cfg, opens the device and switches it to raw mode with the
// configured line settings. Reads block until at least one byte arrives;
// Close unblocks a pending Read.
func Open(cfg Config) (*Port, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(cfg.Device, os.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Device, err)
	}
	if err := configure(f, cfg); err != nil {
		f.Close()
		return nil, fmt.Errorf("configure %s: %w", cfg.Device, err)
	}
	logger := logging.Component("serial")
	logger.Info().Str("line", cfg.String()).Msg("serial port open")
	return &Port{f: f, cfg: cfg}, nil
}

func (p *Port) Read(b []byte) (int, error)  { return p.f.Read(b) }
func (p *Port) Write(b []byte) (int, error) { return p.f.Write(b) }
func (p *Port) Close() error                { return p.f.Close() }
func (p *Port) Config() Config              { return p.cfg }
