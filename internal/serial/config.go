package serial

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidConfig = errors.New("serial: invalid config")

// Parity names accepted by Config.Parity.
const (
	ParityNone = "none"
	ParityOdd  = "odd"
	ParityEven = "even"
)

// Config describes one serial line. The zero value is not usable; start from
// DefaultConfig.
type Config struct {
	Device   string `toml:"device"`
	BaudRate int    `toml:"baud_rate"`
	DataBits int    `toml:"data_bits"`
	StopBits int    `toml:"stop_bits"`
	Parity   string `toml:"parity"`
}

// DefaultConfig is 115200 baud, 8N1.
func DefaultConfig(device string) Config {
	return Config{
		Device:   device,
		BaudRate: 115200,
		DataBits: 8,
		StopBits: 1,
		Parity:   ParityNone,
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Device) == "" {
		return fmt.Errorf("%w: device is required", ErrInvalidConfig)
	}
	if _, ok := baudRates[c.BaudRate]; !ok {
		return fmt.Errorf("%w: unsupported baud rate %d", ErrInvalidConfig, c.BaudRate)
	}
	if c.DataBits < 5 || c.DataBits > 8 {
		return fmt.Errorf("%w: data bits must be 5..8, got %d", ErrInvalidConfig, c.DataBits)
	}
	if c.StopBits != 1 && c.StopBits != 2 {
		return fmt.Errorf("%w: stop bits must be 1 or 2, got %d", ErrInvalidConfig, c.StopBits)
	}
	switch strings.ToLower(c.Parity) {
	case ParityNone, ParityOdd, ParityEven:
	default:
		return fmt.Errorf("%w: unknown parity %q", ErrInvalidConfig, c.Parity)
	}
	return nil
}

func (c Config) String() string {
	p := "N"
	switch strings.ToLower(c.Parity) {
	case ParityOdd:
		p = "O"
	case ParityEven:
		p = "E"
	}
	return fmt.Sprintf("%s@%d/%d%s%d", c.Device, c.BaudRate, c.DataBits, p, c.StopBits)
}

// baudRates lists the rates every supported platform can program. The value
// is filled in per platform by termios code.
var baudRates = map[int]uint32{
	1200:   0,
	2400:   0,
	4800:   0,
	9600:   0,
	19200:  0,
	38400:  0,
	57600:  0,
	115200: 0,
	230400: 0,
	460800: 0,
	921600: 0,
}
