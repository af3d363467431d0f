//go:build linux

package serial

import (
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

func init() {
	for rate, code := range map[int]uint32{
		1200:   unix.B1200,
		2400:   unix.B2400,
		4800:   unix.B4800,
		9600:   unix.B9600,
		19200:  unix.B19200,
		38400:  unix.B38400,
		57600:  unix.B57600,
		115200: unix.B115200,
		230400: unix.B230400,
		460800: unix.B460800,
		921600: unix.B921600,
	} {
		baudRates[rate] = code
	}
}

var dataBits = map[int]uint32{
	5: unix.CS5,
	6: unix.CS6,
	7: unix.CS7,
	8: unix.CS8,
}

// configure puts the line in raw mode: no echo, no canonical processing, no
// signal characters and no output post-processing. VMIN=1 VTIME=0 makes a
// read return as soon as one byte is available.
//
// The ioctls run through SyscallConn so the descriptor stays in the runtime
// poller; f.Fd() would switch it to blocking mode and Close could no longer
// interrupt a pending Read.
func configure(f *os.File, cfg Config) error {
	rc, err := f.SyscallConn()
	if err != nil {
		return err
	}
	var setErr error
	if err := rc.Control(func(fd uintptr) {
		setErr = setRaw(int(fd), cfg)
	}); err != nil {
		return err
	}
	return setErr
}

func setRaw(fd int, cfg Config) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}

	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF | unix.IXANY | unix.INPCK
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN

	baud := baudRates[cfg.BaudRate]
	t.Cflag &^= unix.CBAUD | unix.CSIZE | unix.CSTOPB | unix.PARENB | unix.PARODD | unix.CRTSCTS
	t.Cflag |= baud | dataBits[cfg.DataBits] | unix.CREAD | unix.CLOCAL
	t.Ispeed = baud
	t.Ospeed = baud
	if cfg.StopBits == 2 {
		t.Cflag |= unix.CSTOPB
	}
	switch strings.ToLower(cfg.Parity) {
	case ParityOdd:
		t.Cflag |= unix.PARENB | unix.PARODD
		t.Iflag |= unix.INPCK
	case ParityEven:
		t.Cflag |= unix.PARENB
		t.Iflag |= unix.INPCK
	}

	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
	return unix.IoctlSetTermios(fd, unix.TCSETS, t)
}
