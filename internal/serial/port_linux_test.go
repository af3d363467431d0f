//go:build linux

package serial

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/danmuck/dronecomms/internal/testutil/testlog"
)

// openPTY allocates a master/slave pair through /dev/ptmx.
func openPTY(t *testing.T) (*os.File, string) {
	t.Helper()
	master, err := os.OpenFile("/dev/ptmx", os.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	fd := int(master.Fd())
	n, err := unix.IoctlGetInt(fd, unix.TIOCGPTN)
	if err != nil {
		master.Close()
		t.Skipf("TIOCGPTN: %v", err)
	}
	if err := unix.IoctlSetPointerInt(fd, unix.TIOCSPTLCK, 0); err != nil {
		master.Close()
		t.Skipf("TIOCSPTLCK: %v", err)
	}
	t.Cleanup(func() { master.Close() })
	return master, fmt.Sprintf("/dev/pts/%d", n)
}

func TestOpenRawModePassesBinary(t *testing.T) {
	testlog.Start(t)
	master, slave := openPTY(t)

	port, err := Open(DefaultConfig(slave))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer port.Close()

	tios, err := unix.IoctlGetTermios(int(port.f.Fd()), unix.TCGETS)
	if err != nil {
		t.Fatalf("get termios: %v", err)
	}
	if tios.Lflag&(unix.ICANON|unix.ECHO) != 0 {
		t.Fatalf("expected canonical mode and echo off, lflag=%#x", tios.Lflag)
	}
	if tios.Cflag&unix.CSIZE != unix.CS8 {
		t.Fatalf("expected 8 data bits, cflag=%#x", tios.Cflag)
	}

	// Bytes a cooked tty would translate or swallow.
	want := []byte{'s', 't', 'a', 'r', 't', 0x03, '\r', 0x00, 0x7f, 0x04}
	if _, err := master.Write(want); err != nil {
		t.Fatalf("write master: %v", err)
	}

	got := make([]byte, len(want))
	done := make(chan error, 1)
	go func() {
		_, err := io.ReadFull(port, got)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("read port: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out reading from port")
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("raw bytes altered: got=%x want=%x", got, want)
	}
}

func TestCloseUnblocksRead(t *testing.T) {
	testlog.Start(t)
	_, slave := openPTY(t)

	port, err := Open(DefaultConfig(slave))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := port.Read(make([]byte, 8))
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	if err := port.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected read error after close")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("close did not unblock read")
	}
}
