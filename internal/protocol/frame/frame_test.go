package frame

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/dronecomms/internal/testutil/testlog"
)

func TestEncodeLayout(t *testing.T) {
	testlog.Start(t)
	payload := []byte{0x01, 0x02, 0xFF}
	b, err := Encode(payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := append([]byte("start"), 3, 0x01, 0x02, 0xFF, 0x02)
	if !bytes.Equal(b, want) {
		t.Fatalf("layout mismatch: got=%x want=%x", b, want)
	}
}

func TestChecksumWrapsMod256(t *testing.T) {
	testlog.Start(t)
	if got := Checksum([]byte{0xFF, 0x02}); got != 0x01 {
		t.Fatalf("checksum got=%#x", got)
	}
	if got := Checksum(nil); got != 0 {
		t.Fatalf("empty checksum got=%#x", got)
	}
}

func TestEncodeRejectsOversizePayload(t *testing.T) {
	testlog.Start(t)
	_, err := Encode(make([]byte, MaxPayloadLen+1))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if _, err := Encode(make([]byte, MaxPayloadLen)); err != nil {
		t.Fatalf("max payload should encode: %v", err)
	}
}

func TestWriteFrame(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte("hi")); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if buf.Len() != 2+Overhead {
		t.Fatalf("unexpected frame size: %d", buf.Len())
	}
}
