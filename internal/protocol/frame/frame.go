package frame

import (
	"errors"
	"io"
)

// Wire layout: MARKER(5) | LENGTH(1) | PAYLOAD(LENGTH) | CHECKSUM(1).
const (
	Marker        = "start"
	MarkerLen     = len(Marker)
	MaxPayloadLen = 255
	// Overhead is the number of non-payload bytes in one frame.
	Overhead = MarkerLen + 2
)

var (
	ErrPayloadTooLarge  = errors.New("frame: payload too large")
	ErrChecksumMismatch = errors.New("frame: checksum mismatch")
)

// Checksum is the unsigned byte sum of payload, mod 256.
func Checksum(payload []byte) byte {
	var sum byte
	for _, b := range payload {
		sum += b
	}
	return sum
}

// AppendFrame appends the framed form of payload to dst.
func AppendFrame(dst, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadLen {
		return dst, ErrPayloadTooLarge
	}
	dst = append(dst, Marker...)
	dst = append(dst, byte(len(payload)))
	dst = append(dst, payload...)
	dst = append(dst, Checksum(payload))
	return dst, nil
}

func Encode(payload []byte) ([]byte, error) {
	return AppendFrame(make([]byte, 0, len(payload)+Overhead), payload)
}

func WriteFrame(w io.Writer, payload []byte) error {
	b, err := Encode(payload)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
