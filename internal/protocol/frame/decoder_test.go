package frame

import (
	"bytes"
	"testing"

	"github.com/danmuck/dronecomms/internal/testutil/testlog"
)

// feedAll feeds every byte and returns copies of the completed payloads
// plus the number of checksum failures.
func feedAll(d *Decoder, in []byte) ([][]byte, int) {
	var frames [][]byte
	var bad int
	for _, b := range in {
		switch d.Feed(b) {
		case ResultFrame:
			frames = append(frames, append([]byte(nil), d.Payload()...))
		case ResultChecksumMismatch:
			bad++
		}
	}
	return frames, bad
}

func mustEncode(t *testing.T, payload []byte) []byte {
	t.Helper()
	b, err := Encode(payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b
}

func TestDecoderValidFrameYieldsOnePayload(t *testing.T) {
	testlog.Start(t)
	for _, size := range []int{1, 2, 17, 128, MaxPayloadLen} {
		payload := make([]byte, size)
		for i := range payload {
			payload[i] = byte(i * 7)
		}
		frames, bad := feedAll(NewDecoder(), mustEncode(t, payload))
		if bad != 0 || len(frames) != 1 {
			t.Fatalf("size=%d frames=%d bad=%d", size, len(frames), bad)
		}
		if !bytes.Equal(frames[0], payload) {
			t.Fatalf("size=%d payload mismatch", size)
		}
	}
}

func TestDecoderCorruptChecksumDeliversNothing(t *testing.T) {
	testlog.Start(t)
	payload := []byte("telemetry")
	encoded := mustEncode(t, payload)
	for bit := 0; bit < 8; bit++ {
		in := append([]byte(nil), encoded...)
		in[len(in)-1] ^= 1 << bit
		d := NewDecoder()
		frames, bad := feedAll(d, in)
		if len(frames) != 0 || bad != 1 {
			t.Fatalf("bit=%d frames=%d bad=%d", bit, len(frames), bad)
		}
		got, want := d.LastChecksum()
		if got == want {
			t.Fatalf("bit=%d expected checksum disagreement", bit)
		}
		if d.State() != StateSearching {
			t.Fatalf("bit=%d expected marker search, got %v", bit, d.State())
		}
	}
}

func TestDecoderResyncsAcrossNoise(t *testing.T) {
	testlog.Start(t)
	payload := []byte{9, 8, 7}
	var in []byte
	in = append(in, "xxsta"...)
	in = append(in, 0x00, 0x13, 's', 't', 'x')
	in = append(in, "ststart"[:2]...)
	in = append(in, mustEncode(t, payload)...)

	frames, bad := feedAll(NewDecoder(), in)
	if bad != 0 || len(frames) != 1 {
		t.Fatalf("frames=%d bad=%d", len(frames), bad)
	}
	if !bytes.Equal(frames[0], payload) {
		t.Fatalf("payload mismatch: %x", frames[0])
	}
}

func TestDecoderRetestsMarkerHeadOnMismatch(t *testing.T) {
	testlog.Start(t)
	in := append([]byte("sstart"), mustEncode(t, []byte{1})[MarkerLen:]...)
	frames, _ := feedAll(NewDecoder(), in)
	if len(frames) != 1 {
		t.Fatalf("expected overlapping marker start to sync, frames=%d", len(frames))
	}
}

func TestDecoderZeroLengthPayload(t *testing.T) {
	testlog.Start(t)
	in := mustEncode(t, nil)
	if in[len(in)-1] != 0 {
		t.Fatalf("zero-length checksum should be 0")
	}
	frames, bad := feedAll(NewDecoder(), in)
	if bad != 0 || len(frames) != 1 || len(frames[0]) != 0 {
		t.Fatalf("frames=%v bad=%d", frames, bad)
	}
}

func TestDecoderResumesAfterChecksumFailure(t *testing.T) {
	testlog.Start(t)
	bad := mustEncode(t, []byte("first"))
	bad[len(bad)-1]++
	good := mustEncode(t, []byte("second"))
	in := append(bad, good...)

	frames, mismatches := feedAll(NewDecoder(), in)
	if mismatches != 1 || len(frames) != 1 {
		t.Fatalf("frames=%d mismatches=%d", len(frames), mismatches)
	}
	if string(frames[0]) != "second" {
		t.Fatalf("unexpected payload: %q", frames[0])
	}
}

func TestDecoderBackToBackFrames(t *testing.T) {
	testlog.Start(t)
	var in []byte
	for i := 0; i < 5; i++ {
		in = append(in, mustEncode(t, []byte{byte(i), byte(i + 1)})...)
	}
	frames, bad := feedAll(NewDecoder(), in)
	if bad != 0 || len(frames) != 5 {
		t.Fatalf("frames=%d bad=%d", len(frames), bad)
	}
	for i, f := range frames {
		if f[0] != byte(i) {
			t.Fatalf("frame %d out of order: %x", i, f)
		}
	}
}

func TestDecoderStateProgression(t *testing.T) {
	testlog.Start(t)
	d := NewDecoder()
	for _, b := range []byte(Marker) {
		if d.State() != StateSearching {
			t.Fatalf("expected searching before marker complete, got %v", d.State())
		}
		d.Feed(b)
	}
	if d.State() != StateLength {
		t.Fatalf("expected length state, got %v", d.State())
	}
	d.Feed(1)
	if d.State() != StatePayload {
		t.Fatalf("expected payload state, got %v", d.State())
	}
	d.Feed(0x42)
	if d.State() != StateChecksum {
		t.Fatalf("expected checksum state, got %v", d.State())
	}
	d.Reset()
	if d.State() != StateSearching {
		t.Fatalf("expected reset to marker search, got %v", d.State())
	}
}
