package frame

// Result reports what one fed byte completed.
type Result uint8

const (
	// ResultPending means the byte was consumed and no frame attempt ended.
	ResultPending Result = iota
	// ResultFrame means a checksum-valid frame completed; see Payload.
	ResultFrame
	// ResultChecksumMismatch means a frame attempt ended on a bad checksum.
	ResultChecksumMismatch
)

func (r Result) String() string {
	switch r {
	case ResultPending:
		return "pending"
	case ResultFrame:
		return "frame"
	case ResultChecksumMismatch:
		return "checksum_mismatch"
	default:
		return "unknown"
	}
}

// State is the decoder's position inside the wire layout.
type State uint8

const (
	StateSearching State = iota
	StateLength
	StatePayload
	StateChecksum
)

func (s State) String() string {
	switch s {
	case StateSearching:
		return "searching"
	case StateLength:
		return "length"
	case StatePayload:
		return "payload"
	case StateChecksum:
		return "checksum"
	default:
		return "unknown"
	}
}

// Decoder is the byte-at-a-time frame synchronizer. It owns its payload
// buffer; a Decoder must not be fed from more than one goroutine at a time.
type Decoder struct {
	index    int
	length   int
	captured int
	buf      [MaxPayloadLen]byte

	gotSum  byte
	wantSum byte
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Reset drops any partial frame and returns to marker search.
func (d *Decoder) Reset() {
	d.index = 0
	d.length = 0
	d.captured = 0
}

func (d *Decoder) State() State {
	switch {
	case d.index < MarkerLen:
		return StateSearching
	case d.index == MarkerLen:
		return StateLength
	case d.captured < d.length:
		return StatePayload
	default:
		return StateChecksum
	}
}

// Feed consumes one byte. When it returns ResultFrame the payload is
// available from Payload until the next call to Feed.
//
// After any frame attempt ends, good or bad, the decoder is back in marker
// search and the next byte is tested against the marker.
func (d *Decoder) Feed(b byte) Result {
	switch d.State() {
	case StateSearching:
		switch {
		case b == Marker[d.index]:
			d.index++
		case b == Marker[0]:
			d.index = 1
		default:
			d.index = 0
		}
		return ResultPending
	case StateLength:
		d.length = int(b)
		d.captured = 0
		d.index++
		return ResultPending
	case StatePayload:
		d.buf[d.captured] = b
		d.captured++
		d.index++
		return ResultPending
	default:
		d.gotSum = b
		d.wantSum = Checksum(d.buf[:d.length])
		d.index = 0
		d.captured = 0
		if d.gotSum != d.wantSum {
			return ResultChecksumMismatch
		}
		return ResultFrame
	}
}

// Payload returns the payload of the frame completed by the last Feed. The
// slice aliases the decoder buffer.
func (d *Decoder) Payload() []byte {
	return d.buf[:d.length]
}

// LastChecksum returns the received and computed checksum of the most
// recently completed frame attempt.
func (d *Decoder) LastChecksum() (got, want byte) {
	return d.gotSum, d.wantSum
}
