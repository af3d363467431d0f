package downlink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/dronecomms/internal/fanout"
	"github.com/danmuck/dronecomms/internal/logging"
	"github.com/danmuck/dronecomms/internal/observability"
	"github.com/danmuck/dronecomms/internal/protocol/frame"
	"github.com/danmuck/dronecomms/internal/protocol/telemetry"
)

var (
	ErrSourceFailed = errors.New("downlink: source read failed")
	ErrSourceClosed = errors.New("downlink: source closed")
)

const readChunk = 512

// Codec decodes one validated frame payload.
type Codec interface {
	Decode(payload []byte) (telemetry.Message, error)
}

// Stats counts frame attempts since the receiver was created.
type Stats struct {
	Frames           uint64    `json:"frames"`
	ChecksumFailures uint64    `json:"checksum_failures"`
	DecodeErrors     uint64    `json:"decode_errors"`
	Bytes            uint64    `json:"bytes"`
	LastFrameAt      time.Time `json:"last_frame_at"`
}

type Receiver struct {
	mu      sync.Mutex
	decoder *frame.Decoder
	codec   Codec
	sinks   *fanout.Fanout

	frames       atomic.Uint64
	checksumBad  atomic.Uint64
	decodeErrors atomic.Uint64
	bytes        atomic.Uint64
	lastFrameAt  atomic.Int64

	logger zerolog.Logger
}

// NewReceiver builds a receiver that delivers to sinks in the given order.
// A nil codec uses the telemetry CBOR codec.
func NewReceiver(codec Codec, sinks ...fanout.Sink) *Receiver {
	if codec == nil {
		codec = telemetry.Codec{}
	}
	return &Receiver{
		decoder: frame.NewDecoder(),
		codec:   codec,
		sinks:   fanout.New(sinks...),
		logger:  logging.Component("downlink"),
	}
}

// Feed consumes a chunk of raw bytes.
func (r *Receiver) Feed(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range p {
		r.step(b)
	}
	r.countBytes(len(p))
}

// OnDataAvailable drains src after a data-available notification. io.EOF
// means nothing more is buffered right now and is not an error; any other
// read error is fatal and wrapped in ErrSourceFailed.
func (r *Receiver) OnDataAvailable(src io.ByteReader) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	defer func() { r.countBytes(n) }()
	for {
		b, err := src.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrSourceFailed, err)
		}
		n++
		r.step(b)
	}
}

// Run reads src until ctx is cancelled or the source fails. End of stream is
// fatal for a serial link and is reported as ErrSourceClosed. When ctx is
// cancelled and src is an io.Closer it is closed to unblock the read.
func (r *Receiver) Run(ctx context.Context, src io.Reader) error {
	if c, ok := src.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { _ = c.Close() })
		defer stop()
	}
	buf := make([]byte, readChunk)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			r.Feed(buf[:n])
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, io.EOF) {
			return ErrSourceClosed
		}
		return fmt.Errorf("%w: %v", ErrSourceFailed, err)
	}
}

// Flush pushes buffered sink output to its destination.
func (r *Receiver) Flush() error {
	return r.sinks.Flush()
}

// Close releases the sinks.
func (r *Receiver) Close() error {
	return r.sinks.Close()
}

func (r *Receiver) Stats() Stats {
	s := Stats{
		Frames:           r.frames.Load(),
		ChecksumFailures: r.checksumBad.Load(),
		DecodeErrors:     r.decodeErrors.Load(),
		Bytes:            r.bytes.Load(),
	}
	if ns := r.lastFrameAt.Load(); ns != 0 {
		s.LastFrameAt = time.Unix(0, ns)
	}
	return s
}

func (r *Receiver) countBytes(n int) {
	if n == 0 {
		return
	}
	r.bytes.Add(uint64(n))
	observability.RecordBytes(n)
}

func (r *Receiver) step(b byte) {
	switch r.decoder.Feed(b) {
	case frame.ResultPending:
		return
	case frame.ResultChecksumMismatch:
		got, want := r.decoder.LastChecksum()
		r.checksumBad.Add(1)
		observability.RecordFrame("checksum")
		r.logger.Debug().Uint8("got", got).Uint8("want", want).Msg("frame checksum mismatch")
		return
	}

	msg, err := r.codec.Decode(r.decoder.Payload())
	if err != nil {
		r.decodeErrors.Add(1)
		observability.RecordFrame("decode")
		r.logger.Warn().Err(err).Int("payload_len", len(r.decoder.Payload())).Msg("frame payload rejected")
		return
	}
	r.frames.Add(1)
	r.lastFrameAt.Store(time.Now().UnixNano())
	observability.RecordFrame("ok")
	r.sinks.Deliver(msg)
}
