package fanout

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/danmuck/dronecomms/internal/logging"
	"github.com/danmuck/dronecomms/internal/protocol/frame"
	"github.com/danmuck/dronecomms/internal/protocol/telemetry"
)

var ErrSinkClosed = errors.New("fanout: sink closed")

// FileSink persists messages as a replayable frame log: every record is
// re-framed exactly as it appears on the serial link. With Compress set the
// log is a zstd stream.
type FileSink struct {
	mu     sync.Mutex
	file   *os.File
	buf    *bufio.Writer
	zw     *zstd.Encoder
	out    io.Writer
	closed bool
	logger zerolog.Logger
}

type FileSinkConfig struct {
	Path     string
	Compress bool
}

func NewFileSink(cfg FileSinkConfig) (*FileSink, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, fmt.Errorf("fanout: file sink path required")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	s := &FileSink{
		file:   f,
		buf:    bufio.NewWriter(f),
		logger: logging.Component("fanout.file").With().Str("path", path).Logger(),
	}
	s.out = s.buf
	if cfg.Compress {
		zw, err := zstd.NewWriter(s.buf, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		s.zw = zw
		s.out = zw
	}
	return s, nil
}

func (s *FileSink) Name() string { return "file" }

func (s *FileSink) Deliver(msg telemetry.Message) {
	if err := s.write(msg); err != nil {
		s.logger.Warn().Err(err).Msg("persist message failed")
	}
}

func (s *FileSink) write(msg telemetry.Message) error {
	payload, err := telemetry.Encode(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	return frame.WriteFrame(s.out, payload)
}

// Flush pushes buffered records to the file. Compressed logs are flushed at
// a zstd block boundary.
func (s *FileSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	if s.zw != nil {
		if err := s.zw.Flush(); err != nil {
			return err
		}
	}
	return s.buf.Flush()
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var result *multierror.Error
	if s.zw != nil {
		if err := s.zw.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := s.buf.Flush(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.file.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// UDPSink broadcasts each message's CBOR payload as one datagram.
type UDPSink struct {
	conn   net.PacketConn
	addr   net.Addr
	logger zerolog.Logger
}

func NewUDPSink(addr string) (*UDPSink, error) {
	raddr, err := net.ResolveUDPAddr("udp4", strings.TrimSpace(addr))
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, err
	}
	return &UDPSink{
		conn:   conn,
		addr:   raddr,
		logger: logging.Component("fanout.udp").With().Str("addr", raddr.String()).Logger(),
	}, nil
}

func (s *UDPSink) Name() string { return "udp" }

func (s *UDPSink) Deliver(msg telemetry.Message) {
	payload, err := telemetry.Encode(msg)
	if err != nil {
		s.logger.Warn().Err(err).Msg("encode broadcast failed")
		return
	}
	if _, err := s.conn.WriteTo(payload, s.addr); err != nil {
		s.logger.Warn().Err(err).Msg("broadcast failed")
	}
}

func (s *UDPSink) Close() error {
	return s.conn.Close()
}

// LogSink writes a one-line summary of each message at debug level.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink() *LogSink {
	return &LogSink{logger: logging.Component("fanout.log")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(msg telemetry.Message) {
	ev := s.logger.Debug().
		Uint32("timestamp_ms", msg.TimestampMS).
		Stringer("mode", msg.Mode)
	if a := msg.Attitude; a != nil {
		ev = ev.Float32("pitch", a.Pitch).Float32("roll", a.Roll).Float32("heading", a.Heading)
	}
	if p := msg.Position; p != nil {
		ev = ev.Float64("lat", p.Latitude).Float64("lon", p.Longitude).Float32("alt", p.Altitude)
	}
	ev.Msg("telemetry")
}
