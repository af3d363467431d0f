package relay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/danmuck/dronecomms/internal/logging"
	"github.com/danmuck/dronecomms/internal/observability"
	"github.com/danmuck/dronecomms/internal/protocol/session"
)

const (
	DefaultStartSentinel = "-----BEGIN MESSAGE-----"
	DefaultEndSentinel   = "-----END SIGNATURE-----"

	readBufferSize = 4096
)

var (
	ErrEndpointClosed = errors.New("relay: endpoint closed")
	ErrInvalidOptions = errors.New("relay: invalid options")
)

// Sender accepts a completed message for best-effort delivery.
type Sender interface {
	Send(msg []byte)
}

// Options configures one endpoint. Empty sentinels fall back to the
// defaults; a zero Session falls back to session.DefaultConfig.
type Options struct {
	Name          string
	ListenAddr    string
	StartSentinel string
	EndSentinel   string
	Session       session.Config
}

func (o Options) withDefaults() Options {
	if strings.TrimSpace(o.StartSentinel) == "" {
		o.StartSentinel = DefaultStartSentinel
	}
	if strings.TrimSpace(o.EndSentinel) == "" {
		o.EndSentinel = DefaultEndSentinel
	}
	if strings.TrimSpace(o.Name) == "" {
		o.Name = o.ListenAddr
	}
	o.Session = o.Session.WithDefaults()
	return o
}

type Endpoint struct {
	name  string
	start []byte
	end   []byte
	cfg   session.Config
	ln    net.Listener

	// mu guards conn. Send holds it for the duration of a write so the read
	// loop cannot release the connection underneath a writer.
	mu   sync.Mutex
	conn net.Conn
	// remote mirrors conn's peer address for Status without taking mu.
	remote atomic.Value

	peerMu sync.RWMutex
	peer   Sender

	state     atomic.Int32
	closeOnce sync.Once
	closed    chan struct{}

	relayed      atomic.Uint64
	timeouts     atomic.Uint64
	oversize     atomic.Uint64
	aborted      atomic.Uint64
	reconnects   atomic.Uint64
	sent         atomic.Uint64
	dropped      atomic.Uint64
	sendFailures atomic.Uint64

	rng    *rand.Rand
	logger zerolog.Logger
}

// NewEndpoint listens on opts.ListenAddr, with TLS when opts.Session enables
// it.
func NewEndpoint(opts Options) (*Endpoint, error) {
	if strings.TrimSpace(opts.ListenAddr) == "" {
		return nil, fmt.Errorf("%w: listen address is required", ErrInvalidOptions)
	}
	opts = opts.withDefaults()
	ln, err := opts.Session.Listen(opts.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("relay: listen %s: %w", opts.ListenAddr, err)
	}
	return newEndpoint(opts, ln), nil
}

// NewEndpointWithListener builds an endpoint on an existing listener. The
// endpoint takes ownership of ln and closes it on Close.
func NewEndpointWithListener(opts Options, ln net.Listener) (*Endpoint, error) {
	if ln == nil {
		return nil, fmt.Errorf("%w: nil listener", ErrInvalidOptions)
	}
	if strings.TrimSpace(opts.ListenAddr) == "" {
		opts.ListenAddr = ln.Addr().String()
	}
	return newEndpoint(opts.withDefaults(), ln), nil
}

func newEndpoint(opts Options, ln net.Listener) *Endpoint {
	e := &Endpoint{
		name:   opts.Name,
		start:  []byte(strings.TrimSpace(opts.StartSentinel)),
		end:    []byte(strings.TrimSpace(opts.EndSentinel)),
		cfg:    opts.Session,
		ln:     ln,
		closed: make(chan struct{}),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	e.logger = logging.Component("relay").With().Str("endpoint", e.name).Logger()
	e.state.Store(int32(StateListening))
	e.remote.Store("")
	return e
}

func (e *Endpoint) Name() string { return e.name }

func (e *Endpoint) Addr() net.Addr { return e.ln.Addr() }

// SetCounterpart sets where completed captures are forwarded. The endpoint
// does not own the counterpart.
func (e *Endpoint) SetCounterpart(peer Sender) {
	e.peerMu.Lock()
	defer e.peerMu.Unlock()
	e.peer = peer
}

func (e *Endpoint) State() State {
	return State(e.state.Load())
}

func (e *Endpoint) Status() Status {
	return Status{
		Name:         e.name,
		Addr:         e.ln.Addr().String(),
		State:        e.State().String(),
		Relayed:      e.relayed.Load(),
		Timeouts:     e.timeouts.Load(),
		Oversize:     e.oversize.Load(),
		Aborted:      e.aborted.Load(),
		Reconnects:   e.reconnects.Load(),
		Sent:         e.sent.Load(),
		Dropped:      e.dropped.Load(),
		SendFailures: e.sendFailures.Load(),
		Remote:       e.remote.Load().(string),
	}
}

// Run accepts and serves one connection at a time until ctx is cancelled or
// Close is called, returning nil on shutdown. Connection faults never end Run:
// the endpoint releases the connection and waits for the next peer.
func (e *Endpoint) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = e.Close() })
	defer stop()

	e.logger.Info().Str("addr", e.ln.Addr().String()).Msg("relay endpoint listening")
	for {
		conn, err := e.accept()
		if err != nil {
			if e.isClosed() {
				return nil
			}
			return err
		}
		if !e.attach(conn) {
			return nil
		}

		serveErr := e.serve(conn)
		releaseErr := e.release(conn)
		if e.isClosed() {
			return nil
		}
		e.setState(StateReconnecting)
		e.reconnects.Add(1)
		observability.RecordReconnect(e.name)
		if releaseErr != nil {
			e.logger.Warn().Err(releaseErr).Msg("release connection")
		}
		e.logConnError("connection lost; reconnecting", serveErr)
	}
}

// Send writes msg to the held connection. Without a connection msg is
// dropped silently. A failed write releases this endpoint's own connection
// and its read loop moves to RECONNECTING; the caller is never told.
func (e *Endpoint) Send(msg []byte) {
	e.mu.Lock()
	conn := e.conn
	if conn == nil {
		e.mu.Unlock()
		e.dropped.Add(1)
		observability.RecordSend(e.name, sendDropped)
		e.logger.Debug().Int("bytes", len(msg)).Msg("no connection; message dropped")
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(e.cfg.WriteTimeout))
	_, err := conn.Write(msg)
	if err != nil {
		e.conn = nil
		e.remote.Store("")
	}
	e.mu.Unlock()

	if err != nil {
		e.sendFailures.Add(1)
		observability.RecordSend(e.name, sendFailed)
		e.setState(StateReconnecting)
		_ = conn.Close()
		e.logConnError("send failed", err)
		return
	}
	e.sent.Add(1)
	observability.RecordSend(e.name, sendWritten)
}

// Close stops the endpoint: it closes the listener and the held connection,
// which unblocks Run. Close is idempotent.
func (e *Endpoint) Close() error {
	var result *multierror.Error
	e.closeOnce.Do(func() {
		close(e.closed)
		e.state.Store(int32(StateClosed))
		if err := e.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, fmt.Errorf("close listener: %w", err))
		}
		e.mu.Lock()
		conn := e.conn
		e.conn = nil
		e.remote.Store("")
		e.mu.Unlock()
		if conn != nil {
			if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				result = multierror.Append(result, fmt.Errorf("close connection: %w", err))
			}
		}
	})
	return result.ErrorOrNil()
}

// accept blocks until a peer connects. Accept errors other than listener
// closure are retried with backoff for as long as the endpoint is open.
func (e *Endpoint) accept() (net.Conn, error) {
	attempt := 0
	for {
		conn, err := e.ln.Accept()
		if err == nil {
			return conn, nil
		}
		if e.isClosed() || errors.Is(err, net.ErrClosed) {
			return nil, ErrEndpointClosed
		}
		attempt++
		delay := session.NextBackoffDelay(e.cfg.AcceptBackoff, attempt, e.rng)
		e.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("accept failed")
		timer := time.NewTimer(delay)
		select {
		case <-e.closed:
			timer.Stop()
			return nil, ErrEndpointClosed
		case <-timer.C:
		}
	}
}

func (e *Endpoint) attach(conn net.Conn) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.isClosed() {
		_ = conn.Close()
		return false
	}
	e.conn = conn
	e.remote.Store(conn.RemoteAddr().String())
	e.setState(StateConnected)
	e.logger.Info().Str("remote", conn.RemoteAddr().String()).Msg("peer connected")
	return true
}

func (e *Endpoint) release(conn net.Conn) error {
	e.mu.Lock()
	if e.conn == conn {
		e.conn = nil
		e.remote.Store("")
	}
	e.mu.Unlock()
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// serve reads lines until the connection fails. Lines outside a capture are
// ignored.
func (e *Endpoint) serve(conn net.Conn) error {
	r := bufio.NewReaderSize(conn, readBufferSize)
	skipTail := false
	for {
		line, err := session.ReadLine(r, e.cfg.MaxLineBytes)
		if errors.Is(err, session.ErrLineTooLong) {
			e.logger.Debug().Int("max", e.cfg.MaxLineBytes).Msg("oversize line ignored")
			skipTail = false
			continue
		}
		if err != nil {
			return err
		}
		if skipTail {
			skipTail = false
			continue
		}
		if !e.isStart(line) {
			continue
		}
		if skipTail, err = e.capture(conn, r, line); err != nil {
			return err
		}
	}
}

// capture assembles one message that began with startLine and forwards it
// to the counterpart. Only connection faults are returned; a timeout or an
// oversize message abandons the capture and keeps the connection.
//
// A deadline that fires mid-line has already consumed the head of that line.
// capture then reports midLine so serve drops the tail instead of parsing it
// as a fresh line.
func (e *Endpoint) capture(conn net.Conn, r *bufio.Reader, startLine []byte) (midLine bool, err error) {
	e.setState(StateCapturing)
	started := time.Now()
	if err := conn.SetReadDeadline(started.Add(e.cfg.CaptureTimeout)); err != nil {
		return false, err
	}

	msg, outcome, midLine, err := e.collect(r, appendLine(make([]byte, 0, readBufferSize), startLine))
	if err != nil {
		e.finishCapture(captureAborted, started, len(msg))
		return false, err
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return false, err
	}
	e.setState(StateConnected)
	e.finishCapture(outcome, started, len(msg))
	if outcome == captureRelayed {
		e.forward(msg)
	}
	return midLine, nil
}

func (e *Endpoint) collect(r *bufio.Reader, msg []byte) ([]byte, string, bool, error) {
	for {
		line, err := session.ReadLine(r, e.cfg.MaxLineBytes)
		switch {
		case err == nil:
		case errors.Is(err, session.ErrLineTooLong):
			return msg, captureOversize, false, nil
		case errors.Is(err, os.ErrDeadlineExceeded):
			return msg, captureTimeout, len(line) > 0, nil
		default:
			return msg, captureAborted, false, err
		}
		if len(msg)+len(line)+1 > e.cfg.MaxMessageBytes {
			return msg, captureOversize, false, nil
		}
		msg = appendLine(msg, line)
		if e.isEnd(line) {
			return msg, captureRelayed, false, nil
		}
	}
}

func (e *Endpoint) finishCapture(outcome string, started time.Time, size int) {
	switch outcome {
	case captureRelayed:
		e.relayed.Add(1)
	case captureTimeout:
		e.timeouts.Add(1)
	case captureOversize:
		e.oversize.Add(1)
	case captureAborted:
		e.aborted.Add(1)
	}
	observability.RecordCapture(e.name, outcome)

	ev := e.logger.Info()
	if outcome != captureRelayed {
		ev = e.logger.Warn()
	}
	ev.Str("result", outcome).Int("bytes", size).Dur("elapsed", time.Since(started)).Msg("capture finished")
}

func (e *Endpoint) forward(msg []byte) {
	e.peerMu.RLock()
	peer := e.peer
	e.peerMu.RUnlock()
	if peer == nil {
		e.logger.Warn().Int("bytes", len(msg)).Msg("no counterpart; message dropped")
		return
	}
	peer.Send(msg)
}

func (e *Endpoint) isStart(line []byte) bool {
	return bytes.Equal(bytes.TrimSpace(line), e.start)
}

func (e *Endpoint) isEnd(line []byte) bool {
	return bytes.Equal(bytes.TrimSpace(line), e.end)
}

func (e *Endpoint) isClosed() bool {
	select {
	case <-e.closed:
		return true
	default:
		return false
	}
}

// setState moves to s unless the endpoint is closed.
func (e *Endpoint) setState(s State) {
	for {
		cur := e.state.Load()
		if State(cur) == StateClosed || State(cur) == s {
			return
		}
		if e.state.CompareAndSwap(cur, int32(s)) {
			e.logger.Debug().Str("from", State(cur).String()).Str("to", s.String()).Msg("state")
			return
		}
	}
}

func (e *Endpoint) logConnError(msg string, err error) {
	if err == nil || isExpectedClose(err) {
		e.logger.Info().AnErr("cause", err).Msg(msg)
		return
	}
	e.logger.Warn().Err(err).Msg(msg)
}

func appendLine(dst, line []byte) []byte {
	dst = append(dst, line...)
	return append(dst, '\n')
}
