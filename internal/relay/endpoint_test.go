package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/dronecomms/internal/protocol/session"
	"github.com/danmuck/dronecomms/internal/testutil/testlog"
	"github.com/danmuck/dronecomms/internal/testutil/tlstest"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond

	signedMessage = "-----BEGIN MESSAGE-----\nhello\n\nworld\n-----END SIGNATURE-----\n"
)

type recorder struct {
	ch chan []byte
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan []byte, 16)}
}

func (r *recorder) Send(msg []byte) {
	r.ch <- append([]byte(nil), msg...)
}

func (r *recorder) next(t *testing.T) string {
	t.Helper()
	select {
	case msg := <-r.ch:
		return string(msg)
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for relayed message")
		return ""
	}
}

func (r *recorder) none(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case msg := <-r.ch:
		t.Fatalf("unexpected relayed message: %q", msg)
	case <-time.After(d):
	}
}

func runEndpoint(t *testing.T, ep *Endpoint) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ep.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(waitFor):
			t.Errorf("endpoint %s did not stop", ep.Name())
		}
	})
}

func startEndpoint(t *testing.T, opts Options) *Endpoint {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ep, err := NewEndpointWithListener(opts, ln)
	require.NoError(t, err)
	runEndpoint(t, ep)
	return ep
}

func connect(t *testing.T, ep *Endpoint) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", ep.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	waitConnected(t, ep, conn)
	return conn
}

func waitConnected(t *testing.T, ep *Endpoint, conn net.Conn) {
	t.Helper()
	require.Eventually(t, func() bool {
		return ep.Status().Remote == conn.LocalAddr().String()
	}, waitFor, tick)
}

func write(t *testing.T, conn net.Conn, s string) {
	t.Helper()
	_, err := io.WriteString(conn, s)
	require.NoError(t, err)
}

func readN(t *testing.T, conn net.Conn, n int) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	buf := make([]byte, n)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	return string(buf)
}

func TestCaptureRelaysStartThroughEnd(t *testing.T) {
	testlog.Start(t)
	rec := newRecorder()
	ep := startEndpoint(t, Options{Name: "a"})
	ep.SetCounterpart(rec)
	conn := connect(t, ep)

	write(t, conn, "chatter before\n"+signedMessage+"chatter after\n")
	assert.Equal(t, signedMessage, rec.next(t))
	rec.none(t, 50*time.Millisecond)

	st := ep.Status()
	assert.Equal(t, uint64(1), st.Relayed)
	assert.Equal(t, StateConnected.String(), st.State)
}

func TestCaptureKeepsOrderAcrossMessages(t *testing.T) {
	testlog.Start(t)
	rec := newRecorder()
	ep := startEndpoint(t, Options{Name: "a"})
	ep.SetCounterpart(rec)
	conn := connect(t, ep)

	var all strings.Builder
	for _, body := range []string{"one", "two", "three"} {
		all.WriteString("-----BEGIN MESSAGE-----\n" + body + "\n-----END SIGNATURE-----\n")
	}
	write(t, conn, all.String())
	for _, body := range []string{"one", "two", "three"} {
		assert.Contains(t, rec.next(t), "\n"+body+"\n")
	}
}

func TestSentinelsMatchTrimmedLine(t *testing.T) {
	testlog.Start(t)
	rec := newRecorder()
	ep := startEndpoint(t, Options{Name: "a"})
	ep.SetCounterpart(rec)
	conn := connect(t, ep)

	msg := "  -----BEGIN MESSAGE-----\r\nbody\r\n-----END SIGNATURE-----  \r\n"
	write(t, conn, msg)
	assert.Equal(t, msg, rec.next(t))
}

func TestCustomSentinels(t *testing.T) {
	testlog.Start(t)
	rec := newRecorder()
	ep := startEndpoint(t, Options{Name: "a", StartSentinel: "BEGIN", EndSentinel: "END"})
	ep.SetCounterpart(rec)
	conn := connect(t, ep)

	write(t, conn, signedMessage+"BEGIN\nx\nEND\n")
	assert.Equal(t, "BEGIN\nx\nEND\n", rec.next(t))
}

func TestCaptureTimeoutDropsPartialAndKeepsConnection(t *testing.T) {
	testlog.Start(t)
	rec := newRecorder()
	cfg := session.DefaultConfig()
	cfg.CaptureTimeout = 150 * time.Millisecond
	ep := startEndpoint(t, Options{Name: "a", Session: cfg})
	ep.SetCounterpart(rec)
	conn := connect(t, ep)

	write(t, conn, "-----BEGIN MESSAGE-----\npartial body\n")
	require.Eventually(t, func() bool { return ep.Status().Timeouts == 1 }, waitFor, tick)
	assert.Equal(t, StateConnected, ep.State())
	rec.none(t, 20*time.Millisecond)

	write(t, conn, signedMessage)
	assert.Equal(t, signedMessage, rec.next(t))
	st := ep.Status()
	assert.Equal(t, uint64(0), st.Reconnects)
	assert.Equal(t, uint64(1), st.Relayed)
}

func TestCaptureTimeoutMidLineDropsLineTail(t *testing.T) {
	testlog.Start(t)
	rec := newRecorder()
	cfg := session.DefaultConfig()
	cfg.CaptureTimeout = 150 * time.Millisecond
	ep := startEndpoint(t, Options{Name: "a", Session: cfg})
	ep.SetCounterpart(rec)
	conn := connect(t, ep)

	write(t, conn, "-----BEGIN MESSAGE-----\nunterminated ")
	require.Eventually(t, func() bool { return ep.Status().Timeouts == 1 }, waitFor, tick)

	// The rest of the cut line reads as a start sentinel on its own.
	write(t, conn, "-----BEGIN MESSAGE-----\nbody\n-----END SIGNATURE-----\n")
	rec.none(t, 100*time.Millisecond)

	write(t, conn, signedMessage)
	assert.Equal(t, signedMessage, rec.next(t))
	assert.Equal(t, uint64(1), ep.Status().Relayed)
}

func TestOversizeCaptureIsAbandoned(t *testing.T) {
	testlog.Start(t)
	rec := newRecorder()
	cfg := session.DefaultConfig()
	cfg.MaxMessageBytes = 64
	ep := startEndpoint(t, Options{Name: "a", Session: cfg})
	ep.SetCounterpart(rec)
	conn := connect(t, ep)

	write(t, conn, "-----BEGIN MESSAGE-----\n"+strings.Repeat("y", 80)+"\n-----END SIGNATURE-----\n")
	require.Eventually(t, func() bool { return ep.Status().Oversize == 1 }, waitFor, tick)
	rec.none(t, 20*time.Millisecond)

	write(t, conn, "-----BEGIN MESSAGE-----\nok\n-----END SIGNATURE-----\n")
	assert.Equal(t, "-----BEGIN MESSAGE-----\nok\n-----END SIGNATURE-----\n", rec.next(t))
}

func TestDropMidCaptureDiscardsAndReconnects(t *testing.T) {
	testlog.Start(t)
	rec := newRecorder()
	ep := startEndpoint(t, Options{Name: "a"})
	ep.SetCounterpart(rec)
	first := connect(t, ep)

	write(t, first, "-----BEGIN MESSAGE-----\nhalf\n")
	require.Eventually(t, func() bool { return ep.State() == StateCapturing }, waitFor, tick)
	require.NoError(t, first.Close())

	require.Eventually(t, func() bool {
		st := ep.Status()
		return st.Aborted == 1 && st.Reconnects == 1
	}, waitFor, tick)
	rec.none(t, 20*time.Millisecond)

	second := connect(t, ep)
	write(t, second, signedMessage)
	assert.Equal(t, signedMessage, rec.next(t))
}

func TestReconnectAfterDrop(t *testing.T) {
	testlog.Start(t)
	rec := newRecorder()
	ep := startEndpoint(t, Options{Name: "a"})
	ep.SetCounterpart(rec)

	for i := 0; i < 3; i++ {
		conn := connect(t, ep)
		write(t, conn, signedMessage)
		assert.Equal(t, signedMessage, rec.next(t))
		require.NoError(t, conn.Close())
		want := uint64(i + 1)
		require.Eventually(t, func() bool { return ep.Status().Reconnects == want }, waitFor, tick)
	}
}

func TestSendWithoutConnectionIsDropped(t *testing.T) {
	testlog.Start(t)
	ep := startEndpoint(t, Options{Name: "idle"})

	done := make(chan struct{})
	go func() {
		ep.Send([]byte(signedMessage))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("send blocked without a connection")
	}
	st := ep.Status()
	assert.Equal(t, uint64(1), st.Dropped)
	assert.Equal(t, StateListening.String(), st.State)
}

func TestSendWritesToConnection(t *testing.T) {
	testlog.Start(t)
	ep := startEndpoint(t, Options{Name: "b"})
	conn := connect(t, ep)

	ep.Send([]byte(signedMessage))
	assert.Equal(t, signedMessage, readN(t, conn, len(signedMessage)))
	assert.Equal(t, uint64(1), ep.Status().Sent)
}

func TestPairRelaysBothDirections(t *testing.T) {
	testlog.Start(t)
	lnA, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	lnB, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	a, err := NewEndpointWithListener(Options{Name: "a"}, lnA)
	require.NoError(t, err)
	b, err := NewEndpointWithListener(Options{Name: "b"}, lnB)
	require.NoError(t, err)
	pair := NewPair(a, b)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pair.Run(ctx) }()

	connA := connect(t, a)
	connB := connect(t, b)

	write(t, connA, signedMessage)
	assert.Equal(t, signedMessage, readN(t, connB, len(signedMessage)))

	reply := "-----BEGIN MESSAGE-----\nack\n-----END SIGNATURE-----\n"
	write(t, connB, reply)
	assert.Equal(t, reply, readN(t, connA, len(reply)))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatalf("pair did not stop")
	}
	assert.Equal(t, StateClosed, a.State())
	assert.Equal(t, StateClosed, b.State())
	require.NoError(t, pair.Close())
}

func TestPairDropsWhenCounterpartDisconnected(t *testing.T) {
	testlog.Start(t)
	a := startEndpoint(t, Options{Name: "a"})
	b := startEndpoint(t, Options{Name: "b"})
	NewPair(a, b)

	connA := connect(t, a)
	write(t, connA, signedMessage)
	require.Eventually(t, func() bool { return b.Status().Dropped == 1 }, waitFor, tick)
	assert.Equal(t, uint64(1), a.Status().Relayed)
}

// pipeListener hands out prepared in-memory connections.
type pipeListener struct {
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
	fails atomic.Int32
}

func newPipeListener(fails int32) *pipeListener {
	l := &pipeListener{conns: make(chan net.Conn, 4), done: make(chan struct{})}
	l.fails.Store(fails)
	return l
}

func (l *pipeListener) Accept() (net.Conn, error) {
	if l.fails.Add(-1) >= 0 {
		return nil, errors.New("accept: too many open files")
	}
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *pipeListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *pipeListener) Addr() net.Addr { return pipeAddr{} }

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }

type failingWriteConn struct {
	net.Conn
}

func (failingWriteConn) Write([]byte) (int, error) {
	return 0, errors.New("write: broken link")
}

func fastBackoff() session.Config {
	cfg := session.DefaultConfig()
	cfg.AcceptBackoff = session.BackoffConfig{InitialDelay: 5 * time.Millisecond, Multiplier: 1, MaxDelay: 5 * time.Millisecond}
	return cfg
}

func TestAcceptErrorsAreRetried(t *testing.T) {
	testlog.Start(t)
	ln := newPipeListener(3)
	ep, err := NewEndpointWithListener(Options{Name: "pipe", Session: fastBackoff()}, ln)
	require.NoError(t, err)
	runEndpoint(t, ep)

	server, client := net.Pipe()
	defer client.Close()
	ln.conns <- server
	require.Eventually(t, func() bool { return ep.State() == StateConnected }, waitFor, tick)
}

func TestSendFailureReconnectsOwnEndpoint(t *testing.T) {
	testlog.Start(t)
	ln := newPipeListener(0)
	ep, err := NewEndpointWithListener(Options{Name: "pipe", Session: fastBackoff()}, ln)
	require.NoError(t, err)
	runEndpoint(t, ep)

	server, client := net.Pipe()
	defer client.Close()
	ln.conns <- failingWriteConn{Conn: server}
	require.Eventually(t, func() bool { return ep.State() == StateConnected }, waitFor, tick)

	ep.Send([]byte(signedMessage))
	require.Eventually(t, func() bool {
		st := ep.Status()
		return st.SendFailures == 1 && st.Reconnects == 1
	}, waitFor, tick)
	assert.Equal(t, StateReconnecting, ep.State())

	ep.Send([]byte(signedMessage))
	assert.Equal(t, uint64(1), ep.Status().Dropped)

	server2, client2 := net.Pipe()
	defer client2.Close()
	ln.conns <- server2
	require.Eventually(t, func() bool { return ep.State() == StateConnected }, waitFor, tick)
}

func TestStatusReportsRemoteDuringBlockedSend(t *testing.T) {
	testlog.Start(t)
	ln := newPipeListener(0)
	ep, err := NewEndpointWithListener(Options{Name: "pipe", Session: fastBackoff()}, ln)
	require.NoError(t, err)
	runEndpoint(t, ep)

	server, client := net.Pipe()
	defer client.Close()
	ln.conns <- server
	require.Eventually(t, func() bool { return ep.Status().Remote == "pipe" }, waitFor, tick)

	sent := make(chan struct{})
	go func() {
		ep.Send([]byte("held\n"))
		close(sent)
	}()
	require.Eventually(t, func() bool {
		if ep.mu.TryLock() {
			ep.mu.Unlock()
			return false
		}
		return true
	}, waitFor, tick)
	assert.Equal(t, "pipe", ep.Status().Remote)

	buf := make([]byte, len("held\n"))
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err)
	<-sent
	assert.Equal(t, uint64(1), ep.Status().Sent)
}

func TestRunReturnsOnCancel(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ep, err := NewEndpointWithListener(Options{Name: "a"}, ln)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ep.Run(ctx) }()
	conn := connect(t, ep)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatalf("run did not return after cancel")
	}
	assert.Equal(t, StateClosed, ep.State())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err, "held connection should be closed on shutdown")
	assert.NoError(t, ep.Close())
}

func TestNewEndpointRequiresAddress(t *testing.T) {
	testlog.Start(t)
	_, err := NewEndpoint(Options{Name: "a"})
	assert.ErrorIs(t, err, ErrInvalidOptions)
	_, err = NewEndpointWithListener(Options{Name: "a"}, nil)
	assert.ErrorIs(t, err, ErrInvalidOptions)
}

func TestEndpointOverMutualTLS(t *testing.T) {
	testlog.Start(t)
	certs := tlstest.NewLoopback(t, "ground-station")

	serverCfg := session.DefaultConfig()
	serverCfg.SecurityMode = session.SecurityModeProduction
	serverCfg.TLS = session.TLSConfig{Enabled: true, Mutual: true, CertFile: certs.ServerCert, KeyFile: certs.ServerKey, CAFile: certs.CAFile}
	ep, err := NewEndpoint(Options{Name: "secure", ListenAddr: "127.0.0.1:0", Session: serverCfg})
	require.NoError(t, err)
	runEndpoint(t, ep)
	rec := newRecorder()
	ep.SetCounterpart(rec)

	clientCfg := session.DefaultConfig()
	clientCfg.SecurityMode = session.SecurityModeProduction
	clientCfg.TLS = session.TLSConfig{Enabled: true, Mutual: true, CertFile: certs.ClientCert, KeyFile: certs.ClientKey, CAFile: certs.CAFile}
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	conn, err := clientCfg.Dial(ctx, ep.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	write(t, conn, signedMessage)
	assert.Equal(t, signedMessage, rec.next(t))
}
