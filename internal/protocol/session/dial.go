package session

import (
	"context"
	"crypto/tls"
	"net"
	"time"
)

const defaultDialTimeout = 5 * time.Second

// Listen opens a TCP listener on addr, wrapped in TLS when enabled.
func (c Config) Listen(addr string) (net.Listener, error) {
	if err := c.ValidateServerTransport(); err != nil {
		return nil, err
	}
	tlsCfg, err := c.ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		return tls.NewListener(ln, tlsCfg), nil
	}
	return ln, nil
}

// Dial connects to a relay endpoint, completing the TLS handshake when
// enabled.
func (c Config) Dial(ctx context.Context, addr string) (net.Conn, error) {
	if err := c.ValidateClientTransport(); err != nil {
		return nil, err
	}
	tlsCfg, err := c.ClientTLSConfig(addr)
	if err != nil {
		return nil, err
	}
	dialer := net.Dialer{Timeout: defaultDialTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tlsCfg == nil {
		return rawConn, nil
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}
