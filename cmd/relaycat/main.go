// relaycat connects to one tcprelay endpoint, writes stdin to it and prints
// whatever the relay forwards back.
//
//	relaycat --addr 127.0.0.1:7001 --wrap < message.txt
package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/danmuck/dronecomms/internal/logging"
	"github.com/danmuck/dronecomms/internal/protocol/session"
	"github.com/danmuck/dronecomms/internal/relay"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "relaycat: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	addr    string
	wrap    bool
	linger  time.Duration
	session session.Config
}

func parseFlags(args []string) (options, error) {
	opts := options{session: session.DefaultConfig()}
	tlsCfg := &opts.session.TLS
	fs := pflag.NewFlagSet("relaycat", pflag.ContinueOnError)
	fs.StringVarP(&opts.addr, "addr", "a", "127.0.0.1:7001", "relay endpoint address")
	fs.BoolVarP(&opts.wrap, "wrap", "w", false, "wrap stdin in the default message sentinels")
	fs.DurationVar(&opts.linger, "linger", 0, "keep reading this long after stdin ends, 0 to exit at once")
	fs.BoolVar(&tlsCfg.Enabled, "tls", false, "connect with TLS")
	fs.StringVar(&tlsCfg.CAFile, "ca", "", "CA bundle for verifying the relay")
	fs.StringVar(&tlsCfg.CertFile, "cert", "", "client certificate for mutual TLS")
	fs.StringVar(&tlsCfg.KeyFile, "key", "", "client key for mutual TLS")
	fs.StringVar(&tlsCfg.ServerName, "server-name", "", "override the TLS server name")
	fs.BoolVar(&tlsCfg.InsecureSkipVerify, "insecure", false, "skip relay certificate verification")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	return opts, nil
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	logging.ConfigureRuntime()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := opts.session.Dial(ctx, opts.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", opts.addr, err)
	}
	log.Info().Str("addr", opts.addr).Bool("tls", opts.session.TLS.Enabled).Msg("connected")

	in := stdin
	if opts.wrap {
		body, err := io.ReadAll(stdin)
		if err != nil {
			_ = conn.Close()
			return err
		}
		in = bytes.NewReader(wrapMessage(body))
	}
	return pipe(ctx, conn, in, stdout, opts.linger)
}

// wrapMessage brackets body with the default relay sentinels, one per line.
func wrapMessage(body []byte) []byte {
	out := make([]byte, 0, len(body)+len(relay.DefaultStartSentinel)+len(relay.DefaultEndSentinel)+3)
	out = append(out, relay.DefaultStartSentinel...)
	out = append(out, '\n')
	out = append(out, body...)
	if len(body) > 0 && body[len(body)-1] != '\n' {
		out = append(out, '\n')
	}
	out = append(out, relay.DefaultEndSentinel...)
	return append(out, '\n')
}

// pipe copies in to conn and conn to out. It returns when the relay closes
// the connection, ctx ends, or linger elapses after in is exhausted. conn is
// always closed on return.
func pipe(ctx context.Context, conn net.Conn, in io.Reader, out io.Writer, linger time.Duration) error {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	recvDone := make(chan error, 1)
	go func() {
		_, err := io.Copy(out, conn)
		recvDone <- err
	}()

	sendDone := make(chan error, 1)
	go func() {
		_, err := io.Copy(conn, in)
		sendDone <- err
	}()

	select {
	case err := <-recvDone:
		return quiet(ctx, err)
	case err := <-sendDone:
		if err != nil {
			return quiet(ctx, err)
		}
	}

	if linger <= 0 {
		return nil
	}
	timer := time.NewTimer(linger)
	defer timer.Stop()
	select {
	case err := <-recvDone:
		return quiet(ctx, err)
	case <-timer.C:
		return nil
	}
}

// quiet hides the close error produced by an interrupt.
func quiet(ctx context.Context, err error) error {
	if err == nil || ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
