// downlinkd reads checksummed telemetry frames from a serial link, decodes
// them and fans each message out to the configured sinks. A serial read
// failure is fatal: the process exits non-zero and is left to its
// supervisor to restart.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/danmuck/dronecomms/internal/admin"
	"github.com/danmuck/dronecomms/internal/auth"
	"github.com/danmuck/dronecomms/internal/config"
	"github.com/danmuck/dronecomms/internal/downlink"
	"github.com/danmuck/dronecomms/internal/fanout"
	"github.com/danmuck/dronecomms/internal/observability"
	"github.com/danmuck/dronecomms/internal/serial"
)

const flushInterval = time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "downlinkd: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	device     string
	adminAddr  string
	validate   bool
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("downlinkd", pflag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", "", "path to downlinkd TOML config (defaults apply when empty)")
	fs.StringVar(&opts.device, "device", "", "serial device, overrides serial_device; \"-\" reads frames from stdin")
	fs.StringVar(&opts.adminAddr, "admin", "", "admin HTTP listen address, overrides admin_listen_addr")
	fs.BoolVar(&opts.validate, "validate", false, "validate the configuration and exit")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	return opts, nil
}

func loadConfig(opts options) (config.DownlinkConfig, error) {
	cfg := config.DefaultDownlinkConfig()
	if opts.configPath != "" {
		loaded, err := config.LoadDownlinkConfig(opts.configPath)
		if err != nil {
			return config.DownlinkConfig{}, err
		}
		cfg = loaded
	}
	if opts.device != "" {
		cfg.Serial.Device = opts.device
	}
	if opts.adminAddr != "" {
		cfg.AdminListenAddr = opts.adminAddr
	}
	return cfg, cfg.Validate()
}

func run(args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	logger := observability.InitLogger("downlinkd")

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if opts.validate {
		logger.Info().Str("serial", cfg.Serial.String()).Msg("configuration valid")
		return nil
	}

	sinks, err := buildSinks(cfg.Sinks)
	if err != nil {
		return err
	}
	receiver := downlink.NewReceiver(nil, sinks...)

	src, err := openSource(cfg.Serial)
	if err != nil {
		return multierror.Append(err, receiver.Close()).ErrorOrNil()
	}
	defer src.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	adminErr := make(chan error, 1)
	if cfg.AdminListenAddr != "" {
		srv := admin.NewServer("downlinkd")
		if cfg.AdminToken != "" {
			srv.RequireToken(auth.StaticToken{Token: cfg.AdminToken})
		}
		srv.Register(admin.StatusFunc("downlink", func() any { return receiver.Stats() }))
		go func() { adminErr <- srv.Serve(ctx, cfg.AdminListenAddr) }()
	}

	go flushEvery(ctx, receiver, flushInterval, logger)

	runErr := make(chan error, 1)
	go func() { runErr <- receiver.Run(ctx, src) }()

	var result *multierror.Error
	select {
	case err := <-runErr:
		result = multierror.Append(result, err)
	case err := <-adminErr:
		result = multierror.Append(result, err)
		stop()
		result = multierror.Append(result, <-runErr)
	}
	stop()
	if err := receiver.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close sinks: %w", err))
	}

	stats := receiver.Stats()
	logger.Info().
		Uint64("frames", stats.Frames).
		Uint64("checksum_failures", stats.ChecksumFailures).
		Uint64("decode_errors", stats.DecodeErrors).
		Msg("downlink stopped")
	return result.ErrorOrNil()
}

// flushEvery bounds how much buffered sink output an unclean exit can lose.
func flushEvery(ctx context.Context, f flusher, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.Flush(); err != nil {
				logger.Warn().Err(err).Msg("flush sinks")
			}
		}
	}
}

type flusher interface {
	Flush() error
}

func openSource(cfg serial.Config) (io.ReadCloser, error) {
	if cfg.Device == "-" {
		return os.Stdin, nil
	}
	return serial.Open(cfg)
}

// buildSinks returns the configured sinks in delivery order: log, file, udp.
func buildSinks(cfg config.SinkConfig) ([]fanout.Sink, error) {
	var sinks []fanout.Sink
	if cfg.Log {
		sinks = append(sinks, fanout.NewLogSink())
	}
	if cfg.FilePath != "" {
		fs, err := fanout.NewFileSink(fanout.FileSinkConfig{Path: cfg.FilePath, Compress: cfg.FileCompress})
		if err != nil {
			return nil, closeAll(sinks, err)
		}
		sinks = append(sinks, fs)
	}
	if cfg.UDPAddr != "" {
		us, err := fanout.NewUDPSink(cfg.UDPAddr)
		if err != nil {
			return nil, closeAll(sinks, err)
		}
		sinks = append(sinks, us)
	}
	return sinks, nil
}

func closeAll(sinks []fanout.Sink, cause error) error {
	return multierror.Append(cause, fanout.New(sinks...).Close()).ErrorOrNil()
}
