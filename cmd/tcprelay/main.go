// tcprelay runs a pair of line relay endpoints. A sentinel-bounded message
// captured on one endpoint is written to whatever peer is connected to the
// other. Connection faults are healed by waiting for the next peer; only a
// listen failure or a signal ends the process.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/pflag"

	"github.com/danmuck/dronecomms/internal/admin"
	"github.com/danmuck/dronecomms/internal/auth"
	"github.com/danmuck/dronecomms/internal/config"
	"github.com/danmuck/dronecomms/internal/observability"
	"github.com/danmuck/dronecomms/internal/relay"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "tcprelay: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	addrA      string
	addrB      string
	adminAddr  string
	validate   bool
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("tcprelay", pflag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", "", "path to tcprelay TOML config (defaults apply when empty)")
	fs.StringVar(&opts.addrA, "listen-a", "", "endpoint A listen address, overrides endpoint_a_addr")
	fs.StringVar(&opts.addrB, "listen-b", "", "endpoint B listen address, overrides endpoint_b_addr")
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

func loadConfig(opts options) (config.RelayConfig, error) {
	cfg := config.DefaultRelayConfig()
	if opts.configPath != "" {
		loaded, err := config.LoadRelayConfig(opts.configPath)
		if err != nil {
			return config.RelayConfig{}, err
		}
		cfg = loaded
	}
	if opts.addrA != "" {
		cfg.A.ListenAddr = opts.addrA
	}
	if opts.addrB != "" {
		cfg.B.ListenAddr = opts.addrB
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
	logger := observability.InitLogger("tcprelay")

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if opts.validate {
		logger.Info().Str("a", cfg.A.ListenAddr).Str("b", cfg.B.ListenAddr).Msg("configuration valid")
		return nil
	}

	pair, err := newPair(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	adminErr := make(chan error, 1)
	if cfg.AdminListenAddr != "" {
		srv := admin.NewServer("tcprelay")
		if cfg.AdminToken != "" {
			srv.RequireToken(auth.StaticToken{Token: cfg.AdminToken})
		}
		a, b := pair.Endpoints()
		for _, ep := range []*relay.Endpoint{a, b} {
			ep := ep
			srv.Register(admin.StatusFunc("relay."+ep.Name(), func() any { return ep.Status() }))
		}
		go func() { adminErr <- srv.Serve(ctx, cfg.AdminListenAddr) }()
	}

	runErr := make(chan error, 1)
	go func() { runErr <- pair.Run(ctx) }()

	var result *multierror.Error
	select {
	case err := <-runErr:
		result = multierror.Append(result, err)
	case err := <-adminErr:
		result = multierror.Append(result, err)
		stop()
		result = multierror.Append(result, <-runErr)
	}
	for _, st := range pair.Status() {
		logger.Info().
			Str("endpoint", st.Name).
			Uint64("relayed", st.Relayed).
			Uint64("timeouts", st.Timeouts).
			Uint64("reconnects", st.Reconnects).
			Uint64("dropped", st.Dropped).
			Msg("endpoint stopped")
	}
	return result.ErrorOrNil()
}

func newPair(cfg config.RelayConfig) (*relay.Pair, error) {
	a, err := relay.NewEndpoint(cfg.A)
	if err != nil {
		return nil, err
	}
	b, err := relay.NewEndpoint(cfg.B)
	if err != nil {
		return nil, multierror.Append(err, a.Close()).ErrorOrNil()
	}
	return relay.NewPair(a, b), nil
}
