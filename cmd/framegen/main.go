// framegen writes synthetic telemetry frames, optionally mixed with line
// noise and corrupted checksums, for exercising downlinkd without a vehicle:
//
//	framegen --count 100 --noise 0.2 | downlinkd --device -
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/danmuck/dronecomms/internal/logging"
	"github.com/danmuck/dronecomms/internal/protocol/frame"
	"github.com/danmuck/dronecomms/internal/protocol/telemetry"
	"github.com/danmuck/dronecomms/internal/serial"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "framegen: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	output   string
	baud     int
	count    int
	interval time.Duration
	noise    float64
	corrupt  float64
	seed     int64
}

func run(args []string) error {
	var opts options
	fs := pflag.NewFlagSet("framegen", pflag.ContinueOnError)
	fs.StringVarP(&opts.output, "output", "o", "-", "destination: \"-\" for stdout, a /dev path for a serial line, or a file")
	fs.IntVar(&opts.baud, "baud", 115200, "baud rate when output is a serial device")
	fs.IntVarP(&opts.count, "count", "n", 0, "frames to write, 0 for unlimited")
	fs.DurationVar(&opts.interval, "interval", 100*time.Millisecond, "delay between frames")
	fs.Float64Var(&opts.noise, "noise", 0, "probability of line noise before a frame")
	fs.Float64Var(&opts.corrupt, "corrupt", 0, "probability of a corrupted checksum")
	fs.Int64Var(&opts.seed, "seed", time.Now().UnixNano(), "random seed")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	logging.ConfigureRuntime()

	out, err := openOutput(opts)
	if err != nil {
		return err
	}
	defer out.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gen := newGenerator(opts.seed)
	var ticker *time.Ticker
	if opts.interval > 0 {
		ticker = time.NewTicker(opts.interval)
		defer ticker.Stop()
	}
	written := 0
	for opts.count == 0 || written < opts.count {
		if err := gen.write(out, gen.rng.Float64() < opts.noise, gen.rng.Float64() < opts.corrupt); err != nil {
			return err
		}
		written++
		if ticker == nil {
			continue
		}
		select {
		case <-ctx.Done():
			log.Info().Int("frames", written).Msg("stopped")
			return nil
		case <-ticker.C:
		}
	}
	log.Info().Int("frames", written).Msg("done")
	return nil
}

func openOutput(opts options) (io.WriteCloser, error) {
	switch {
	case opts.output == "-":
		return nopCloser{os.Stdout}, nil
	case strings.HasPrefix(opts.output, "/dev/"):
		cfg := serial.DefaultConfig(opts.output)
		cfg.BaudRate = opts.baud
		return serial.Open(cfg)
	default:
		return os.Create(opts.output)
	}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// generator produces a plausible flight: a slow orbit with a draining
// battery.
type generator struct {
	rng  *rand.Rand
	tick uint32
}

func newGenerator(seed int64) *generator {
	return &generator{rng: rand.New(rand.NewSource(seed))}
}

func (g *generator) next() telemetry.Message {
	g.tick++
	phase := float64(g.tick) / 50
	return telemetry.Message{
		TimestampMS: g.tick * 100,
		Mode:        telemetry.FlightMode(g.tick / 100 % 4),
		Attitude: &telemetry.Attitude{
			Pitch:   float32(5 * math.Sin(phase)),
			Roll:    float32(10 * math.Cos(phase)),
			Heading: float32(g.tick*36%3600) / 10,
			Speed:   float32(12 + g.rng.Float64()),
		},
		Position: &telemetry.Position{
			Latitude:  48.1374 + 0.001*math.Sin(phase),
			Longitude: 11.5755 + 0.001*math.Cos(phase),
			Altitude:  float32(120 + 5*math.Sin(phase/3)),
		},
		Battery: &telemetry.Battery{
			Voltage: float32(12.6 - 0.0005*float64(g.tick)),
			Current: float32(8 + g.rng.Float64()),
		},
		Command: &telemetry.Command{
			Yaw:    uint8(g.rng.Intn(256)),
			Pitch:  128,
			Thrust: 180,
		},
	}
}

// write emits one frame, preceded by random bytes when noise is set and
// with a flipped checksum when corrupt is set.
func (g *generator) write(w io.Writer, noise, corrupt bool) error {
	payload, err := telemetry.Encode(g.next())
	if err != nil {
		return err
	}
	var buf []byte
	if noise {
		junk := make([]byte, 1+g.rng.Intn(16))
		g.rng.Read(junk)
		buf = append(buf, junk...)
		// A false marker start exercises resynchronisation.
		buf = append(buf, frame.Marker[:1+g.rng.Intn(frame.MarkerLen-1)]...)
	}
	buf, err = frame.AppendFrame(buf, payload)
	if err != nil {
		return err
	}
	if corrupt {
		buf[len(buf)-1] ^= 1 << uint(g.rng.Intn(8))
	}
	_, err = w.Write(buf)
	return err
}
