package fanout

import (
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/danmuck/dronecomms/internal/logging"
	"github.com/danmuck/dronecomms/internal/observability"
	"github.com/danmuck/dronecomms/internal/protocol/telemetry"
)

// Sink consumes decoded messages. Deliver is fire-and-forget: sinks report
// their own failures.
type Sink interface {
	Deliver(msg telemetry.Message)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(msg telemetry.Message)

func (f SinkFunc) Deliver(msg telemetry.Message) {
	f(msg)
}

// Named sinks are labelled by name in logs and metrics.
type Named interface {
	Name() string
}

type entry struct {
	name string
	sink Sink
}

// Fanout delivers each message to its sinks in registration order.
type Fanout struct {
	mu     sync.RWMutex
	sinks  []entry
	logger zerolog.Logger
}

func New(sinks ...Sink) *Fanout {
	f := &Fanout{logger: logging.Component("fanout")}
	for _, s := range sinks {
		f.Add(s)
	}
	return f
}

// Add appends a sink. Nil sinks are ignored.
func (f *Fanout) Add(s Sink) {
	if s == nil {
		return
	}
	name := fmt.Sprintf("sink%d", f.Len())
	if n, ok := s.(Named); ok {
		name = n.Name()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, entry{name: name, sink: s})
}

func (f *Fanout) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.sinks)
}

// Deliver hands msg to every sink. A panicking sink is logged and skipped so
// it cannot take down the stream reader.
func (f *Fanout) Deliver(msg telemetry.Message) {
	f.mu.RLock()
	sinks := f.sinks
	f.mu.RUnlock()
	for _, e := range sinks {
		ok := f.deliverOne(e, msg)
		observability.RecordDelivery(e.name, ok)
	}
}

func (f *Fanout) deliverOne(e entry, msg telemetry.Message) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error().Str("sink", e.name).Interface("panic", r).Msg("sink panicked")
			ok = false
		}
	}()
	e.sink.Deliver(msg)
	return true
}

// Flusher is implemented by sinks that buffer output.
type Flusher interface {
	Flush() error
}

// Flush flushes every sink implementing Flusher and returns all failures.
func (f *Fanout) Flush() error {
	f.mu.RLock()
	sinks := f.sinks
	f.mu.RUnlock()

	var result *multierror.Error
	for _, e := range sinks {
		fl, ok := e.sink.(Flusher)
		if !ok {
			continue
		}
		if err := fl.Flush(); err != nil {
			result = multierror.Append(result, fmt.Errorf("flush %s: %w", e.name, err))
		}
	}
	return result.ErrorOrNil()
}

// Close closes every sink implementing io.Closer and returns all failures.
func (f *Fanout) Close() error {
	f.mu.Lock()
	sinks := f.sinks
	f.sinks = nil
	f.mu.Unlock()

	var result *multierror.Error
	for _, e := range sinks {
		c, ok := e.sink.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", e.name, err))
		}
	}
	return result.ErrorOrNil()
}
