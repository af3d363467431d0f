package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Pair wires two endpoints so each forwards completed captures to the other.
// Neither endpoint owns the other; the pair owns both.
type Pair struct {
	a *Endpoint
	b *Endpoint
}

func NewPair(a, b *Endpoint) *Pair {
	a.SetCounterpart(b)
	b.SetCounterpart(a)
	return &Pair{a: a, b: b}
}

func (p *Pair) Endpoints() (*Endpoint, *Endpoint) {
	return p.a, p.b
}

// Run runs both endpoints until ctx is cancelled. When either endpoint stops
// the other is stopped too, and their errors are returned together.
func (p *Pair) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result *multierror.Error
	)
	for _, ep := range []*Endpoint{p.a, p.b} {
		ep := ep
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer cancel()
			if err := ep.Run(ctx); err != nil {
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("%s: %w", ep.Name(), err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return result.ErrorOrNil()
}

func (p *Pair) Close() error {
	var result *multierror.Error
	for _, ep := range []*Endpoint{p.a, p.b} {
		if err := ep.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", ep.Name(), err))
		}
	}
	return result.ErrorOrNil()
}

func (p *Pair) Status() []Status {
	return []Status{p.a.Status(), p.b.Status()}
}
