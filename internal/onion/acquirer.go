// Package onion polls the engine for the hidden-service address after a
// hidden-mode start. Publication through the overlay network takes an
// unpredictable amount of time, so the address is acquired asynchronously
// and surfaced through the event bus.
package onion

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/pocketmint-io/pocketmint/internal/eventbus"
)

// ErrTimeout indicates the address did not appear within the polling
// window. The engine may still publish later; callers decide whether to
// keep the mint running without a known address.
var ErrTimeout = errors.New("onion: address acquisition timed out")

// StatusFunc queries the current hidden-service address. An empty string
// with a nil error means publication is still pending.
type StatusFunc func(ctx context.Context) (string, error)

// Polling defaults: one probe every five seconds, sixty attempts, so the
// window closes after five minutes.
const (
	DefaultInterval      = 5 * time.Second
	DefaultMaxAttempts   = 60
	DefaultProgressEvery = 6
)

// Options configures an Acquirer.
type Options struct {
	// Status is the address probe. Required.
	Status StatusFunc

	// Interval is the delay between probes. Defaults to DefaultInterval.
	Interval time.Duration

	// MaxAttempts bounds the polling window. Defaults to
	// DefaultMaxAttempts.
	MaxAttempts int

	// ProgressEvery publishes a progress event after every Nth failed
	// attempt. Defaults to DefaultProgressEvery.
	ProgressEvery int

	// Bus receives address and progress events. Optional.
	Bus *eventbus.Bus

	// Logger defaults to the standard logger.
	Logger *log.Logger
}

// Acquirer polls for the hidden-service address of a single start
// generation. It holds no state between Acquire calls.
type Acquirer struct {
	status        StatusFunc
	interval      time.Duration
	maxAttempts   int
	progressEvery int
	bus           *eventbus.Bus
	logger        *log.Logger
}

// New validates opts and creates an acquirer.
func New(opts Options) (*Acquirer, error) {
	if opts.Status == nil {
		return nil, fmt.Errorf("onion: status func is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = DefaultProgressEvery
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Acquirer{
		status:        opts.Status,
		interval:      opts.Interval,
		maxAttempts:   opts.MaxAttempts,
		progressEvery: opts.ProgressEvery,
		bus:           opts.Bus,
		logger:        opts.Logger,
	}, nil
}

// Acquire polls until the address appears, the polling window closes, or
// ctx is cancelled. On success the address is also published on the bus,
// tagged with generation so consumers can discard results from superseded
// start cycles. Probe errors are logged and count as failed attempts.
func (a *Acquirer) Acquire(ctx context.Context, generation uint64) (string, error) {
	start := time.Now()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		addr, err := a.status(ctx)
		if err != nil {
			a.logger.Printf("[OnionAcquirer] probe %d/%d failed: %v", attempt, a.maxAttempts, err)
		} else if addr != "" {
			a.logger.Printf("[OnionAcquirer] address available after %d attempt(s): %s", attempt, addr)
			eventbus.Publish(ctx, a.bus, eventbus.Engine.Address, eventbus.SourceAcquirer,
				eventbus.AddressEvent{Address: addr, Generation: generation})
			return addr, nil
		}

		if attempt%a.progressEvery == 0 && attempt < a.maxAttempts {
			elapsed := time.Since(start)
			a.logger.Printf("[OnionAcquirer] still waiting for address (%d/%d, %s elapsed)",
				attempt, a.maxAttempts, elapsed.Round(time.Second))
			eventbus.Publish(ctx, a.bus, eventbus.Acquire.Progress, eventbus.SourceAcquirer,
				eventbus.AcquireProgressEvent{
					Attempt:     attempt,
					MaxAttempts: a.maxAttempts,
					Elapsed:     elapsed,
					Generation:  generation,
				})
		}

		if attempt == a.maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}

	a.logger.Printf("[OnionAcquirer] gave up after %d attempts (%s)",
		a.maxAttempts, time.Since(start).Round(time.Second))
	return "", ErrTimeout
}
