// Package teardown closes a session's resources with bounded waits.
package teardown

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosingTimeout is returned when a resource does not report closed within
// the poll budget.
var ErrClosingTimeout = errors.New("timed out waiting for close")

// Defaults used when a Coordinator field is zero: 25 polls of 400ms.
const (
	DefaultInterval = 400 * time.Millisecond
	DefaultMaxPolls = 25
)

// Closable is a resource with an observable closed state.
type Closable interface {
	Close() error
	Closed() bool
}

// Notifier is optionally implemented by a Closable that can signal the
// moment it becomes closed, sparing the poll interval.
type Notifier interface {
	Done() <-chan struct{}
}

// AwaitClosed requests c to close and waits until c reports closed. It
// returns immediately if c is already closed. The wait ends early when c
// implements Notifier; otherwise Closed is polled every interval, and after
// maxPolls unsuccessful polls ErrClosingTimeout is returned.
func AwaitClosed(ctx context.Context, c Closable, interval time.Duration, maxPolls int) error {
	if c == nil || c.Closed() {
		return nil
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if maxPolls <= 0 {
		maxPolls = DefaultMaxPolls
	}

	var done <-chan struct{}
	if n, ok := c.(Notifier); ok {
		done = n.Done()
	}

	closeErr := make(chan error, 1)
	go func() { closeErr <- c.Close() }()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var firstErr error
	for polls := 0; ; {
		select {
		case <-done:
			return firstErr
		case err := <-closeErr:
			closeErr = nil
			firstErr = err
			if c.Closed() {
				return err
			}
		case <-ticker.C:
			if c.Closed() {
				return firstErr
			}
			polls++
			if polls >= maxPolls {
				return fmt.Errorf("%w after %s", ErrClosingTimeout, time.Duration(maxPolls)*interval)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Plan lists what one session owns at teardown time.
type Plan struct {
	DataChannels []Closable
	Peer         Closable
	Signal       Closable
	// Reset runs once all closes have settled, successful or not.
	Reset func()
}

// Coordinator runs a Plan at most once.
type Coordinator struct {
	Interval time.Duration
	MaxPolls int

	started atomic.Bool
}

// Run closes the data channels, the peer session and the control channel
// concurrently, then calls plan.Reset. Only the first call does anything;
// later or concurrent calls return nil immediately.
func (c *Coordinator) Run(ctx context.Context, plan Plan) error {
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	await := func(what string, r Closable) {
		defer wg.Done()
		if err := AwaitClosed(ctx, r, c.Interval, c.MaxPolls); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("close %s: %w", what, err))
			mu.Unlock()
		}
	}

	for _, dc := range plan.DataChannels {
		if dc == nil {
			continue
		}
		wg.Add(1)
		go await("data channel", dc)
	}
	if plan.Peer != nil {
		wg.Add(1)
		go await("peer session", plan.Peer)
	}
	if plan.Signal != nil {
		wg.Add(1)
		go await("signaling channel", plan.Signal)
	}
	wg.Wait()

	if plan.Reset != nil {
		plan.Reset()
	}
	return errors.Join(errs...)
}

// Started reports whether Run has been called.
func (c *Coordinator) Started() bool {
	return c.started.Load()
}
