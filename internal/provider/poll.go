package provider

import (
	"context"
	"errors"
	"time"
)

// errPollLimit is returned by Poller.Run when the attempt ceiling is hit.
// Adapters wrap it into a TimeoutError carrying the remote task id.
var errPollLimit = errors.New("poll attempt limit reached")

// SleepFunc waits for d or until ctx is done. Tests inject a no-op so the
// polling loop runs without real time delays.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Poller drives a remote generation job to a terminal state with a fixed
// interval and attempt ceiling.
type Poller struct {
	Interval    time.Duration
	MaxAttempts int
	Sleep       SleepFunc
}

// Run waits one interval, then invokes check, repeating until check reports
// done or fails. check returning (false, nil) means the remote job is still
// running.
func (p Poller) Run(ctx context.Context, check func(ctx context.Context) (bool, error)) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	interval := p.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 180
	}

	for i := 0; i < attempts; i++ {
		if err := sleep(ctx, interval); err != nil {
			return err
		}
		done, err := check(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return errPollLimit
}
