// Package redial keeps a client connection alive: it dials with exponential
// backoff, restores the session after every successful dial and starts over
// whenever the connection dies. The client core itself never retries
// anything; reconnect policy lives here, on top of Connection.Done and
// Connection.Err.
package redial

import (
	"context"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/jondeandres/bunny"
	"github.com/jondeandres/bunny/logger"
)

// DialFunc establishes one started connection.
type DialFunc func(ctx context.Context) (*bunny.Connection, error)

// OnUpFunc runs after every successful dial: re-declare entities, restart
// subscriptions. An error here tears the fresh connection down and counts
// as a failed attempt.
type OnUpFunc func(conn *bunny.Connection) error

// newBackOff builds the retry policy for one dial cycle. Swapped out in
// tests to avoid real waits.
var newBackOff = func() backoff.BackOff {
	return backoff.NewExponentialBackOff()
}

// Option configures Run.
type Option func(*runner)

// WithLogger sets a custom logger for the redial loop.
func WithLogger(l logger.Logger) Option {
	return func(r *runner) {
		if l != nil {
			r.log = l
		}
	}
}

type runner struct {
	log logger.Logger
}

// Run keeps a connection alive until ctx is cancelled or the caller stops
// the current connection. Each cycle dials under exponential backoff,
// invokes onUp, then waits for the connection to die before starting over.
//
// Run returns nil when the connection was stopped gracefully, ctx.Err()
// after cancellation, and the final dial error when the backoff policy
// gives up.
func Run(ctx context.Context, dial DialFunc, onUp OnUpFunc, opts ...Option) error {
	r := &runner{log: logger.New("redial")}
	for _, opt := range opts {
		opt(r)
	}

	for {
		var conn *bunny.Connection
		attempt := func() error {
			c, err := dial(ctx)
			if err != nil {
				r.log.Warn("Dial failed: %v", err)
				return errors.Wrap(err, "dialing broker")
			}
			if onUp != nil {
				if err := onUp(c); err != nil {
					_ = c.Stop()
					r.log.Warn("Session restore failed: %v", err)
					return errors.Wrap(err, "restoring session")
				}
			}
			conn = c
			return nil
		}

		if err := backoff.Retry(attempt, backoff.WithContext(newBackOff(), ctx)); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "reconnecting")
		}
		r.log.Info("Connection up")

		select {
		case <-ctx.Done():
			_ = conn.Stop()
			return ctx.Err()
		case <-conn.Done():
			err := conn.Err()
			if err == nil {
				r.log.Info("Connection stopped, redial loop finished")
				return nil
			}
			r.log.Warn("Connection lost: %v, redialing", err)
		}
	}
}
