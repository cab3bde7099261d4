// Package dispatch delivers rendered commands to a platform over its
// configured transport and returns what the platform answered.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go"

	"github.com/tphummel/as7265x_bench/internal/models"
)

var (
	ErrUnsupportedTransport = errors.New("unsupported_transport")
	ErrCommandFailed        = errors.New("command_failed")
	ErrTimeout              = errors.New("timeout")
)

// DefaultRetryDelay is the pause between attempts after a transport error.
const DefaultRetryDelay = 250 * time.Millisecond

// Result is the platform's answer to one command. OK is false when the
// command ran but reported failure; transport failures are returned as
// errors instead.
type Result struct {
	Output string `json:"output"`
	Stderr string `json:"stderr,omitempty"`
	OK     bool   `json:"ok"`
}

// Err returns nil for successful results and an ErrCommandFailed wrapper
// otherwise.
func (r Result) Err() error {
	if r.OK {
		return nil
	}
	msg := r.Stderr
	if msg == "" {
		msg = r.Output
	}
	if msg == "" {
		return ErrCommandFailed
	}
	return fmt.Errorf("%w: %s", ErrCommandFailed, msg)
}

// Dispatcher sends one rendered command and waits for its reply.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd string) (Result, error)
	Close() error
}

type options struct {
	retryDelay time.Duration
}

// Option customises New.
type Option func(*options)

// WithRetryDelay overrides DefaultRetryDelay.
func WithRetryDelay(d time.Duration) Option {
	return func(o *options) { o.retryDelay = d }
}

type factory func(c models.Communication, logger *slog.Logger) (Dispatcher, error)

var factories = map[models.Transport]factory{
	models.TransportDirect: newExec,
	models.TransportCustom: newExec,
	models.TransportSerial: newSerial,
	models.TransportTCP:    newTCP,
}

// New returns the dispatcher for c. Transport errors are retried up to
// c.Retries attempts in total.
func New(c models.Communication, logger *slog.Logger, opts ...Option) (Dispatcher, error) {
	o := options{retryDelay: DefaultRetryDelay}
	for _, opt := range opts {
		opt(&o)
	}
	f, ok := factories[c.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedTransport, c.Type)
	}
	d, err := f(c, logger)
	if err != nil {
		return nil, err
	}
	if c.Retries <= 1 {
		return d, nil
	}
	return &retrying{
		next:     d,
		attempts: uint(c.Retries),
		delay:    o.retryDelay,
		logger:   logger,
	}, nil
}

type retrying struct {
	next     Dispatcher
	attempts uint
	delay    time.Duration
	logger   *slog.Logger
}

func (r *retrying) Dispatch(ctx context.Context, cmd string) (Result, error) {
	var res Result
	err := retry.Do(
		func() error {
			var err error
			res, err = r.next.Dispatch(ctx, cmd)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(r.attempts),
		retry.Delay(r.delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return ctx.Err() == nil }),
		retry.OnRetry(func(n uint, err error) {
			r.logger.Warn("dispatch retry", "attempt", n+1, "of", r.attempts, "error", err)
		}),
	)
	return res, err
}

func (r *retrying) Close() error { return r.next.Close() }
