// Package bench connects the platform registry to real hardware. A Bench
// owns the registry and one dispatcher per platform, and lets one session at
// a time drive the selected platform.
package bench

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tphummel/as7265x_bench/internal/command"
	"github.com/tphummel/as7265x_bench/internal/dispatch"
	"github.com/tphummel/as7265x_bench/internal/metrics"
	"github.com/tphummel/as7265x_bench/internal/models"
	"github.com/tphummel/as7265x_bench/internal/platform"
)

// DispatcherFactory builds the dispatcher for a platform's transport.
type DispatcherFactory func(c models.Communication, logger *slog.Logger) (dispatch.Dispatcher, error)

func defaultFactory(c models.Communication, logger *slog.Logger) (dispatch.Dispatcher, error) {
	return dispatch.New(c, logger)
}

// Bench guards a platform.Registry and the hardware behind it. Reads of the
// registry never wait for hardware: sessions hold their own lock, and only
// Select waits for a running session to finish. All methods are safe for
// concurrent use.
type Bench struct {
	mu      sync.RWMutex // registry and selection
	session sync.Mutex   // hardware; also guards dispatchers

	reg         *platform.Registry
	logger      *slog.Logger
	factory     DispatcherFactory
	dispatchers map[string]dispatch.Dispatcher
}

// Option customises New.
type Option func(*Bench)

// WithDispatcherFactory replaces dispatch.New, mostly for tests.
func WithDispatcherFactory(f DispatcherFactory) Option {
	return func(b *Bench) { b.factory = f }
}

// New returns a Bench over reg. A nil logger means slog.Default().
func New(reg *platform.Registry, logger *slog.Logger, opts ...Option) *Bench {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bench{
		reg:         reg,
		logger:      logger,
		factory:     defaultFactory,
		dispatchers: make(map[string]dispatch.Dispatcher),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bench) Platforms() []*models.Platform {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.reg.Platforms()
}

func (b *Bench) Get(id string) (*models.Platform, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.reg.Get(id)
}

// Select changes the selected platform. It waits for a running session to
// finish first.
func (b *Bench) Select(id string) error {
	b.session.Lock()
	defer b.session.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.reg.Select(id); err != nil {
		return err
	}
	b.logger.Info("platform selected", "platform", id)
	return nil
}

func (b *Bench) Current() (*models.Platform, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.reg.Current()
}

// Render returns the command op would send to the selected platform without
// sending it.
func (b *Bench) Render(op models.Operation, params command.Params) (string, error) {
	x, err := b.Prepare(op, params)
	return x.Command, err
}

// Prepare renders op for the selected platform and reports which platform it
// was rendered for. Nothing is sent.
func (b *Bench) Prepare(op models.Operation, params command.Params) (Exchange, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, err := b.reg.Current()
	if err != nil {
		return Exchange{}, err
	}
	return prepare(p, op, params)
}

func prepare(p *models.Platform, op models.Operation, params command.Params) (Exchange, error) {
	cmd, err := platform.Render(p, op, params)
	if err != nil {
		return Exchange{}, err
	}
	return Exchange{Platform: p.ID, Operation: op, Command: cmd}, nil
}

// TransportCounts returns the number of loaded platforms per transport.
func (b *Bench) TransportCounts() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]int)
	for _, p := range b.reg.Platforms() {
		out[string(p.Communication.Type)]++
	}
	return out
}

// SelectedPlatform returns the id of the selected platform.
func (b *Bench) SelectedPlatform() (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.reg.Selected()
}

// Session runs fn with exclusive use of the selected platform. It fails with
// platform.ErrNotSelected before any selection. The platform is fixed for
// the whole session.
func (b *Bench) Session(ctx context.Context, fn func(*Session) error) error {
	b.session.Lock()
	defer b.session.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := b.Current()
	if err != nil {
		return err
	}
	d, err := b.dispatcher(p)
	if err != nil {
		return err
	}
	return fn(&Session{bench: b, platform: p, dispatcher: d})
}

// Run sends a single operation to the selected platform. The returned
// Exchange names the platform and command even when the send fails.
func (b *Bench) Run(ctx context.Context, op models.Operation, params command.Params) (Exchange, error) {
	var x Exchange
	err := b.Session(ctx, func(s *Session) error {
		var err error
		x, err = s.Run(ctx, op, params)
		return err
	})
	return x, err
}

// dispatcher returns the cached dispatcher for p. Callers hold b.session.
func (b *Bench) dispatcher(p *models.Platform) (dispatch.Dispatcher, error) {
	if d, ok := b.dispatchers[p.ID]; ok {
		return d, nil
	}
	d, err := b.factory(p.Communication, b.logger.With("platform", p.ID))
	if err != nil {
		return nil, fmt.Errorf("platform %s: %w", p.ID, err)
	}
	b.dispatchers[p.ID] = d
	return d, nil
}

// Close releases every dispatcher opened so far. It waits for a running
// session.
func (b *Bench) Close() error {
	b.session.Lock()
	defer b.session.Unlock()
	var errs []error
	for id, d := range b.dispatchers {
		if err := d.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
		delete(b.dispatchers, id)
	}
	return errors.Join(errs...)
}

// Exchange is one rendered command and, once sent, the platform's reply.
type Exchange struct {
	Platform  string
	Operation models.Operation
	Command   string
	dispatch.Result
}

// Session drives one platform. It is only valid inside the function passed
// to Bench.Session.
type Session struct {
	bench      *Bench
	platform   *models.Platform
	dispatcher dispatch.Dispatcher
}

func (s *Session) Platform() *models.Platform { return s.platform }

// Run renders op for the session's platform, sends it and records the
// outcome. A command the platform rejects comes back with OK false and a nil
// error.
func (s *Session) Run(ctx context.Context, op models.Operation, params command.Params) (Exchange, error) {
	x, err := prepare(s.platform, op, params)
	if err != nil {
		return x, err
	}
	cmd := x.Command

	start := time.Now()
	res, err := s.dispatcher.Dispatch(ctx, cmd)
	elapsed := time.Since(start)
	x.Result = res

	outcome := metrics.OutcomeOK
	switch {
	case err != nil:
		outcome = metrics.OutcomeError
	case !res.OK:
		outcome = metrics.OutcomeFailed
	}
	metrics.ObserveDispatch(s.platform.ID, string(op), outcome, elapsed)

	log := s.bench.logger.With("platform", s.platform.ID, "op", op, "cmd", cmd, "duration", elapsed)
	if err != nil {
		log.Warn("dispatch failed", "error", err)
		return x, fmt.Errorf("%s: %w", op, err)
	}
	log.Debug("dispatch", "ok", res.OK, "output", res.Output)
	return x, nil
}

func (s *Session) pin(role models.PinRole) (command.Params, error) {
	id, ok := s.platform.Pins.Get(role)
	if !ok {
		return nil, fmt.Errorf("platform %s has no %s pin", s.platform.ID, role)
	}
	return command.Params{"pin": command.Pin(id)}, nil
}

// SetPin drives the pin with the given role high or low.
func (s *Session) SetPin(ctx context.Context, role models.PinRole, high bool) error {
	params, err := s.pin(role)
	if err != nil {
		return err
	}
	op := models.OpGPIOSetLow
	if high {
		op = models.OpGPIOSetHigh
	}
	res, err := s.Run(ctx, op, params)
	if err != nil {
		return err
	}
	return res.Err()
}

// ReadPin reads the level of the pin with the given role. Platforms without
// a gpio_get command fail with command.ErrUnknownOperation.
func (s *Session) ReadPin(ctx context.Context, role models.PinRole) (bool, error) {
	params, err := s.pin(role)
	if err != nil {
		return false, err
	}
	res, err := s.Run(ctx, models.OpGPIOGet, params)
	if err != nil {
		return false, err
	}
	if err := res.Err(); err != nil {
		return false, err
	}
	return ParseLevel(res.Output)
}

// ReadRegister reads one byte from reg of the AS7265x.
func (s *Session) ReadRegister(ctx context.Context, reg byte) (byte, error) {
	return s.readRegister(ctx, platform.DefaultAddress, reg)
}

func (s *Session) readRegister(ctx context.Context, addr uint16, reg byte) (byte, error) {
	res, err := s.Run(ctx, models.OpI2CRead, command.Params{
		"addr": command.Int(addr),
		"reg":  command.Int(reg),
	})
	if err != nil {
		return 0, err
	}
	if err := res.Err(); err != nil {
		return 0, err
	}
	return ParseByte(res.Output)
}

// WriteRegister writes val to reg of the AS7265x.
func (s *Session) WriteRegister(ctx context.Context, reg, val byte) error {
	return s.writeRegister(ctx, platform.DefaultAddress, reg, val)
}

func (s *Session) writeRegister(ctx context.Context, addr uint16, reg, val byte) error {
	res, err := s.Run(ctx, models.OpI2CWrite, command.Params{
		"addr": command.Int(addr),
		"reg":  command.Int(reg),
		"val":  command.Int(val),
	})
	if err != nil {
		return err
	}
	return res.Err()
}

// Scan runs the bus scan and returns its raw output.
func (s *Session) Scan(ctx context.Context) (string, error) {
	res, err := s.Run(ctx, models.OpI2CScan, nil)
	if err != nil {
		return "", err
	}
	if err := res.Err(); err != nil {
		return res.Output, err
	}
	return res.Output, nil
}
