package sensor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tphummel/as7265x_bench/internal/bench"
	"github.com/tphummel/as7265x_bench/internal/metrics"
	"github.com/tphummel/as7265x_bench/internal/models"
)

// Step names recorded in a run.
const (
	StepScan        = "scan"
	StepHWVersion   = "hw_version"
	StepTemperature = "temperature"
)

// Status LED patterns.
const (
	FlashStart = 3
	FlashPass  = 5
	FlashFail  = 2
)

// scanMarker is what a bus scan prints when the sensor answers at 0x49.
const scanMarker = "49"

// Timing holds the delays of the test sequence.
type Timing struct {
	Blink      time.Duration // each LED on and off phase
	ResetPulse time.Duration // reset held low
}

// DefaultTiming matches what operators expect to see on the bench.
var DefaultTiming = Timing{
	Blink:      100 * time.Millisecond,
	ResetPulse: 500 * time.Millisecond,
}

// Tester runs the AS7265x acceptance sequence on the selected platform.
type Tester struct {
	Bench  *bench.Bench
	Timing Timing
	Driver Config
	Logger *slog.Logger
}

// NewTester returns a Tester with default timing.
func NewTester(b *bench.Bench, logger *slog.Logger) *Tester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tester{Bench: b, Timing: DefaultTiming, Logger: logger}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// flash blinks the status LED. LED failures are logged and otherwise
// ignored.
func (t *Tester) flash(ctx context.Context, s *bench.Session, times int) error {
	return t.blink(ctx, s, times, func(err error) error {
		t.Logger.Warn("status led", "platform", s.Platform().ID, "error", err)
		return nil
	})
}

// blink drives the status LED high then low times times. onErr decides
// whether a failed LED command stops the pattern.
func (t *Tester) blink(ctx context.Context, s *bench.Session, times int, onErr func(error) error) error {
	for i := 0; i < times; i++ {
		for _, high := range []bool{true, false} {
			if err := s.SetPin(ctx, models.PinStatusLED, high); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if err := onErr(err); err != nil {
					return err
				}
			}
			if err := sleep(ctx, t.Timing.Blink); err != nil {
				return err
			}
		}
	}
	return nil
}

// Flash blinks the status LED times times to check the GPIO wiring. The
// first failed LED command stops it.
func (t *Tester) Flash(ctx context.Context, times int) error {
	if times < 1 {
		return fmt.Errorf("flash count must be at least 1, got %d", times)
	}
	return t.Bench.Session(ctx, func(s *bench.Session) error {
		err := t.blink(ctx, s, times, func(err error) error {
			return fmt.Errorf("status led: %w", err)
		})
		if err != nil {
			return err
		}
		t.Logger.Info("status led flashed", "platform", s.Platform().ID, "times", times)
		return nil
	})
}

// CheckConnection runs a bus scan and reports whether the sensor answered.
func (t *Tester) CheckConnection(ctx context.Context) (found bool, output string, err error) {
	err = t.Bench.Session(ctx, func(s *bench.Session) error {
		output, err = s.Scan(ctx)
		if err != nil {
			return err
		}
		found = strings.Contains(output, scanMarker)
		return nil
	})
	return found, output, err
}

// Reset pulses the reset pin low, then releases it.
func (t *Tester) Reset(ctx context.Context) error {
	return t.Bench.Session(ctx, func(s *bench.Session) error {
		if err := s.SetPin(ctx, models.PinReset, false); err != nil {
			return fmt.Errorf("reset low: %w", err)
		}
		if err := sleep(ctx, t.Timing.ResetPulse); err != nil {
			return err
		}
		if err := s.SetPin(ctx, models.PinReset, true); err != nil {
			return fmt.Errorf("reset high: %w", err)
		}
		t.Logger.Info("sensor reset", "platform", s.Platform().ID)
		return nil
	})
}

// Run executes the acceptance sequence and returns its record. A sensor that
// fails a check yields a run with Passed false and a nil error; errors are
// reserved for an unselected platform and cancellation.
func (t *Tester) Run(ctx context.Context) (*models.Run, error) {
	var run *models.Run
	err := t.Bench.Session(ctx, func(s *bench.Session) error {
		var err error
		run, err = t.run(ctx, s)
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.ObserveRun(run.PlatformID, run.Passed)
	return run, nil
}

func (t *Tester) run(ctx context.Context, s *bench.Session) (*models.Run, error) {
	p := s.Platform()
	log := t.Logger.With("platform", p.ID)
	run := &models.Run{
		ID:         uuid.NewString(),
		PlatformID: p.ID,
		StartedAt:  time.Now().UTC(),
	}
	log.Info("sensor test started", "run", run.ID, "name", p.Name)

	step := func(name string, ok bool, detail string) bool {
		run.Steps = append(run.Steps, models.Step{Name: name, OK: ok, Detail: detail})
		log.Info("step", "name", name, "ok", ok, "detail", detail)
		return ok
	}

	if err := t.flash(ctx, s, FlashStart); err != nil {
		return nil, err
	}

	passed := t.checks(ctx, s, run, step)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	run.Passed = passed

	pattern := FlashFail
	if passed {
		pattern = FlashPass
	}
	if err := t.flash(ctx, s, pattern); err != nil {
		return nil, err
	}

	run.FinishedAt = time.Now().UTC()
	log.Info("sensor test finished", "run", run.ID, "passed", run.Passed, "duration", run.FinishedAt.Sub(run.StartedAt))
	return run, nil
}

// checks runs the sensor checks in order and stops at the first failure.
func (t *Tester) checks(ctx context.Context, s *bench.Session, run *models.Run, step func(string, bool, string) bool) bool {
	out, err := s.Scan(ctx)
	switch {
	case err != nil:
		return step(StepScan, false, err.Error())
	case !strings.Contains(out, scanMarker):
		return step(StepScan, false, fmt.Sprintf("no device at 0x%02X", Address))
	}
	step(StepScan, true, fmt.Sprintf("device at 0x%02X", Address))

	drv := New(s.Bus(ctx), t.Driver)
	hw, err := drv.ReadHWVersion()
	if err != nil {
		return step(StepHWVersion, false, err.Error())
	}
	run.HWVersion = int(hw)
	if hw != HWVersion {
		return step(StepHWVersion, false, fmt.Sprintf("got 0x%02X, want 0x%02X", hw, HWVersion))
	}
	step(StepHWVersion, true, fmt.Sprintf("0x%02X", hw))

	for _, dev := range Devices {
		c, err := drv.ReadTemperature(dev)
		if err != nil {
			return step(StepTemperature, false, fmt.Sprintf("%s: %v", dev, err))
		}
		run.Temperatures = append(run.Temperatures, c)
		step(StepTemperature, true, fmt.Sprintf("%s: %d C", dev, c))
	}
	return true
}
