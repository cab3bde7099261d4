package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/tphummel/as7265x_bench/internal/bench"
	"github.com/tphummel/as7265x_bench/internal/command"
	"github.com/tphummel/as7265x_bench/internal/db"
	"github.com/tphummel/as7265x_bench/internal/models"
	"github.com/tphummel/as7265x_bench/internal/platform"
	"github.com/tphummel/as7265x_bench/internal/sensor"
)

// cli holds what the subcommands share. The bench and the database are
// opened on first use.
type cli struct {
	cfg    config
	logger *slog.Logger
	out    io.Writer

	b  *bench.Bench
	db *db.DB
}

func (c *cli) commands() map[string]func(args []string) error {
	return map[string]func([]string) error{
		"platforms": c.platforms,
		"show":      c.show,
		"validate":  c.validate,
		"render":    c.render,
		"exec":      c.exec,
		"scan":      c.scan,
		"reset":     c.reset,
		"flash":     c.flash,
		"test":      c.test,
		"serve":     c.serve,
		"new":       c.newPlatform,
	}
}

// bench loads the platform directory and applies the configured selection.
func (c *cli) bench() (*bench.Bench, error) {
	if c.b != nil {
		return c.b, nil
	}
	reg, err := platform.Load(c.cfg.ConfigDir)
	if err != nil {
		return nil, err
	}
	b := bench.New(reg, c.logger)
	if c.cfg.Platform != "" {
		if err := b.Select(c.cfg.Platform); err != nil {
			return nil, err
		}
	}
	c.b = b
	return b, nil
}

func (c *cli) database() (*db.DB, error) {
	if c.db != nil {
		return c.db, nil
	}
	d, err := db.New(c.cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	c.db = d
	return d, nil
}

func (c *cli) close() error {
	var errs []error
	if c.b != nil {
		errs = append(errs, c.b.Close())
	}
	if c.db != nil {
		errs = append(errs, c.db.Close())
	}
	return errors.Join(errs...)
}

// signalContext is cancelled by SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// describe turns the errors an operator can fix into guidance.
func describe(err error) string {
	switch {
	case errors.Is(err, platform.ErrNotSelected):
		return "no platform selected; pass -platform <id> or set BENCH_PLATFORM (see 'bench platforms')"
	case errors.Is(err, platform.ErrUnknownPlatform):
		return err.Error() + " (see 'bench platforms')"
	}
	return err.Error()
}

func (c *cli) platforms(args []string) error {
	if len(args) != 0 {
		return errUsage
	}
	b, err := c.bench()
	if err != nil {
		return err
	}
	selected, _ := b.SelectedPlatform()

	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\tID\tNAME\tTRANSPORT\tI2C BUS")
	for _, p := range b.Platforms() {
		mark := ""
		if p.ID == selected {
			mark = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", mark, p.ID, p.Name, p.Communication.Type, p.I2CBus)
	}
	return tw.Flush()
}

func (c *cli) show(args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	b, err := c.bench()
	if err != nil {
		return err
	}
	p, err := b.Get(args[0])
	if err != nil {
		return err
	}
	writePlatform(c.out, p)
	return nil
}

func writePlatform(w io.Writer, p *models.Platform) {
	fmt.Fprintf(w, "%s (%s)\n", p.Name, p.ID)
	if p.Description != "" {
		fmt.Fprintf(w, "%s\n", p.Description)
	}
	fmt.Fprintf(w, "\ntransport: %s\n", transportSummary(p.Communication))
	fmt.Fprintf(w, "i2c bus:   %d\n", p.I2CBus)

	fmt.Fprintln(w, "\npins:")
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, role := range models.PinRoles {
		id, _ := p.Pins.Get(role)
		fmt.Fprintf(tw, "  %s\t%s\n", role, id)
	}
	tw.Flush()

	fmt.Fprintln(w, "\ncommands:")
	for _, op := range models.Operations {
		if src, ok := p.Commands[op]; ok {
			fmt.Fprintf(tw, "  %s\t%s\n", op, src)
		}
	}
	tw.Flush()

	if len(p.SetupInstructions) > 0 {
		fmt.Fprintln(w, "\nsetup:")
		for i, step := range p.SetupInstructions {
			fmt.Fprintf(w, "  %d. %s\n", i+1, step)
		}
	}

	if len(p.Dependencies) > 0 {
		fmt.Fprintln(w, "\ndependencies:")
		keys := make([]string, 0, len(p.Dependencies))
		for k := range p.Dependencies {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %s: %s\n", k, dependencyList(p.Dependencies[k]))
		}
	}
}

func transportSummary(c models.Communication) string {
	var s string
	switch c.Type {
	case models.TransportSerial:
		s = fmt.Sprintf("serial %s @ %d baud", c.Device, c.BaudRate)
	case models.TransportTCP:
		s = fmt.Sprintf("tcp %s:%d", c.Host, c.Port)
	default:
		s = string(c.Type)
		if c.Shell {
			s += " (shell)"
		}
	}
	s += fmt.Sprintf(", timeout %s", c.Timeout)
	if c.Retries > 1 {
		s += fmt.Sprintf(", %d attempts", c.Retries)
	}
	return s
}

func dependencyList(v any) string {
	items, ok := v.([]any)
	if !ok {
		return fmt.Sprint(v)
	}
	parts := make([]string, len(items))
	for i, item := range items {
		parts[i] = fmt.Sprint(item)
	}
	return strings.Join(parts, ", ")
}

func (c *cli) validate(args []string) error {
	if len(args) != 0 {
		return errUsage
	}
	b, err := c.bench()
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%d platforms OK in %s\n", len(b.Platforms()), c.cfg.ConfigDir)
	return nil
}

// opArgs parses "<op> [k=v ...]".
func opArgs(args []string) (models.Operation, command.Params, error) {
	if len(args) == 0 {
		return "", nil, errUsage
	}
	op := models.Operation(args[0])
	if !models.ValidOperation(op) {
		return "", nil, fmt.Errorf("unknown operation %q", op)
	}
	params, err := command.ParseParams(args[1:])
	if err != nil {
		return "", nil, err
	}
	return op, params, nil
}

func (c *cli) render(args []string) error {
	op, params, err := opArgs(args)
	if err != nil {
		return err
	}
	b, err := c.bench()
	if err != nil {
		return err
	}
	cmd, err := b.Render(op, params)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, cmd)
	return nil
}

func (c *cli) exec(args []string) error {
	op, params, err := opArgs(args)
	if err != nil {
		return err
	}
	b, err := c.bench()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	res, err := b.Run(ctx, op, params)
	if err != nil {
		return err
	}
	if res.Output != "" {
		fmt.Fprintln(c.out, res.Output)
	}
	if !res.OK {
		return res.Err()
	}
	return nil
}

func (c *cli) tester() (*sensor.Tester, error) {
	b, err := c.bench()
	if err != nil {
		return nil, err
	}
	return sensor.NewTester(b, c.logger), nil
}

func (c *cli) scan(args []string) error {
	if len(args) != 0 {
		return errUsage
	}
	t, err := c.tester()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	found, output, err := t.CheckConnection(ctx)
	if err != nil {
		return err
	}
	if output != "" {
		fmt.Fprintln(c.out, output)
	}
	if !found {
		fmt.Fprintf(c.out, "AS7265x not found at 0x%02X\n", sensor.Address)
		return exitError(1)
	}
	fmt.Fprintf(c.out, "AS7265x found at 0x%02X\n", sensor.Address)
	return nil
}

func (c *cli) reset(args []string) error {
	if len(args) != 0 {
		return errUsage
	}
	t, err := c.tester()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	if err := t.Reset(ctx); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "sensor reset")
	return nil
}

func (c *cli) flash(args []string) error {
	times := sensor.FlashStart
	switch len(args) {
	case 0:
	case 1:
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("flash count must be a positive integer, got %q", args[0])
		}
		times = n
	default:
		return errUsage
	}
	t, err := c.tester()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	if err := t.Flash(ctx, times); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "status led flashed %d times\n", times)
	return nil
}

func (c *cli) test(args []string) error {
	if len(args) != 0 {
		return errUsage
	}
	t, err := c.tester()
	if err != nil {
		return err
	}
	d, err := c.database()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	run, err := t.Run(ctx)
	if err != nil {
		return err
	}
	if err := d.Create(run); err != nil {
		return fmt.Errorf("store run: %w", err)
	}
	writeRun(c.out, run)
	if !run.Passed {
		return exitError(1)
	}
	return nil
}

func writeRun(w io.Writer, run *models.Run) {
	for _, s := range run.Steps {
		mark := "ok"
		if !s.OK {
			mark = "FAIL"
		}
		fmt.Fprintf(w, "%-4s  %-12s %s\n", mark, s.Name, s.Detail)
	}
	result := "PASS"
	if !run.Passed {
		result = "FAIL"
	}
	fmt.Fprintf(w, "%s  %s on %s in %s\n", result, run.ID, run.PlatformID, run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
}
