// Command bench lists AS7265x host platforms, renders their commands, runs
// the sensor test on real hardware and serves the bench HTTP API.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// version and commit are injected at build time via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

// config is the process configuration taken from the environment. Global
// flags override ConfigDir, Platform and DBPath.
type config struct {
	ConfigDir string
	Platform  string
	DBPath    string
	Port      string
	Token     string
	LogLevel  slog.Level
	LogFormat string
}

// loadConfig reads service configuration from environment variables and
// applies defaults. API_TOKEN is only required by serve.
func loadConfig() (cfg config, err error) {
	cfg.ConfigDir = os.Getenv("BENCH_CONFIG_DIR")
	if cfg.ConfigDir == "" {
		cfg.ConfigDir = "./configs"
	}
	cfg.Platform = os.Getenv("BENCH_PLATFORM")
	cfg.DBPath = os.Getenv("DB_PATH")
	if cfg.DBPath == "" {
		cfg.DBPath = "./as7265x_bench.db"
	}
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	cfg.Token = os.Getenv("API_TOKEN")

	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		if err = cfg.LogLevel.UnmarshalText([]byte(lvl)); err != nil {
			err = fmt.Errorf("LOG_LEVEL: %w", err)
			return
		}
	}
	cfg.LogFormat = strings.ToLower(os.Getenv("BENCH_LOG_FORMAT"))
	switch cfg.LogFormat {
	case "":
		cfg.LogFormat = "json"
	case "json", "text":
	default:
		err = fmt.Errorf("BENCH_LOG_FORMAT must be json or text, got %q", cfg.LogFormat)
	}
	return
}

func newLogger(cfg config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

const usage = `usage: bench [flags] <command> [args]

commands:
  platforms              list loaded platforms
  show <id>              setup instructions, pins and commands of a platform
  validate               load every platform file and report problems
  render <op> [k=v ...]  print the command op would send, without sending it
  exec <op> [k=v ...]    send op to the selected platform and print the reply
  scan                   run the bus scan and look for the sensor
  reset                  pulse the sensor reset pin
  flash [n]              blink the status LED n times (default 3)
  test                   run the sensor test and store the result
  serve                  serve the HTTP API
  new <id> <transport>   write a starter platform file (direct, serial, tcp)

flags:
`

// errUsage makes run print usage and exit 2.
var errUsage = errors.New("usage")

// exitError carries an exit status for a command that already reported
// its outcome.
type exitError int

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(stderr, "bench:", err)
		return 2
	}

	fs := flag.NewFlagSet("bench", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.ConfigDir, "config", cfg.ConfigDir, "platform definition directory (BENCH_CONFIG_DIR)")
	fs.StringVar(&cfg.Platform, "platform", cfg.Platform, "platform to select (BENCH_PLATFORM)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "run history database (DB_PATH)")
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	logger := newLogger(cfg, stderr)
	slog.SetDefault(logger)

	app := &cli{cfg: cfg, logger: logger, out: stdout}
	cmd, rest := fs.Arg(0), fs.Args()[1:]
	fn, ok := app.commands()[cmd]
	if !ok {
		fmt.Fprintf(stderr, "bench: unknown command %q\n", cmd)
		fs.Usage()
		return 2
	}

	err = fn(rest)
	if cerr := app.close(); cerr != nil {
		logger.Warn("close", "error", cerr)
	}

	var code exitError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &code):
		return int(code)
	case errors.Is(err, errUsage):
		fs.Usage()
		return 2
	}
	fmt.Fprintln(stderr, "bench:", describe(err))
	return 1
}
