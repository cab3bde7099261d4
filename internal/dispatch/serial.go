package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/tphummel/as7265x_bench/internal/models"
)

// pollInterval bounds each blocking read so cancellation is noticed.
const pollInterval = 100 * time.Millisecond

// port is the subset of serial.Port the dispatcher uses.
type port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

type opener func(device string, mode *serial.Mode) (port, error)

func openSerial(device string, mode *serial.Mode) (port, error) {
	return serial.Open(device, mode)
}

// Serial talks to bridge firmware over a serial line: one command line out,
// one reply line back. The port is opened on first use and kept open until
// Close.
type Serial struct {
	device  string
	mode    *serial.Mode
	timeout time.Duration
	open    opener
	logger  *slog.Logger

	mu   sync.Mutex
	port port
}

func newSerial(c models.Communication, logger *slog.Logger) (Dispatcher, error) {
	return newSerialWith(c, logger, openSerial), nil
}

func newSerialWith(c models.Communication, logger *slog.Logger, open opener) *Serial {
	return &Serial{
		device: c.Device,
		mode: &serial.Mode{
			BaudRate: c.BaudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		},
		timeout: c.Timeout,
		open:    open,
		logger:  logger,
	}
}

func (s *Serial) Dispatch(ctx context.Context, cmd string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		p, err := s.open(s.device, s.mode)
		if err != nil {
			return Result{}, fmt.Errorf("open %s: %w", s.device, err)
		}
		s.logger.Info("serial port opened", "device", s.device, "baud", s.mode.BaudRate)
		s.port = p
	}

	line, err := s.roundTrip(ctx, cmd)
	if err != nil {
		// Drop the port so the next attempt reopens it.
		s.port.Close()
		s.port = nil
		return Result{}, err
	}
	return replyResult(line), nil
}

func (s *Serial) roundTrip(ctx context.Context, cmd string) (string, error) {
	if err := s.port.ResetInputBuffer(); err != nil {
		return "", fmt.Errorf("reset input: %w", err)
	}
	if _, err := io.WriteString(s.port, cmd+"\n"); err != nil {
		return "", fmt.Errorf("write %s: %w", s.device, err)
	}

	deadline := time.Now().Add(s.timeout)
	var buf bytes.Buffer
	chunk := make([]byte, 64)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", fmt.Errorf("%w: no reply from %s after %s", ErrTimeout, s.device, s.timeout)
		}
		if err := s.port.SetReadTimeout(min(remaining, pollInterval)); err != nil {
			return "", fmt.Errorf("set read timeout: %w", err)
		}
		n, err := s.port.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if line, _, ok := bytes.Cut(buf.Bytes(), []byte{'\n'}); ok {
				return strings.TrimSpace(string(line)), nil
			}
		}
		if err != nil {
			return "", fmt.Errorf("read %s: %w", s.device, err)
		}
	}
}

func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

// replyResult interprets a bridge reply line. Replies starting with ERR
// report a failed command.
func replyResult(line string) Result {
	if strings.HasPrefix(strings.ToUpper(line), "ERR") {
		return Result{Output: line, Stderr: line, OK: false}
	}
	return Result{Output: line, OK: true}
}
