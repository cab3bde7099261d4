package bench_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"tinygo.org/x/drivers"

	"github.com/tphummel/as7265x_bench/internal/bench"
	"github.com/tphummel/as7265x_bench/internal/command"
	"github.com/tphummel/as7265x_bench/internal/dispatch"
	"github.com/tphummel/as7265x_bench/internal/models"
	"github.com/tphummel/as7265x_bench/internal/platform"
)

// fakeDispatcher records commands and answers from a script.
type fakeDispatcher struct {
	mu     sync.Mutex
	sent   []string
	answer func(cmd string) (dispatch.Result, error)
	closed bool
}

func (f *fakeDispatcher) Dispatch(_ context.Context, cmd string) (dispatch.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, cmd)
	if f.answer == nil {
		return dispatch.Result{OK: true}, nil
	}
	return f.answer(cmd)
}

func (f *fakeDispatcher) Close() error {
	f.closed = true
	return nil
}

func testPlatform() *models.Platform {
	return &models.Platform{
		ID:     "uno",
		Name:   "Uno",
		I2CBus: 0,
		Pins: models.Pins{
			Reset:     models.PinNumber(7),
			StatusLED: models.PinNumber(13),
			SDA:       models.PinName("A4"),
			SCL:       models.PinName("A5"),
			Interrupt: models.PinNumber(2),
		},
		Commands: map[models.Operation]string{
			models.OpGPIOSetHigh: "GPIO {pin} 1",
			models.OpGPIOSetLow:  "GPIO {pin} 0",
			models.OpGPIOGet:     "GPIO? {pin}",
			models.OpI2CRead:     "I2CR {addr:02X} {reg:02X}",
			models.OpI2CWrite:    "I2CW {addr:02X} {reg:02X} {val:02X}",
			models.OpI2CScan:     "I2CSCAN {bus}",
		},
		Communication: models.Communication{Type: models.TransportSerial, Device: "/dev/null", BaudRate: 9600},
	}
}

func newBench(t *testing.T, fd *fakeDispatcher) *bench.Bench {
	t.Helper()
	reg, err := platform.New(testPlatform())
	if err != nil {
		t.Fatalf("platform.New: %v", err)
	}
	b := bench.New(reg, slog.New(slog.NewTextHandler(io.Discard, nil)),
		bench.WithDispatcherFactory(func(models.Communication, *slog.Logger) (dispatch.Dispatcher, error) {
			return fd, nil
		}))
	t.Cleanup(func() { b.Close() })
	return b
}

func TestRun_NotSelected(t *testing.T) {
	b := newBench(t, &fakeDispatcher{})
	_, err := b.Run(context.Background(), models.OpI2CScan, nil)
	if !errors.Is(err, platform.ErrNotSelected) {
		t.Errorf("expected ErrNotSelected, got %v", err)
	}
}

func TestRun_RendersAndDispatches(t *testing.T) {
	fd := &fakeDispatcher{answer: func(string) (dispatch.Result, error) {
		return dispatch.Result{Output: "49", OK: true}, nil
	}}
	b := newBench(t, fd)
	if err := b.Select("uno"); err != nil {
		t.Fatalf("Select: %v", err)
	}

	res, err := b.Run(context.Background(), models.OpI2CScan, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Output != "49" {
		t.Errorf("Output: got %q", res.Output)
	}
	if res.Platform != "uno" || res.Operation != models.OpI2CScan || res.Command != "I2CSCAN 0" {
		t.Errorf("exchange: got %+v", res)
	}
	if len(fd.sent) != 1 || fd.sent[0] != "I2CSCAN 0" {
		t.Errorf("sent: %v", fd.sent)
	}
}

func TestRun_RenderErrorSkipsDispatch(t *testing.T) {
	fd := &fakeDispatcher{}
	b := newBench(t, fd)
	b.Select("uno")

	_, err := b.Run(context.Background(), models.OpI2CWrite, command.Params{"reg": command.Int(1)})
	if !errors.Is(err, command.ErrMissingParameter) {
		t.Errorf("expected ErrMissingParameter, got %v", err)
	}
	if len(fd.sent) != 0 {
		t.Errorf("dispatched %v", fd.sent)
	}
}

func TestPrepare(t *testing.T) {
	fd := &fakeDispatcher{}
	b := newBench(t, fd)
	if _, err := b.Prepare(models.OpI2CScan, nil); !errors.Is(err, platform.ErrNotSelected) {
		t.Errorf("before Select: got %v", err)
	}
	b.Select("uno")

	x, err := b.Prepare(models.OpI2CRead, command.Params{"reg": command.Int(0x40)})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if x.Platform != "uno" || x.Command != "I2CR 49 40" {
		t.Errorf("exchange: got %+v", x)
	}
	if len(fd.sent) != 0 {
		t.Errorf("dispatched %v", fd.sent)
	}
}

func TestSession_DoesNotBlockReads(t *testing.T) {
	b := newBench(t, &fakeDispatcher{})
	b.Select("uno")

	entered := make(chan struct{})
	release := make(chan struct{})
	sessionDone := make(chan error, 1)
	go func() {
		sessionDone <- b.Session(context.Background(), func(*bench.Session) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	reads := map[string]func(){
		"Render":           func() { b.Render(models.OpI2CScan, nil) },
		"Prepare":          func() { b.Prepare(models.OpI2CScan, nil) },
		"Platforms":        func() { b.Platforms() },
		"Get":              func() { b.Get("uno") },
		"Current":          func() { b.Current() },
		"SelectedPlatform": func() { b.SelectedPlatform() },
		"TransportCounts":  func() { b.TransportCounts() },
	}
	for name, read := range reads {
		done := make(chan struct{})
		go func() {
			read()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(200 * time.Millisecond):
			t.Errorf("%s blocked behind a running session", name)
		}
	}

	selected := make(chan error, 1)
	go func() { selected <- b.Select("uno") }()
	select {
	case <-selected:
		t.Error("Select returned while a session was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-sessionDone; err != nil {
		t.Errorf("Session: %v", err)
	}
	if err := <-selected; err != nil {
		t.Errorf("Select: %v", err)
	}
}

func TestSession_PinsAndRegisters(t *testing.T) {
	fd := &fakeDispatcher{answer: func(cmd string) (dispatch.Result, error) {
		switch {
		case cmd == "I2CR 49 00":
			return dispatch.Result{Output: "OK 40", OK: true}, nil
		case cmd == "GPIO? 2":
			return dispatch.Result{Output: "1", OK: true}, nil
		case strings.HasPrefix(cmd, "I2CW 49 7F"):
			return dispatch.Result{Output: "ERR nack", OK: false}, nil
		}
		return dispatch.Result{Output: "OK", OK: true}, nil
	}}
	b := newBench(t, fd)
	b.Select("uno")

	err := b.Session(context.Background(), func(s *bench.Session) error {
		ctx := context.Background()
		if err := s.SetPin(ctx, models.PinStatusLED, true); err != nil {
			return err
		}
		if err := s.SetPin(ctx, models.PinReset, false); err != nil {
			return err
		}
		high, err := s.ReadPin(ctx, models.PinInterrupt)
		if err != nil {
			return err
		}
		if !high {
			t.Error("ReadPin: expected high")
		}
		v, err := s.ReadRegister(ctx, 0x00)
		if err != nil {
			return err
		}
		if v != 0x40 {
			t.Errorf("ReadRegister: got %#x", v)
		}
		if err := s.WriteRegister(ctx, 0x04, 0x01); err != nil {
			return err
		}
		if err := s.WriteRegister(ctx, 0x7F, 0x01); !errors.Is(err, dispatch.ErrCommandFailed) {
			t.Errorf("expected ErrCommandFailed, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Session: %v", err)
	}

	want := []string{"GPIO 13 1", "GPIO 7 0", "GPIO? 2", "I2CR 49 00", "I2CW 49 04 01", "I2CW 49 7F 01"}
	if strings.Join(fd.sent, "|") != strings.Join(want, "|") {
		t.Errorf("sent:\n got %v\nwant %v", fd.sent, want)
	}
}

func TestBus_Tx(t *testing.T) {
	fd := &fakeDispatcher{answer: func(cmd string) (dispatch.Result, error) {
		if cmd == "I2CR 29 02" {
			return dispatch.Result{Output: "0x1f", OK: true}, nil
		}
		return dispatch.Result{OK: true}, nil
	}}
	b := newBench(t, fd)
	b.Select("uno")

	err := b.Session(context.Background(), func(s *bench.Session) error {
		var i2c drivers.I2C = s.Bus(context.Background())

		r := make([]byte, 1)
		if err := i2c.Tx(0x29, []byte{0x02}, r); err != nil {
			return err
		}
		if r[0] != 0x1f {
			t.Errorf("read: got %#x", r[0])
		}
		if err := i2c.Tx(0x29, []byte{0x01, 0x84}, nil); err != nil {
			return err
		}
		if err := i2c.Tx(0x29, nil, make([]byte, 4)); !errors.Is(err, bench.ErrUnsupportedTx) {
			t.Errorf("expected ErrUnsupportedTx, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if fd.sent[1] != "I2CW 29 01 84" {
		t.Errorf("write: got %q", fd.sent[1])
	}
}

func TestTransportDispatchErrorWrapped(t *testing.T) {
	boom := errors.New("port vanished")
	fd := &fakeDispatcher{answer: func(string) (dispatch.Result, error) {
		return dispatch.Result{}, boom
	}}
	b := newBench(t, fd)
	b.Select("uno")
	_, err := b.Run(context.Background(), models.OpI2CScan, nil)
	if !errors.Is(err, boom) || !strings.Contains(err.Error(), "i2c_scan") {
		t.Errorf("got %v", err)
	}
}

func TestDispatcherCachedAndClosed(t *testing.T) {
	fd := &fakeDispatcher{}
	var builds int
	reg, _ := platform.New(testPlatform())
	b := bench.New(reg, nil, bench.WithDispatcherFactory(func(models.Communication, *slog.Logger) (dispatch.Dispatcher, error) {
		builds++
		return fd, nil
	}))
	b.Select("uno")
	for i := 0; i < 3; i++ {
		if _, err := b.Run(context.Background(), models.OpI2CScan, nil); err != nil {
			t.Fatalf("Run: %v", err)
		}
	}
	if builds != 1 {
		t.Errorf("builds: got %d, want 1", builds)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !fd.closed {
		t.Error("dispatcher not closed")
	}
}

func TestMetricsSource(t *testing.T) {
	b := newBench(t, &fakeDispatcher{})
	if got := b.TransportCounts(); got["serial"] != 1 || len(got) != 1 {
		t.Errorf("TransportCounts: %v", got)
	}
	if _, ok := b.SelectedPlatform(); ok {
		t.Error("expected no selection")
	}
	b.Select("uno")
	if id, ok := b.SelectedPlatform(); !ok || id != "uno" {
		t.Errorf("SelectedPlatform: %q %v", id, ok)
	}
}

func TestParseByte(t *testing.T) {
	tests := []struct {
		in      string
		want    byte
		wantErr bool
	}{
		{"0x40", 0x40, false},
		{"0X4f\n", 0x4f, false},
		{"OK 40", 0x40, false},
		{"ff", 0xff, false},
		{"", 0, true},
		{"0x100", 0, true},
		{"Error: Read failed", 0, true},
	}
	for _, tt := range tests {
		got, err := bench.ParseByte(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseByte(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseByte(%q) = %#x, want %#x", tt.in, got, tt.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]bool{"1": true, "0": false, "PB7 high": true, "off": false} {
		got, err := bench.ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := bench.ParseLevel("maybe"); err == nil {
		t.Error("expected error")
	}
}
