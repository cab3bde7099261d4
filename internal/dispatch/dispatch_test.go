package dispatch_test

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.bug.st/serial"

	"github.com/tphummel/as7265x_bench/internal/dispatch"
	"github.com/tphummel/as7265x_bench/internal/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newDispatcher(t *testing.T, c models.Communication) dispatch.Dispatcher {
	t.Helper()
	d, err := dispatch.New(c, discardLogger(), dispatch.WithRetryDelay(time.Millisecond))
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func direct() models.Communication {
	return models.Communication{Type: models.TransportDirect, Timeout: 5 * time.Second, Retries: 1}
}

func TestNew_UnknownTransport(t *testing.T) {
	_, err := dispatch.New(models.Communication{Type: "carrier_pigeon"}, discardLogger())
	if !errors.Is(err, dispatch.ErrUnsupportedTransport) {
		t.Errorf("expected ErrUnsupportedTransport, got %v", err)
	}
}

func TestExec_CapturesOutput(t *testing.T) {
	d := newDispatcher(t, direct())
	res, err := d.Dispatch(context.Background(), "echo 'PA8 high'")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !res.OK || res.Output != "PA8 high" {
		t.Errorf("got %+v", res)
	}
}

func TestExec_DoesNotUseShell(t *testing.T) {
	d := newDispatcher(t, direct())
	res, err := d.Dispatch(context.Background(), "echo $HOME;true")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Output != "$HOME;true" {
		t.Errorf("argument was interpreted: %q", res.Output)
	}
}

func TestExec_NonZeroExitIsFailedResult(t *testing.T) {
	c := direct()
	c.Shell = true
	d := newDispatcher(t, c)
	res, err := d.Dispatch(context.Background(), "echo no device >&2; exit 2")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.OK {
		t.Fatal("expected OK=false")
	}
	if res.Stderr != "no device" {
		t.Errorf("Stderr: got %q", res.Stderr)
	}
	if !errors.Is(res.Err(), dispatch.ErrCommandFailed) {
		t.Errorf("Err: got %v", res.Err())
	}
}

func TestExec_MissingBinary(t *testing.T) {
	d := newDispatcher(t, direct())
	if _, err := d.Dispatch(context.Background(), "definitely-not-a-bench-tool 1"); err == nil {
		t.Error("expected an error for a missing executable")
	}
}

func TestExec_Timeout(t *testing.T) {
	c := direct()
	c.Timeout = 50 * time.Millisecond
	d := newDispatcher(t, c)
	_, err := d.Dispatch(context.Background(), "sleep 5")
	if !errors.Is(err, dispatch.ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestExec_BadQuoting(t *testing.T) {
	d := newDispatcher(t, direct())
	if _, err := d.Dispatch(context.Background(), "echo 'unterminated"); err == nil {
		t.Error("expected a split error")
	}
}

// lineServer answers each connection with reply(cmd). Returning "" closes
// the connection without replying.
func lineServer(t *testing.T, reply func(n int, cmd string) string) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	var n int64
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			i := int(atomic.AddInt64(&n, 1))
			go func() {
				defer conn.Close()
				cmd, err := bufio.NewReader(conn).ReadString('\n')
				if err != nil {
					return
				}
				if out := reply(i, strings.TrimSpace(cmd)); out != "" {
					io.WriteString(conn, out+"\n")
				}
			}()
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func tcpComm(host string, port, retries int) models.Communication {
	return models.Communication{
		Type:    models.TransportTCP,
		Host:    host,
		Port:    port,
		Timeout: 2 * time.Second,
		Retries: retries,
	}
}

func TestTCP_LineProtocol(t *testing.T) {
	host, port := lineServer(t, func(_ int, cmd string) string {
		switch cmd {
		case "I2CR 49 00":
			return "OK 0x40"
		default:
			return "ERR unknown command"
		}
	})
	d := newDispatcher(t, tcpComm(host, port, 1))

	res, err := d.Dispatch(context.Background(), "I2CR 49 00")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !res.OK || res.Output != "OK 0x40" {
		t.Errorf("got %+v", res)
	}

	res, err = d.Dispatch(context.Background(), "BOGUS")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.OK {
		t.Errorf("expected ERR reply to fail, got %+v", res)
	}
}

func TestTCP_RetriesTransportErrors(t *testing.T) {
	host, port := lineServer(t, func(n int, _ string) string {
		if n < 3 {
			return ""
		}
		return "OK"
	})
	d := newDispatcher(t, tcpComm(host, port, 3))

	res, err := d.Dispatch(context.Background(), "GPIO 13 1")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !res.OK {
		t.Errorf("got %+v", res)
	}
}

func TestTCP_GivesUpAfterRetries(t *testing.T) {
	var calls int64
	host, port := lineServer(t, func(int, string) string {
		atomic.AddInt64(&calls, 1)
		return ""
	})
	d := newDispatcher(t, tcpComm(host, port, 2))

	if _, err := d.Dispatch(context.Background(), "GPIO 13 1"); err == nil {
		t.Fatal("expected an error")
	}
	// The handler runs after the dispatcher sees EOF, so allow it to land.
	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt64(&calls) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := atomic.LoadInt64(&calls); got != 2 {
		t.Errorf("attempts: got %d, want 2", got)
	}
}

func TestTCP_CommandFailureNotRetried(t *testing.T) {
	var calls int64
	host, port := lineServer(t, func(int, string) string {
		atomic.AddInt64(&calls, 1)
		return "ERR nack"
	})
	d := newDispatcher(t, tcpComm(host, port, 3))

	res, err := d.Dispatch(context.Background(), "I2CW 49 01 80")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.OK {
		t.Error("expected OK=false")
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Errorf("attempts: got %d, want 1", got)
	}
}

func TestTCP_HTTPMode(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Method+" "+r.URL.Path)
		mu.Unlock()
		switch r.URL.Path {
		case "/i2c/0/49/00":
			io.WriteString(w, "0x40\n")
		case "/gpio/2/1":
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "no such route", http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())
	d := newDispatcher(t, tcpComm(u.Hostname(), port, 1))

	res, err := d.Dispatch(context.Background(), "GET /i2c/0/49/00")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !res.OK || res.Output != "0x40" {
		t.Errorf("read: got %+v", res)
	}

	res, err = d.Dispatch(context.Background(), "POST /gpio/2/1")
	if err != nil || !res.OK {
		t.Errorf("gpio: got %+v, %v", res, err)
	}

	res, err = d.Dispatch(context.Background(), "DELETE /nope")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.OK {
		t.Errorf("expected 404 to fail, got %+v", res)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"GET /i2c/0/49/00", "POST /gpio/2/1", "DELETE /nope"}
	if strings.Join(seen, ",") != strings.Join(want, ",") {
		t.Errorf("requests: got %v, want %v", seen, want)
	}
}

func TestSplitHTTP(t *testing.T) {
	tests := []struct {
		in     string
		method string
		path   string
		ok     bool
	}{
		{"GET /i2c/1/scan", "GET", "/i2c/1/scan", true},
		{"POST /gpio/2/1", "POST", "/gpio/2/1", true},
		{"GPIO 2 1", "", "", false},
		{"GET i2c", "", "", false},
		{"PATCH /x", "", "", false},
		{"GET /a b", "", "", false},
	}
	for _, tt := range tests {
		method, path, ok := dispatch.SplitHTTP(tt.in)
		if method != tt.method || path != tt.path || ok != tt.ok {
			t.Errorf("SplitHTTP(%q) = %q, %q, %v", tt.in, method, path, ok)
		}
	}
}

// fakePort replays canned replies for each written line, a few bytes per
// read.
type fakePort struct {
	mu      sync.Mutex
	written bytes.Buffer
	pending bytes.Buffer
	replies map[string]string
	closed  bool
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written.Write(b)
	cmd := strings.TrimSpace(string(b))
	if r, ok := p.replies[cmd]; ok {
		p.pending.WriteString(r + "\r\n")
	}
	return len(b), nil
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.pending.Len() == 0 {
		p.mu.Unlock()
		// A real port blocks for the read timeout before returning 0, nil.
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	defer p.mu.Unlock()
	return p.pending.Read(b[:min(len(b), 3)])
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) SetReadTimeout(time.Duration) error { return nil }

func (p *fakePort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending.Reset()
	return nil
}

func serialComm() models.Communication {
	return models.Communication{
		Type:     models.TransportSerial,
		Device:   "/dev/ttyACM0",
		BaudRate: 115200,
		Timeout:  100 * time.Millisecond,
		Retries:  1,
	}
}

func TestSerial_OpensLazilyAndReusesPort(t *testing.T) {
	fp := &fakePort{replies: map[string]string{"I2CR 49 00": "OK 40", "I2CSCAN": "49"}}
	var opens int
	var gotMode *serial.Mode
	d := dispatch.NewSerialWithOpener(serialComm(), discardLogger(), func(dev string, mode *serial.Mode) (dispatch.Port, error) {
		opens++
		gotMode = mode
		return fp, nil
	})
	if opens != 0 {
		t.Fatal("port opened before first dispatch")
	}

	for _, cmd := range []string{"I2CR 49 00", "I2CSCAN"} {
		res, err := d.Dispatch(context.Background(), cmd)
		if err != nil {
			t.Fatalf("Dispatch(%q): %v", cmd, err)
		}
		if !res.OK {
			t.Errorf("Dispatch(%q): %+v", cmd, res)
		}
	}
	if opens != 1 {
		t.Errorf("opens: got %d, want 1", opens)
	}
	if gotMode.BaudRate != 115200 || gotMode.DataBits != 8 || gotMode.Parity != serial.NoParity || gotMode.StopBits != serial.OneStopBit {
		t.Errorf("mode: %+v", gotMode)
	}
	if fp.written.String() != "I2CR 49 00\nI2CSCAN\n" {
		t.Errorf("written: %q", fp.written.String())
	}

	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !fp.closed {
		t.Error("port not closed")
	}
}

func TestSerial_TimeoutDropsPort(t *testing.T) {
	fp := &fakePort{replies: map[string]string{}}
	opens := 0
	d := dispatch.NewSerialWithOpener(serialComm(), discardLogger(), func(string, *serial.Mode) (dispatch.Port, error) {
		opens++
		return fp, nil
	})

	_, err := d.Dispatch(context.Background(), "GPIO 13 1")
	if !errors.Is(err, dispatch.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if !fp.closed {
		t.Error("expected the port to be closed after a timeout")
	}
	d.Dispatch(context.Background(), "GPIO 13 1")
	if opens != 2 {
		t.Errorf("opens: got %d, want 2", opens)
	}
}

func TestSerial_ErrReply(t *testing.T) {
	fp := &fakePort{replies: map[string]string{"I2CR 49 FF": "ERR nack"}}
	d := dispatch.NewSerialWithOpener(serialComm(), discardLogger(), func(string, *serial.Mode) (dispatch.Port, error) {
		return fp, nil
	})
	res, err := d.Dispatch(context.Background(), "I2CR 49 FF")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.OK || res.Output != "ERR nack" {
		t.Errorf("got %+v", res)
	}
}

func TestSerial_OpenError(t *testing.T) {
	d := dispatch.NewSerialWithOpener(serialComm(), discardLogger(), func(string, *serial.Mode) (dispatch.Port, error) {
		return nil, errors.New("no such device")
	})
	if _, err := d.Dispatch(context.Background(), "I2CSCAN"); err == nil || !strings.Contains(err.Error(), "/dev/ttyACM0") {
		t.Errorf("expected open error naming the device, got %v", err)
	}
}

func TestResult_Err(t *testing.T) {
	if err := (dispatch.Result{OK: true}).Err(); err != nil {
		t.Errorf("OK result: %v", err)
	}
	err := dispatch.Result{Output: "ERR nack"}.Err()
	if !errors.Is(err, dispatch.ErrCommandFailed) || !strings.Contains(err.Error(), "nack") {
		t.Errorf("got %v", err)
	}
}
