package dispatch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tphummel/as7265x_bench/internal/models"
)

// maxReply caps how much of a reply is kept.
const maxReply = 1 << 20

var httpMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodDelete: true,
}

// TCP sends commands to a networked bridge. Commands of the form
// "METHOD /path" are issued as HTTP requests; anything else is written as a
// single line on a fresh connection and the first reply line is returned.
type TCP struct {
	addr       string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

func newTCP(c models.Communication, logger *slog.Logger) (Dispatcher, error) {
	return &TCP{
		addr:       net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		timeout:    c.Timeout,
		httpClient: &http.Client{Timeout: c.Timeout},
		logger:     logger,
	}, nil
}

// splitHTTP reports whether cmd is an HTTP request line.
func splitHTTP(cmd string) (method, path string, ok bool) {
	method, path, ok = strings.Cut(strings.TrimSpace(cmd), " ")
	if !ok || !httpMethods[method] {
		return "", "", false
	}
	path = strings.TrimSpace(path)
	if !strings.HasPrefix(path, "/") || strings.ContainsAny(path, " \t") {
		return "", "", false
	}
	return method, path, true
}

func (t *TCP) Dispatch(ctx context.Context, cmd string) (Result, error) {
	if method, path, ok := splitHTTP(cmd); ok {
		return t.doRequest(ctx, method, path)
	}
	return t.line(ctx, cmd)
}

func (t *TCP) doRequest(ctx context.Context, method, path string) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, method, "http://"+t.addr+path, nil)
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReply))
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}
	out := strings.TrimSpace(string(body))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		t.logger.Debug("bridge returned error status", "method", method, "path", path, "status", resp.StatusCode)
		return Result{Output: out, Stderr: resp.Status, OK: false}, nil
	}
	return Result{Output: out, OK: true}, nil
}

func (t *TCP) line(ctx context.Context, cmd string) (Result, error) {
	d := net.Dialer{Timeout: t.timeout}
	conn, err := d.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return Result{}, fmt.Errorf("dial %s: %w", t.addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(t.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return Result{}, err
	}
	if _, err := io.WriteString(conn, cmd+"\n"); err != nil {
		return Result{}, fmt.Errorf("write %s: %w", t.addr, err)
	}

	reply, err := bufio.NewReader(io.LimitReader(conn, maxReply)).ReadString('\n')
	switch {
	case err == nil:
	case errors.Is(err, io.EOF) && reply != "":
	case errors.Is(err, io.EOF):
		return Result{}, fmt.Errorf("read %s: connection closed without reply", t.addr)
	default:
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return Result{}, fmt.Errorf("%w: no reply from %s after %s", ErrTimeout, t.addr, t.timeout)
		}
		return Result{}, fmt.Errorf("read %s: %w", t.addr, err)
	}
	return replyResult(strings.TrimSpace(reply)), nil
}

func (t *TCP) Close() error {
	t.httpClient.CloseIdleConnections()
	return nil
}
