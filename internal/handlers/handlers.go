package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"

	"github.com/tphummel/as7265x_bench/internal/bench"
	"github.com/tphummel/as7265x_bench/internal/command"
	"github.com/tphummel/as7265x_bench/internal/db"
	"github.com/tphummel/as7265x_bench/internal/models"
	"github.com/tphummel/as7265x_bench/internal/platform"
	"github.com/tphummel/as7265x_bench/internal/sensor"
)

const maxBodyBytes = 64 * 1024

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	Bench   *bench.Bench
	Tester  *sensor.Tester
	DB      *db.DB
	Version string
	Commit  string
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeBody reads a JSON request body into v. An empty body leaves v
// untouched. It writes the error response itself and reports false on
// failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

// writeBenchError maps registry and render errors onto HTTP statuses.
func writeBenchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, platform.ErrNotSelected):
		writeError(w, http.StatusConflict, "no platform selected; select a platform first")
	case errors.Is(err, platform.ErrUnknownPlatform):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, command.ErrUnknownOperation):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, command.ErrMissingParameter), errors.Is(err, command.ErrInvalidParameter):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("bench request failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// rejected reports whether err stopped a request before anything was sent.
func rejected(err error) bool {
	return errors.Is(err, platform.ErrNotSelected) ||
		errors.Is(err, command.ErrUnknownOperation) ||
		errors.Is(err, command.ErrMissingParameter) ||
		errors.Is(err, command.ErrInvalidParameter)
}

// Health handles GET /healthz. Returns 503 if the database is unreachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.DB.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	runs, err := h.DB.CountByResult()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	selected, _ := h.Bench.SelectedPlatform()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   h.Version,
		"commit":    h.Commit,
		"platforms": len(h.Bench.Platforms()),
		"selected":  selected,
		"runs":      runs,
	})
}

// ListPlatforms handles GET /api/v1/platforms.
func (h *Handler) ListPlatforms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Bench.Platforms())
}

// GetPlatform handles GET /api/v1/platforms/{id}.
func (h *Handler) GetPlatform(w http.ResponseWriter, r *http.Request) {
	p, err := h.Bench.Get(r.PathValue("id"))
	if err != nil {
		writeBenchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type selection struct {
	Platform string `json:"platform"`
	Name     string `json:"name,omitempty"`
}

// GetSelection handles GET /api/v1/selection.
func (h *Handler) GetSelection(w http.ResponseWriter, r *http.Request) {
	p, err := h.Bench.Current()
	if errors.Is(err, platform.ErrNotSelected) {
		writeError(w, http.StatusNotFound, "no platform selected")
		return
	}
	if err != nil {
		writeBenchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, selection{Platform: p.ID, Name: p.Name})
}

// PutSelection handles PUT /api/v1/selection. An unknown id leaves the
// previous selection in place.
func (h *Handler) PutSelection(w http.ResponseWriter, r *http.Request) {
	var req selection
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Platform == "" {
		writeError(w, http.StatusBadRequest, "platform is required")
		return
	}
	if err := h.Bench.Select(req.Platform); err != nil {
		writeBenchError(w, err)
		return
	}
	p, err := h.Bench.Get(req.Platform)
	if err != nil {
		writeBenchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, selection{Platform: p.ID, Name: p.Name})
}

type commandRequest struct {
	Params   map[string]any `json:"params"`
	Dispatch bool           `json:"dispatch"`
}

type commandResponse struct {
	Platform  string           `json:"platform"`
	Operation models.Operation `json:"operation"`
	Command   string           `json:"command"`
	OK        *bool            `json:"ok,omitempty"`
	Output    string           `json:"output,omitempty"`
	Stderr    string           `json:"stderr,omitempty"`
}

// jsonParams converts request parameters. Numbers must be integers; strings
// are read the way the CLI reads them, so "0x49" is an integer and "PA8" a
// pin name.
func jsonParams(in map[string]any) (command.Params, error) {
	out := make(command.Params, len(in))
	for name, raw := range in {
		if !slices.Contains(command.Names, name) {
			return nil, fmt.Errorf("%w: unknown name %q", command.ErrInvalidParameter, name)
		}
		switch v := raw.(type) {
		case json.Number:
			n, err := v.Int64()
			if err != nil {
				return nil, fmt.Errorf("%w: %s must be an integer", command.ErrInvalidParameter, name)
			}
			out[name] = command.Int(n)
		case string:
			out[name] = command.ParseValue(v)
		default:
			return nil, fmt.Errorf("%w: %s must be a number or string", command.ErrInvalidParameter, name)
		}
	}
	return out, nil
}

// RenderCommand handles POST /api/v1/commands/{op}. It renders the command
// for the selected platform and, when the body sets "dispatch", sends it.
func (h *Handler) RenderCommand(w http.ResponseWriter, r *http.Request) {
	op := models.Operation(r.PathValue("op"))
	if !models.ValidOperation(op) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown operation %q", op))
		return
	}
	var req commandRequest
	if !decodeBody(w, r, &req) {
		return
	}
	params, err := jsonParams(req.Params)
	if err != nil {
		writeBenchError(w, err)
		return
	}

	if !req.Dispatch {
		x, err := h.Bench.Prepare(op, params)
		if err != nil {
			writeBenchError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, commandResponse{Platform: x.Platform, Operation: op, Command: x.Command})
		return
	}

	x, err := h.Bench.Run(r.Context(), op, params)
	if err != nil {
		if rejected(err) {
			writeBenchError(w, err)
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, commandResponse{
		Platform:  x.Platform,
		Operation: op,
		Command:   x.Command,
		OK:        &x.OK,
		Output:    x.Output,
		Stderr:    x.Stderr,
	})
}

// CreateRun handles POST /api/v1/runs. It runs the sensor test on the
// selected platform and stores the result. A failing sensor is still a 201.
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.Tester.Run(r.Context())
	if err != nil {
		if r.Context().Err() != nil {
			// client went away
			return
		}
		writeBenchError(w, err)
		return
	}
	if err := h.DB.Create(run); err != nil {
		slog.Error("failed to store run", "run", run.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store run")
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

// ListRuns handles GET /api/v1/runs with an optional ?platform= filter.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.DB.List(r.URL.Query().Get("platform"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// GetRun handles GET /api/v1/runs/{id}.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.DB.GetByID(r.PathValue("id"))
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}
