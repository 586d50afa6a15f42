package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/cjeanneret/bracketcam/internal/debug"
	"github.com/cjeanneret/bracketcam/internal/logic/capture"
	"github.com/cjeanneret/bracketcam/internal/storage"
)

const (
	maxBodyBytes       = 64 << 10
	defaultBurstsLimit = 20
	maxBurstsLimit     = 500
	heartbeatInterval  = 30 * time.Second
)

// Controller is the part of the capture orchestrator the HTTP surface drives.
type Controller interface {
	State(ctx context.Context) (capture.State, error)
	PerformBracketedCapture(ctx context.Context, brackets []capture.Bracket) error
	FindExposureLock(ctx context.Context) error
	TakePicture(ctx context.Context) error
}

// Journal lists recorded bursts.
type Journal interface {
	RecentBursts(ctx context.Context, limit int) ([]storage.Burst, error)
}

// BurstRequest is the body of POST /burst.
type BurstRequest struct {
	Brackets []capture.Bracket `json:"brackets"`
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	Controller  Controller
	Journal     Journal // nil disables GET /bursts
	Monitor     *Monitor

	burstSchema *jsonschema.Schema
}

// NewHandlers creates handlers with the given dependencies. It fails only if
// the embedded request schema does not compile.
func NewHandlers(broadcaster *StatusBroadcaster, ctrl Controller, journal Journal, mon *Monitor) (*Handlers, error) {
	schema, err := compileSchema("burst.json", burstSchemaURL)
	if err != nil {
		return nil, err
	}
	return &Handlers{
		Broadcaster: broadcaster,
		Controller:  ctrl,
		Journal:     journal,
		Monitor:     mon,
		burstSchema: schema,
	}, nil
}

// HandleStatus handles GET /status.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	state, err := h.Controller.State(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state": state.String(),
		"ready": state == capture.StateReady,
	})
}

// HandleCharacteristics handles GET /characteristics.
func (h *Handlers) HandleCharacteristics(w http.ResponseWriter, r *http.Request) {
	c, ok := h.Monitor.Characteristics()
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("no device characteristics reported yet"))
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// HandleBurst handles POST /burst.
func (h *Handlers) HandleBurst(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := validateAgainstSchema(h.burstSchema, raw); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid burst request: %w", err))
		return
	}
	var req BurstRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid burst request: %w", err))
		return
	}

	if err := h.Controller.PerformBracketedCapture(r.Context(), req.Brackets); err != nil {
		debug.Verbose("burst rejected: %v", err)
		writeError(w, statusFor(err), err)
		return
	}
	h.Broadcaster.BroadcastMsg(fmt.Sprintf("burst of %d brackets started", len(req.Brackets)))
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "started", "brackets": len(req.Brackets)})
}

// HandleExposureLock handles POST /exposure-lock.
func (h *Handlers) HandleExposureLock(w http.ResponseWriter, r *http.Request) {
	h.start(w, h.Controller.FindExposureLock(r.Context()))
}

// HandlePicture handles POST /picture.
func (h *Handlers) HandlePicture(w http.ResponseWriter, r *http.Request) {
	h.start(w, h.Controller.TakePicture(r.Context()))
}

func (h *Handlers) start(w http.ResponseWriter, err error) {
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// HandleBursts handles GET /bursts?limit=N.
func (h *Handlers) HandleBursts(w http.ResponseWriter, r *http.Request) {
	if h.Journal == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("journal not configured"))
		return
	}
	limit := defaultBurstsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxBurstsLimit {
			writeError(w, http.StatusBadRequest, fmt.Errorf("limit must be between 1 and %d", maxBurstsLimit))
			return
		}
		limit = n
	}
	bursts, err := h.Journal.RecentBursts(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if bursts == nil {
		bursts = []storage.Burst{}
	}
	writeJSON(w, http.StatusOK, bursts)
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	_, _ = io.WriteString(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = io.WriteString(w, "data: "+msg+"\n\n")
			flusher.Flush()

		case <-ticker.C:
			_, _ = io.WriteString(w, ": heartbeat\n\n")
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// statusFor maps orchestrator errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, capture.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, capture.ErrNoBrackets),
		errors.Is(err, capture.ErrTooManyBrackets),
		errors.Is(err, capture.ErrBracketOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, capture.ErrShutdown), errors.Is(err, capture.ErrNotStarted):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		debug.Verbose("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
