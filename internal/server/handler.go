package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"jobvend/internal/archive"
	"jobvend/internal/dvm"
)

// Controller is the lifecycle surface of the job service.
type Controller interface {
	Start(ctx context.Context) error
	Stop()
	Status() dvm.ServiceStatus
	Pending() []dvm.PendingJob
}

type HistoryReader interface {
	Jobs(ctx context.Context, page dvm.Page) (dvm.JobPage, error)
	Stats(ctx context.Context) (dvm.JobStatistics, error)
}

type OutputReader interface {
	Get(ctx context.Context, jobID string) (archive.Object, error)
}

type Handler struct {
	ctl     Controller
	history HistoryReader
	outputs OutputReader
	logger  *zap.Logger
}

// NewHandler builds the API handler. outputs may be nil.
func NewHandler(ctl Controller, history HistoryReader, outputs OutputReader, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{ctl: ctl, history: history, outputs: outputs, logger: logger.With(zap.String("component", "api"))}
}

func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.ctl.Status())
}

func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	if err := h.ctl.Start(r.Context()); err != nil {
		h.logger.Warn("start failed", zap.Error(err))
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, h.ctl.Status())
}

func (h *Handler) Stop(w http.ResponseWriter, _ *http.Request) {
	h.ctl.Stop()
	writeJSON(w, http.StatusOK, h.ctl.Status())
}

func (h *Handler) Pending(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": h.ctl.Pending()})
}

func (h *Handler) Jobs(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	out, err := h.history.Jobs(r.Context(), page)
	if err != nil {
		h.logger.Warn("list jobs failed", zap.Error(err))
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	out, err := h.history.Stats(r.Context())
	if err != nil {
		h.logger.Warn("stats failed", zap.Error(err))
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) Output(w http.ResponseWriter, r *http.Request) {
	if h.outputs == nil {
		writeError(w, http.StatusNotFound, errors.New("result archive is disabled"))
		return
	}
	id := mux.Vars(r)["id"]
	obj, err := h.outputs.Get(r.Context(), id)
	if errors.Is(err, archive.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	w.Header().Set("Content-Type", obj.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(obj.Content)
}

func parsePage(r *http.Request) (dvm.Page, error) {
	var page dvm.Page
	q := r.URL.Query()
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return page, errors.New("limit must be a non-negative integer")
		}
		page.Limit = n
	}
	if v := strings.TrimSpace(q.Get("offset")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return page, errors.New("offset must be a non-negative integer")
		}
		page.Offset = n
	}
	return page, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, dvm.ErrConfiguration):
		return http.StatusUnprocessableEntity
	case errors.Is(err, dvm.ErrConnection):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
