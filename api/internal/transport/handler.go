package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/you-humble/taskdispatch/core/broker"
	"github.com/you-humble/taskdispatch/core/domain"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
)

type Usecase interface {
	Submit(ctx context.Context, description string) (domain.SubmitResponse, error)
	Status(ctx context.Context, id string) (domain.StatusResponse, error)
	Delete(ctx context.Context, id string) error
	Republish(ctx context.Context, id string) error
}

type BrokerState interface {
	State() broker.State
}

type submitRequest struct {
	Description string `json:"description" validate:"required,max=10000"`
}

type healthResponse struct {
	Status string `json:"status"`
	Broker string `json:"broker"`
}

type handler struct {
	maxBodyBytes int64
	usecase      Usecase
	broker       BrokerState
	validate     *validator.Validate
}

func NewHandler(maxBodyBytes int64, uc Usecase, b BrokerState) *handler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	return &handler{
		maxBodyBytes: maxBodyBytes,
		usecase:      uc,
		broker:       b,
		validate:     validator.New(),
	}
}

func (h *handler) submit(w http.ResponseWriter, r *http.Request) {
	logger := requestLogger(r, "submit")

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	defer r.Body.Close()

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("decode body", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "request body must be JSON with a `description` field")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "field `description` is required")
		return
	}

	resp, err := h.usecase.Submit(r.Context(), req.Description)
	if err != nil {
		if errors.Is(err, domain.ErrEmptyDescription) || errors.Is(err, domain.ErrInvalidTask) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		logger.Error("Submit usecase", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "cannot create task")
		return
	}

	logger.Info("task submitted",
		slog.String("task_id", resp.TaskID),
		slog.Bool("queued", resp.Queued),
	)
	writeJSON(w, http.StatusAccepted, resp)
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	logger := requestLogger(r, "status")
	taskID := chi.URLParam(r, "id")

	resp, err := h.usecase.Status(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		logger.Error("Status usecase",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) delete(w http.ResponseWriter, r *http.Request) {
	logger := requestLogger(r, "delete")
	taskID := chi.URLParam(r, "id")

	if err := h.usecase.Delete(r.Context(), taskID); err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		logger.Error("Delete usecase",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "cannot delete task")
		return
	}

	writeJSON(w, http.StatusOK, domain.DeleteResponse{
		Message: "Task deleted",
		TaskID:  taskID,
	})
}

func (h *handler) republish(w http.ResponseWriter, r *http.Request) {
	logger := requestLogger(r, "republish")
	taskID := chi.URLParam(r, "id")

	err := h.usecase.Republish(r.Context(), taskID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, domain.SubmitResponse{
			Message: "Task republished",
			TaskID:  taskID,
			Status:  domain.StatusPending,
			Queued:  true,
		})
	case errors.Is(err, domain.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, domain.ErrTaskNotPending):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, broker.ErrBrokerUnavailable):
		writeError(w, http.StatusServiceUnavailable, "broker unavailable")
	default:
		logger.Error("Republish usecase",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "cannot republish task")
	}
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	state := h.broker.State()
	resp := healthResponse{Status: "ok", Broker: state.String()}
	if state != broker.StateConnected {
		resp.Status = "degraded"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func requestLogger(r *http.Request, name string) *slog.Logger {
	return slog.With(
		slog.String("request_id", middleware.GetReqID(r.Context())),
		slog.String("handler", name),
		slog.String("remote_addr", r.RemoteAddr),
	)
}

func writeError(w http.ResponseWriter, status int, message string) {
	if message == "" {
		message = http.StatusText(status)
	}
	resp := domain.ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("writeJSON", slog.String("error", err.Error()))
	}
}
