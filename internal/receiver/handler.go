// Package receiver implements the HTTP endpoint that accepts job callbacks.
package receiver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"async-dispatch/internal/domain"
	"async-dispatch/internal/metrics"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxBodyBytes = 1 << 20

// Handler stores every callback it receives. It does not deduplicate, so a
// redelivered result is stored again.
type Handler struct {
	store  domain.CallbackStore
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

func NewHandler(store domain.CallbackStore, logger *slog.Logger) *Handler {
	return &Handler{
		store:  store,
		logger: logger.With("component", "callback-receiver"),
		tracer: otel.Tracer("async-dispatch-receiver"),
		now:    time.Now,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/callback", h.handleCallback)
	r.Get("/callbacks", h.handleList)
}

type reply struct {
	Msg  string `json:"msg"`
	Code string `json:"code"`
}

func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "receiver.Callback")
	defer span.End()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		span.RecordError(err)
		writeJSON(w, http.StatusBadRequest, reply{Msg: "failed to read request body", Code: "1"})
		return
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		span.SetStatus(codes.Error, "invalid callback body")
		writeJSON(w, http.StatusBadRequest, reply{Msg: "body must be a JSON object", Code: "1"})
		return
	}

	taskID := firstScalar(fields, "taskID", "task_id")
	if taskID == "" {
		span.SetStatus(codes.Error, "missing task id")
		writeJSON(w, http.StatusBadRequest, reply{Msg: "taskID is required", Code: "1"})
		return
	}
	span.SetAttributes(attribute.String("task.id", taskID))

	record := &domain.CallbackRecord{
		TaskID:     taskID,
		ReceivedAt: h.now(),
		Body:       json.RawMessage(body),
	}
	if err := h.store.Save(ctx, record); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to store callback")
		h.logger.Error("failed to store callback", "task_id", taskID, "error", err)
		writeJSON(w, http.StatusInternalServerError, reply{Msg: "failed to store callback", Code: "3"})
		return
	}
	metrics.CallbacksReceivedTotal.Inc()

	if sum := firstScalar(fields, "sum"); sum != "" {
		h.logger.Info(fmt.Sprintf("taskID = %s, %s", taskID, sum), "task_id", taskID)
	} else {
		h.logger.Info(fmt.Sprintf("taskID = %s", taskID), "task_id", taskID)
	}
	writeJSON(w, http.StatusOK, reply{Msg: "ok", Code: "0"})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "receiver.List")
	defer span.End()

	taskID := r.URL.Query().Get("task_id")
	records, err := h.store.List(ctx, taskID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list callbacks")
		h.logger.Error("failed to list callbacks", "task_id", taskID, "error", err)
		writeJSON(w, http.StatusInternalServerError, reply{Msg: "failed to list callbacks", Code: "3"})
		return
	}
	if records == nil {
		records = []*domain.CallbackRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// firstScalar returns the first of keys present as a JSON string or number.
func firstScalar(fields map[string]json.RawMessage, keys ...string) string {
	for _, key := range keys {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if s != "" {
				return s
			}
			continue
		}
		var n json.Number
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&n); err == nil {
			return n.String()
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
