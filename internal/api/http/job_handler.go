// internal/api/http/job_handler.go
package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"async-dispatch/internal/domain"
	"async-dispatch/internal/metrics"
	"async-dispatch/internal/usecase"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const maxBodyBytes = 1 << 20

// Dispatcher is the submission side of the pipeline.
type Dispatcher interface {
	Submit(ctx context.Context, job *domain.Job) (usecase.SubmitResult, error)
	Get(ctx context.Context, taskID string) (*domain.TaskRecord, error)
}

// WorkerLister returns the addresses of registered worker processes.
type WorkerLister interface {
	GetWorkers() []string
}

// JobHandler handles job submission and status requests.
type JobHandler struct {
	service  Dispatcher
	workers  WorkerLister
	limiter  *rate.Limiter
	logger   *slog.Logger
	validate *validator.Validate
	tracer   trace.Tracer
}

// NewJobHandler creates a JobHandler. workers and limiter may be nil.
func NewJobHandler(service Dispatcher, workers WorkerLister, limiter *rate.Limiter, logger *slog.Logger) *JobHandler {
	return &JobHandler{
		service:  service,
		workers:  workers,
		limiter:  limiter,
		logger:   logger.With("component", "job-handler"),
		validate: validator.New(),
		tracer:   otel.Tracer("async-dispatch-api"),
	}
}

// NewLimiter returns nil when perSecond is not positive.
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// RegisterRoutes registers job-related routes on r.
func (h *JobHandler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.instrument)
		r.Post("/asynsum", h.handleSubmit)
		r.Get("/asynsum", h.handleLegacyGet)
		r.Post("/jobs", h.handleSubmit)
		r.Get("/jobs/{task_id}", h.handleGetTask)
		r.Get("/workers", h.handleListWorkers)
	})
}

func (h *JobHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.Submit")
	defer span.End()

	if h.limiter != nil && !h.limiter.Allow() {
		span.SetStatus(codes.Error, "rate limited")
		writeReply(w, http.StatusTooManyRequests, Reply{Msg: "too many requests", Code: CodeUnavailable})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read request body")
		writeReply(w, http.StatusBadRequest, Reply{Msg: "failed to read request body", Code: CodeInvalid})
		return
	}

	req, err := DecodeSubmitRequest(body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to decode request body")
		writeReply(w, http.StatusBadRequest, Reply{Msg: err.Error(), Code: CodeInvalid})
		return
	}

	if err := h.validate.Struct(req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		writeReply(w, http.StatusBadRequest, Reply{Msg: validationMessage(err), Code: CodeInvalid, TaskID: req.TaskID})
		return
	}

	job := req.ToDomainJob()
	res, err := h.service.Submit(ctx, job)
	if err != nil {
		span.RecordError(err)
		status, reply := replyForError(err)
		reply.TaskID = job.TaskID
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, "failed to submit job")
		}
		writeReply(w, status, reply)
		return
	}

	span.SetAttributes(attribute.String("task.id", res.TaskID))
	writeReply(w, http.StatusAccepted, Reply{Msg: "ok", Code: CodeAccepted, TaskID: res.TaskID})
}

// handleLegacyGet answers GET on the submission path the way early clients expect.
func (h *JobHandler) handleLegacyGet(w http.ResponseWriter, r *http.Request) {
	writeReply(w, http.StatusOK, Reply{Msg: "", Code: CodeInvalid})
}

func (h *JobHandler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	ctx, span := h.tracer.Start(r.Context(), "handler.GetTask")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", taskID))

	record, err := h.service.Get(ctx, taskID)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, domain.ErrTaskNotFound) {
			writeReply(w, http.StatusNotFound, Reply{Msg: err.Error(), Code: CodeInvalid, TaskID: taskID})
			return
		}
		span.SetStatus(codes.Error, "failed to get task from service")
		h.logger.Error("error getting task", "task_id", taskID, "error", err)
		writeReply(w, http.StatusInternalServerError, Reply{Msg: "internal server error", Code: CodeUnavailable, TaskID: taskID})
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *JobHandler) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers := []string{}
	if h.workers != nil {
		workers = append(workers, h.workers.GetWorkers()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": workers})
}

// instrument records a span attribute set and the request counter per route.
func (h *JobHandler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.tracer.Start(r.Context(), "HTTP "+r.Method, trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		))
		defer span.End()
		r = r.WithContext(ctx)

		iw := &instrumentedResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(iw, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		span.SetName("HTTP " + r.Method + " " + path)
		metrics.HttpRequestsTotal.WithLabelValues(path, r.Method, strconv.Itoa(iw.statusCode)).Inc()

		span.SetAttributes(attribute.Int("http.status_code", iw.statusCode))
		if iw.statusCode >= 500 {
			span.SetStatus(codes.Error, "Server Error")
		}
	})
}

func replyForError(err error) (int, Reply) {
	switch {
	case errors.Is(err, domain.ErrInvalidJob):
		return http.StatusBadRequest, Reply{Msg: err.Error(), Code: CodeInvalid}
	case errors.Is(err, domain.ErrDuplicateTask):
		return http.StatusConflict, Reply{Msg: "duplicate task id", Code: CodeDuplicate}
	case errors.Is(err, domain.ErrQueueUnavailable):
		return http.StatusServiceUnavailable, Reply{Msg: "queue unavailable, retry later", Code: CodeUnavailable}
	default:
		return http.StatusInternalServerError, Reply{Msg: "internal server error", Code: CodeUnavailable}
	}
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	msg := "validation failed:"
	for _, fe := range verrs {
		msg += " field '" + fe.Field() + "' failed on the '" + fe.Tag() + "' tag;"
	}
	return msg
}

func writeReply(w http.ResponseWriter, status int, reply Reply) {
	writeJSON(w, status, reply)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// A helper struct to capture the status code
type instrumentedResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *instrumentedResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
