package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/ChannelFlow/internal/engine"
	"github.com/BTreeMap/ChannelFlow/internal/models"
	"github.com/BTreeMap/ChannelFlow/internal/scheduler"
	"github.com/BTreeMap/ChannelFlow/internal/util"
)

// maxInputBytes caps POST /inputs bodies.
const maxInputBytes = 64 << 10

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"status":        "healthy",
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
		"uptime":        time.Since(s.startedAt).Round(time.Second).String(),
		"conversations": len(s.engine.Conversations()),
		"pending_jobs":  len(s.engine.Scheduler().Pending()),
	})
}

func (s *Server) conversationsHandler(w http.ResponseWriter, r *http.Request) {
	conversations := s.engine.Conversations()
	slog.Debug("Server.conversationsHandler: listing conversations", "count", len(conversations))
	writeJSONResponse(w, http.StatusOK, models.Success(conversations))
}

func (s *Server) jobsHandler(w http.ResponseWriter, r *http.Request) {
	jobs := s.engine.Scheduler().Pending()
	slog.Debug("Server.jobsHandler: listing jobs", "count", len(jobs))
	writeJSONResponse(w, http.StatusOK, models.Success(jobs))
}

func (s *Server) timersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.engine.Scheduler().Timers()))
}

func (s *Server) cancelJobHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.engine.Scheduler().Cancel(r.Context(), id)
	switch {
	case err == nil:
		slog.Info("Server.cancelJobHandler: job cancelled", "id", id)
		writeJSONResponse(w, http.StatusOK, models.NewAPIResponseBuilder().
			WithStatus(models.APIStatusOK).
			WithMessage("Job cancelled").
			WithResult(map[string]string{"id": id}).
			Build())
	case errors.Is(err, scheduler.ErrJobNotFound):
		writeJSONResponse(w, http.StatusNotFound, models.Error("Job not found"))
	case errors.Is(err, scheduler.ErrNotCancelable):
		writeJSONResponse(w, http.StatusConflict, models.Error("Job is long-lived and cannot be cancelled"))
	default:
		slog.Error("Server.cancelJobHandler: cancel failed", "error", err, "id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to cancel job"))
	}
}

// inputsHandler injects an Input as if a transport had received it. With
// ?wait=true the request blocks until the channel handled the input and
// reports handling errors.
func (s *Server) inputsHandler(w http.ResponseWriter, r *http.Request) {
	requestID := util.RandomID("req_", 12)
	var in models.Input
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxInputBytes))
	if err := dec.Decode(&in); err != nil {
		slog.Warn("Server.inputsHandler: failed to decode JSON", "error", err, "request_id", requestID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	// Messages built from JSON carry no parsed mentions yet.
	if in.Message != nil && in.Message.Entities == nil {
		in.Message.Entities = models.ParseEntities(in.Message.Text)
	}

	var err error
	if r.URL.Query().Get("wait") == "true" {
		ctx, cancel := context.WithTimeout(r.Context(), s.opts.InputTimeout)
		defer cancel()
		err = s.engine.Handle(ctx, in)
	} else {
		err = s.engine.Submit(r.Context(), in)
	}

	switch {
	case err == nil:
		slog.Debug("Server.inputsHandler: input accepted", "channel", in.Channel(), "request_id", requestID)
		writeJSONResponse(w, http.StatusAccepted, models.Accepted("Input queued for "+string(in.Channel())))
	case errors.Is(err, engine.ErrDispatcherStopped):
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Dispatcher stopped"))
	case engine.IsProtocolViolation(err):
		slog.Warn("Server.inputsHandler: input rejected", "error", err, "request_id", requestID)
		writeJSONResponse(w, http.StatusUnprocessableEntity, models.Error(err.Error()))
	case errors.Is(err, context.DeadlineExceeded):
		writeJSONResponse(w, http.StatusGatewayTimeout, models.Error("Timed out waiting for the channel"))
	default:
		slog.Error("Server.inputsHandler: input failed", "error", err, "request_id", requestID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to handle input"))
	}
}
