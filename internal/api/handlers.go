// Package api provides HTTP handlers for PillPipe endpoints.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/PillPipe/internal/flow"
	"github.com/BTreeMap/PillPipe/internal/models"
)

// maxRunListLimit caps /api/runs?limit=.
const maxRunListLimit = 200

// sessionResponse is the result payload of every session endpoint.
type sessionResponse struct {
	SessionID string        `json:"session_id"`
	State     flow.Snapshot `json:"state"`
}

type answersRequest struct {
	Answers map[string]any `json:"answers"`
}

func (s *Server) createSessionHandler(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.create()
	slog.Info("Server.createSessionHandler: session created", "session_id", sess.id)
	writeJSONResponse(w, http.StatusCreated, models.Success(sessionResponse{SessionID: sess.id, State: sess.ctrl.Snapshot()}))
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	after := q.Get("after")
	if after == "" {
		writeJSONResponse(w, http.StatusOK, models.Success(sessionResponse{SessionID: sess.id, State: sess.ctrl.Snapshot()}))
		return
	}

	version, err := strconv.ParseUint(after, 10, 64)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("after must be a non-negative integer"))
		return
	}
	wait, err := parseWait(q.Get("wait"))
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()
	snap, err := sess.ctrl.WaitForChange(ctx, version)
	if err != nil && r.Context().Err() != nil {
		slog.Debug("Server.getSessionHandler: client went away during long poll", "session_id", sess.id)
		return
	}
	// A poll that times out still answers with the current state.
	writeJSONResponse(w, http.StatusOK, models.Success(sessionResponse{SessionID: sess.id, State: snap}))
}

func (s *Server) deleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "sessionID"))
	if err := s.sessions.remove(id); err != nil {
		writeErrorResponse(w, err)
		return
	}
	slog.Info("Server.deleteSessionHandler: session deleted", "session_id", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session deleted", nil))
}

func (s *Server) startHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	var input models.InitialInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		slog.Warn("Server.startHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := sess.ctrl.Start(input); err != nil {
		slog.Warn("Server.startHandler: start refused", "session_id", sess.id, "error", err)
		writeErrorResponse(w, err)
		return
	}
	writeJSONResponse(w, http.StatusAccepted, models.Accepted("Run started", sessionResponse{SessionID: sess.id, State: sess.ctrl.Snapshot()}))
}

func (s *Server) answersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	var req answersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.answersHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	answers, err := toAnswerMap(req.Answers)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err := sess.ctrl.SubmitAnswers(answers); err != nil {
		writeErrorResponse(w, err)
		return
	}
	writeJSONResponse(w, http.StatusAccepted, models.Accepted("Answers submitted", sessionResponse{SessionID: sess.id, State: sess.ctrl.Snapshot()}))
}

func (s *Server) skipHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	if err := sess.ctrl.Skip(); err != nil {
		writeErrorResponse(w, err)
		return
	}
	writeJSONResponse(w, http.StatusAccepted, models.Accepted("Clarification skipped", sessionResponse{SessionID: sess.id, State: sess.ctrl.Snapshot()}))
}

func (s *Server) restartHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	sess.ctrl.Restart()
	writeJSONResponse(w, http.StatusOK, models.Success(sessionResponse{SessionID: sess.id, State: sess.ctrl.Snapshot()}))
}

func (s *Server) retryHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	if err := sess.ctrl.Retry(); err != nil {
		writeErrorResponse(w, err)
		return
	}
	writeJSONResponse(w, http.StatusAccepted, models.Accepted("Run restarted", sessionResponse{SessionID: sess.id, State: sess.ctrl.Snapshot()}))
}

func (s *Server) listRunsHandler(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Run history is disabled"))
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("limit must be a positive integer"))
			return
		}
		limit = min(n, maxRunListLimit)
	}
	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		slog.Error("Server.listRunsHandler: failed to list runs", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list runs"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(runs))
}

func (s *Server) getRunHandler(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Run history is disabled"))
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "runID"))
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		slog.Error("Server.getRunHandler: failed to get run", "run_id", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get run"))
		return
	}
	if run == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Run not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(run))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	result := map[string]any{"sessions": s.sessions.count()}
	if s.health == nil {
		writeJSONResponse(w, http.StatusOK, models.Success(result))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()
	if err := s.health.HealthCheck(ctx); err != nil {
		slog.Warn("Server.healthHandler: backend unreachable", "error", err)
		result["backend"] = "unreachable"
		writeJSONResponse(w, http.StatusServiceUnavailable, models.NewAPIResponseBuilder().
			WithStatus(models.APIStatusError).
			WithMessage("Backend unreachable").
			WithResult(result).
			Build())
		return
	}
	result["backend"] = "ok"
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

func (s *Server) lookupSession(w http.ResponseWriter, r *http.Request) (*session, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "sessionID"))
	sess, err := s.sessions.get(id)
	if err != nil {
		writeErrorResponse(w, err)
		return nil, false
	}
	return sess, true
}

// parseWait reads the long-poll duration in seconds.
func parseWait(raw string) (time.Duration, error) {
	if raw == "" {
		return DefaultPollWait, nil
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return 0, fmt.Errorf("wait must be a non-negative number of seconds")
	}
	return min(time.Duration(secs)*time.Second, MaxPollWait), nil
}

// toAnswerMap accepts string, number and boolean answer values. Nulls are ignored.
func toAnswerMap(in map[string]any) (models.AnswerMap, error) {
	out := make(models.AnswerMap, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case nil:
			continue
		case string:
			out[k] = val
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(val)
		default:
			return nil, fmt.Errorf("answer %q must be a string, number or boolean", k)
		}
	}
	return out, nil
}
