package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/crossbard/internal/action"
	"github.com/mattjoyce/crossbard/internal/runlog"
	"github.com/mattjoyce/crossbard/internal/scheduler"
	"github.com/mattjoyce/crossbard/internal/store"
)

const recentRuns = 20

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	running := 0
	for _, st := range s.deps.Scheduler.Statuses() {
		if st.State == scheduler.StateRunning {
			running++
		}
	}
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Producers:     s.deps.Registry.Current().Len(),
		Running:       running,
	})
}

// handleStoreKey handles GET /v1/store/{key}: the widget-facing layout,
// plugin_ids or plugin_<id>.
func (s *Server) handleStoreKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if key == store.KeyIDs {
		respondJSON(w, http.StatusOK, s.deps.Snapshots.ListIDs())
		return
	}
	id, ok := strings.CutPrefix(key, "plugin_")
	if !ok || id == "" {
		s.writeError(w, http.StatusNotFound, "unknown key")
		return
	}
	rec, ok := s.deps.Snapshots.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "no data")
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// handleListProducers handles GET /v1/producers.
func (s *Server) handleListProducers(w http.ResponseWriter, r *http.Request) {
	specs := s.deps.Registry.Current().All()
	out := make([]ProducerSummary, 0, len(specs))
	for _, sp := range specs {
		sum := ProducerSummary{Spec: sp}
		if st, ok := s.deps.Scheduler.Status(sp.ID); ok {
			sum.Status = &st
			sum.Stale = st.Stale()
		}
		if rec, ok := s.deps.Snapshots.Get(sp.ID); ok {
			sum.HasData = true
			sum.Text = strings.TrimSpace(rec.Icon + " " + rec.Text)
		}
		out = append(out, sum)
	}
	respondJSON(w, http.StatusOK, out)
}

// handleGetProducer handles GET /v1/producers/{id}.
func (s *Server) handleGetProducer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sp, ok := s.deps.Registry.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "producer not found")
		return
	}

	detail := ProducerDetail{Spec: sp}
	if st, ok := s.deps.Scheduler.Status(id); ok {
		detail.Status = &st
	}
	if rec, ok := s.deps.Snapshots.Get(id); ok {
		detail.Record = &rec
	}
	runs, err := s.deps.Runs.Recent(r.Context(), id, recentRuns)
	if err != nil {
		s.logger.Error("failed to read run log", "producer", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read run log")
		return
	}
	if runs == nil {
		runs = []runlog.Entry{}
	}
	detail.Runs = runs
	respondJSON(w, http.StatusOK, detail)
}

// handleRefresh handles POST /v1/producers/{id}/refresh.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sp, ok := s.deps.Registry.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "producer not found")
		return
	}
	if !sp.Enabled {
		s.writeError(w, http.StatusConflict, "producer disabled")
		return
	}

	switch err := s.deps.Scheduler.RequestRefresh(id); {
	case err == nil:
		respondJSON(w, http.StatusAccepted, RefreshResponse{ProducerID: id, Status: "accepted"})
	case errors.Is(err, scheduler.ErrBusy):
		s.writeError(w, http.StatusConflict, "run already in progress")
	case errors.Is(err, scheduler.ErrUnknownProducer):
		s.writeError(w, http.StatusNotFound, "producer not scheduled")
	case errors.Is(err, scheduler.ErrNotStarted):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("refresh failed", "producer", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "refresh failed")
	}
}

// handleAction handles POST /v1/producers/{id}/actions/{index}, running the
// action of the menu line at index in the stored snapshot.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		s.writeError(w, http.StatusBadRequest, "index must be a non-negative integer")
		return
	}

	out, err := s.deps.Actions.DispatchItem(r.Context(), id, index)
	if err == nil {
		respondJSON(w, http.StatusOK, ActionResponse{Outcome: out})
		return
	}
	if len(out.Kinds) == 0 {
		s.writeError(w, actionStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, ActionResponse{Outcome: out, Error: err.Error()})
}

// actionStatus maps a dispatch that did nothing to an HTTP status.
func actionStatus(err error) int {
	switch {
	case errors.Is(err, action.ErrNoItem), errors.Is(err, scheduler.ErrUnknownProducer):
		return http.StatusNotFound
	case errors.Is(err, action.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, action.ErrShellDisabled), errors.Is(err, action.ErrSchemeForbidden):
		return http.StatusForbidden
	case errors.Is(err, action.ErrNoAction), errors.Is(err, action.ErrNoTerminal):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// handleDiscover handles POST /v1/discover.
func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	pass, err := s.deps.Registry.Rediscover(r.Context())
	if err != nil {
		s.logger.Error("discovery failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := DiscoverResponse{
		Producers: pass.Set.Len(),
		Delta:     pass.Delta,
		Errors:    make([]DiscoveryIssue, 0, len(pass.Errors)),
	}
	for _, de := range pass.Errors {
		issue := DiscoveryIssue{Path: de.Path, Reason: de.Reason}
		if de.Err != nil {
			issue.Error = de.Err.Error()
		}
		resp.Errors = append(resp.Errors, issue)
	}
	respondJSON(w, http.StatusOK, resp)
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
