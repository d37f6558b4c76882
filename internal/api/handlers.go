package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/socialwatch/sentinel/internal/monitor"
)

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.deps.Jobs.Jobs()
	if state := strings.TrimSpace(r.URL.Query().Get("state")); state != "" {
		filtered := jobs[:0]
		for _, j := range jobs {
			if strings.EqualFold(string(j.State), state) {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"job": s.deps.Jobs.Status(chi.URLParam(r, "campaignID"))})
}

func (s *Server) sessionStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"session": s.deps.Sessions.Status()})
}

// retrySession starts a fresh bounded login cycle. A failed cycle is still a
// completed request; the caller inspects the returned status.
func (s *Server) retrySession(w http.ResponseWriter, r *http.Request) {
	if _, err := s.deps.Sessions.Retrigger(r.Context()); err != nil {
		s.logger.Warn("session retry failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":   err.Error(),
			"session": s.deps.Sessions.Status(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": s.deps.Sessions.Status()})
}

func (s *Server) syncCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "campaignID")
	st, err := s.deps.Jobs.Sync(r.Context(), id)
	if err != nil {
		s.logger.Error("sync campaign failed", zap.String("campaign_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to sync campaign")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": st})
}

// archiveCampaign stops the job before the stored status changes so no tick
// can run against an archived campaign.
func (s *Server) archiveCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "campaignID")
	st, err := s.deps.Jobs.OnCampaignArchived(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to stop campaign job")
		return
	}
	camp, err := s.deps.Campaigns.UpdateCampaignStatus(r.Context(), id, monitor.CampaignArchived)
	switch {
	case errors.Is(err, monitor.ErrNotFound):
		writeError(w, http.StatusNotFound, "campaign not found")
		return
	case err != nil:
		s.logger.Error("archive campaign failed", zap.String("campaign_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to archive campaign")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": st, "status": camp.Status})
}

func (s *Server) reloadRules(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Rules.Reload(r.Context()); err != nil {
		s.logger.Error("rule reload failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to reload rules")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": s.deps.Rules.Size()})
}

type alertStatusRequest struct {
	Status string `json:"status"`
	Actor  string `json:"actor"`
}

func (s *Server) updateAlertStatus(w http.ResponseWriter, r *http.Request) {
	var req alertStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		writeError(w, http.StatusBadRequest, "status required")
		return
	}
	id := chi.URLParam(r, "alertID")
	alert, err := s.deps.Alerts.UpdateAlertStatus(r.Context(), id, monitor.AlertStatus(req.Status), req.Actor)
	switch {
	case errors.Is(err, monitor.ErrNotFound):
		writeError(w, http.StatusNotFound, "alert not found")
	case errors.Is(err, monitor.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.logger.Error("update alert status failed", zap.String("alert_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to update alert")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"alert": alert})
	}
}
