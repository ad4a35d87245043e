package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/commerce-gate/internal/console/service"
)

// ControlHandler — kill-switch организации, остановка агентов и дашборд CFO.
type ControlHandler struct {
	service *service.ControlService
	logger  *zap.Logger
}

func NewControlHandler(s *service.ControlService, logger *zap.Logger) *ControlHandler {
	return &ControlHandler{service: s, logger: logger.Named("control-handler")}
}

// Pause — POST /v1/org/pause
func (h *ControlHandler) Pause(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Pause(r.Context(), operatorID(r)); err != nil {
		// Локально пауза уже включена, не доставлен только сигнал другим инстансам
		h.logger.Error("pause broadcast failed", zap.Error(err))
		http.Error(w, "paused locally, broadcast failed", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Resume — POST /v1/org/resume
func (h *ControlHandler) Resume(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Resume(r.Context(), operatorID(r)); err != nil {
		h.logger.Error("resume failed", zap.Error(err))
		http.Error(w, "resume failed", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Halt — POST /v1/agents/{agentID}/halt
func (h *ControlHandler) Halt(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if err := h.service.HaltAgent(r.Context(), agentID, operatorID(r)); err != nil {
		h.logger.Error("failed to halt agent", zap.String("agent_id", agentID), zap.Error(err))
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Release — POST /v1/agents/{agentID}/release
func (h *ControlHandler) Release(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if err := h.service.ReleaseAgent(r.Context(), agentID, operatorID(r)); err != nil {
		h.logger.Error("failed to release agent", zap.String("agent_id", agentID), zap.Error(err))
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Reconcile — POST /v1/reconcile, ручной запуск сверки открытых резервов.
func (h *ControlHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.Reconcile(r.Context())
	if err != nil {
		h.logger.Error("reconcile failed", zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Dashboard — GET /v1/dashboard
func (h *ControlHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.GetDashboard(r.Context()))
}
