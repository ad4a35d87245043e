package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/xela07ax/commerce-gate/internal/audit"
	"github.com/xela07ax/commerce-gate/internal/console/service"
)

type AuditHandler struct {
	service *service.AuditService
}

func NewAuditHandler(s *service.AuditService) *AuditHandler {
	return &AuditHandler{service: s}
}

// GetLogs возвращает записи аудита по порядку seq.
// GET /v1/audit?agent_id=...&from=RFC3339&to=RFC3339&after_seq=0&limit=100
func (h *AuditHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{AgentID: q.Get("agent_id")}

	var err error
	if v := q.Get("from"); v != "" {
		if f.From, err = time.Parse(time.RFC3339, v); err != nil {
			http.Error(w, "from must be RFC3339", http.StatusBadRequest)
			return
		}
	}
	if v := q.Get("to"); v != "" {
		if f.To, err = time.Parse(time.RFC3339, v); err != nil {
			http.Error(w, "to must be RFC3339", http.StatusBadRequest)
			return
		}
	}
	afterSeq, _ := strconv.ParseInt(q.Get("after_seq"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))

	page, err := h.service.FetchLogs(r.Context(), f, afterSeq, limit)
	if err != nil {
		http.Error(w, "Failed to fetch audit logs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, page)
}
