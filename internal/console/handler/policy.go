package handler

import (
	"io"
	"net/http"
	"strconv"

	"github.com/xela07ax/commerce-gate/internal/console/service"
)

const maxPolicyBytes = 1 << 20

type PolicyHandler struct {
	service *service.PolicyService
}

func NewPolicyHandler(s *service.PolicyService) *PolicyHandler {
	return &PolicyHandler{service: s}
}

// Get возвращает активный документ политики.
// GET /v1/policy
func (h *PolicyHandler) Get(w http.ResponseWriter, r *http.Request) {
	doc, err := h.service.Current()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// Replace публикует новый документ целиком (YAML или JSON в теле).
// PUT /v1/policy
func (h *PolicyHandler) Replace(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPolicyBytes))
	if err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	doc, err := h.service.Replace(r.Context(), raw, operatorID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// History — GET /v1/policy/history?limit=20
func (h *PolicyHandler) History(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	versions, err := h.service.History(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}
