package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/darvell/qwen-gateway/internal/apierr"
)

// handleAdminResurrect implements POST /admin/accounts/{id}/resurrect,
// grounded on the teacher proxy's resurrectAccount/"/admin/accounts/:id/
// resurrect" prefix-suffix route match (router.go).
func (s *Server) handleAdminResurrect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierr.Write(w, apierr.Validation, "method not allowed", "")
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/admin/accounts/")
	accountID := strings.TrimSuffix(path, "/resurrect")
	if accountID == "" {
		apierr.Write(w, apierr.Validation, "missing account id", "")
		return
	}

	acc := s.Pool.Get(accountID)
	if acc == nil {
		apierr.Write(w, apierr.NotFound, "unknown account", "")
		return
	}
	acc.Resurrect()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"account_id": accountID, "status": "resurrected"})
}
