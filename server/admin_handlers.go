package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jrsteele09/go-session-authority/accounts"
)

type claimStatusRequest struct {
	Status accounts.VerificationStatus `json:"status"`
	Notes  string                      `json:"notes"`
}

type claimStatusResponse struct {
	AccountID          string                      `json:"account_id"`
	ClaimID            string                      `json:"claim_id"`
	VerificationStatus accounts.VerificationStatus `json:"verification_status"`
}

// SetClaimStatusHandler records a reviewer decision and answers with the derived account status.
func (s *Server) SetClaimStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req claimStatusRequest
		if err := decodeJSON(r, "server.SetClaimStatus", &req); err != nil {
			s.writeError(w, r, err)
			return
		}

		accountID, claimID := chi.URLParam(r, "accountID"), chi.URLParam(r, "claimID")
		status, err := s.deps.Verification.SetClaimStatus(r.Context(), accountID, claimID, req.Status, req.Notes)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, claimStatusResponse{
			AccountID:          accountID,
			ClaimID:            claimID,
			VerificationStatus: status,
		})
	}
}

func (s *Server) AdminDeactivateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.deps.Auth.Deactivate(r.Context(), chi.URLParam(r, "accountID")); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
