package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"tenderguard/auth"
	"tenderguard/escrow"
)

type escrowResponse struct {
	Account    escrow.Account     `json:"account"`
	Milestones []escrow.Milestone `json:"milestones"`
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request, _ auth.Actor) {
	tenderID := chi.URLParam(r, "tenderID")
	acct, err := s.engine.Escrow.Account(tenderID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, escrowResponse{Account: acct, Milestones: s.engine.Escrow.Milestones(tenderID)})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	var req struct {
		Amount int64 `json:"amount"`
	}
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	acct, err := s.engine.Escrow.Deposit(r.Context(), actor.ID, chi.URLParam(r, "tenderID"), req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (s *Server) handleGetMilestone(w http.ResponseWriter, r *http.Request, _ auth.Actor) {
	m, err := s.engine.Escrow.Milestone(chi.URLParam(r, "milestoneID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// handleSign adds the caller's signature. Reaching quorum releases the
// milestone in the same request.
func (s *Server) handleSign(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	res, err := s.engine.Escrow.AddSignature(r.Context(), chi.URLParam(r, "milestoneID"), actor.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	m, err := s.engine.Escrow.Release(r.Context(), actor.ID, chi.URLParam(r, "milestoneID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := s.engine.Escrow.Refund(r.Context(), actor.ID, chi.URLParam(r, "milestoneID"), req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// handleDisputeMilestone links a held milestone to an open execution
// dispute of its tender; the milestone stays unpaid until that dispute is
// resolved.
func (s *Server) handleDisputeMilestone(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	var req struct {
		DisputeID string `json:"dispute_id"`
	}
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := s.engine.Escrow.Dispute(r.Context(), actor.ID, chi.URLParam(r, "milestoneID"), req.DisputeID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}
