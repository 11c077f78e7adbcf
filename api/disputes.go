package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"tenderguard/auth"
	"tenderguard/dispute"
)

type fileDisputeRequest struct {
	Reason string `json:"reason"`
	// MilestoneID turns the filing into an execution dispute.
	MilestoneID string `json:"milestone_id,omitempty"`
}

func (s *Server) handleFileDispute(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	var req fileDisputeRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	tenderID := chi.URLParam(r, "tenderID")
	var (
		d   dispute.Dispute
		err error
	)
	if req.MilestoneID != "" {
		d, err = s.engine.Disputes.FileExecutionDispute(r.Context(), actor.ID, tenderID, req.MilestoneID, req.Reason)
	} else {
		d, err = s.engine.Disputes.FileDispute(r.Context(), actor.ID, tenderID, req.Reason)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleListDisputes(w http.ResponseWriter, r *http.Request, _ auth.Actor) {
	q := r.URL.Query()
	f := dispute.Filter{TenderID: q.Get("tender_id"), Kind: dispute.Kind(q.Get("kind"))}
	if raw := q.Get("status"); raw != "" {
		st, err := dispute.ParseStatus(raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		f.Status = st
	}
	writeJSON(w, http.StatusOK, newList(s.engine.Disputes.List(f)))
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request, _ auth.Actor) {
	d, err := s.engine.Disputes.Get(chi.URLParam(r, "disputeID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleBeginReview(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	d, err := s.engine.Disputes.BeginReview(r.Context(), actor.ID, chi.URLParam(r, "disputeID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	var req struct {
		Decision string `json:"decision"`
	}
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	decision, err := dispute.ParseDecision(req.Decision)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.engine.Disputes.Resolve(r.Context(), actor.ID, chi.URLParam(r, "disputeID"), decision)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
