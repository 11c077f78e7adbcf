package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"tenderguard/auth"
	"tenderguard/commitment"
	"tenderguard/escrow"
	"tenderguard/failure"
	"tenderguard/tender"
)

type tenderResponse struct {
	tender.Tender
	SubStage tender.SubStage `json:"sub_stage,omitempty"`
}

func (s *Server) present(t tender.Tender) tenderResponse {
	return tenderResponse{Tender: t, SubStage: t.SubStage(s.engine.Tenders.Now())}
}

type createTenderRequest struct {
	Title                 string    `json:"title"`
	OwnerRef              string    `json:"owner_ref"`
	ClosingAt             time.Time `json:"closing_at"`
	ClarificationCutoffAt time.Time `json:"clarification_cutoff_at"`
}

func (s *Server) handleCreateTender(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	var req createTenderRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	owner := req.OwnerRef
	if owner == "" {
		owner = actor.Org
	}
	t, err := s.engine.Tenders.Create(r.Context(), actor.ID, tender.Draft{
		Title:                 req.Title,
		OwnerRef:              owner,
		ClosingAt:             req.ClosingAt,
		ClarificationCutoffAt: req.ClarificationCutoffAt,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.present(t))
}

func (s *Server) handleListTenders(w http.ResponseWriter, r *http.Request, _ auth.Actor) {
	var f tender.Filter
	if raw := r.URL.Query().Get("stage"); raw != "" {
		stage, err := tender.ParseStage(raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		f.Stage = stage
	}
	f.OwnerRef = r.URL.Query().Get("owner")
	items := s.engine.Tenders.List(f)
	out := make([]tenderResponse, 0, len(items))
	for _, t := range items {
		out = append(out, s.present(t))
	}
	writeJSON(w, http.StatusOK, newList(out))
}

func (s *Server) handleGetTender(w http.ResponseWriter, r *http.Request, _ auth.Actor) {
	t, err := s.engine.Tenders.Get(chi.URLParam(r, "tenderID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.present(t))
}

type tenderCommand func(ctx context.Context, actor, tenderID string) (tender.Tender, error)

// transition runs a lifecycle command that needs only the tender id.
func (s *Server) transition(w http.ResponseWriter, r *http.Request, actor auth.Actor, cmd tenderCommand) {
	t, err := cmd(r.Context(), actor.ID, chi.URLParam(r, "tenderID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.present(t))
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	s.transition(w, r, actor, s.engine.Tenders.Publish)
}

func (s *Server) handleCloseSubmissions(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	s.transition(w, r, actor, s.engine.Tenders.CloseSubmissions)
}

func (s *Server) handleTechnicalLock(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	s.transition(w, r, actor, s.engine.Tenders.LockTechnicalEvaluation)
}

func (s *Server) handleConfirmAward(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	s.transition(w, r, actor, s.engine.Tenders.ConfirmAward)
}

func (s *Server) handleCloseTender(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	s.transition(w, r, actor, s.engine.Tenders.CloseTender)
}

func (s *Server) handlePreferredBidder(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	var req struct {
		SubmissionID string `json:"submission_id"`
	}
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.engine.Tenders.SetPreferredBidder(r.Context(), actor.ID, chi.URLParam(r, "tenderID"), req.SubmissionID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.present(t))
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	var req struct {
		Milestones []escrow.MilestoneSpec `json:"milestones"`
	}
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.engine.Tenders.Activate(r.Context(), actor.ID, chi.URLParam(r, "tenderID"), req.Milestones)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.present(t))
}

func (s *Server) handleCompleteMilestone(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	index, err := intParam(r, "index")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := s.engine.Tenders.CompleteMilestone(r.Context(), actor.ID, chi.URLParam(r, "tenderID"), index)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type submitRequest struct {
	TechnicalHash string `json:"technical_hash"`
	FinancialHash string `json:"financial_hash"`
}

// handleSubmit records the caller's own bid; the party is always the token
// subject.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	var req submitRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sub, err := s.engine.Tenders.Submit(r.Context(), chi.URLParam(r, "tenderID"), tender.Bid{
		Party:         actor.ID,
		TechnicalHash: req.TechnicalHash,
		FinancialHash: req.FinancialHash,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleListSubmissions(w http.ResponseWriter, r *http.Request, _ auth.Actor) {
	subs, err := s.engine.Tenders.Submissions(chi.URLParam(r, "tenderID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(subs))
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	sub, err := s.engine.Tenders.Withdraw(r.Context(), actor.ID, chi.URLParam(r, "submissionID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	var req struct {
		Score *float64 `json:"score"`
	}
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Score == nil {
		s.writeError(w, r, fmt.Errorf("api: score required: %w", failure.ErrInvalidInput))
		return
	}
	sub, err := s.engine.Tenders.ScoreTechnical(r.Context(), actor.ID, chi.URLParam(r, "submissionID"), *req.Score)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// handleReveal checks revealed content against its commitment. Financial
// content only verifies once the bid was unsealed.
func (s *Server) handleReveal(w http.ResponseWriter, r *http.Request, _ auth.Actor) {
	var req struct {
		Kind    commitment.DocumentKind `json:"kind"`
		Content string                  `json:"content"`
	}
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ok, err := s.engine.Commitments.VerifyReveal(chi.URLParam(r, "submissionID"), req.Kind, []byte(req.Content))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"matches": ok})
}

func (s *Server) handleRequestClarification(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	var req struct {
		Question string `json:"question"`
	}
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.engine.Tenders.RequestClarification(r.Context(), actor.ID, chi.URLParam(r, "tenderID"), req.Question)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleListClarifications(w http.ResponseWriter, r *http.Request, _ auth.Actor) {
	id := chi.URLParam(r, "tenderID")
	if _, err := s.engine.Tenders.Get(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(s.engine.Tenders.Clarifications(id)))
}
