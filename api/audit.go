package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"tenderguard/audit"
	"tenderguard/auth"
	"tenderguard/failure"
)

const maxAuditPage = 1000

func (s *Server) handleAuditEntries(w http.ResponseWriter, r *http.Request, _ auth.Actor) {
	q := r.URL.Query()
	f := audit.Filter{
		EntityRef:    q.Get("entity"),
		EntityPrefix: q.Get("entity_prefix"),
		Actor:        q.Get("actor"),
		Action:       q.Get("action"),
		Limit:        maxAuditPage,
	}
	var err error
	if f.FromSeq, err = uintQuery(r, "from_seq"); err != nil {
		s.writeError(w, r, err)
		return
	}
	if f.ToSeq, err = uintQuery(r, "to_seq"); err != nil {
		s.writeError(w, r, err)
		return
	}
	if raw := q.Get("limit"); raw != "" {
		n, convErr := strconv.Atoi(raw)
		if convErr != nil || n <= 0 {
			s.writeError(w, r, fmt.Errorf("api: limit %q: %w", raw, failure.ErrInvalidInput))
			return
		}
		f.Limit = min(n, maxAuditPage)
	}
	entries, err := s.engine.Chain.Query(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(entries))
}

type headResponse struct {
	Sequence uint64 `json:"sequence"`
	Hash     string `json:"hash"`
	Halted   uint64 `json:"halted_at,omitempty"`
}

func (s *Server) handleAuditHead(w http.ResponseWriter, _ *http.Request, _ auth.Actor) {
	seq, hash := s.engine.Chain.Head()
	writeJSON(w, http.StatusOK, headResponse{Sequence: seq, Hash: hash, Halted: s.engine.Chain.Halted()})
}

type verifyResponse struct {
	Valid    bool   `json:"valid"`
	FirstBad uint64 `json:"first_bad,omitempty"`
	Message  string `json:"message,omitempty"`
}

// handleVerify reports a broken chain in the body rather than as an error
// status; the request itself succeeded.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request, _ auth.Actor) {
	var req struct {
		FromSeq uint64 `json:"from_seq"`
		ToSeq   uint64 `json:"to_seq"`
	}
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	bad, err := s.engine.Chain.Verify(r.Context(), req.FromSeq, req.ToSeq)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, verifyResponse{Valid: true})
	case errors.Is(err, failure.ErrChainIntegrity):
		writeJSON(w, http.StatusOK, verifyResponse{FirstBad: bad, Message: err.Error()})
	default:
		s.writeError(w, r, err)
	}
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Reason == "" {
		s.writeError(w, r, fmt.Errorf("api: resume reason required: %w", failure.ErrInvalidInput))
		return
	}
	if s.engine.Chain.Halted() == 0 {
		s.writeError(w, r, fmt.Errorf("api: audit chain is not halted: %w", failure.ErrStageViolation))
		return
	}
	entry, err := s.engine.Chain.Resume(r.Context(), actor.ID, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}
