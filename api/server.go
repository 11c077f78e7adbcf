// Package api exposes the engine over HTTP. Every command runs as the actor
// named in the caller's bearer token.
package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"tenderguard/auth"
	"tenderguard/engine"
	"tenderguard/failure"
	"tenderguard/metrics"
)

type Server struct {
	engine  *engine.Engine
	auth    *auth.Service
	log     *logrus.Entry
	metrics *metrics.Collector
}

func NewServer(e *engine.Engine, authService *auth.Service) *Server {
	return &Server{
		engine:  e,
		auth:    authService,
		log:     e.Log.WithField("component", "api"),
		metrics: e.Metrics,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Route("/tenders", func(r chi.Router) {
			r.Get("/", s.require(s.handleListTenders))
			r.Post("/", s.require(s.handleCreateTender, auth.RoleOfficer))
			r.Route("/{tenderID}", func(r chi.Router) {
				r.Get("/", s.require(s.handleGetTender))
				r.Post("/publish", s.require(s.handlePublish, auth.RoleOfficer))
				r.Post("/close-submissions", s.require(s.handleCloseSubmissions, auth.RoleOfficer))
				r.Post("/technical-lock", s.require(s.handleTechnicalLock, auth.RoleOfficer))
				r.Post("/preferred-bidder", s.require(s.handlePreferredBidder, auth.RoleOfficer))
				r.Post("/award", s.require(s.handleConfirmAward, auth.RoleOfficer))
				r.Post("/activate", s.require(s.handleActivate, auth.RoleOfficer))
				r.Post("/close", s.require(s.handleCloseTender, auth.RoleOfficer))
				r.Post("/milestones/{index}/complete", s.require(s.handleCompleteMilestone, auth.RoleBidder, auth.RoleOfficer))

				r.Get("/submissions", s.require(s.handleListSubmissions, auth.RoleOfficer, auth.RoleEvaluator, auth.RoleAuditor))
				r.Post("/submissions", s.require(s.handleSubmit, auth.RoleBidder))
				r.Get("/clarifications", s.require(s.handleListClarifications))
				r.Post("/clarifications", s.require(s.handleRequestClarification, auth.RoleBidder))
				r.Post("/disputes", s.require(s.handleFileDispute, auth.RoleBidder))

				r.Get("/escrow", s.require(s.handleGetEscrow))
				r.Post("/escrow/deposits", s.require(s.handleDeposit, auth.RoleTreasury))
			})
		})

		r.Route("/submissions/{submissionID}", func(r chi.Router) {
			r.Post("/withdraw", s.require(s.handleWithdraw, auth.RoleBidder))
			r.Post("/score", s.require(s.handleScore, auth.RoleEvaluator))
			r.Post("/reveal", s.require(s.handleReveal, auth.RoleOfficer, auth.RoleEvaluator, auth.RoleAuditor))
		})

		r.Route("/disputes", func(r chi.Router) {
			r.Get("/", s.require(s.handleListDisputes))
			r.Get("/{disputeID}", s.require(s.handleGetDispute))
			r.Post("/{disputeID}/review", s.require(s.handleBeginReview, auth.RoleAdjudicator))
			r.Post("/{disputeID}/resolve", s.require(s.handleResolve, auth.RoleAdjudicator))
		})

		r.Route("/milestones/{milestoneID}", func(r chi.Router) {
			r.Get("/", s.require(s.handleGetMilestone))
			r.Post("/signatures", s.require(s.handleSign, auth.RoleSigner))
			r.Post("/release", s.require(s.handleRelease, auth.RoleTreasury))
			r.Post("/refund", s.require(s.handleRefund, auth.RoleOfficer, auth.RoleTreasury))
			r.Post("/dispute", s.require(s.handleDisputeMilestone, auth.RoleBidder, auth.RoleOfficer, auth.RoleAdjudicator))
		})

		r.Route("/audit", func(r chi.Router) {
			r.Get("/entries", s.require(s.handleAuditEntries, auth.RoleAuditor, auth.RoleOfficer))
			r.Get("/head", s.require(s.handleAuditHead))
			r.Post("/verify", s.require(s.handleVerify, auth.RoleAuditor))
			r.Post("/resume", s.require(s.handleResume, auth.RoleAuditor))
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	seq, _ := s.engine.Chain.Head()
	status := http.StatusOK
	state := "ok"
	if halted := s.engine.Chain.Halted(); halted != 0 {
		status = http.StatusServiceUnavailable
		state = "halted"
	}
	writeJSON(w, status, map[string]any{"status": state, "audit_head": seq})
}

func errForbidden(a auth.Actor) error {
	return fmt.Errorf("api: role %q may not perform this action: %w", a.Role, failure.ErrUnauthorized)
}

func intParam(r *http.Request, name string) (int, error) {
	raw := chi.URLParam(r, name)
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("api: %s %q is not a number: %w", name, raw, failure.ErrInvalidInput)
	}
	return n, nil
}

func uintQuery(r *http.Request, name string) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("api: query %s=%q: %w", name, raw, failure.ErrInvalidInput)
	}
	return n, nil
}
