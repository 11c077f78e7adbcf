package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"tenderguard/auth"
	"tenderguard/failure"
)

type ctxKey string

const (
	ctxKeyUserID    ctxKey = "userID"
	ctxKeyRole      ctxKey = "role"
	ctxKeyOrg       ctxKey = "org"
	ctxKeyRequestID ctxKey = "requestID"
)

func actorFrom(ctx context.Context) (auth.Actor, bool) {
	id, _ := ctx.Value(ctxKeyUserID).(string)
	role, _ := ctx.Value(ctxKeyRole).(auth.Role)
	org, _ := ctx.Value(ctxKeyOrg).(string)
	if id == "" || role == "" {
		return auth.Actor{}, false
	}
	return auth.Actor{ID: id, Role: role, Org: org}, true
}

func withActor(ctx context.Context, a auth.Actor) context.Context {
	ctx = context.WithValue(ctx, ctxKeyUserID, a.ID)
	ctx = context.WithValue(ctx, ctxKeyRole, a.Role)
	return context.WithValue(ctx, ctxKeyOrg, a.Org)
}

func requestIDFrom(r *http.Request) string {
	if id, ok := r.Context().Value(ctxKeyRequestID).(string); ok {
		return id
	}
	return ""
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = newRequestID()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, id)))
	})
}

// accessLog logs every request and records it under its route pattern, so
// path parameters do not explode metric cardinality.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		elapsed := time.Since(started)
		s.metrics.HTTPRequest(r.Method, route, ww.Status(), elapsed.Seconds())
		s.log.WithFields(logrus.Fields{
			"request_id": requestIDFrom(r),
			"method":     r.Method,
			"route":      route,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"took":       elapsed.String(),
		}).Info("http request")
	})
}

// authenticate verifies the bearer token and stores the actor in the request
// context. Requests without a valid token get 401.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.BearerToken(r.Header.Get("Authorization"))
		if err == nil {
			var actor auth.Actor
			if actor, err = s.auth.VerifyToken(token); err == nil {
				next.ServeHTTP(w, r.WithContext(withActor(r.Context(), actor)))
				return
			}
		}
		writeJSON(w, http.StatusUnauthorized, errorBody{
			RequestID: requestIDFrom(r),
			Error:     errorDetail{Code: failure.KindUnauthorized, Message: err.Error()},
		})
	})
}

// require wraps a handler so only the listed roles reach it.
func (s *Server) require(h func(http.ResponseWriter, *http.Request, auth.Actor), roles ...auth.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(r.Context())
		if !ok {
			writeJSON(w, http.StatusUnauthorized, errorBody{
				RequestID: requestIDFrom(r),
				Error:     errorDetail{Code: failure.KindUnauthorized, Message: "missing actor"},
			})
			return
		}
		if !auth.Allowed(actor.Role, roles...) {
			s.writeError(w, r, errForbidden(actor))
			return
		}
		h(w, r, actor)
	}
}
