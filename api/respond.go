package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tenderguard/failure"
)

const maxBodyBytes = 1 << 20

type listResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

func newList[T any](items []T) listResponse[T] {
	if items == nil {
		items = []T{}
	}
	return listResponse[T]{Items: items, Total: len(items)}
}

type errorBody struct {
	RequestID string      `json:"request_id"`
	Error     errorDetail `json:"error"`
}

type errorDetail struct {
	Code      failure.Kind `json:"code"`
	Message   string       `json:"message"`
	Retryable bool         `json:"retryable"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps an error kind to the HTTP status a client should see.
func statusFor(kind failure.Kind) int {
	switch kind {
	case failure.KindNotFound:
		return http.StatusNotFound
	case failure.KindInvalidInput:
		return http.StatusBadRequest
	case failure.KindUnauthorized:
		return http.StatusForbidden
	case failure.KindStageViolation, failure.KindSealViolation, failure.KindDuplicateCommitment,
		failure.KindStandstillNotElapsed, failure.KindWindowClosed, failure.KindDisputeBlocking,
		failure.KindQuorumNotMet, failure.KindInsufficientFunds:
		return http.StatusConflict
	case failure.KindChainIntegrity, failure.KindPersistence:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := failure.KindOf(err)
	status := statusFor(kind)
	requestID := requestIDFrom(r)
	entry := s.log.WithError(err).WithFields(logrus.Fields{
		"request_id": requestID,
		"code":       kind,
		"path":       r.URL.Path,
	})
	if status >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Debug("request rejected")
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{
		RequestID: requestID,
		Error:     errorDetail{Code: kind, Message: msg, Retryable: failure.Retryable(err)},
	})
}

// decode reads a JSON body into dst, rejecting unknown fields and trailing
// data. An empty body leaves dst untouched.
func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return errors.Join(failure.ErrInvalidInput, err)
	}
	if dec.More() {
		return errors.Join(failure.ErrInvalidInput, errors.New("trailing data after JSON body"))
	}
	return nil
}

func newRequestID() string { return "req_" + uuid.NewString() }
