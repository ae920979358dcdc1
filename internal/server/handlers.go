package server

import (
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/predcache/internal/ir"
	"github.com/roach88/predcache/internal/oracle"
	"github.com/roach88/predcache/internal/telemetry"
)

type registerRequest struct {
	Conditions []ir.Condition `json:"conditions"`
	Policy     string         `json:"policy"`
}

type recordResponse struct {
	ir.PredicateRecord
	AccruedFee string `json:"accrued_fee"`
}

type triggerResponse struct {
	RequestHandle string `json:"request_handle"`
}

type callbackRequest struct {
	RequestHandle string `json:"request_handle"`
	Data          string `json:"data"`
	Error         string `json:"error,omitempty"`
}

type calldataResponse struct {
	Target   string `json:"target"`
	Calldata string `json:"calldata"`
}

type staticCallRequest struct {
	Calldata string `json:"calldata"`
}

type staticCallResponse struct {
	Result string `json:"result"`
	Value  uint64 `json:"value"`
}

func (s *Server) registerPredicate(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, 0, err)
		return
	}
	policy, err := ir.ParsePolicy(req.Policy)
	if err != nil {
		policy = ir.Policy(req.Policy)
	}

	owner := credentialFrom(r.Context()).Principal
	rec, err := s.store.Register(r.Context(), owner, req.Conditions, policy)
	if err != nil {
		writeError(w, 0, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.recordResponse(rec))
}

func (s *Server) getPredicate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rec, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, 0, err)
		return
	}
	writeJSON(w, http.StatusOK, s.recordResponse(rec))
}

func (s *Server) recordResponse(rec ir.PredicateRecord) recordResponse {
	return recordResponse{PredicateRecord: rec, AccruedFee: s.bridge.Fee(rec).String()}
}

func (s *Server) triggerPredicate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	handle, err := s.bridge.Trigger(r.Context(), credentialFrom(r.Context()), id)
	if err != nil {
		writeError(w, 0, err)
		return
	}
	writeJSON(w, http.StatusAccepted, triggerResponse{RequestHandle: handle})
}

func (s *Server) callback(w http.ResponseWriter, r *http.Request) {
	var req callbackRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, 0, err)
		return
	}
	if req.RequestHandle == "" {
		writeError(w, 0, ir.NewValidationError("request_handle", "request handle is required"))
		return
	}
	data, err := decodeHex(req.Data)
	if err != nil {
		writeError(w, 0, ir.NewValidationError("data", err.Error()))
		return
	}
	resp := oracle.Response{Data: data, Err: req.Error}
	if err := s.bridge.Callback(r.Context(), credentialFrom(r.Context()), req.RequestHandle, resp); err != nil {
		writeError(w, 0, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getCalldata(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.Get(r.Context(), id); err != nil {
		writeError(w, 0, err)
		return
	}
	writeJSON(w, http.StatusOK, calldataResponse{
		Target:   s.reader.Target().String(),
		Calldata: "0x" + hex.EncodeToString(s.reader.Calldata(id)),
	})
}

func (s *Server) staticCall(w http.ResponseWriter, r *http.Request) {
	var req staticCallRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, 0, err)
		return
	}
	calldata, err := decodeHex(req.Calldata)
	if err != nil {
		writeError(w, 0, ir.NewValidationError("calldata", err.Error()))
		return
	}
	word, err := s.reader.Evaluate(r.Context(), calldata)
	if err != nil {
		writeError(w, 0, err)
		return
	}
	value := uint64(word[len(word)-1])
	s.metrics.StaticRead(r.Context(), value)
	writeJSON(w, http.StatusOK, staticCallResponse{Result: "0x" + hex.EncodeToString(word[:]), Value: value})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	q := ir.EventQuery{}
	params := r.URL.Query()
	if v := params.Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, 0, ir.NewValidationError("after", "must be a non-negative integer"))
			return
		}
		q.AfterSeq = n
	}
	if v := params.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, 0, ir.NewValidationError("limit", "must be a non-negative integer"))
			return
		}
		q.Limit = n
	}
	if v := params.Get("predicate"); v != "" {
		id, err := ir.ParsePredicateID(v)
		if err != nil {
			writeError(w, 0, ir.NewValidationError("predicate", err.Error()))
			return
		}
		q.PredicateID = id
	}

	events, err := s.store.Events(r.Context(), q)
	if err != nil {
		writeError(w, 0, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]ir.Event{"events": events})
}

func (s *Server) getMetrics(w http.ResponseWriter, r *http.Request) {
	points, err := telemetry.Snapshot(r.Context(), s.metricsReader)
	if err != nil {
		writeError(w, 0, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]telemetry.Point{"metrics": points})
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X"))
}

func pathID(w http.ResponseWriter, r *http.Request) (ir.PredicateID, bool) {
	id, err := ir.ParsePredicateID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, 0, ir.NewValidationError("id", err.Error()))
		return id, false
	}
	return id, true
}
