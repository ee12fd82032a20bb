package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentvm/agentvm/internal/vm"
	"github.com/agentvm/agentvm/pkg/metrics"
)

// runRequest is the POST /v1/run payload. Program may be an inline AST or a
// procedure token string.
type runRequest struct {
	Program             any            `json:"program"`
	Args                map[string]any `json:"args"`
	Fuel                float64        `json:"fuel"`
	Trace               bool           `json:"trace"`
	User                any            `json:"user"`
	Permissions         []string       `json:"permissions"`
	AllowedFetchDomains []string       `json:"allowedFetchDomains"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "request body is not valid JSON")
		return
	}
	if req.Program == nil {
		writeError(w, http.StatusBadRequest, "MISSING_PROGRAM", "program is required")
		return
	}

	meta := &vm.RequestMeta{
		User:                req.User,
		Permissions:         req.Permissions,
		AllowedFetchDomains: req.AllowedFetchDomains,
		RequestDepth:        requestDepth(r),
	}
	if meta.AllowedFetchDomains == nil {
		meta.AllowedFetchDomains = s.cfg.FetchDomains()
	}

	result, err := s.engine.Run(r.Context(), req.Program, req.Args, vm.RunOptions{
		Fuel:         req.Fuel,
		Trace:        req.Trace,
		Capabilities: s.caps,
		Meta:         meta,
	})
	if err != nil {
		switch {
		case errors.Is(err, vm.ErrProcedureNotFound), errors.Is(err, vm.ErrProcedureExpired):
			writeError(w, http.StatusNotFound, "PROCEDURE_NOT_FOUND", err.Error())
		case errors.Is(err, vm.ErrRootNotSeq), errors.Is(err, vm.ErrUnknownOp):
			writeError(w, http.StatusBadRequest, "INVALID_PROGRAM", err.Error())
		default:
			s.log.WithError(err).Error("run failed")
			writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// requestDepth propagates the inbound hop count so agent-to-agent HTTP
// chains stay bounded.
func requestDepth(r *http.Request) int {
	raw := r.Header.Get("X-Agent-Depth")
	if raw == "" {
		return 0
	}
	depth, err := strconv.Atoi(raw)
	if err != nil || depth < 0 {
		return 0
	}
	return depth
}

type storeProcedureRequest struct {
	Program    map[string]any `json:"program"`
	TTLSeconds int            `json:"ttlSeconds"`
	OwnerHint  string         `json:"ownerHint"`
}

func (s *Server) handleStoreProcedure(w http.ResponseWriter, r *http.Request) {
	var req storeProcedureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "request body is not valid JSON")
		return
	}
	if req.Program == nil {
		writeError(w, http.StatusBadRequest, "MISSING_PROGRAM", "program is required")
		return
	}

	token, err := s.engine.Procedures().Store(req.Program, vm.StoreProcedureOptions{
		TTL:       time.Duration(req.TTLSeconds) * time.Second,
		OwnerHint: req.OwnerHint,
	})
	if err != nil {
		switch {
		case errors.Is(err, vm.ErrRootNotSeq):
			writeError(w, http.StatusBadRequest, "INVALID_PROGRAM", err.Error())
		case errors.Is(err, vm.ErrProcedureTooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "PROCEDURE_TOO_LARGE", err.Error())
		default:
			s.log.WithError(err).Error("store procedure failed")
			writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		}
		return
	}

	count, _ := s.engine.Procedures().Stats()
	metrics.SetStoredProcedures(count)
	writeJSON(w, http.StatusCreated, map[string]any{"token": token})
}

func (s *Server) handleReleaseProcedure(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	released := s.engine.Procedures().Release(token)
	if !released {
		writeError(w, http.StatusNotFound, "PROCEDURE_NOT_FOUND", "no such procedure")
		return
	}
	count, _ := s.engine.Procedures().Stats()
	metrics.SetStoredProcedures(count)
	writeJSON(w, http.StatusOK, map[string]any{"released": true})
}

func (s *Server) handleProcedureStats(w http.ResponseWriter, _ *http.Request) {
	count, bytes := s.engine.Procedures().Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"count": count,
		"bytes": bytes,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
