package toolserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/vnmchuo/copilot-gateway/internal/apperr"
	"github.com/vnmchuo/copilot-gateway/internal/auth"
	"github.com/vnmchuo/copilot-gateway/internal/provider"
)

type callRequest struct {
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments"`
	TenantID  string          `json:"tenant_id"`
	TraceID   string          `json:"trace_id,omitempty"`
}

// Routes returns the JSON tool interface: GET /tools and POST /tools/call.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/tools", s.handleList)
	r.Post("/tools/call", s.handleCall)
	return r
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]provider.ToolDescriptor{"tools": s.Tools()})
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ToolName == "" {
		writeError(w, http.StatusBadRequest, "tool_name is required")
		return
	}

	tenantID, err := tenantOf(auth.GetTenantID(r.Context()), req.TenantID)
	if err != nil {
		if errors.Is(err, errTenantMismatch) {
			writeError(w, http.StatusForbidden, err.Error())
			return
		}
		writeError(w, apperr.HTTPStatus(err), err.Error())
		return
	}

	reply, err := s.Call(r.Context(), tenantID, req.ToolName, req.Arguments)
	if errors.Is(err, ErrRateLimited) {
		w.Header().Set("Retry-After", "60")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":       err.Error(),
			"retry_after": "60s",
		})
		return
	}
	if err != nil {
		s.logger.Warn("tool call failed",
			"tool", req.ToolName,
			"tenant_id", tenantID,
			"trace_id", req.TraceID,
			"error", err,
		)
		writeError(w, apperr.HTTPStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": reply})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
