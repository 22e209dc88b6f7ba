package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/mistakeknot/toomanycooks/internal/auth"
	"github.com/mistakeknot/toomanycooks/internal/dispatch"
)

const maxToolBody = 1 << 20

type toolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Admin       bool           `json:"admin,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type toolsResponse struct {
	Tools []toolInfo `json:"tools"`
}

type healthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
}

func (s *Service) handleToolCall(w http.ResponseWriter, r *http.Request) {
	tool := r.PathValue("tool")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxToolBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeWireError(w, http.StatusRequestEntityTooLarge, dispatch.WireError{Kind: dispatch.KindValidation, Message: "request body too large"})
			return
		}
		writeWireError(w, http.StatusBadRequest, dispatch.WireError{Kind: dispatch.KindValidation, Message: "unreadable request body"})
		return
	}
	if len(body) > 0 && !json.Valid(body) {
		writeWireError(w, http.StatusBadRequest, dispatch.WireError{Kind: dispatch.KindValidation, Message: "arguments must be a JSON object"})
		return
	}

	caller, _ := auth.FromContext(r.Context())
	res, err := s.dispatcher.Call(r.Context(), tool, body, caller)
	if err != nil {
		we := dispatch.ToWire(err)
		writeWireError(w, statusForKind(we.Kind), we)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Service) handleListTools(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())
	resp := toolsResponse{Tools: []toolInfo{}}
	for _, t := range s.dispatcher.Tools() {
		if t.Admin && !caller.Admin {
			continue
		}
		resp.Tools = append(resp.Tools, toolInfo{Name: t.Name, Description: t.Description, Admin: t.Admin, InputSchema: t.InputSchema})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.dispatcher.Status(r.Context())
	if err != nil {
		s.logger.ErrorContext(r.Context(), "status snapshot failed", "error", err)
		we := dispatch.ToWire(err)
		writeWireError(w, statusForKind(we.Kind), we)
		return
	}
	writeJSON(w, http.StatusOK, dispatch.NewStatusView(st))
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", Store: "closed"}
	if s.health != nil {
		resp.Store = s.health()
	}
	code := http.StatusOK
	if resp.Store == "open" {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func statusForKind(kind string) int {
	switch kind {
	case dispatch.KindValidation:
		return http.StatusBadRequest
	case dispatch.KindAuth:
		return http.StatusUnauthorized
	case dispatch.KindForbidden:
		return http.StatusForbidden
	case dispatch.KindNotFound:
		return http.StatusNotFound
	case dispatch.KindConflict:
		return http.StatusConflict
	case dispatch.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeWireError(w http.ResponseWriter, code int, we dispatch.WireError) {
	writeJSON(w, code, dispatch.ErrorEnvelope{Error: we})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
