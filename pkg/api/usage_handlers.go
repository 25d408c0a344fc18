package api

import (
	"net/http"

	"github.com/modelgate/modelgate/pkg/httputil"
	"github.com/modelgate/modelgate/pkg/middleware"
	"github.com/modelgate/modelgate/pkg/usage"
)

type recordUsageRequest struct {
	APIType          string `json:"api_type"`
	Model            string `json:"model"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
}

// recordUsage handles POST /v1/usage. Recording is fire-and-forget: a
// well-formed report is always accepted, whatever the sink is doing.
func (s *Server) recordUsage(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r)
	if principal == nil {
		httputil.WriteUnauthorized(w, "invalid_token", "authentication required")
		return
	}

	var req recordUsageRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.APIType, "api_type") {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Model, "model") {
		return
	}

	total := req.TotalTokens
	if total == 0 {
		total = req.PromptTokens + req.CompletionTokens
	}

	s.recorder.Record(usage.Event{
		Username:         principal.Username,
		APIType:          req.APIType,
		Model:            req.Model,
		PromptTokens:     req.PromptTokens,
		CompletionTokens: req.CompletionTokens,
		TotalTokens:      total,
	})
	w.WriteHeader(http.StatusAccepted)
}
