package gate

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/pario-ai/tokengate/pkg/models"
	"github.com/pario-ai/tokengate/pkg/router"
	"github.com/pario-ai/tokengate/pkg/tokens"
)

const maxRequestBody = 32 << 20

// handleCompletion serves a generative endpoint in the given wire format:
// admit, forward with fallback, then charge the reported usage.
func (s *Server) handleCompletion(format models.Format) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := s.authenticate(w, r)
		if user == nil {
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, errTypeInvalidRequest, "failed to read request body")
			return
		}
		r.Body.Close()

		var req models.CompletionRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSONError(w, http.StatusBadRequest, errTypeInvalidRequest, "invalid request body")
			return
		}
		if req.Model == "" {
			writeJSONError(w, http.StatusBadRequest, errTypeInvalidRequest, "model is required")
			return
		}

		var estimated int64
		if req.MaxTokens != nil {
			estimated = int64(*req.MaxTokens)
		}
		decision, err := s.engine.Admit(r.Context(), user, estimated)
		if err != nil {
			s.logger.Error("token check failed", "user", user.ID, "request_id", r.Header.Get("X-Request-ID"), "error", err)
			writeJSONError(w, http.StatusInternalServerError, errTypeInternal, "token check failed")
			return
		}
		if !decision.Permitted {
			writeJSONError(w, http.StatusTooManyRequests, errTypeInsufficientTokens, tokens.InsufficientTokensMessage)
			return
		}

		targets, err := s.router.Resolve(req.Model, format)
		if err != nil {
			s.logger.Warn("no route", "model", req.Model, "format", format, "error", err)
			writeJSONError(w, http.StatusBadGateway, errTypeUpstream, "no providers available")
			return
		}

		if req.Stream {
			s.forwardStream(w, r, user, format, req.Model, body, targets)
			return
		}
		s.forward(w, r, user, format, req.Model, body, targets)
	}
}

func (s *Server) forward(w http.ResponseWriter, r *http.Request, user *models.User, format models.Format, requested string, body []byte, targets []router.Target) {
	var result *upstreamResult
	for _, target := range targets {
		res, err := s.doUpstreamRequest(r.Context(), target.Provider.URL, upstreamPath(format), upstreamHeaders(r, target), rewriteModel(body, target.Model))
		if isRetryable(err, 0) {
			s.logger.Warn("upstream failed, trying next", "provider", target.Provider.Name, "error", err)
			continue
		}
		if isRetryable(nil, res.statusCode) {
			s.logger.Warn("upstream error status, trying next", "provider", target.Provider.Name, "status", res.statusCode)
			result = res
			continue
		}
		result = res
		break
	}

	if result == nil {
		writeJSONError(w, http.StatusBadGateway, errTypeUpstream, "all upstream providers failed")
		return
	}

	if result.statusCode == http.StatusOK {
		model, usage := usageFromBody(format, result.body)
		s.charge(r, user, firstNonEmpty(model, requested), usage)
	}

	for k, vals := range result.header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(result.statusCode)
	_, _ = w.Write(result.body)
}

func (s *Server) forwardStream(w http.ResponseWriter, r *http.Request, user *models.User, format models.Format, requested string, body []byte, targets []router.Target) {
	hideUsage := false
	if format == models.FormatOpenAI {
		body, hideUsage = withStreamUsage(body)
	}

	var resp *http.Response
	for _, target := range targets {
		res, err := s.doUpstreamStreamRequest(r.Context(), target.Provider.URL, upstreamPath(format), upstreamHeaders(r, target), rewriteModel(body, target.Model))
		if err != nil {
			s.logger.Warn("upstream failed, trying next", "provider", target.Provider.Name, "error", err)
			continue
		}
		if res.StatusCode >= 500 {
			res.Body.Close()
			s.logger.Warn("upstream error status, trying next", "provider", target.Provider.Name, "status", res.StatusCode)
			continue
		}
		resp = res
		break
	}

	if resp == nil {
		writeJSONError(w, http.StatusBadGateway, errTypeUpstream, "all upstream providers failed")
		return
	}
	defer resp.Body.Close()

	result, err := streamSSEResponse(w, resp, format, hideUsage)
	if err != nil {
		s.logger.Warn("streaming error", "request_id", r.Header.Get("X-Request-ID"), "error", err)
	}
	if result != nil && resp.StatusCode == http.StatusOK {
		s.charge(r, user, firstNonEmpty(result.model, requested), result.usage)
	}
}

// charge debits the usage after the response has been produced. The
// request context may already be cancelled by then.
func (s *Server) charge(r *http.Request, user *models.User, model string, usage *models.Usage) {
	var u models.Usage
	if usage != nil {
		u = *usage
	}
	ctx := context.WithoutCancel(r.Context())
	if err := s.engine.ConsumeModel(ctx, user, model, u); err != nil {
		s.logger.Error("failed to charge tokens", "user", user.ID, "model", model,
			"request_id", r.Header.Get("X-Request-ID"), "error", err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
