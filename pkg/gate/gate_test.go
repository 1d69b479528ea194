package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/tokengate/pkg/authz"
	"github.com/pario-ai/tokengate/pkg/config"
	"github.com/pario-ai/tokengate/pkg/logging"
	"github.com/pario-ai/tokengate/pkg/models"
	"github.com/pario-ai/tokengate/pkg/store"
	"github.com/pario-ai/tokengate/pkg/store/memory"
	"github.com/pario-ai/tokengate/pkg/tokens"
)

var now = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

var policy = models.TokenPolicy{
	Enabled:           true,
	InitialAmount:     1000,
	ReplenishInterval: time.Hour,
	ReplenishAmount:   500,
}

func newUser(id string, role models.Role, balance int64, lastReplenish time.Time) models.User {
	return models.User{
		ID:                     id,
		Name:                   id,
		Role:                   role,
		APIKeyHash:             store.HashAPIKey("key-" + id),
		TokenBalance:           balance,
		LastTokenReplenishTime: lastReplenish,
	}
}

func setupGate(t *testing.T, p models.TokenPolicy, providers []config.ProviderConfig, users ...models.User) (*Server, *memory.Store) {
	t.Helper()
	s := memory.New(memory.WithClock(func() time.Time { return now }))
	for _, u := range users {
		require.NoError(t, s.CreateUser(context.Background(), u))
	}

	az, err := authz.NewAuthorizer("", authz.ModeEnforce)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Providers = providers
	engine := tokens.New(p, s, tokens.WithLogger(logging.Discard()))
	return New(cfg, engine, s, az, WithLogger(logging.Discard())), s
}

func openAIProvider(url string) config.ProviderConfig {
	return config.ProviderConfig{Name: "openai", URL: url, APIKey: "sk-provider"}
}

func anthropicProvider(url string) config.ProviderConfig {
	return config.ProviderConfig{Name: "anthropic", URL: url, APIKey: "sk-ant", Type: "anthropic"}
}

func do(srv *Server, method, path, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func balance(t *testing.T, s store.Store, id string) int64 {
	t.Helper()
	u, err := s.GetUserByID(context.Background(), id)
	require.NoError(t, err)
	return u.TokenBalance
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error
}

func chatUpstream(t *testing.T, calls *atomic.Int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-provider", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"chatcmpl-1","model":"gpt-4o","usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`)
	}))
}

func TestChatCompletionChargesUsage(t *testing.T) {
	var calls atomic.Int32
	upstream := chatUpstream(t, &calls)
	defer upstream.Close()

	srv, s := setupGate(t, policy, []config.ProviderConfig{openAIProvider(upstream.URL)},
		newUser("u1", models.RoleUser, 100, now))

	w := do(srv, http.MethodPost, "/v1/chat/completions", "key-u1", `{"model":"gpt-4o","messages":[]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(85), balance(t, s, "u1"))
}

func TestRequestIDIsPreserved(t *testing.T) {
	srv, _ := setupGate(t, policy, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
}

func TestInsufficientTokensDenied(t *testing.T) {
	var calls atomic.Int32
	upstream := chatUpstream(t, &calls)
	defer upstream.Close()

	srv, s := setupGate(t, policy, []config.ProviderConfig{openAIProvider(upstream.URL)},
		newUser("u1", models.RoleUser, 0, now.Add(-time.Minute)))

	w := do(srv, http.MethodPost, "/v1/chat/completions", "key-u1", `{"model":"gpt-4o"}`)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	e := decodeError(t, w)
	assert.Equal(t, tokens.InsufficientTokensMessage, e.Message)
	assert.Equal(t, "insufficient_tokens", e.Type)
	assert.Equal(t, http.StatusTooManyRequests, e.Code)
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, int64(0), balance(t, s, "u1"))
}

func TestDepletedAccountReplenishedAndAdmitted(t *testing.T) {
	var calls atomic.Int32
	upstream := chatUpstream(t, &calls)
	defer upstream.Close()

	srv, s := setupGate(t, policy, []config.ProviderConfig{openAIProvider(upstream.URL)},
		newUser("u1", models.RoleUser, -10, now.Add(-2*time.Hour)))

	w := do(srv, http.MethodPost, "/v1/chat/completions", "key-u1", `{"model":"gpt-4o","max_tokens":64}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	// -10 + 500 replenished - 15 consumed
	assert.Equal(t, int64(475), balance(t, s, "u1"))
}

func TestAuthentication(t *testing.T) {
	srv, _ := setupGate(t, policy, nil,
		newUser("p1", models.RolePending, 100, now))

	w := do(srv, http.MethodPost, "/v1/chat/completions", "", `{"model":"gpt-4o"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(srv, http.MethodPost, "/v1/chat/completions", "nope", `{"model":"gpt-4o"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(srv, http.MethodPost, "/v1/chat/completions", "key-p1", `{"model":"gpt-4o"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestInvalidBody(t *testing.T) {
	srv, _ := setupGate(t, policy, nil, newUser("u1", models.RoleUser, 100, now))

	w := do(srv, http.MethodPost, "/v1/chat/completions", "key-u1", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(srv, http.MethodPost, "/v1/chat/completions", "key-u1", `{"messages":[]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminBypassesTokenControl(t *testing.T) {
	var calls atomic.Int32
	upstream := chatUpstream(t, &calls)
	defer upstream.Close()

	srv, s := setupGate(t, policy, []config.ProviderConfig{openAIProvider(upstream.URL)},
		newUser("a1", models.RoleAdmin, 0, now))

	w := do(srv, http.MethodPost, "/v1/chat/completions", "key-a1", `{"model":"gpt-4o"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(0), balance(t, s, "a1"))
}

func TestDisabledPolicyNeverCharges(t *testing.T) {
	var calls atomic.Int32
	upstream := chatUpstream(t, &calls)
	defer upstream.Close()

	disabled := policy
	disabled.Enabled = false
	srv, s := setupGate(t, disabled, []config.ProviderConfig{openAIProvider(upstream.URL)},
		newUser("u1", models.RoleUser, -50, now))

	w := do(srv, http.MethodPost, "/v1/chat/completions", "key-u1", `{"model":"gpt-4o"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(-50), balance(t, s, "u1"))
}

func TestFallbackOnUpstreamError(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()

	var calls atomic.Int32
	healthy := chatUpstream(t, &calls)
	defer healthy.Close()

	providers := []config.ProviderConfig{
		{Name: "primary", URL: failing.URL, APIKey: "sk-provider"},
		{Name: "secondary", URL: healthy.URL, APIKey: "sk-provider"},
	}
	srv, s := setupGate(t, policy, providers, newUser("u1", models.RoleUser, 100, now))
	srv.router = newTestRouter(providers, "gpt-4o", "primary", "secondary")

	w := do(srv, http.MethodPost, "/v1/chat/completions", "key-u1", `{"model":"gpt-4o"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(85), balance(t, s, "u1"))
}

func TestUpstreamErrorIsNotCharged(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"bad"},"usage":{"total_tokens":99}}`)
	}))
	defer upstream.Close()

	srv, s := setupGate(t, policy, []config.ProviderConfig{openAIProvider(upstream.URL)},
		newUser("u1", models.RoleUser, 100, now))

	w := do(srv, http.MethodPost, "/v1/chat/completions", "key-u1", `{"model":"gpt-4o"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, int64(100), balance(t, s, "u1"))
}

func TestStreamingOpenAIChargesFinalUsage(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		opts, _ := body["stream_options"].(map[string]any)
		assert.Equal(t, true, opts["include_usage"])

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"model\":\"gpt-4o\",\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"model\":\"gpt-4o\",\"choices\":[],\"usage\":{\"prompt_tokens\":12,\"completion_tokens\":8,\"total_tokens\":20}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()

	srv, s := setupGate(t, policy, []config.ProviderConfig{openAIProvider(upstream.URL)},
		newUser("u1", models.RoleUser, 100, now))

	w := do(srv, http.MethodPost, "/v1/chat/completions", "key-u1", `{"model":"gpt-4o","stream":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "data: [DONE]")
	assert.NotContains(t, w.Body.String(), "usage")
	assert.Equal(t, int64(80), balance(t, s, "u1"))

	w = do(srv, http.MethodPost, "/v1/chat/completions", "key-u1",
		`{"model":"gpt-4o","stream":true,"stream_options":{"include_usage":true}}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total_tokens":20`)
	assert.Equal(t, int64(60), balance(t, s, "u1"))
}

func TestStreamingNullStreamOptions(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"model\":\"gpt-4o\",\"choices\":[],\"usage\":{\"prompt_tokens\":6,\"completion_tokens\":4,\"total_tokens\":10}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()

	srv, s := setupGate(t, policy, []config.ProviderConfig{openAIProvider(upstream.URL)},
		newUser("u1", models.RoleUser, 100, now))

	w := do(srv, http.MethodPost, "/v1/chat/completions", "key-u1", `{"model":"gpt-4o","stream":true,"stream_options":null}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(90), balance(t, s, "u1"))
}

func TestAnthropicMessages(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		fmt.Fprint(w, `{"id":"msg_1","model":"claude-sonnet-4-5","usage":{"input_tokens":30,"output_tokens":20}}`)
	}))
	defer upstream.Close()

	srv, s := setupGate(t, policy, []config.ProviderConfig{anthropicProvider(upstream.URL)},
		newUser("u1", models.RoleUser, 100, now))

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"model":"claude-sonnet-4-5","max_tokens":256}`))
	req.Header.Set("x-api-key", "key-u1")
	req.Header.Set("anthropic-version", "2023-06-01")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, int64(50), balance(t, s, "u1"))
}

func TestStreamingAnthropicChargesUsage(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"model\":\"claude-sonnet-4-5\",\"usage\":{\"input_tokens\":10,\"output_tokens\":1}}}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"hi\"}}\n\n")
		fmt.Fprint(w, "event: message_delta\ndata: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":5}}\n\n")
		fmt.Fprint(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	defer upstream.Close()

	srv, s := setupGate(t, policy, []config.ProviderConfig{anthropicProvider(upstream.URL)},
		newUser("u1", models.RoleUser, 100, now))

	w := do(srv, http.MethodPost, "/v1/messages", "key-u1", `{"model":"claude-sonnet-4-5","stream":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "message_stop")
	assert.Equal(t, int64(85), balance(t, s, "u1"))
}

func TestNoProviderForFormat(t *testing.T) {
	srv, _ := setupGate(t, policy, []config.ProviderConfig{openAIProvider("http://127.0.0.1:1")},
		newUser("u1", models.RoleUser, 100, now))

	w := do(srv, http.MethodPost, "/v1/messages", "key-u1", `{"model":"claude"}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestMyTokensAndConfig(t *testing.T) {
	srv, _ := setupGate(t, policy, nil, newUser("u1", models.RoleUser, 42, now))

	w := do(srv, http.MethodGet, "/api/v1/tokens/me", "key-u1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var info models.TokenInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, int64(42), info.TokenBalance)
	assert.True(t, info.UsageControlEnabled)
	assert.True(t, info.LastTokenReplenishTime.Equal(now))

	w = do(srv, http.MethodGet, "/api/v1/tokens/config", "key-u1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var cfg tokenConfigResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cfg))
	assert.Equal(t, tokenConfigResponse{
		Enabled:                  true,
		InitialAmount:            1000,
		ReplenishInterval:        "1h0m0s",
		ReplenishIntervalSeconds: 3600,
		ReplenishAmount:          500,
	}, cfg)

	w = do(srv, http.MethodGet, "/api/v1/tokens/config", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminTokenEndpoints(t *testing.T) {
	srv, s := setupGate(t, policy, nil,
		newUser("a1", models.RoleAdmin, 0, now),
		newUser("u1", models.RoleUser, 10, now))

	w := do(srv, http.MethodGet, "/api/v1/users/u1/tokens", "key-a1", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(srv, http.MethodPut, "/api/v1/users/u1/tokens", "key-a1", `{"token_balance":-25}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var info models.TokenInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, int64(-25), info.TokenBalance)
	assert.Equal(t, int64(-25), balance(t, s, "u1"))

	w = do(srv, http.MethodPut, "/api/v1/users/ghost/tokens", "key-a1", `{"token_balance":5}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(srv, http.MethodGet, "/api/v1/users/ghost/tokens", "key-a1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(srv, http.MethodPut, "/api/v1/users/u1/tokens", "key-a1", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminEndpointsRequirePermission(t *testing.T) {
	srv, s := setupGate(t, policy, nil,
		newUser("u1", models.RoleUser, 10, now),
		newUser("u2", models.RoleUser, 10, now))

	w := do(srv, http.MethodGet, "/api/v1/users/u2/tokens", "key-u1", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(srv, http.MethodPut, "/api/v1/users/u2/tokens", "key-u1", `{"token_balance":1000000}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, int64(10), balance(t, s, "u2"))
}

func TestShadowModeLogsButAllows(t *testing.T) {
	srv, s := setupGate(t, policy, nil,
		newUser("u1", models.RoleUser, 10, now),
		newUser("u2", models.RoleUser, 10, now))
	az, err := authz.NewAuthorizer("", authz.ModeShadow)
	require.NoError(t, err)
	srv.authz = az

	w := do(srv, http.MethodPut, "/api/v1/users/u2/tokens", "key-u1", `{"token_balance":7}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(7), balance(t, s, "u2"))
}

func TestNilAuthorizerRequiresAdminRole(t *testing.T) {
	srv, _ := setupGate(t, policy, nil,
		newUser("a1", models.RoleAdmin, 0, now),
		newUser("u1", models.RoleUser, 10, now))
	srv.authz = nil

	w := do(srv, http.MethodGet, "/api/v1/users/u1/tokens", "key-u1", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(srv, http.MethodGet, "/api/v1/users/u1/tokens", "key-a1", "")
	assert.Equal(t, http.StatusOK, w.Code)
}
