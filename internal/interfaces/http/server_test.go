package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/routecodex/routecodex/internal/infrastructure/config"
	"github.com/routecodex/routecodex/internal/infrastructure/monitoring"
	"github.com/routecodex/routecodex/internal/infrastructure/pipeline"
	"github.com/routecodex/routecodex/internal/infrastructure/router"
	"github.com/routecodex/routecodex/internal/infrastructure/snapshot"
	"github.com/routecodex/routecodex/internal/infrastructure/toolgov"
	"github.com/routecodex/routecodex/internal/infrastructure/transport"
	"github.com/routecodex/routecodex/internal/infrastructure/vault"
	"github.com/routecodex/routecodex/internal/infrastructure/workflow"

	_ "github.com/routecodex/routecodex/internal/infrastructure/llmswitch/anthropicmsg"
	_ "github.com/routecodex/routecodex/internal/infrastructure/llmswitch/openaichat"
	_ "github.com/routecodex/routecodex/internal/infrastructure/llmswitch/responses"
)

// newTestServer wires a full gateway in front of the given upstream.
func newTestServer(t *testing.T, upstreamURL, apiKey string) http.Handler {
	t.Helper()

	cfg := &config.Config{
		HTTPServer: config.HTTPServerConfig{Host: "127.0.0.1", Port: 0, APIKey: apiKey},
		KeyVault: map[string]map[string]config.KeyConfig{
			"up": {"k1": {Type: "apikey", Value: "sk-up"}},
		},
		VirtualRouter: config.VirtualRouterConfig{
			Providers: map[string]config.ProviderConfig{
				"up": {Type: "openai", BaseURL: upstreamURL,
					Models: map[string]config.ModelConfig{"m1": {}}},
			},
			Routing: map[string][]string{
				"default":  {"up.m1"},
				"tool_use": {"up.m1"},
			},
			Health: config.HealthConfig{FailureThreshold: 3, SuccessThreshold: 3, QuarantineWindow: time.Second},
		},
		Pipeline: config.PipelineConfig{
			FailoverLimit: 2, SlotWait: time.Second,
			MaxPendingToolLoops: 8, PendingToolTTL: time.Minute,
		},
		UserAgent: config.UserAgentConfig{Mode: "normal", PersistSession: true},
	}

	logger := zap.NewNop()
	v, err := vault.New(cfg, logger)
	require.NoError(t, err)
	sink := snapshot.NewSink("", 10, logger)

	engine := pipeline.NewEngine(pipeline.Deps{
		Providers: func() map[string]config.ProviderConfig { return cfg.VirtualRouter.Providers },
		Pipeline:  cfg.Pipeline,
		UserAgent: cfg.UserAgent,
		Router:    router.New(cfg, logger),
		Vault:     v,
		Client:    transport.NewClient(logger),
		Rates:     transport.NewRateTable(time.Second),
		Flow:      workflow.New(0, 0, logger),
		Gov:       toolgov.NewNormalizer(sink, false, logger),
		Sink:      sink,
		Logger:    logger,
	})

	srv := NewServer(cfg.HTTPServer, engine, sink, monitoring.New(),
		func() map[string]config.ProviderConfig { return cfg.VirtualRouter.Providers }, logger)
	return srv.Handler()
}

func toolCallUpstream(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"chatcmpl-1","model":"m1","choices":[{"index":0,"finish_reason":"tool_calls","message":{"role":"assistant","content":"","tool_calls":[{"id":"call_add","type":"function","function":{"name":"add","arguments":"{\"a\":1,\"b\":2}"}}]}}],"usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":8}}`))
	}))
}

func TestHealthAndReady(t *testing.T) {
	h := newTestServer(t, "http://127.0.0.1:0", "")

	for path, want := range map[string]string{"/health": "healthy", "/ready": "ready"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		require.Equal(t, 200, rec.Code)
		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, want, body["status"])
	}
}

func TestServerKeyAuth(t *testing.T) {
	h := newTestServer(t, "http://127.0.0.1:0", "gw-secret")

	req := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, 401, rec.Code)

	req = httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(`{"model":"m1","messages":[]}`))
	req.Header.Set("x-api-key", "gw-secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, 400, rec.Code, "authenticated but empty messages")

	req = httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(`{"model":"m1","messages":[]}`))
	req.Header.Set("Authorization", "Bearer gw-secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, 400, rec.Code, "bearer form accepted")
}

func TestChatCompletionEndToEnd(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("x-request-id"), "request id propagates upstream")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"chatcmpl-1","model":"m1","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"pong"}}]}`))
	}))
	defer up.Close()

	h := newTestServer(t, up.URL, "")
	req := httptest.NewRequest("POST", "/v1/chat/completions",
		strings.NewReader(`{"model":"m1","messages":[{"role":"user","content":"ping"}],"stream":false}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	choices := body["choices"].([]any)
	msg := choices[0].(map[string]any)["message"].(map[string]any)
	assert.Equal(t, "assistant", msg["role"])
	assert.Equal(t, "pong", msg["content"])
}

func TestAnthropicBridgingEndToEnd(t *testing.T) {
	// Anthropic-shaped client, OpenAI-compatible upstream: the tool_use block
	// must carry the parsed input object, not the stringified arguments.
	up := toolCallUpstream(t)
	defer up.Close()

	h := newTestServer(t, up.URL, "")
	req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(`{
		"model": "m1", "max_tokens": 256,
		"messages": [{"role": "user", "content": "add 1 and 2"}],
		"tools": [{"name": "add", "input_schema": {"type": "object",
			"properties": {"a": {"type": "number"}, "b": {"type": "number"}},
			"required": ["a", "b"]}}]
	}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code, rec.Body.String())
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	assert.Equal(t, "message", body["type"])
	assert.Equal(t, "tool_use", body["stop_reason"])
	content := body["content"].([]any)
	require.Len(t, content, 1)
	block := content[0].(map[string]any)
	assert.Equal(t, "tool_use", block["type"])
	assert.Equal(t, "add", block["name"])
	input := block["input"].(map[string]any)
	assert.Equal(t, float64(1), input["a"])
	assert.Equal(t, float64(2), input["b"])
}

func TestAnthropicErrorShape(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer up.Close()

	h := newTestServer(t, up.URL, "")
	req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(`{
		"model": "m1", "max_tokens": 10,
		"messages": [{"role": "user", "content": "x"}]
	}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, 502, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "error", body["type"])
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "overloaded_error", errObj["type"])
	assert.NotEmpty(t, errObj["message"])
}

func TestResponsesToolLoopOverHTTP(t *testing.T) {
	var calls int
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		if calls == 1 {
			w.Write([]byte(`{"id":"chatcmpl-1","model":"m1","choices":[{"index":0,"finish_reason":"tool_calls","message":{"role":"assistant","content":"","tool_calls":[{"id":"call_1","type":"function","function":{"name":"echo","arguments":"{\"text\":\"ping\"}"}}]}}]}`))
			return
		}
		w.Write([]byte(`{"id":"chatcmpl-2","model":"m1","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"ping"}}]}`))
	}))
	defer up.Close()

	h := newTestServer(t, up.URL, "")

	req := httptest.NewRequest("POST", "/v1/responses", strings.NewReader(`{
		"model": "m1", "stream": false, "input": "call echo with text=ping",
		"tools": [{"type": "function", "name": "echo",
			"parameters": {"type": "object", "properties": {"text": {"type": "string"}}}}]
	}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code, rec.Body.String())

	var first map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	require.Equal(t, "requires_action", first["status"])
	responseID := first["id"].(string)

	req = httptest.NewRequest("POST", "/v1/responses/"+responseID+"/submit_tool_outputs",
		strings.NewReader(`{"tool_outputs": [{"tool_call_id": "call_1", "output": "ping"}], "stream": false}`))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code, rec.Body.String())

	var second map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	assert.Equal(t, "completed", second["status"])
	assert.Equal(t, 2, calls)
}

func TestStreamingEndToEnd(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		f := w.(http.Flusher)
		w.Write([]byte("data: {\"model\":\"m1\",\"choices\":[{\"delta\":{\"role\":\"assistant\"},\"finish_reason\":null}]}\n\n"))
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"pong\"},\"finish_reason\":null}]}\n\n"))
		w.Write([]byte("data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
		f.Flush()
	}))
	defer up.Close()

	h := newTestServer(t, up.URL, "")
	req := httptest.NewRequest("POST", "/v1/chat/completions",
		strings.NewReader(`{"model":"m1","messages":[{"role":"user","content":"ping"}],"stream":true}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/event-stream")
	stream := rec.Body.String()
	assert.Contains(t, stream, `"content":"pong"`)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(stream), "data: [DONE]"))
}

func TestModelsEndpoint(t *testing.T) {
	h := newTestServer(t, "http://127.0.0.1:0", "")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/models", nil))

	require.Equal(t, 200, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	data := body["data"].([]any)
	require.Len(t, data, 1)
	assert.Equal(t, "m1", data[0].(map[string]any)["id"])
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(t, "http://127.0.0.1:0", "")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "routecodex_")
}
