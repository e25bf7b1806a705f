package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/routecodex/routecodex/internal/domain/entity"
	"github.com/routecodex/routecodex/internal/infrastructure/config"
	"github.com/routecodex/routecodex/internal/infrastructure/vault"
	gwerrors "github.com/routecodex/routecodex/pkg/errors"
)

func TestDoJSON(t *testing.T) {
	var gotReqID, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReqID = r.Header.Get("x-request-id")
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"pong"}}]}`))
	}))
	defer srv.Close()

	c := NewClient(zap.NewNop())
	resp, err := c.Do(context.Background(), &Envelope{
		URL:       srv.URL + "/chat/completions",
		Headers:   http.Header{"Authorization": []string{"Bearer sk-1"}},
		Body:      entity.Object{"model": "glm-4.6"},
		RequestID: "req_123",
	})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "req_123", gotReqID)
	assert.Equal(t, "Bearer sk-1", gotAuth)
	require.NotNil(t, resp.Body)
}

func TestDoErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		header http.Header
		check  func(t *testing.T, err error)
	}{
		{401, nil, func(t *testing.T, err error) { assert.True(t, gwerrors.IsAuthError(err)) }},
		{429, http.Header{"Retry-After": []string{"1"}}, func(t *testing.T, err error) {
			assert.True(t, gwerrors.IsRateLimited(err))
			after, ok := gwerrors.RetryAfterOf(err)
			require.True(t, ok)
			assert.Equal(t, time.Second, after)
		}},
		{500, nil, func(t *testing.T, err error) { assert.True(t, gwerrors.IsUpstreamTransient(err)) }},
		{400, nil, func(t *testing.T, err error) {
			assert.Equal(t, gwerrors.CodeUpstreamRejected, gwerrors.CodeOf(err))
		}},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for k, vs := range tc.header {
				for _, v := range vs {
					w.Header().Set(k, v)
				}
			}
			w.WriteHeader(tc.status)
			w.Write([]byte(`{"error":{"message":"nope"}}`))
		}))
		c := NewClient(zap.NewNop())
		_, err := c.Do(context.Background(), &Envelope{URL: srv.URL, Body: entity.Object{}})
		require.Error(t, err)
		tc.check(t, err)
		srv.Close()
	}
}

func TestDoMalformedFunctionCallBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(400)
		w.Write([]byte(`{"error":{"code":"MALFORMED_FUNCTION_CALL","message":"bad args"}}`))
	}))
	defer srv.Close()

	c := NewClient(zap.NewNop())
	_, err := c.Do(context.Background(), &Envelope{URL: srv.URL, Body: entity.Object{}})
	assert.True(t, gwerrors.IsToolShape(err))
}

func TestDoSSEStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, frame := range []string{
			"data: {\"choices\":[{\"delta\":{\"content\":\"a\"},\"finish_reason\":null}]}\n\n",
			"data: [DONE]\n\n",
		} {
			w.Write([]byte(frame))
			flusher.Flush()
		}
	}))
	defer srv.Close()

	c := NewClient(zap.NewNop())
	resp, err := c.Do(context.Background(), &Envelope{
		URL: srv.URL, Body: entity.Object{}, ExpectSSE: true,
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Events)

	var frames int
	var sawTerminal bool
	for ev := range resp.Events {
		frames++
		if ev.IsTerminal() {
			sawTerminal = true
		}
	}
	assert.Equal(t, 2, frames)
	assert.True(t, sawTerminal)
}

func TestDoSSESuspendsOnRequiredAction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		w.Write([]byte("event: response.required_action\ndata: {\"type\":\"response.required_action\"}\n\n"))
		flusher.Flush()
		w.Write([]byte("data: should-not-be-read\n\n"))
		flusher.Flush()
	}))
	defer srv.Close()

	c := NewClient(zap.NewNop())
	resp, err := c.Do(context.Background(), &Envelope{URL: srv.URL, Body: entity.Object{}, ExpectSSE: true})
	require.NoError(t, err)

	var names []string
	for ev := range resp.Events {
		names = append(names, ev.Name)
	}
	assert.Equal(t, []string{"response.required_action"}, names)
}

func TestDoStreamCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := NewClient(zap.NewNop())
	resp, err := c.Do(ctx, &Envelope{URL: srv.URL, Body: entity.Object{}, ExpectSSE: true})
	require.NoError(t, err)

	start := time.Now()
	cancel()
	for range resp.Events {
	}
	assert.Less(t, time.Since(start), 200*time.Millisecond, "abort within 200ms of disconnect")
}

func TestRateTableBlocksAndFails(t *testing.T) {
	rt := NewRateTable(100 * time.Millisecond)

	// burst 1: first token free, second must wait past the budget → fail.
	require.NoError(t, rt.Wait(context.Background(), "cred1", 3, 1))
	err := rt.Wait(context.Background(), "cred1", 3, 1)
	require.Error(t, err)
	assert.True(t, gwerrors.IsRateLimited(err))
}

func TestRateTableUnlimited(t *testing.T) {
	rt := NewRateTable(time.Second)
	for i := 0; i < 100; i++ {
		require.NoError(t, rt.Wait(context.Background(), "cred1", 0, 0))
	}
}

func TestBuildEnvelopeAnthropic(t *testing.T) {
	env, _ := BuildEnvelope(
		config.ProviderConfig{Type: "anthropic", BaseURL: "https://api.anthropic.com"},
		entity.Object{"model": "claude"},
		vault.Credential{Type: "apikey", APIKey: "sk-ant"},
		"req_1", nil, UANormal, SessionIdentity{}, false,
	)
	assert.Equal(t, "https://api.anthropic.com/v1/messages", env.URL)
	assert.Equal(t, "sk-ant", env.Headers.Get("x-api-key"))
	assert.Equal(t, anthropicVersion, env.Headers.Get("anthropic-version"))
	assert.Empty(t, env.Headers.Get("Authorization"))
}

func TestBuildEnvelopeResponses(t *testing.T) {
	env, _ := BuildEnvelope(
		config.ProviderConfig{Type: "openai-responses", BaseURL: "https://api.openai.com/v1/"},
		entity.Object{}, vault.Credential{Type: "apikey", APIKey: "sk-o"},
		"req_1", nil, UANormal, SessionIdentity{}, true,
	)
	assert.Equal(t, "https://api.openai.com/v1/responses", env.URL)
	assert.Equal(t, "Bearer sk-o", env.Headers.Get("Authorization"))
	assert.Equal(t, responsesBetaFlag, env.Headers.Get("OpenAI-Beta"))
	assert.True(t, env.ExpectSSE)
}

func TestCodexUserAgentSynthesis(t *testing.T) {
	h := http.Header{}
	identity := ApplyUserAgent(h, UACodex, http.Header{}, SessionIdentity{})

	assert.Equal(t, codexUserAgent, h.Get("User-Agent"))
	assert.True(t, strings.HasPrefix(h.Get("session_id"), "codex_cli_session_"))
	assert.True(t, strings.HasPrefix(h.Get("conversation_id"), "codex_cli_conversation_"))

	// Persisted identity is reused verbatim.
	h2 := http.Header{}
	again := ApplyUserAgent(h2, UACodex, http.Header{}, identity)
	assert.Equal(t, identity.SessionID, again.SessionID)
	assert.Equal(t, identity.SessionID, h2.Get("session_id"))
}

func TestCodexClientHeadersWin(t *testing.T) {
	client := http.Header{}
	client.Set("session_id", "codex_cli_session_client")
	h := http.Header{}
	identity := ApplyUserAgent(h, UACodex, client, SessionIdentity{})
	assert.Equal(t, "codex_cli_session_client", identity.SessionID)
}
