// Package transport executes upstream HTTP calls: auth attach, rate limiting,
// SSE reading, and error classification. Retry and failover decisions belong
// to the pipeline engine; the transport reports one call's outcome as a typed
// error.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/routecodex/routecodex/internal/domain/entity"
	"github.com/routecodex/routecodex/internal/infrastructure/sse"
	"github.com/routecodex/routecodex/pkg/safego"
	gwerrors "github.com/routecodex/routecodex/pkg/errors"
)

// Envelope is one outbound provider call, fully resolved: URL, headers
// (auth already attached), JSON body, and whether an event stream is expected
// back.
type Envelope struct {
	Method    string
	URL       string
	Headers   http.Header
	Body      entity.Object
	ExpectSSE bool
	RequestID string
}

// Response is one provider call's outcome. Exactly one of Body and Events is
// set: Body for JSON responses, Events for SSE. The Events channel closes when
// the upstream terminates or a required_action suspends the read loop.
type Response struct {
	Status  int
	Headers http.Header
	Body    entity.Object
	Events  <-chan sse.Event
}

// Client is the pooled upstream HTTP client.
type Client struct {
	http   *http.Client
	logger *zap.Logger
}

const sseIdleTimeout = 60 * time.Second

// NewClient builds a client with connection pooling tuned for long-lived
// LLM calls.
func NewClient(logger *zap.Logger) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 300 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}
	return &Client{
		http:   &http.Client{Transport: transport},
		logger: logger.With(zap.String("component", "provider-transport")),
	}
}

// Do executes one upstream call. Non-2xx statuses come back as typed errors;
// for SSE calls a reader goroutine feeds Response.Events until a terminal
// frame, a required_action suspension, or context cancellation.
func (c *Client) Do(ctx context.Context, env *Envelope) (*Response, error) {
	raw, err := json.Marshal(env.Body)
	if err != nil {
		return nil, gwerrors.NewInternal("marshal provider request", err)
	}

	method := env.Method
	if method == "" {
		method = http.MethodPost
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, env.URL, bytes.NewReader(raw))
	if err != nil {
		return nil, gwerrors.NewInternal("create provider request", err)
	}
	for k, vs := range env.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if env.RequestID != "" {
		httpReq.Header.Set("x-request-id", env.RequestID)
	}
	if env.ExpectSSE {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, gwerrors.NewTimeout("provider call cancelled")
		}
		return nil, gwerrors.NewUpstreamTransient("provider unreachable", err)
	}

	c.logger.Debug("Provider responded",
		zap.String("request_id", env.RequestID),
		zap.String("url", env.URL),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, c.classifyError(resp)
	}

	if env.ExpectSSE && isEventStream(resp) {
		return c.streamResponse(ctx, resp), nil
	}

	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, gwerrors.NewUpstreamTransient("read provider response", err)
	}
	obj, err := entity.DecodeObject(body)
	if err != nil {
		return nil, gwerrors.NewUpstreamRejected("provider returned non-object body", "invalid_body")
	}
	return &Response{Status: resp.StatusCode, Headers: resp.Header, Body: obj}, nil
}

// streamResponse spawns the SSE read loop. The loop stops at terminal frames
// and suspends (stops reading, leaves the loop) after forwarding a
// response.required_action frame — the continuation re-enters via a second
// HTTP call, not this connection.
func (c *Client) streamResponse(ctx context.Context, resp *http.Response) *Response {
	events := make(chan sse.Event, 16)

	// Context cancellation body-close watchdog.
	streamDone := make(chan struct{})
	safego.Go(c.logger, "sse-watchdog", func() {
		select {
		case <-ctx.Done():
			c.logger.Debug("Context cancelled, force-closing SSE stream", zap.Error(ctx.Err()))
			resp.Body.Close()
		case <-streamDone:
		}
	})

	safego.Go(c.logger, "sse-reader", func() {
		defer close(events)
		defer close(streamDone)
		defer resp.Body.Close()

		reader := sse.NewReader(resp.Body, sseIdleTimeout)
		for {
			ev, err := reader.Next()
			if err != nil {
				if err != io.EOF && !sse.IsIdleTimeout(err) && ctx.Err() == nil {
					c.logger.Warn("SSE read error", zap.Error(err))
				}
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
			if ev.IsTerminal() || ev.Name == "response.required_action" {
				return
			}
		}
	})

	return &Response{Status: resp.StatusCode, Headers: resp.Header, Events: events}
}

// classifyError maps an upstream failure status to the gateway taxonomy.
func (c *Client) classifyError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	detail := fmt.Sprintf("provider status %d: %s", resp.StatusCode, truncate(string(body), 200))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return gwerrors.NewAuthError(detail, nil)
	case resp.StatusCode == http.StatusTooManyRequests:
		return gwerrors.NewRateLimited(detail, parseRetryAfter(resp.Header))
	case resp.StatusCode >= 500:
		return gwerrors.NewUpstreamTransient(detail, nil)
	default:
		reason := "upstream_4xx"
		if bytes.Contains(body, []byte("MALFORMED_FUNCTION_CALL")) {
			return gwerrors.NewToolShape(detail, "malformed_function_call")
		}
		return gwerrors.NewUpstreamRejected(detail, reason)
	}
}

func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func isEventStream(resp *http.Response) bool {
	ct := resp.Header.Get("Content-Type")
	return len(ct) >= 17 && ct[:17] == "text/event-stream"
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
