package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/routecodex/routecodex/internal/domain/entity"
	"github.com/routecodex/routecodex/internal/infrastructure/monitoring"
	"github.com/routecodex/routecodex/internal/infrastructure/pipeline"
	"github.com/routecodex/routecodex/internal/infrastructure/snapshot"
	"github.com/routecodex/routecodex/internal/infrastructure/sse"
	"github.com/routecodex/routecodex/internal/infrastructure/workflow"
	gwerrors "github.com/routecodex/routecodex/pkg/errors"
)

// GatewayHandler serves the three protocol endpoints on top of the pipeline
// engine.
type GatewayHandler struct {
	engine    *pipeline.Engine
	sink      *snapshot.Sink
	metrics   *monitoring.Metrics
	bodyLimit int64
	logger    *zap.Logger
}

// NewGatewayHandler creates the handler.
func NewGatewayHandler(engine *pipeline.Engine, sink *snapshot.Sink, metrics *monitoring.Metrics, bodyLimit int64, logger *zap.Logger) *GatewayHandler {
	if bodyLimit <= 0 {
		bodyLimit = 4 << 20
	}
	return &GatewayHandler{
		engine:    engine,
		sink:      sink,
		metrics:   metrics,
		bodyLimit: bodyLimit,
		logger:    logger.With(zap.String("component", "gateway-handler")),
	}
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *GatewayHandler) ChatCompletions(c *gin.Context) {
	h.serve(c, entity.ProtocolOpenAIChat, "")
}

// Responses handles POST /v1/responses.
func (h *GatewayHandler) Responses(c *gin.Context) {
	h.serve(c, entity.ProtocolOpenAIResponses, "")
}

// SubmitToolOutputs handles POST /v1/responses/:id/submit_tool_outputs.
func (h *GatewayHandler) SubmitToolOutputs(c *gin.Context) {
	h.serve(c, entity.ProtocolOpenAIResponses, c.Param("id"))
}

// Messages handles POST /v1/messages.
func (h *GatewayHandler) Messages(c *gin.Context) {
	h.serve(c, entity.ProtocolAnthropic, "")
}

func (h *GatewayHandler) serve(c *gin.Context, proto entity.Protocol, continuationID string) {
	req, err := h.buildRequest(c, proto)
	if err != nil {
		h.renderError(c, proto, gwerrors.NewBadRequest(err.Error()), false)
		return
	}

	h.sink.Capture(req.RequestID, string(proto), "ingress", "client-request", "req", req.Body)

	if req.Stream {
		h.serveStream(c, req, continuationID)
		return
	}

	var body entity.Object
	if continuationID != "" {
		body, err = h.engine.SubmitToolOutputs(c.Request.Context(), req, continuationID, nil)
	} else {
		body, err = h.engine.Execute(c.Request.Context(), req, nil)
	}
	if err != nil {
		h.renderError(c, proto, err, false)
		return
	}

	h.sink.Capture(req.RequestID, string(proto), "ingress", "client-response", "resp", body)
	c.JSON(http.StatusOK, body)
}

// serveStream runs the SSE path. Errors before the first byte map to an HTTP
// status; once streaming has begun the status stays 200 and the failure is a
// terminal `event: error` frame.
func (h *GatewayHandler) serveStream(c *gin.Context, req *entity.Request, continuationID string) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	if h.metrics != nil {
		h.metrics.StreamsActive.Inc()
		defer h.metrics.StreamsActive.Dec()
	}

	writer := &streamWriter{c: c}
	var err error
	if continuationID != "" {
		_, err = h.engine.SubmitToolOutputs(c.Request.Context(), req, continuationID, writer)
	} else {
		_, err = h.engine.Execute(c.Request.Context(), req, writer)
	}
	if err != nil {
		h.renderError(c, req.EntryProtocol, err, writer.wrote)
	}
}

// buildRequest decodes the body (buffered below the limit, streamed above it)
// and assembles the immutable Request record.
func (h *GatewayHandler) buildRequest(c *gin.Context, proto entity.Protocol) (*entity.Request, error) {
	var body entity.Object
	if c.Request.ContentLength > h.bodyLimit {
		// Large payloads are decoded straight off the wire.
		dec := json.NewDecoder(c.Request.Body)
		if err := dec.Decode(&body); err != nil {
			return nil, err
		}
	} else {
		raw, err := io.ReadAll(io.LimitReader(c.Request.Body, h.bodyLimit+1))
		if err != nil {
			return nil, err
		}
		body, err = entity.DecodeObject(raw)
		if err != nil {
			return nil, err
		}
	}

	return &entity.Request{
		RequestID:     c.GetString("request_id"),
		EntryProtocol: proto,
		Endpoint:      c.Request.URL.Path,
		ClientHeaders: c.Request.Header,
		Body:          body,
		Stream:        entity.GetBool(body, "stream"),
		ReceivedAt:    time.Now(),
	}, nil
}

// renderError translates a typed error to the entry protocol's native shape,
// or to a terminal SSE error frame when the stream already started.
func (h *GatewayHandler) renderError(c *gin.Context, proto entity.Protocol, err error, streamStarted bool) {
	ge, ok := gwerrors.As(err)
	if !ok {
		ge = gwerrors.NewInternal(err.Error(), nil)
	}

	h.logger.Warn("Request failed",
		zap.String("request_id", c.GetString("request_id")),
		zap.String("code", string(ge.Code)),
		zap.String("reason", ge.Reason),
		zap.Error(err),
	)
	h.sink.CaptureFailure("request", string(ge.Code), c.GetString("request_id"), entity.Object{
		"message": ge.Message,
		"reason":  ge.Reason,
	})

	if streamStarted {
		payload := entity.Object{
			"error": entity.Object{
				"message": ge.Message,
				"type":    errorType(proto, ge.Code),
				"code":    string(ge.Code),
			},
		}
		_ = sse.Write(c.Writer, sse.Event{Name: "error", Data: string(entity.MustJSON(payload))})
		c.Writer.Flush()
		return
	}

	status := gwerrors.HTTPStatus(ge.Code)
	if ge.RetryAfter > 0 {
		c.Header("Retry-After", retryAfterSeconds(ge))
	}

	if proto == entity.ProtocolAnthropic {
		c.JSON(status, gin.H{
			"type": "error",
			"error": gin.H{
				"type":    errorType(proto, ge.Code),
				"message": ge.Message,
			},
		})
		return
	}
	c.JSON(status, gin.H{
		"error": gin.H{
			"message": ge.Message,
			"type":    errorType(proto, ge.Code),
			"code":    string(ge.Code),
		},
	})
}

// errorType maps the taxonomy to each protocol's error type vocabulary.
func errorType(proto entity.Protocol, code gwerrors.ErrorCode) string {
	if proto == entity.ProtocolAnthropic {
		switch code {
		case gwerrors.CodeBadRequest, gwerrors.CodeToolShape, gwerrors.CodePolicyViolation:
			return "invalid_request_error"
		case gwerrors.CodeAuthError:
			return "authentication_error"
		case gwerrors.CodeRateLimited:
			return "rate_limit_error"
		case gwerrors.CodeGatewayBusy, gwerrors.CodeUpstreamTransient:
			return "overloaded_error"
		default:
			return "api_error"
		}
	}
	switch code {
	case gwerrors.CodeBadRequest, gwerrors.CodeToolShape, gwerrors.CodePolicyViolation:
		return "invalid_request_error"
	case gwerrors.CodeAuthError:
		return "authentication_error"
	case gwerrors.CodeRateLimited:
		return "rate_limit_error"
	case gwerrors.CodeTimeout:
		return "timeout_error"
	default:
		return "server_error"
	}
}

func retryAfterSeconds(ge *gwerrors.GatewayError) string {
	secs := int(ge.RetryAfter.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// streamWriter adapts gin's writer to the workflow StreamWriter, flushing
// after every frame.
type streamWriter struct {
	c     *gin.Context
	wrote bool
}

var _ workflow.StreamWriter = (*streamWriter)(nil)

func (w *streamWriter) WriteEvent(ev sse.Event) error {
	if err := sse.Write(w.c.Writer, ev); err != nil {
		return err
	}
	w.wrote = true
	w.c.Writer.Flush()
	return nil
}
