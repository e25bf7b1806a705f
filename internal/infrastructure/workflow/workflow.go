// Package workflow adapts between the client's streaming expectation and the
// upstream's actual behavior. Whatever the upstream did, a client that asked
// for SSE gets SSE and a client that asked for JSON gets JSON.
package workflow

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/routecodex/routecodex/internal/domain/entity"
	"github.com/routecodex/routecodex/internal/infrastructure/llmswitch"
	"github.com/routecodex/routecodex/internal/infrastructure/sse"
	gwerrors "github.com/routecodex/routecodex/pkg/errors"
)

// StreamWriter delivers SSE events to the client. Implementations flush after
// every event so frames are not batched by intermediaries.
type StreamWriter interface {
	WriteEvent(ev sse.Event) error
}

// WriterFunc adapts a function to StreamWriter.
type WriterFunc func(ev sse.Event) error

func (f WriterFunc) WriteEvent(ev sse.Event) error { return f(ev) }

// Workflow controls stream conversion for one gateway instance.
type Workflow struct {
	synthesisDelta time.Duration
	heartbeat      time.Duration
	logger         *zap.Logger
}

// New creates a workflow stage. synthesisDelta paces synthesized frames;
// heartbeat > 0 enables keepalive comments before the first real frame.
func New(synthesisDelta, heartbeat time.Duration, logger *zap.Logger) *Workflow {
	return &Workflow{
		synthesisDelta: synthesisDelta,
		heartbeat:      heartbeat,
		logger:         logger.With(zap.String("component", "workflow")),
	}
}

// RelayStream passes upstream SSE frames through the protocol chain to the
// client. Heartbeats cover the gap before the first frame; terminal frames
// are guaranteed even when the upstream ends abruptly.
func (w *Workflow) RelayStream(ctx context.Context, chain *llmswitch.Chain, events <-chan sse.Event, out StreamWriter) error {
	first := true
	var hb <-chan time.Time
	if w.heartbeat > 0 {
		t := time.NewTicker(w.heartbeat)
		defer t.Stop()
		hb = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return gwerrors.NewTimeout("client or request context cancelled")

		case <-hb:
			if !first {
				continue
			}
			if err := out.WriteEvent(sse.Comment("keepalive")); err != nil {
				return err
			}

		case ev, ok := <-events:
			if !ok {
				// Upstream closed; ensure the protocol's terminal frames.
				for _, f := range chain.FinishStream() {
					if err := out.WriteEvent(f); err != nil {
						return err
					}
				}
				return nil
			}
			first = false
			frames, err := chain.StreamFrameToEntry(ev)
			if err != nil {
				return err
			}
			for _, f := range frames {
				if err := out.WriteEvent(f); err != nil {
					return err
				}
			}
		}
	}
}

// CollectStream folds an upstream SSE stream into a single canonical
// response; the caller runs governance and entry encoding on it. Heartbeats
// never appear on this path.
func (w *Workflow) CollectStream(ctx context.Context, chain *llmswitch.Chain, events <-chan sse.Event) (entity.Object, error) {
	collector := llmswitch.NewCollector()

	for {
		select {
		case <-ctx.Done():
			return nil, gwerrors.NewTimeout("client or request context cancelled")
		case ev, ok := <-events:
			if !ok {
				return collector.Response(), nil
			}
			chunks, err := chain.Provider.DecodeStreamFrame(ev, chain.ProviderStreamState())
			if err != nil {
				return nil, err
			}
			for _, chunk := range chunks {
				collector.Add(chunk)
			}
		}
	}
}

// SynthesizeStream renders a buffered canonical response as an incremental
// SSE stream on the entry protocol: the model's text is re-chunked into
// deltas at a fixed cadence, tool calls are emitted whole, and the finish
// reason rides only on the last frame.
func (w *Workflow) SynthesizeStream(ctx context.Context, chain *llmswitch.Chain, canonical entity.Object, out StreamWriter) error {
	msg, ok := llmswitch.ResponseMessage(canonical)
	if !ok {
		return gwerrors.NewInternal("synthesize: response has no choices", nil)
	}

	st := chain.EntryStreamState()
	if model, ok := entity.GetString(canonical, "model"); ok {
		st.Model = model
	}
	if id, ok := entity.GetString(canonical, "id"); ok && st.MessageID == "" {
		st.MessageID = id
	}

	emit := func(chunk entity.Object) error {
		frames, err := chain.Entry.EncodeStreamFrame(chunk, st)
		if err != nil {
			return err
		}
		for _, f := range frames {
			if err := out.WriteEvent(f); err != nil {
				return err
			}
		}
		return nil
	}

	if err := emit(llmswitch.Chunk(st, llmswitch.DeltaRole(), "")); err != nil {
		return err
	}

	if reasoning, ok := entity.GetString(msg, "reasoning_content"); ok && reasoning != "" {
		if err := w.emitWindows(ctx, reasoning, func(s string) error {
			return emit(llmswitch.Chunk(st, llmswitch.DeltaReasoning(s), ""))
		}); err != nil {
			return err
		}
	}

	if content, ok := entity.GetString(msg, "content"); ok && content != "" {
		if err := w.emitWindows(ctx, content, func(s string) error {
			return emit(llmswitch.Chunk(st, llmswitch.DeltaContent(s), ""))
		}); err != nil {
			return err
		}
	}

	for i, call := range entity.ObjectSlice(msg, "tool_calls") {
		fn, _ := entity.GetObject(call, "function")
		id, _ := entity.GetString(call, "id")
		name, _ := entity.GetString(fn, "name")
		args, _ := entity.GetString(fn, "arguments")
		if err := emit(llmswitch.Chunk(st, llmswitch.DeltaToolCall(i, id, name, args), "")); err != nil {
			return err
		}
	}

	finish := llmswitch.FinishReason(canonical)
	if finish == "" {
		finish = "stop"
	}
	final := llmswitch.Chunk(st, entity.Object{}, finish)
	if usage, ok := entity.GetObject(canonical, "usage"); ok {
		final["usage"] = usage
	}
	if err := emit(final); err != nil {
		return err
	}

	for _, f := range chain.FinishStream() {
		if err := out.WriteEvent(f); err != nil {
			return err
		}
	}
	return nil
}

// synthesisWindow is the number of code points per synthesized delta.
const synthesisWindow = 24

// emitWindows slices text into code-point windows, never mid-UTF-8-sequence,
// pacing frames by the configured cadence.
func (w *Workflow) emitWindows(ctx context.Context, text string, emit func(string) error) error {
	runes := []rune(text)
	for start := 0; start < len(runes); start += synthesisWindow {
		end := start + synthesisWindow
		if end > len(runes) {
			end = len(runes)
		}
		if err := emit(string(runes[start:end])); err != nil {
			return err
		}
		if w.synthesisDelta > 0 && end < len(runes) {
			select {
			case <-ctx.Done():
				return gwerrors.NewTimeout("client or request context cancelled")
			case <-time.After(w.synthesisDelta):
			}
		}
	}
	return nil
}
