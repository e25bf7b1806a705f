// Package llmswitch converts between the three wire protocols the gateway
// speaks. Each protocol implements Codec against a shared canonical form (the
// OpenAI Chat shape), so a request entering on any protocol reaches any
// provider through at most two conversions: entry → canonical → provider.
package llmswitch

import (
	"fmt"
	"strings"
	"sync"

	"github.com/routecodex/routecodex/internal/domain/entity"
	"github.com/routecodex/routecodex/internal/infrastructure/sse"
)

// Codec converts one wire protocol to and from the canonical chat form.
// Decode* moves protocol payloads into canonical shape; Encode* renders
// canonical payloads on the protocol. Codecs are pure except for the
// StreamState threaded through frame conversion.
type Codec interface {
	Protocol() entity.Protocol

	// DecodeRequest converts an inbound request on this protocol into the
	// canonical chat request.
	DecodeRequest(body entity.Object) (entity.Object, error)
	// EncodeRequest renders a canonical chat request on this protocol.
	EncodeRequest(body entity.Object) (entity.Object, error)

	// DecodeResponse converts this protocol's response into the canonical
	// chat response.
	DecodeResponse(body entity.Object) (entity.Object, error)
	// EncodeResponse renders a canonical chat response on this protocol.
	EncodeResponse(body entity.Object) (entity.Object, error)

	// DecodeStreamFrame converts one of this protocol's SSE frames into zero
	// or more canonical chat.completion.chunk objects.
	DecodeStreamFrame(ev sse.Event, st *StreamState) ([]entity.Object, error)
	// EncodeStreamFrame renders one canonical chunk as this protocol's SSE
	// frames.
	EncodeStreamFrame(chunk entity.Object, st *StreamState) ([]sse.Event, error)
	// FinishStream emits the protocol's terminal frames when the upstream
	// ended without them. Idempotent: once terminal frames have been written
	// it returns nil.
	FinishStream(st *StreamState) []sse.Event
}

// StreamState carries the small amount of mutable state a codec needs across
// frames of one stream: tool-call assembly, open content blocks, terminal
// bookkeeping. One StreamState serves one direction of one request.
type StreamState struct {
	MessageID    string
	Model        string
	Created      int64
	RoleSent     bool
	FinishReason string
	Terminated   bool

	// Anthropic encode: which content block is open, and its index.
	BlockIndex int
	BlockType  string // "", "text", "tool_use", "thinking"

	// Responses encode: response envelope id and output item counter.
	ResponseID  string
	OutputIndex int

	// Tool-call assembly by upstream index.
	ToolCalls map[int]*ToolCallAssembly
}

// ToolCallAssembly accumulates one tool call's fragments across frames.
type ToolCallAssembly struct {
	ID      string
	Name    string
	Args    strings.Builder
	Index   int  // canonical tool_calls index
	Started bool // encode side: output_item.added / content_block_start emitted
}

// NewStreamState creates an empty stream state.
func NewStreamState() *StreamState {
	return &StreamState{ToolCalls: make(map[int]*ToolCallAssembly)}
}

// Tool returns the assembly slot for the given index, creating it on first use.
func (st *StreamState) Tool(index int) *ToolCallAssembly {
	if st.ToolCalls == nil {
		st.ToolCalls = make(map[int]*ToolCallAssembly)
	}
	tc, ok := st.ToolCalls[index]
	if !ok {
		tc = &ToolCallAssembly{}
		st.ToolCalls[index] = tc
	}
	return tc
}

// --- Codec registry ---
// Codecs register themselves via init() in their own package, mirroring the
// provider factory registry pattern.

var (
	registryMu sync.RWMutex
	registry   = map[entity.Protocol]Codec{}
)

// Register installs a codec for its protocol. Called from init() in each
// protocol sub-package.
func Register(c Codec) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[c.Protocol()] = c
}

// ForProtocol returns the codec for the given protocol.
func ForProtocol(p entity.Protocol) (Codec, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	c, ok := registry[p]
	if !ok {
		available := make([]string, 0, len(registry))
		for k := range registry {
			available = append(available, string(k))
		}
		return nil, fmt.Errorf("no codec for protocol %q (available: %v)", p, available)
	}
	return c, nil
}

// Chain binds the entry-side and provider-side codecs for one request. The
// response path is always the exact reverse of the request path.
type Chain struct {
	Entry    Codec
	Provider Codec

	// entrySt renders provider output on the entry protocol; providerSt
	// parses the provider's frames.
	entrySt    *StreamState
	providerSt *StreamState
}

// NewChain builds a conversion chain between the two protocols.
func NewChain(entryProto, providerProto entity.Protocol) (*Chain, error) {
	entry, err := ForProtocol(entryProto)
	if err != nil {
		return nil, err
	}
	provider, err := ForProtocol(providerProto)
	if err != nil {
		return nil, err
	}
	return &Chain{
		Entry:      entry,
		Provider:   provider,
		entrySt:    NewStreamState(),
		providerSt: NewStreamState(),
	}, nil
}

// RequestToProvider converts an entry-protocol request body into the provider
// protocol via the canonical form.
func (c *Chain) RequestToProvider(body entity.Object) (entity.Object, error) {
	canonical, err := c.Entry.DecodeRequest(body)
	if err != nil {
		return nil, err
	}
	return c.Provider.EncodeRequest(canonical)
}

// ResponseToEntry converts a provider response body back onto the entry
// protocol.
func (c *Chain) ResponseToEntry(body entity.Object) (entity.Object, error) {
	canonical, err := c.Provider.DecodeResponse(body)
	if err != nil {
		return nil, err
	}
	return c.Entry.EncodeResponse(canonical)
}

// StreamFrameToEntry converts one provider SSE frame into entry-protocol SSE
// frames.
func (c *Chain) StreamFrameToEntry(ev sse.Event) ([]sse.Event, error) {
	chunks, err := c.Provider.DecodeStreamFrame(ev, c.providerSt)
	if err != nil {
		return nil, err
	}
	var out []sse.Event
	for _, chunk := range chunks {
		frames, err := c.Entry.EncodeStreamFrame(chunk, c.entrySt)
		if err != nil {
			return nil, err
		}
		out = append(out, frames...)
	}
	return out, nil
}

// ProviderStreamState exposes the provider-side frame state (tool-call
// assembly, terminal bookkeeping) for the engine's continuation handling.
func (c *Chain) ProviderStreamState() *StreamState { return c.providerSt }

// EntryStreamState exposes the entry-side frame state; the engine reads the
// response id minted for the client and seeds it for synthesized streams.
func (c *Chain) EntryStreamState() *StreamState { return c.entrySt }

// FinishStream emits the entry protocol's terminal frames. Safe to call after
// an abrupt upstream end; the client always sees a well-terminated stream.
func (c *Chain) FinishStream() []sse.Event {
	return c.Entry.FinishStream(c.entrySt)
}
