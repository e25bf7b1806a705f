package transport

import (
	"net/http"

	"github.com/oklog/ulid/v2"
)

// UAMode selects how the gateway identifies itself upstream.
type UAMode string

const (
	// UANormal sends the gateway's own User-Agent.
	UANormal UAMode = "normal"
	// UACodex impersonates the codex CLI, synthesizing its session headers
	// when the client did not provide them.
	UACodex UAMode = "codex"
)

const (
	gatewayUserAgent = "routecodex/1.0"
	codexUserAgent   = "codex_cli_rs/0.41.0"

	headerSessionID      = "session_id"
	headerConversationID = "conversation_id"
)

// SessionIdentity carries the codex session headers for one request; kept so
// tool-loop continuations can reuse the identity when configured to.
type SessionIdentity struct {
	SessionID      string
	ConversationID string
}

// NewSessionIdentity mints a codex session identity.
func NewSessionIdentity() SessionIdentity {
	return SessionIdentity{
		SessionID:      "codex_cli_session_" + ulid.Make().String(),
		ConversationID: "codex_cli_conversation_" + ulid.Make().String(),
	}
}

// ApplyUserAgent sets the User-Agent and, in codex mode, the session headers.
// Client-provided values win; identity fills only the gaps and is returned so
// the caller can persist it across continuations.
func ApplyUserAgent(h http.Header, mode UAMode, client http.Header, identity SessionIdentity) SessionIdentity {
	switch mode {
	case UACodex:
		h.Set("User-Agent", codexUserAgent)
		if v := client.Get(headerSessionID); v != "" {
			identity.SessionID = v
		} else if identity.SessionID == "" {
			identity.SessionID = NewSessionIdentity().SessionID
		}
		if v := client.Get(headerConversationID); v != "" {
			identity.ConversationID = v
		} else if identity.ConversationID == "" {
			identity.ConversationID = NewSessionIdentity().ConversationID
		}
		h.Set(headerSessionID, identity.SessionID)
		h.Set(headerConversationID, identity.ConversationID)
	default:
		h.Set("User-Agent", gatewayUserAgent)
	}
	return identity
}
