package transport

import (
	"net/http"
	"strings"

	"github.com/routecodex/routecodex/internal/domain/entity"
	"github.com/routecodex/routecodex/internal/infrastructure/config"
	"github.com/routecodex/routecodex/internal/infrastructure/vault"
)

const (
	anthropicVersion  = "2023-06-01"
	responsesBetaFlag = "responses-2024-12-17"
)

// ProtocolForType maps a provider type to the wire protocol it speaks.
// OpenAI-compatible vendors (glm, qwen, iflow, lmstudio, gemini's compat
// endpoint, ...) all speak chat.
func ProtocolForType(providerType string) entity.Protocol {
	switch providerType {
	case "anthropic":
		return entity.ProtocolAnthropic
	case "openai-responses", "antigravity":
		return entity.ProtocolOpenAIResponses
	default:
		return entity.ProtocolOpenAIChat
	}
}

// endpointPath returns the provider-protocol endpoint path.
func endpointPath(proto entity.Protocol) string {
	switch proto {
	case entity.ProtocolAnthropic:
		return "/v1/messages"
	case entity.ProtocolOpenAIResponses:
		return "/responses"
	default:
		return "/chat/completions"
	}
}

// authHeaderName returns the non-bearer auth header a protocol requires, or
// empty for Authorization: Bearer.
func authHeaderName(proto entity.Protocol) string {
	if proto == entity.ProtocolAnthropic {
		return "x-api-key"
	}
	return ""
}

// BuildEnvelope assembles the outbound call for one target: URL from the
// provider base, protocol headers, configured extras, credential, and
// User-Agent mode. The returned identity carries any codex session synthesis
// for continuation reuse.
func BuildEnvelope(
	provider config.ProviderConfig,
	body entity.Object,
	cred vault.Credential,
	requestID string,
	clientHeaders http.Header,
	uaMode UAMode,
	identity SessionIdentity,
	expectSSE bool,
) (*Envelope, SessionIdentity) {
	proto := ProtocolForType(provider.Type)
	base := strings.TrimRight(provider.BaseURL, "/")

	h := http.Header{}
	cred.Apply(h, authHeaderName(proto))
	switch proto {
	case entity.ProtocolAnthropic:
		h.Set("anthropic-version", anthropicVersion)
	case entity.ProtocolOpenAIResponses:
		h.Set("OpenAI-Beta", responsesBetaFlag)
	}
	for k, v := range provider.Headers {
		h.Set(k, v)
	}
	identity = ApplyUserAgent(h, uaMode, clientHeaders, identity)

	return &Envelope{
		Method:    http.MethodPost,
		URL:       base + endpointPath(proto),
		Headers:   h,
		Body:      body,
		ExpectSSE: expectSSE,
		RequestID: requestID,
	}, identity
}
