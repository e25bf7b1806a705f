package entity

import (
	"fmt"
	"math/rand"
	"net/http"
	"time"
)

// Protocol identifies the wire format a client or provider speaks.
type Protocol string

const (
	ProtocolOpenAIChat      Protocol = "openai-chat"
	ProtocolOpenAIResponses Protocol = "openai-responses"
	ProtocolAnthropic       Protocol = "anthropic-messages"
)

// Request is the immutable record created by the HTTP ingress for one client
// call. Destroyed when the response is fully flushed.
type Request struct {
	RequestID     string
	EntryProtocol Protocol
	Endpoint      string
	ClientHeaders http.Header
	Body          Object
	Stream        bool
	ReceivedAt    time.Time
}

const requestIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewRequestID builds a gateway request id: "req_<unix-ms>_<rand8>".
func NewRequestID() string {
	suffix := make([]byte, 8)
	for i := range suffix {
		suffix[i] = requestIDAlphabet[rand.Intn(len(requestIDAlphabet))]
	}
	return fmt.Sprintf("req_%d_%s", time.Now().UnixMilli(), suffix)
}
