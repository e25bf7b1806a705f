package errors

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeOfWrappedError(t *testing.T) {
	inner := NewRateLimited("upstream 429", 2*time.Second)
	wrapped := fmt.Errorf("call provider: %w", inner)

	assert.Equal(t, CodeRateLimited, CodeOf(wrapped))
	assert.True(t, IsRateLimited(wrapped))
	assert.False(t, IsAuthError(wrapped))

	after, ok := RetryAfterOf(wrapped)
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, after)
}

func TestCodeOfUntypedError(t *testing.T) {
	assert.Equal(t, CodeInternal, CodeOf(fmt.Errorf("boom")))
}

func TestUnwrapKeepsCause(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	err := NewUpstreamTransient("provider unreachable", cause)
	assert.ErrorIs(t, err, cause)
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[ErrorCode]int{
		CodeBadRequest:        http.StatusBadRequest,
		CodeAuthError:         http.StatusUnauthorized,
		CodeRateLimited:       http.StatusTooManyRequests,
		CodeGatewayBusy:       http.StatusServiceUnavailable,
		CodeTimeout:           http.StatusGatewayTimeout,
		CodeUpstreamTransient: http.StatusBadGateway,
		CodeToolShape:         http.StatusBadRequest,
		CodeInternal:          http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, HTTPStatus(code), string(code))
	}
}

func TestToolShapeReason(t *testing.T) {
	err := NewToolShape("command must be a string", "invalid_type")
	ge, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, "invalid_type", ge.Reason)
}
