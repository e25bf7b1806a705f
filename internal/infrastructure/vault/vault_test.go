package vault

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/routecodex/routecodex/internal/infrastructure/config"
	gwerrors "github.com/routecodex/routecodex/pkg/errors"
)

func testConfig(keyVault map[string]map[string]config.KeyConfig, providers map[string]config.ProviderConfig) *config.Config {
	return &config.Config{
		KeyVault: keyVault,
		VirtualRouter: config.VirtualRouterConfig{
			Providers: providers,
			Health: config.HealthConfig{
				FailureThreshold: 3,
				SuccessThreshold: 3,
				QuarantineWindow: 50 * time.Millisecond,
			},
		},
	}
}

func TestApiKeyCredential(t *testing.T) {
	v, err := New(testConfig(map[string]map[string]config.KeyConfig{
		"glm": {"key1": {Type: "apikey", Value: "sk-1"}},
	}, nil), zap.NewNop())
	require.NoError(t, err)

	cred, err := v.GetCredential(context.Background(), "glm")
	require.NoError(t, err)
	assert.Equal(t, "sk-1", cred.APIKey)

	h := http.Header{}
	cred.Apply(h, "")
	assert.Equal(t, "Bearer sk-1", h.Get("Authorization"))

	h = http.Header{}
	cred.Apply(h, "x-api-key")
	assert.Equal(t, "sk-1", h.Get("x-api-key"))
}

func TestRoundRobinSelection(t *testing.T) {
	v, err := New(testConfig(map[string]map[string]config.KeyConfig{
		"glm": {
			"a": {Type: "apikey", Value: "sk-a"},
			"b": {Type: "apikey", Value: "sk-b"},
		},
	}, nil), zap.NewNop())
	require.NoError(t, err)

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		cred, err := v.GetCredential(context.Background(), "glm")
		require.NoError(t, err)
		seen[cred.ID]++
	}
	assert.Equal(t, 2, seen["a"])
	assert.Equal(t, 2, seen["b"])
}

func TestQuarantineAfterThreshold(t *testing.T) {
	v, err := New(testConfig(map[string]map[string]config.KeyConfig{
		"glm": {"only": {Type: "apikey", Value: "sk-1"}},
	}, nil), zap.NewNop())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		v.MarkFailure("glm", "only", "status 500")
	}
	_, err = v.GetCredential(context.Background(), "glm")
	require.Error(t, err)
	assert.True(t, gwerrors.IsAuthError(err))

	// Quarantine expires and the account becomes selectable again.
	time.Sleep(60 * time.Millisecond)
	_, err = v.GetCredential(context.Background(), "glm")
	assert.NoError(t, err)
}

func TestMarkSuccessResets(t *testing.T) {
	v, err := New(testConfig(map[string]map[string]config.KeyConfig{
		"glm": {"only": {Type: "apikey", Value: "sk-1"}},
	}, nil), zap.NewNop())
	require.NoError(t, err)

	v.MarkFailure("glm", "only", "x")
	v.MarkFailure("glm", "only", "x")
	v.MarkSuccess("glm", "only")
	v.MarkFailure("glm", "only", "x")

	_, err = v.GetCredential(context.Background(), "glm")
	assert.NoError(t, err, "a success resets the two earlier failures, so a third must not quarantine")
}

func writeToken(t *testing.T, path string, tf *TokenFile) {
	t.Helper()
	require.NoError(t, SaveTokenFile(path, tf))
}

func oauthVault(t *testing.T, tokenURL, tokenPath string) *Vault {
	t.Helper()
	v, err := New(testConfig(
		map[string]map[string]config.KeyConfig{
			"qwen": {"acct1": {Type: "oauth", TokenFile: tokenPath}},
		},
		map[string]config.ProviderConfig{
			"qwen": {Type: "qwen", OAuth: &config.OAuthConfig{
				TokenURL: tokenURL,
				ClientID: "client-1",
			}},
		},
	), zap.NewNop())
	require.NoError(t, err)
	return v
}

func TestOAuthSingleFlightRefresh(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(30 * time.Millisecond) // widen the race window
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"fresh-token","refresh_token":"rt-2","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	tokenPath := filepath.Join(t.TempDir(), "qwen-oauth-1.json")
	writeToken(t, tokenPath, &TokenFile{
		AccessToken:  "stale",
		RefreshToken: "rt-1",
		ExpiresAt:    time.Now().Add(-time.Hour).Unix(),
	})

	v := oauthVault(t, srv.URL, tokenPath)

	var wg sync.WaitGroup
	creds := make([]Credential, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cred, err := v.GetCredential(context.Background(), "qwen")
			require.NoError(t, err)
			creds[i] = cred
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load(), "exactly one refresh HTTP call")
	assert.Equal(t, "fresh-token", creds[0].AccessToken)
	assert.Equal(t, "fresh-token", creds[1].AccessToken)

	// The refreshed token was persisted with normalized expiry.
	tf, err := LoadTokenFile(tokenPath)
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", tf.AccessToken)
	assert.Equal(t, "rt-2", tf.RefreshToken)
	assert.True(t, tf.Fresh(time.Now()))
}

func TestOAuthSecondRefreshUsesCache(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"fresh","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	tokenPath := filepath.Join(t.TempDir(), "qwen-oauth-1.json")
	writeToken(t, tokenPath, &TokenFile{
		AccessToken:  "stale",
		RefreshToken: "rt-1",
		ExpiresAt:    time.Now().Add(-time.Hour).Unix(),
	})
	v := oauthVault(t, srv.URL, tokenPath)

	_, err := v.Refresh(context.Background(), "qwen", "acct1")
	require.NoError(t, err)
	// Refresh before the new expiry returns the cached token.
	_, err = v.Refresh(context.Background(), "qwen", "acct1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), calls.Load())
}

func TestTokenFileExpiryNormalization(t *testing.T) {
	now := time.Now()

	tf := &TokenFile{AccessToken: "x", IssuedAt: now.Unix(), ExpiresIn: 3600}
	assert.WithinDuration(t, now.Add(time.Hour), tf.ExpiryTime(), 2*time.Second)
	assert.True(t, tf.Fresh(now))
	// Inside the 60s skew window the token counts as stale.
	assert.False(t, tf.Fresh(now.Add(time.Hour-30*time.Second)))

	tf = &TokenFile{AccessToken: "x", ExpiresAt: now.Add(10 * time.Minute).Unix()}
	assert.True(t, tf.Fresh(now))

	tf = &TokenFile{}
	assert.False(t, tf.Fresh(now), "empty access token is never fresh")
}

func TestCanonicalTokenPath(t *testing.T) {
	assert.Equal(t, filepath.Join("/auth", "qwen-oauth-1.json"), CanonicalTokenPath("/auth", "qwen", 1))
}

func TestPruneDuplicateTokenFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"qwen-oauth-1.json",
		"qwen-oauth-1 (copy).json",
		"qwen-oauth-2.json",
		"unrelated.json",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(`{}`), 0o600))
	}

	kept, err := PruneDuplicateTokenFiles(dir, "qwen")
	require.NoError(t, err)
	assert.Equal(t, []string{"qwen-oauth-1 (copy).json", "qwen-oauth-2.json"}, kept)

	_, err = os.Stat(filepath.Join(dir, "qwen-oauth-1.json"))
	assert.True(t, os.IsNotExist(err), "lexicographically later duplicate removed")
	_, err = os.Stat(filepath.Join(dir, "unrelated.json"))
	assert.NoError(t, err)
}
