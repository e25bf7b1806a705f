// Package vault owns upstream credentials: API keys and OAuth accounts, their
// rotation, refresh lifecycle, and quarantine state. The vault is the only
// component allowed to mutate a credential, always under its per-credential
// mutex.
package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/routecodex/routecodex/internal/infrastructure/config"
	gwerrors "github.com/routecodex/routecodex/pkg/errors"
)

// CredState is the per-credential lifecycle state.
type CredState int

const (
	CredActive CredState = iota
	CredRefreshing
	CredQuarantined
	CredDisabled
)

// Credential is a point-in-time view of one credential, safe to use without
// holding vault locks. For OAuth accounts AccessToken is the fresh token.
type Credential struct {
	ID          string
	Provider    string
	Type        string // "apikey" | "oauth"
	APIKey      string
	AccessToken string
	AccountID   string
}

// Apply attaches the credential to an outbound request. headerName selects
// the provider's scheme: empty means Authorization Bearer, anything else is
// used as a literal header (e.g. "x-api-key").
func (c Credential) Apply(h http.Header, headerName string) {
	secret := c.APIKey
	if c.Type == "oauth" {
		secret = c.AccessToken
	}
	if headerName == "" {
		h.Set("Authorization", "Bearer "+secret)
		return
	}
	h.Set(headerName, secret)
}

// account is the vault's mutable record for one credential.
type account struct {
	mu        sync.Mutex
	id        string
	provider  string
	cfg       config.KeyConfig
	oauth     *config.OAuthConfig
	token     *TokenFile
	tokenPath string

	state        CredState
	failures     int
	successes    int
	quarantineAt time.Time
}

// Vault manages all providers' credentials.
type Vault struct {
	mu       sync.Mutex
	accounts map[string][]*account // providerId → accounts in config order
	rr       map[string]int       // providerId → round-robin cursor

	quarantineWindow time.Duration
	failureThreshold int

	flight singleflight.Group
	logger *zap.Logger

	// refreshHTTP allows tests to stub the token endpoint client.
	refreshHTTP *http.Client
}

// New builds the vault from the keyVault config section, loading OAuth token
// files and pruning duplicates.
func New(cfg *config.Config, logger *zap.Logger) (*Vault, error) {
	v := &Vault{
		accounts:         make(map[string][]*account),
		rr:               make(map[string]int),
		quarantineWindow: cfg.VirtualRouter.Health.QuarantineWindow,
		failureThreshold: cfg.VirtualRouter.Health.FailureThreshold,
		logger:           logger.With(zap.String("component", "credential-vault")),
		refreshHTTP:      &http.Client{Timeout: 30 * time.Second},
	}
	if v.quarantineWindow <= 0 {
		v.quarantineWindow = 30 * time.Second
	}
	if v.failureThreshold <= 0 {
		v.failureThreshold = 3
	}

	for providerID, keys := range cfg.KeyVault {
		var oauthCfg *config.OAuthConfig
		if p, ok := cfg.VirtualRouter.Providers[providerID]; ok {
			oauthCfg = p.OAuth
		}
		for keyID, kc := range keys {
			acct := &account{
				id:       keyID,
				provider: providerID,
				cfg:      kc,
				oauth:    oauthCfg,
			}
			if kc.Type == "oauth" && kc.TokenFile != "" {
				acct.tokenPath = kc.TokenFile
				tf, err := LoadTokenFile(kc.TokenFile)
				if err != nil {
					v.logger.Warn("OAuth token file unreadable, account starts cold",
						zap.String("provider", providerID),
						zap.String("key", keyID),
						zap.Error(err),
					)
				} else {
					acct.token = tf
					if kc.RefreshToken != "" && tf.RefreshToken == "" {
						tf.RefreshToken = kc.RefreshToken
					}
				}
			}
			v.accounts[providerID] = append(v.accounts[providerID], acct)
		}
		if oauthCfg != nil && oauthCfg.AuthDir != "" {
			if _, err := PruneDuplicateTokenFiles(oauthCfg.AuthDir, providerID); err != nil {
				v.logger.Warn("Token file dedupe failed",
					zap.String("provider", providerID), zap.Error(err))
			}
		}
	}
	return v, nil
}

// GetCredential selects an enabled, non-quarantined account for the provider
// round-robin and returns a usable snapshot, refreshing OAuth tokens first
// when stale.
func (v *Vault) GetCredential(ctx context.Context, providerID string) (Credential, error) {
	acct, err := v.pick(providerID)
	if err != nil {
		return Credential{}, err
	}
	return v.snapshot(ctx, acct)
}

// pick applies round-robin over selectable accounts.
func (v *Vault) pick(providerID string) (*account, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	accounts := v.accounts[providerID]
	if len(accounts) == 0 {
		return nil, gwerrors.NewAuthError(fmt.Sprintf("no credentials configured for provider %s", providerID), nil)
	}

	now := time.Now()
	start := v.rr[providerID]
	for i := 0; i < len(accounts); i++ {
		acct := accounts[(start+i)%len(accounts)]
		acct.mu.Lock()
		selectable := acct.state != CredDisabled &&
			(acct.state != CredQuarantined || now.After(acct.quarantineAt))
		if acct.state == CredQuarantined && now.After(acct.quarantineAt) {
			acct.state = CredActive
			acct.failures = 0
		}
		acct.mu.Unlock()
		if selectable {
			v.rr[providerID] = (start + i + 1) % len(accounts)
			return acct, nil
		}
	}
	return nil, gwerrors.NewAuthError(fmt.Sprintf("all credentials for provider %s are quarantined", providerID), nil)
}

// snapshot produces a usable Credential, refreshing stale OAuth tokens.
func (v *Vault) snapshot(ctx context.Context, acct *account) (Credential, error) {
	if acct.cfg.Type != "oauth" {
		return Credential{
			ID:       acct.id,
			Provider: acct.provider,
			Type:     "apikey",
			APIKey:   acct.cfg.Value,
		}, nil
	}

	acct.mu.Lock()
	token := acct.token
	fresh := token != nil && token.Fresh(time.Now())
	acct.mu.Unlock()

	if !fresh {
		refreshed, err := v.Refresh(ctx, acct.provider, acct.id)
		if err != nil {
			return Credential{}, err
		}
		return refreshed, nil
	}

	return Credential{
		ID:          acct.id,
		Provider:    acct.provider,
		Type:        "oauth",
		AccessToken: token.AccessToken,
		AccountID:   token.Email,
	}, nil
}

// MarkFailure records an upstream failure against the credential; crossing
// the threshold quarantines it.
func (v *Vault) MarkFailure(providerID, credentialID, reason string) {
	acct := v.find(providerID, credentialID)
	if acct == nil {
		return
	}
	acct.mu.Lock()
	acct.failures++
	acct.successes = 0
	quarantined := false
	if acct.failures >= v.failureThreshold && acct.state != CredQuarantined {
		acct.state = CredQuarantined
		acct.quarantineAt = time.Now().Add(v.quarantineWindow)
		quarantined = true
	}
	acct.mu.Unlock()

	if quarantined {
		v.logger.Warn("Credential quarantined",
			zap.String("provider", providerID),
			zap.String("key", credentialID),
			zap.String("reason", reason),
			zap.Duration("window", v.quarantineWindow),
		)
		v.writeIndex(providerID)
	}
}

// MarkSuccess clears failure accounting.
func (v *Vault) MarkSuccess(providerID, credentialID string) {
	acct := v.find(providerID, credentialID)
	if acct == nil {
		return
	}
	acct.mu.Lock()
	wasQuarantined := acct.state == CredQuarantined
	acct.failures = 0
	acct.successes++
	acct.state = CredActive
	acct.mu.Unlock()
	if wasQuarantined {
		v.writeIndex(providerID)
	}
}

func (v *Vault) find(providerID, credentialID string) *account {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, acct := range v.accounts[providerID] {
		if acct.id == credentialID {
			return acct
		}
	}
	return nil
}

// indexEntry is one row of the per-provider account index file.
type indexEntry struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// writeIndex persists the provider's account states to the sibling index
// file in the auth dir. Best-effort; only providers with an auth dir have an
// index.
func (v *Vault) writeIndex(providerID string) {
	v.mu.Lock()
	accounts := v.accounts[providerID]
	v.mu.Unlock()

	var dir string
	entries := make([]indexEntry, 0, len(accounts))
	for _, acct := range accounts {
		acct.mu.Lock()
		if acct.oauth != nil && acct.oauth.AuthDir != "" {
			dir = acct.oauth.AuthDir
		}
		status := "active"
		switch acct.state {
		case CredQuarantined:
			status = "quarantined"
		case CredDisabled:
			status = "disabled"
		case CredRefreshing:
			status = "refreshing"
		}
		entries = append(entries, indexEntry{ID: acct.id, Status: status})
		acct.mu.Unlock()
	}
	if dir == "" {
		return
	}

	raw, err := json.MarshalIndent(map[string]any{"accounts": entries}, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(dir, providerID+"-index.json")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		v.logger.Debug("Account index write failed", zap.String("path", path), zap.Error(err))
	}
}
