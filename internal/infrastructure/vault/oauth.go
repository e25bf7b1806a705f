package vault

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	gwerrors "github.com/routecodex/routecodex/pkg/errors"
)

// Refresh renews an OAuth account's access token. Refreshes are single-flight
// per credential: concurrent callers share one token-endpoint call. The vault
// lock is never held across the HTTP call — the refresh token is snapshotted,
// the call made, and the result committed afterwards.
func (v *Vault) Refresh(ctx context.Context, providerID, credentialID string) (Credential, error) {
	key := providerID + "/" + credentialID
	result, err, _ := v.flight.Do(key, func() (any, error) {
		return v.refreshOnce(ctx, providerID, credentialID)
	})
	if err != nil {
		return Credential{}, err
	}
	return result.(Credential), nil
}

func (v *Vault) refreshOnce(ctx context.Context, providerID, credentialID string) (Credential, error) {
	acct := v.find(providerID, credentialID)
	if acct == nil {
		return Credential{}, gwerrors.NewAuthError(fmt.Sprintf("unknown credential %s/%s", providerID, credentialID), nil)
	}
	if acct.oauth == nil {
		return Credential{}, gwerrors.NewAuthError(fmt.Sprintf("provider %s has no oauth config", providerID), nil)
	}

	// Another caller may have refreshed while we queued on the flight group.
	acct.mu.Lock()
	if acct.token != nil && acct.token.Fresh(time.Now()) {
		cred := Credential{
			ID: acct.id, Provider: acct.provider, Type: "oauth",
			AccessToken: acct.token.AccessToken, AccountID: acct.token.Email,
		}
		acct.mu.Unlock()
		return cred, nil
	}
	acct.state = CredRefreshing
	var refreshToken string
	if acct.token != nil {
		refreshToken = acct.token.RefreshToken
	}
	if refreshToken == "" {
		refreshToken = acct.cfg.RefreshToken
	}
	oauthCfg := acct.oauth
	acct.mu.Unlock()

	conf := &oauth2.Config{
		ClientID:     oauthCfg.ClientID,
		ClientSecret: oauthCfg.ClientSecret,
		Scopes:       oauthCfg.Scopes,
		Endpoint: oauth2.Endpoint{
			TokenURL:      oauthCfg.TokenURL,
			DeviceAuthURL: oauthCfg.DeviceCodeURL,
		},
	}
	httpCtx := context.WithValue(ctx, oauth2.HTTPClient, v.refreshHTTP)

	var tok *oauth2.Token
	var err error
	if refreshToken != "" {
		tok, err = conf.TokenSource(httpCtx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	} else {
		err = fmt.Errorf("no refresh token on file")
	}

	if err != nil {
		if !oauthCfg.Interactive {
			v.markRefreshFailed(acct)
			return Credential{}, gwerrors.NewAuthError(
				fmt.Sprintf("oauth refresh failed for %s/%s", providerID, credentialID), err)
		}
		tok, err = v.deviceFlow(httpCtx, conf)
		if err != nil {
			v.markRefreshFailed(acct)
			return Credential{}, gwerrors.NewAuthError(
				fmt.Sprintf("oauth device flow failed for %s/%s", providerID, credentialID), err)
		}
	}

	tf := tokenFileFromOAuth(tok, refreshToken)

	acct.mu.Lock()
	if acct.token != nil {
		if tf.RefreshToken == "" {
			tf.RefreshToken = acct.token.RefreshToken
		}
		tf.Email = acct.token.Email
		tf.ProjectID = acct.token.ProjectID
	}
	acct.token = tf
	acct.state = CredActive
	acct.failures = 0
	tokenPath := acct.tokenPath
	acct.mu.Unlock()

	if tokenPath != "" {
		if err := SaveTokenFile(tokenPath, tf); err != nil {
			v.logger.Warn("Token persist failed",
				zap.String("provider", providerID),
				zap.String("key", credentialID),
				zap.Error(err),
			)
		}
	}

	v.logger.Info("OAuth token refreshed",
		zap.String("provider", providerID),
		zap.String("key", credentialID),
		zap.Time("expires_at", tf.ExpiryTime()),
	)

	return Credential{
		ID: acct.id, Provider: acct.provider, Type: "oauth",
		AccessToken: tf.AccessToken, AccountID: tf.Email,
	}, nil
}

func (v *Vault) markRefreshFailed(acct *account) {
	acct.mu.Lock()
	defer acct.mu.Unlock()
	acct.state = CredQuarantined
	acct.quarantineAt = time.Now().Add(v.quarantineWindow)
}

// deviceFlow runs the OAuth device-code grant: request a device code, open
// the verification page in the user's browser, and poll the token endpoint at
// the server-mandated interval until the grant completes or expires.
func (v *Vault) deviceFlow(ctx context.Context, conf *oauth2.Config) (*oauth2.Token, error) {
	da, err := conf.DeviceAuth(ctx)
	if err != nil {
		return nil, fmt.Errorf("device code request: %w", err)
	}

	v.logger.Info("OAuth device flow started",
		zap.String("verification_url", da.VerificationURI),
		zap.String("user_code", da.UserCode),
	)
	openBrowser(da.VerificationURI)

	// DeviceAccessToken polls at da.Interval until da.Expiry.
	tok, err := conf.DeviceAccessToken(ctx, da)
	if err != nil {
		return nil, fmt.Errorf("device token poll: %w", err)
	}
	return tok, nil
}

func tokenFileFromOAuth(tok *oauth2.Token, previousRefresh string) *TokenFile {
	tf := &TokenFile{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		IssuedAt:     time.Now().Unix(),
	}
	if tf.RefreshToken == "" {
		tf.RefreshToken = previousRefresh
	}
	if !tok.Expiry.IsZero() {
		tf.ExpiresAt = tok.Expiry.Unix()
		tf.ExpiresIn = int64(time.Until(tok.Expiry).Seconds())
	}
	return tf
}

// openBrowser launches the OS browser; failure is non-fatal, the URL is in
// the log.
func openBrowser(url string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	_ = cmd.Start()
}
