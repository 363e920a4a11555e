// Package token drives the Nextcloud credential lifecycle: deciding
// when a credential is expired and performing exactly one refresh
// exchange before any fetch would otherwise use a stale token.
package token

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ncbridge/ncbridge/internal/nextcloud"
	"github.com/ncbridge/ncbridge/internal/util"
	"github.com/ncbridge/ncbridge/internal/vault"
	"golang.org/x/oauth2"
)

// ErrMissingRefreshToken means the credential cannot be refreshed at
// all; the user must re-authorize out of band.
var ErrMissingRefreshToken = errors.New("credential has no refresh token")

// ErrReauthRequired means the remote side rejected the refresh token
// permanently. The stored credential stays as-is; only a new
// authorization flow can recover the installation.
var ErrReauthRequired = errors.New("re-authorization required")

// Manager decides credential expiry and drives refresh exchanges.
type Manager struct {
	vault *vault.Vault
	skew  time.Duration

	// Injectable for tests.
	now      func() time.Time
	exchange func(ctx context.Context, cfg *oauth2.Config, refreshToken string) (*oauth2.Token, error)
}

// NewManager creates a manager that treats credentials as expired skew
// ahead of their recorded expiry.
func NewManager(v *vault.Vault, skew time.Duration) *Manager {
	return &Manager{
		vault:    v,
		skew:     skew,
		now:      time.Now,
		exchange: nextcloud.ExchangeRefreshToken,
	}
}

// IsExpired reports whether the credential needs a refresh before use.
// A credential without an expiry never expires.
func (m *Manager) IsExpired(cred *vault.Credential) bool {
	if cred == nil || cred.ExpiresAt == nil {
		return false
	}
	return !m.now().Before(cred.ExpiresAt.Add(-m.skew))
}

// EnsureFresh returns a credential that is safe to fetch with. An
// expired credential triggers exactly one refresh exchange, and the
// rotated credential is persisted before it is returned so a fetch is
// never attempted with a token known to be stale.
func (m *Manager) EnsureFresh(ctx context.Context, inst *vault.Installation) (*vault.Credential, error) {
	cred := inst.Credential
	if cred == nil {
		return nil, fmt.Errorf("installation %s has no credential", inst.ID)
	}
	if !m.IsExpired(cred) {
		return cred, nil
	}
	if cred.RefreshToken == "" {
		return nil, ErrMissingRefreshToken
	}

	cfg := nextcloud.OAuthConfig(cred.BaseURL, cred.ClientID, cred.ClientSecret, "")
	tok, err := m.exchange(ctx, cfg, cred.RefreshToken)
	if err != nil {
		if isPermanentRefreshError(err) {
			return nil, fmt.Errorf("%w: %v", ErrReauthRequired, err)
		}
		return nil, fmt.Errorf("refresh exchange: %w", err)
	}

	refreshToken := tok.RefreshToken
	if refreshToken == "" {
		// Server did not rotate the refresh token; keep the old one.
		refreshToken = cred.RefreshToken
	} else if refreshToken != cred.RefreshToken {
		log.Printf("🔄 Rotated refresh token for installation %s", inst.ID)
	}

	patch := vault.CredentialPatch{
		AccessToken:  &tok.AccessToken,
		RefreshToken: &refreshToken,
		SetExpiresAt: true,
	}
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry
		patch.ExpiresAt = &expiry
	}
	if tok.TokenType != "" {
		tokenType := tok.TokenType
		patch.TokenType = &tokenType
	}

	updated, err := m.vault.AttachCredential(inst.ID, patch)
	if err != nil {
		return nil, fmt.Errorf("persist refreshed credential: %w", err)
	}
	log.Printf("✅ Refreshed token for installation %s (token: %s)", inst.ID, util.MaskToken(tok.AccessToken))
	return updated.Credential, nil
}

// isPermanentRefreshError classifies a refresh failure. A 4xx from the
// token endpoint or a known OAuth error marker means the refresh token
// itself is dead; anything else is transient.
func isPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	var rerr *nextcloud.RemoteError
	if errors.As(err, &rerr) && rerr.StatusCode >= 400 && rerr.StatusCode < 500 {
		return true
	}
	msg := strings.ToLower(err.Error())
	permanentMarkers := []string{
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"token has been expired or revoked",
		"revoked",
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
