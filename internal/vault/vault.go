package vault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/quflux/publisher/internal/config"
	"github.com/quflux/publisher/internal/models"
	"github.com/quflux/publisher/internal/telemetry"
)

// ErrTokenExpired means the access token is stale and no refresh token
// exists to renew it.
var ErrTokenExpired = errors.New("token expired and no refresh token available")

// ErrRefreshFailed means the refresh call itself was rejected.
var ErrRefreshFailed = errors.New("token refresh failed")

// ConnectionStore is the persistence surface the vault needs.
type ConnectionStore interface {
	GetConnection(ctx context.Context, id string) (models.PlatformConnection, error)
	UpdateConnectionTokens(ctx context.Context, id, accessToken string, refreshToken *string, expiresAt time.Time) error
}

// Vault owns platform credentials. It hands out decrypted access tokens,
// refreshing them ahead of expiry, and serializes refresh per connection so
// concurrent callers never race parallel refresh calls against a platform
// that rotates refresh tokens.
type Vault struct {
	store      ConnectionStore
	cipher     *Cipher
	clients    map[string]config.OAuthClient
	margin     time.Duration
	httpClient *http.Client
	group      singleflight.Group
	now        func() time.Time
}

// New constructs a vault. margin is how long before expiry a token is
// already considered stale.
func New(store ConnectionStore, cipher *Cipher, clients map[string]config.OAuthClient, margin time.Duration, httpClient *http.Client) *Vault {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Vault{
		store:      store,
		cipher:     cipher,
		clients:    clients,
		margin:     margin,
		httpClient: httpClient,
		now:        time.Now,
	}
}

// GetValidToken returns a decrypted access token for the connection,
// refreshing first when expiry falls inside the safety margin.
func (v *Vault) GetValidToken(ctx context.Context, connectionID string) (string, error) {
	conn, err := v.store.GetConnection(ctx, connectionID)
	if err != nil {
		return "", err
	}
	if !conn.IsActive {
		return "", fmt.Errorf("connection %s inactive: %w", connectionID, ErrTokenExpired)
	}
	if v.fresh(conn) {
		return v.cipher.Decrypt(conn.AccessToken)
	}
	return v.refresh(ctx, connectionID, false)
}

// ForceRefresh renews the token regardless of expiry. Used after a platform
// rejected a token the vault still believed valid.
func (v *Vault) ForceRefresh(ctx context.Context, connectionID string) (string, error) {
	return v.refresh(ctx, connectionID, true)
}

// fresh reports whether the stored token is still comfortably inside its
// lifetime. Connections without an expiry never go stale on their own.
func (v *Vault) fresh(conn models.PlatformConnection) bool {
	return conn.ExpiresAt == nil || conn.ExpiresAt.After(v.now().Add(v.margin))
}

// refresh performs the refresh grant, deduplicated per connection: every
// concurrent caller for a connection awaits the one in-flight refresh and
// shares its result.
func (v *Vault) refresh(ctx context.Context, connectionID string, force bool) (string, error) {
	token, err, _ := v.group.Do(connectionID, func() (any, error) {
		// Re-read inside the flight: a caller that queued behind a finished
		// refresh should use the token that refresh just stored.
		conn, err := v.store.GetConnection(ctx, connectionID)
		if err != nil {
			return "", err
		}
		if !force && v.fresh(conn) {
			return v.cipher.Decrypt(conn.AccessToken)
		}
		if conn.RefreshToken == nil {
			return "", fmt.Errorf("connection %s: %w", connectionID, ErrTokenExpired)
		}
		refreshPlain, err := v.cipher.Decrypt(*conn.RefreshToken)
		if err != nil {
			return "", fmt.Errorf("connection %s: %w: %v", connectionID, ErrRefreshFailed, err)
		}

		client, ok := v.clients[conn.Platform]
		if !ok {
			return "", fmt.Errorf("no oauth client for platform %s: %w", conn.Platform, ErrRefreshFailed)
		}
		cfg := oauth2.Config{
			ClientID:     client.ClientID,
			ClientSecret: client.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: client.TokenURL},
		}
		octx := context.WithValue(ctx, oauth2.HTTPClient, v.httpClient)
		fresh, err := cfg.TokenSource(octx, &oauth2.Token{RefreshToken: refreshPlain}).Token()
		if err != nil {
			return "", fmt.Errorf("connection %s: %w: %v", connectionID, ErrRefreshFailed, err)
		}

		encAccess, err := v.cipher.Encrypt(fresh.AccessToken)
		if err != nil {
			return "", err
		}
		var encRefresh *string
		if fresh.RefreshToken != "" && fresh.RefreshToken != refreshPlain {
			enc, err := v.cipher.Encrypt(fresh.RefreshToken)
			if err != nil {
				return "", err
			}
			encRefresh = &enc
		}
		if err := v.store.UpdateConnectionTokens(ctx, connectionID, encAccess, encRefresh, fresh.Expiry); err != nil {
			return "", fmt.Errorf("persist refreshed token: %w", err)
		}
		telemetry.TokenRefreshes.Inc()

		logrus.WithFields(logrus.Fields{
			"connection_id": connectionID,
			"platform":      conn.Platform,
			"expires_at":    fresh.Expiry,
			"rotated":       encRefresh != nil,
		}).Info("refreshed platform token")

		return fresh.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}
