package vault

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/stretchr/testify/require"

	"github.com/quflux/publisher/internal/config"
	"github.com/quflux/publisher/internal/models"
)

type memConnStore struct {
	mu    sync.Mutex
	conns map[string]models.PlatformConnection
}

func newMemConnStore(conns ...models.PlatformConnection) *memConnStore {
	m := &memConnStore{conns: make(map[string]models.PlatformConnection)}
	for _, c := range conns {
		m.conns[c.ID] = c
	}
	return m
}

func (m *memConnStore) GetConnection(_ context.Context, id string) (models.PlatformConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	if !ok {
		return models.PlatformConnection{}, errors.New("connection not found")
	}
	return c, nil
}

func (m *memConnStore) UpdateConnectionTokens(_ context.Context, id, access string, refresh *string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.conns[id]
	c.AccessToken = access
	if refresh != nil {
		c.RefreshToken = refresh
	}
	c.ExpiresAt = &expiresAt
	m.conns[id] = c
	return nil
}

func testCipher(t *testing.T) *Cipher {
	t.Helper()
	var key fernet.Key
	require.NoError(t, key.Generate())
	cipher, err := NewCipher(key.Encode())
	require.NoError(t, err)
	return cipher
}

func encrypt(t *testing.T, c *Cipher, v string) string {
	t.Helper()
	out, err := c.Encrypt(v)
	require.NoError(t, err)
	return out
}

func tokenEndpoint(t *testing.T, refreshCalls *int64, rotate bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(refreshCalls, 1)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "refresh_token", r.Form.Get("grant_type"))

		resp := map[string]any{
			"access_token": "fresh-access",
			"token_type":   "Bearer",
			"expires_in":   3600,
		}
		if rotate {
			resp["refresh_token"] = "rotated-refresh"
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func testClients(tokenURL string) map[string]config.OAuthClient {
	return map[string]config.OAuthClient{
		models.PlatformTwitter: {ClientID: "cid", ClientSecret: "secret", TokenURL: tokenURL},
	}
}

func TestGetValidTokenFreshTokenSkipsRefresh(t *testing.T) {
	cipher := testCipher(t)
	var refreshCalls int64
	srv := tokenEndpoint(t, &refreshCalls, false)
	defer srv.Close()

	expires := time.Now().Add(time.Hour)
	refreshTok := encrypt(t, cipher, "refresh-1")
	store := newMemConnStore(models.PlatformConnection{
		ID:           "conn-1",
		Platform:     models.PlatformTwitter,
		AccessToken:  encrypt(t, cipher, "access-1"),
		RefreshToken: &refreshTok,
		ExpiresAt:    &expires,
		IsActive:     true,
	})

	v := New(store, cipher, testClients(srv.URL), 5*time.Minute, srv.Client())
	token, err := v.GetValidToken(context.Background(), "conn-1")
	require.NoError(t, err)
	require.Equal(t, "access-1", token)
	require.EqualValues(t, 0, atomic.LoadInt64(&refreshCalls))
}

func TestGetValidTokenRefreshesInsideMargin(t *testing.T) {
	cipher := testCipher(t)
	var refreshCalls int64
	srv := tokenEndpoint(t, &refreshCalls, true)
	defer srv.Close()

	expires := time.Now().Add(time.Minute) // inside the 5m margin
	refreshTok := encrypt(t, cipher, "refresh-1")
	store := newMemConnStore(models.PlatformConnection{
		ID:           "conn-1",
		Platform:     models.PlatformTwitter,
		AccessToken:  encrypt(t, cipher, "stale-access"),
		RefreshToken: &refreshTok,
		ExpiresAt:    &expires,
		IsActive:     true,
	})

	v := New(store, cipher, testClients(srv.URL), 5*time.Minute, srv.Client())
	token, err := v.GetValidToken(context.Background(), "conn-1")
	require.NoError(t, err)
	require.Equal(t, "fresh-access", token)
	require.EqualValues(t, 1, atomic.LoadInt64(&refreshCalls))

	// Rotated refresh token was persisted encrypted, not in plaintext.
	conn, err := store.GetConnection(context.Background(), "conn-1")
	require.NoError(t, err)
	require.NotNil(t, conn.RefreshToken)
	require.NotEqual(t, "rotated-refresh", *conn.RefreshToken)
	plain, err := cipher.Decrypt(*conn.RefreshToken)
	require.NoError(t, err)
	require.Equal(t, "rotated-refresh", plain)
}

func TestConcurrentGetValidTokenSingleRefresh(t *testing.T) {
	cipher := testCipher(t)
	var refreshCalls int64
	srv := tokenEndpoint(t, &refreshCalls, false)
	defer srv.Close()

	expires := time.Now().Add(-time.Minute)
	refreshTok := encrypt(t, cipher, "refresh-1")
	store := newMemConnStore(models.PlatformConnection{
		ID:           "conn-1",
		Platform:     models.PlatformTwitter,
		AccessToken:  encrypt(t, cipher, "stale-access"),
		RefreshToken: &refreshTok,
		ExpiresAt:    &expires,
		IsActive:     true,
	})

	v := New(store, cipher, testClients(srv.URL), 5*time.Minute, srv.Client())

	const callers = 16
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = v.GetValidToken(context.Background(), "conn-1")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "fresh-access", tokens[i])
	}
	require.EqualValues(t, 1, atomic.LoadInt64(&refreshCalls), "concurrent callers must share one refresh")
}

func TestGetValidTokenNoRefreshToken(t *testing.T) {
	cipher := testCipher(t)
	expires := time.Now().Add(-time.Minute)
	store := newMemConnStore(models.PlatformConnection{
		ID:          "conn-1",
		Platform:    models.PlatformTwitter,
		AccessToken: encrypt(t, cipher, "stale-access"),
		ExpiresAt:   &expires,
		IsActive:    true,
	})

	v := New(store, cipher, testClients("http://unused.invalid"), 5*time.Minute, nil)
	_, err := v.GetValidToken(context.Background(), "conn-1")
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestGetValidTokenRefreshFailure(t *testing.T) {
	cipher := testCipher(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	expires := time.Now().Add(-time.Minute)
	refreshTok := encrypt(t, cipher, "refresh-1")
	store := newMemConnStore(models.PlatformConnection{
		ID:           "conn-1",
		Platform:     models.PlatformTwitter,
		AccessToken:  encrypt(t, cipher, "stale-access"),
		RefreshToken: &refreshTok,
		ExpiresAt:    &expires,
		IsActive:     true,
	})

	v := New(store, cipher, testClients(srv.URL), 5*time.Minute, srv.Client())
	_, err := v.GetValidToken(context.Background(), "conn-1")
	require.ErrorIs(t, err, ErrRefreshFailed)
}

func TestCipherRoundTrip(t *testing.T) {
	cipher := testCipher(t)
	ct, err := cipher.Encrypt("secret-token")
	require.NoError(t, err)
	require.NotEqual(t, "secret-token", ct)

	pt, err := cipher.Decrypt(ct)
	require.NoError(t, err)
	require.Equal(t, "secret-token", pt)

	_, err = cipher.Decrypt("not-a-fernet-token")
	require.Error(t, err)
}
