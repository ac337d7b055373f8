package qbo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledgerbridge/ledgerbridge/internal/vault"
)

func TestEnsureFreshAccessTokenSkipsRefreshWhenFresh(t *testing.T) {
	v, err := vault.New(testSecret)
	require.NoError(t, err)
	store := &memConnStore{}
	tm := NewTokenManager(store, v, "http://127.0.0.1:0/token", "id", "secret")

	conn := testConnection(t, v, time.Hour)
	token, err := tm.EnsureFreshAccessToken(context.Background(), conn)
	require.NoError(t, err)
	require.Equal(t, "access-token", token)
	require.Equal(t, 0, store.updates)
}

func TestEnsureFreshAccessTokenRefreshesNearExpiry(t *testing.T) {
	var tokenCalls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenCalls, 1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "fresh", "refresh_token": "rotated", "expires_in": 3600,
		})
	}))
	defer server.Close()

	v, err := vault.New(testSecret)
	require.NoError(t, err)
	store := &memConnStore{}
	tm := NewTokenManager(store, v, server.URL, "id", "secret")

	conn := testConnection(t, v, 2*time.Minute) // inside the 5m window
	token, err := tm.EnsureFreshAccessToken(context.Background(), conn)
	require.NoError(t, err)
	require.Equal(t, "fresh", token)
	require.Equal(t, 1, store.updates)
	require.True(t, conn.TokenExpiresAt.After(time.Now().Add(30*time.Minute)))
}

func TestEnsureFreshAccessTokenNoRefreshTokenReturnsStale(t *testing.T) {
	v, err := vault.New(testSecret)
	require.NoError(t, err)
	tm := NewTokenManager(&memConnStore{}, v, "http://127.0.0.1:0/token", "id", "secret")

	conn := testConnection(t, v, time.Minute)
	conn.RefreshTokenEncrypted = ""
	token, err := tm.EnsureFreshAccessToken(context.Background(), conn)
	require.NoError(t, err)
	require.Equal(t, "access-token", token)
}

func TestForceRefreshSingleFlight(t *testing.T) {
	var tokenCalls int32
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenCalls, 1)
		<-release
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "shared", "expires_in": 3600,
		})
	}))
	defer server.Close()

	v, err := vault.New(testSecret)
	require.NoError(t, err)
	store := &memConnStore{}
	tm := NewTokenManager(store, v, server.URL, "id", "secret")
	conn := testConnection(t, v, time.Minute)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = tm.ForceRefresh(context.Background(), conn)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "shared", results[i])
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&tokenCalls))
	require.Equal(t, 1, store.updates)
}

func TestForceRefreshRejectedTokenRequiresReauthorization(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer server.Close()

	v, err := vault.New(testSecret)
	require.NoError(t, err)
	store := &memConnStore{}
	tm := NewTokenManager(store, v, server.URL, "id", "secret")
	conn := testConnection(t, v, time.Minute)

	_, err = tm.ForceRefresh(context.Background(), conn)
	require.ErrorIs(t, err, ErrReauthorizationRequired)
	require.Equal(t, 1, store.reauths)
	require.Equal(t, 0, store.updates)
}
