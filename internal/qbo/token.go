package qbo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ledgerbridge/ledgerbridge/internal/mirror"
	"github.com/ledgerbridge/ledgerbridge/internal/vault"
)

// refreshWindow is how close to expiry we refresh proactively.
const refreshWindow = 5 * time.Minute

// ConnectionStore persists token refresh outcomes. The token manager is the
// single writer of connection token fields.
type ConnectionStore interface {
	UpdateTokens(ctx context.Context, connectionID int64, accessEnc, refreshEnc string, expiresAt time.Time) error
	MarkNeedsReauth(ctx context.Context, connectionID int64) error
}

// TokenManager obtains and refreshes access tokens for connections.
// Concurrent callers for the same connection share one in-flight refresh.
type TokenManager struct {
	store        ConnectionStore
	vault        *vault.Vault
	tokenURL     string
	clientID     string
	clientSecret string
	httpc        *http.Client
	group        singleflight.Group
	now          func() time.Time
}

// NewTokenManager constructs a token manager.
func NewTokenManager(store ConnectionStore, v *vault.Vault, tokenURL, clientID, clientSecret string) *TokenManager {
	return &TokenManager{
		store:        store,
		vault:        v,
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpc:        &http.Client{Timeout: 15 * time.Second},
		now:          time.Now,
	}
}

// EnsureFreshAccessToken returns a usable access token for the connection,
// refreshing first when expiry is less than five minutes away and a refresh
// token is available.
func (m *TokenManager) EnsureFreshAccessToken(ctx context.Context, conn *mirror.Connection) (string, error) {
	if conn.TokenExpiresAt.Sub(m.now()) >= refreshWindow || conn.RefreshTokenEncrypted == "" {
		return m.vault.Decrypt(conn.AccessTokenEncrypted)
	}
	return m.ForceRefresh(ctx, conn)
}

// ForceRefresh exchanges the refresh token for a new pair. The exchange is
// single-flighted per connection: concurrent callers await the same attempt
// and all receive its result or its failure.
func (m *TokenManager) ForceRefresh(ctx context.Context, conn *mirror.Connection) (string, error) {
	key := strconv.FormatInt(conn.ID, 10)
	ch := m.group.DoChan(key, func() (interface{}, error) {
		return m.refresh(ctx, conn)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

func (m *TokenManager) refresh(ctx context.Context, conn *mirror.Connection) (string, error) {
	refreshToken, err := m.vault.Decrypt(conn.RefreshTokenEncrypted)
	if err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(m.clientID, m.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("qbo: token refresh: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
		// The refresh token itself was rejected; the tenant has to reconnect.
		_ = m.store.MarkNeedsReauth(ctx, conn.ID)
		return "", ErrReauthorizationRequired
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &APIError{Status: resp.StatusCode, Body: string(body)}
	}

	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("qbo: token refresh decode: %w", err)
	}
	if parsed.AccessToken == "" {
		return "", fmt.Errorf("qbo: token refresh returned empty access token")
	}

	accessEnc, err := m.vault.Encrypt(parsed.AccessToken)
	if err != nil {
		return "", err
	}
	// Token rotation: the endpoint may issue a new refresh token.
	newRefresh := refreshToken
	if parsed.RefreshToken != "" {
		newRefresh = parsed.RefreshToken
	}
	refreshEnc, err := m.vault.Encrypt(newRefresh)
	if err != nil {
		return "", err
	}

	expiresAt := m.now().Add(time.Duration(parsed.ExpiresIn) * time.Second)
	if err := m.store.UpdateTokens(ctx, conn.ID, accessEnc, refreshEnc, expiresAt); err != nil {
		return "", fmt.Errorf("qbo: persist refreshed tokens: %w", err)
	}

	conn.AccessTokenEncrypted = accessEnc
	conn.RefreshTokenEncrypted = refreshEnc
	conn.TokenExpiresAt = expiresAt
	conn.NeedsReauth = false
	return parsed.AccessToken, nil
}
