package auth

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/zkytech/claude-code-provider-balancer/internal/httputil"
)

const (
	oauthAuthorizeURL = "https://claude.ai/oauth/authorize"
	oauthTokenURL     = "https://console.anthropic.com/v1/oauth/token"
	oauthRedirectURI  = "https://console.anthropic.com/oauth/code/callback"
	oauthClientID     = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	oauthScopes       = "org:create_api_key user:profile user:inference"

	// stateTTL bounds how long a generated login URL stays exchangeable.
	stateTTL = 10 * time.Minute
)

// TokenRecord holds the OAuth credentials for one account.
type TokenRecord struct {
	Email        string    `json:"email"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// AccountStatus is the redacted view returned by the status endpoint.
type AccountStatus struct {
	Email            string `json:"email"`
	ExpiresAt        string `json:"expires_at"`
	ExpiresInSeconds int64  `json:"expires_in_seconds"`
	ExpiresInHuman   string `json:"expires_in_human"`
	Expired          bool   `json:"expired"`
}

// OAuthManager stores account tokens for oauth-authenticated providers and
// handles the authorize/exchange/refresh flow.
type OAuthManager struct {
	mu         sync.Mutex
	tokens     map[string]*TokenRecord
	states     *gocache.Cache // state -> PKCE verifier
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOAuthManager creates an empty manager.
func NewOAuthManager(logger *slog.Logger) *OAuthManager {
	return &OAuthManager{
		tokens:     make(map[string]*TokenRecord),
		states:     gocache.New(stateTTL, stateTTL),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// GenerateLoginURL builds an authorization URL with a fresh state and PKCE
// challenge. The state is exchangeable for stateTTL.
func (m *OAuthManager) GenerateLoginURL() (string, error) {
	verifier, err := randomVerifier()
	if err != nil {
		return "", err
	}
	state := uuid.NewString()
	m.states.SetDefault(state, verifier)

	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	q := url.Values{}
	q.Set("code", "true")
	q.Set("client_id", oauthClientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", oauthRedirectURI)
	q.Set("scope", oauthScopes)
	q.Set("state", state)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")

	return oauthAuthorizeURL + "?" + q.Encode(), nil
}

func randomVerifier() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ExchangeCode trades an authorization code for tokens and stores them
// under the given account email.
func (m *OAuthManager) ExchangeCode(ctx context.Context, code, state, email string) error {
	if email == "" {
		return fmt.Errorf("account_email is required")
	}

	verifier := ""
	if v, ok := m.states.Get(state); ok {
		verifier = v.(string)
		m.states.Delete(state)
	}

	payload := map[string]any{
		"grant_type":   "authorization_code",
		"code":         code,
		"redirect_uri": oauthRedirectURI,
		"client_id":    oauthClientID,
	}
	if state != "" {
		payload["state"] = state
	}
	if verifier != "" {
		payload["code_verifier"] = verifier
	}

	record, err := m.requestToken(ctx, payload)
	if err != nil {
		return err
	}
	record.Email = email

	m.mu.Lock()
	m.tokens[email] = record
	m.mu.Unlock()

	m.logger.Info("oauth tokens stored", "email", email, "expires_at", record.ExpiresAt)
	return nil
}

// Refresh renews the tokens for one account.
func (m *OAuthManager) Refresh(ctx context.Context, email string) error {
	m.mu.Lock()
	existing, ok := m.tokens[email]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no tokens for account %s", email)
	}

	record, err := m.requestToken(ctx, map[string]any{
		"grant_type":    "refresh_token",
		"refresh_token": existing.RefreshToken,
		"client_id":     oauthClientID,
	})
	if err != nil {
		return err
	}
	record.Email = email
	if record.RefreshToken == "" {
		record.RefreshToken = existing.RefreshToken
	}

	m.mu.Lock()
	m.tokens[email] = record
	m.mu.Unlock()

	m.logger.Info("oauth tokens refreshed", "email", email, "expires_at", record.ExpiresAt)
	return nil
}

func (m *OAuthManager) requestToken(ctx context.Context, payload map[string]any) (*TokenRecord, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, oauthTokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := httputil.ReadLimitedBody(resp.Body, httputil.DefaultMaxBodyBytes)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, respBody)
	}

	var token struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(respBody, &token); err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}

	expiresAt := time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
	if token.ExpiresIn == 0 {
		expiresAt = expiryFromJWT(token.AccessToken)
	}

	return &TokenRecord{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    expiresAt,
	}, nil
}

// expiryFromJWT reads the exp claim without verifying the signature; the
// token is only inspected for scheduling refreshes, never trusted.
func expiryFromJWT(token string) time.Time {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Now().Add(time.Hour)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Now().Add(time.Hour)
	}
	return exp.Time
}

// AccessToken returns a currently valid access token, preferring the one
// with the latest expiry. ok is false when no usable token exists.
func (m *OAuthManager) AccessToken() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *TokenRecord
	now := time.Now()
	for _, rec := range m.tokens {
		if rec.ExpiresAt.Before(now) {
			continue
		}
		if best == nil || rec.ExpiresAt.After(best.ExpiresAt) {
			best = rec
		}
	}
	if best == nil {
		return "", false
	}
	return best.AccessToken, true
}

// Status lists accounts with redacted token metadata.
func (m *OAuthManager) Status() []AccountStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	out := make([]AccountStatus, 0, len(m.tokens))
	for _, rec := range m.tokens {
		remaining := rec.ExpiresAt.Sub(now)
		out = append(out, AccountStatus{
			Email:            rec.Email,
			ExpiresAt:        rec.ExpiresAt.Format(time.RFC3339),
			ExpiresInSeconds: int64(remaining.Seconds()),
			ExpiresInHuman:   formatDuration(remaining),
			Expired:          remaining <= 0,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out
}

// Delete removes the tokens for one account, or all accounts when email is
// empty. Returns the number of removed records.
func (m *OAuthManager) Delete(email string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if email == "" {
		n := len(m.tokens)
		m.tokens = make(map[string]*TokenRecord)
		return n
	}
	if _, ok := m.tokens[email]; ok {
		delete(m.tokens, email)
		return 1
	}
	return 0
}

// RefreshExpiring refreshes every account whose token expires within
// leeway. Used by the background auto-refresher.
func (m *OAuthManager) RefreshExpiring(ctx context.Context, leeway time.Duration) {
	m.mu.Lock()
	var expiring []string
	deadline := time.Now().Add(leeway)
	for email, rec := range m.tokens {
		if rec.ExpiresAt.Before(deadline) && rec.RefreshToken != "" {
			expiring = append(expiring, email)
		}
	}
	m.mu.Unlock()

	for _, email := range expiring {
		if err := m.Refresh(ctx, email); err != nil {
			m.logger.Warn("oauth auto-refresh failed", "email", email, "error", err)
		}
	}
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "expired"
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd%dh", int(d.Hours())/24, int(d.Hours())%24)
	}
}
