package auth_test

import (
	"log/slog"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkytech/claude-code-provider-balancer/internal/auth"
)

func TestOAuthManager_GenerateLoginURL(t *testing.T) {
	m := auth.NewOAuthManager(slog.Default())

	raw, err := m.GenerateLoginURL()
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.NotEmpty(t, q.Get("state"))
	assert.True(t, strings.Contains(q.Get("scope"), "user:inference"))

	// Each URL carries a fresh state.
	second, err := m.GenerateLoginURL()
	require.NoError(t, err)
	assert.NotEqual(t, raw, second)
}

func TestOAuthManager_EmptyStatusAndAccessToken(t *testing.T) {
	m := auth.NewOAuthManager(slog.Default())

	assert.Empty(t, m.Status())
	_, ok := m.AccessToken()
	assert.False(t, ok)
}

func TestOAuthManager_Delete(t *testing.T) {
	m := auth.NewOAuthManager(slog.Default())
	assert.Equal(t, 0, m.Delete("nobody@example.com"))
	assert.Equal(t, 0, m.Delete(""))
}
