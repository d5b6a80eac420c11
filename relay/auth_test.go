package relay

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *Config {
	return &Config{
		ListenAddr:    ":0",
		JWTSecret:     "test-secret",
		JWTIssuer:     "callkit-relay",
		TokenTTL:      time.Hour,
		SendQueueSize: 8,
		WriteTimeout:  time.Second,
		PingInterval:  time.Minute,
	}
}

func TestAuthManagerRoundTrip(t *testing.T) {
	mgr, err := NewAuthManager(testConfig())
	require.NoError(t, err)

	now := time.Now()
	tok, err := mgr.Issue(now, "user-1")
	require.NoError(t, err)

	claims, err := mgr.Verify(tok, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
}

func TestAuthManagerRejectsExpiredToken(t *testing.T) {
	mgr, err := NewAuthManager(testConfig())
	require.NoError(t, err)

	now := time.Now()
	tok, err := mgr.Issue(now, "user-1")
	require.NoError(t, err)

	_, err = mgr.Verify(tok, now.Add(2*time.Hour))
	assert.Error(t, err)
}

func TestAuthManagerRejectsWrongSecret(t *testing.T) {
	mgr, err := NewAuthManager(testConfig())
	require.NoError(t, err)

	other := testConfig()
	other.JWTSecret = "different-secret"
	otherMgr, err := NewAuthManager(other)
	require.NoError(t, err)

	tok, err := otherMgr.Issue(time.Now(), "user-1")
	require.NoError(t, err)

	_, err = mgr.Verify(tok, time.Now())
	assert.Error(t, err)
}

func TestAuthManagerRequiresSecret(t *testing.T) {
	cfg := testConfig()
	cfg.JWTSecret = ""
	_, err := NewAuthManager(cfg)
	assert.Error(t, err)
}

func TestRequireTokenMiddleware(t *testing.T) {
	mgr, err := NewAuthManager(testConfig())
	require.NoError(t, err)

	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.GET("/protected", RequireToken(mgr), func(c *gin.Context) {
		id, ok := identityFrom(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{"user_id": id})
	})

	t.Run("missing token", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		engine.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("bad token", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", "Bearer not-a-token")
		engine.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	tok, err := mgr.Issue(time.Now(), "user-1")
	require.NoError(t, err)

	t.Run("header token", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		engine.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "user-1")
	})

	t.Run("query token", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/protected?token="+tok, nil)
		engine.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}
