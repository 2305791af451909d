package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

func newAuthRouter(secret string) *gin.Engine {
	r := gin.New()
	r.Use(Recovery(), Auth(secret))
	r.GET("/me", func(c *gin.Context) {
		c.String(http.StatusOK, UserID(c))
	})
	r.GET("/admin", RequireRole(RoleAdmin), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	r.GET("/panic", func(c *gin.Context) {
		panic("boom")
	})
	return r
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func do(r *gin.Engine, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuth_BearerToken(t *testing.T) {
	r := newAuthRouter(testSecret)
	tok := signToken(t, testSecret, jwt.MapClaims{"sub": "u-1", "exp": time.Now().Add(time.Hour).Unix()})

	w := do(r, "/me", map[string]string{"Authorization": "Bearer " + tok})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u-1", w.Body.String())
}

func TestAuth_RejectsBadTokens(t *testing.T) {
	r := newAuthRouter(testSecret)
	expired := signToken(t, testSecret, jwt.MapClaims{"sub": "u-1", "exp": time.Now().Add(-time.Hour).Unix()})
	wrongKey := signToken(t, "other", jwt.MapClaims{"sub": "u-1"})

	cases := map[string]string{
		"missing":   "",
		"no bearer": "Token abc",
		"expired":   "Bearer " + expired,
		"wrong key": "Bearer " + wrongKey,
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			w := do(r, "/me", map[string]string{"Authorization": h})
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

func TestAuth_HeaderFallbackWithoutSecret(t *testing.T) {
	r := newAuthRouter("")

	w := do(r, "/me", map[string]string{UserIDHeader: "u-2"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u-2", w.Body.String())

	w = do(r, "/me", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_ReleaseModeIgnoresIdentityHeaders(t *testing.T) {
	gin.SetMode(gin.ReleaseMode)
	t.Cleanup(func() { gin.SetMode(gin.TestMode) })
	r := newAuthRouter("")

	w := do(r, "/admin", map[string]string{UserIDHeader: "u-2", RoleHeader: RoleAdmin})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, "/me", map[string]string{UserIDHeader: "u-2"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireRole(t *testing.T) {
	r := newAuthRouter(testSecret)
	user := signToken(t, testSecret, jwt.MapClaims{"sub": "u-1"})
	admin := signToken(t, testSecret, jwt.MapClaims{"sub": "u-9", "role": RoleAdmin})

	w := do(r, "/admin", map[string]string{"Authorization": "Bearer " + user})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, "/admin", map[string]string{"Authorization": "Bearer " + admin})
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestRecovery(t *testing.T) {
	r := newAuthRouter("")
	w := do(r, "/panic", map[string]string{UserIDHeader: "u-1"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "internal error")
}
