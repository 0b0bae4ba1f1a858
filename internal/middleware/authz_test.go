package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"task-scheduler/backend/internal/config"
	"task-scheduler/backend/internal/middleware"
	"task-scheduler/backend/internal/models"
	"task-scheduler/backend/internal/services"
)

func newTokens() *services.TokenService {
	return services.NewTokenService(config.AuthConfig{JWTSecret: "test-secret", Issuer: "task-scheduler", AccessTokenTTL: time.Hour})
}

func createTestToken(t *testing.T, tokens *services.TokenService, role string) string {
	t.Helper()
	token, _, err := tokens.Issue(&models.User{ID: 7, Username: "tester", Role: role})
	require.NoError(t, err)
	return token
}

func setupProtectedRouter(tokens *services.TokenService, roles ...string) *gin.Engine {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(middleware.AuthMiddleware(tokens))
	if len(roles) > 0 {
		router.Use(middleware.RequireRole(roles...))
	}
	router.GET("/protected", func(c *gin.Context) {
		id, ok := middleware.UserID(c)
		c.JSON(http.StatusOK, gin.H{"user_id": id, "ok": ok, "role": c.GetString(middleware.ContextUserRole)})
	})
	return router
}

func TestAuthMiddleware_NoToken(t *testing.T) {
	router := setupProtectedRouter(newTokens())

	req, _ := http.NewRequest("GET", "/protected", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"success":false,"error":"authorization header is required"}`, w.Body.String())
}

func TestAuthMiddleware_InvalidFormat(t *testing.T) {
	router := setupProtectedRouter(newTokens())

	req, _ := http.NewRequest("GET", "/protected", nil)
	req.Header.Set("Authorization", "Token abc")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthMiddleware_InvalidToken(t *testing.T) {
	router := setupProtectedRouter(newTokens())

	req, _ := http.NewRequest("GET", "/protected", nil)
	req.Header.Set("Authorization", "Bearer invalid_token")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthMiddleware_WrongSecret(t *testing.T) {
	other := services.NewTokenService(config.AuthConfig{JWTSecret: "other", Issuer: "task-scheduler"})
	router := setupProtectedRouter(newTokens())

	req, _ := http.NewRequest("GET", "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+createTestToken(t, other, models.RoleAdmin))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	tokens := newTokens()
	router := setupProtectedRouter(tokens)

	req, _ := http.NewRequest("GET", "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+createTestToken(t, tokens, models.RoleUser))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user_id":7,"ok":true,"role":"user"}`, w.Body.String())
}

func TestRequireRole(t *testing.T) {
	tokens := newTokens()

	tests := []struct {
		name     string
		role     string
		required []string
		expected int
	}{
		{"admin passes admin route", models.RoleAdmin, []string{models.RoleAdmin}, http.StatusOK},
		{"user rejected from admin route", models.RoleUser, []string{models.RoleAdmin}, http.StatusForbidden},
		{"user passes user route", models.RoleUser, []string{models.RoleUser}, http.StatusOK},
		{"admin passes user route", models.RoleAdmin, []string{models.RoleUser}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := setupProtectedRouter(tokens, tt.required...)

			req, _ := http.NewRequest("GET", "/protected", nil)
			req.Header.Set("Authorization", "Bearer "+createTestToken(t, tokens, tt.role))
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.expected, w.Code)
		})
	}
}
