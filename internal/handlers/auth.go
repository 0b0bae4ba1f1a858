package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"task-scheduler/backend/internal/services"
)

type AuthHandler struct {
	userService services.UserService
}

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func NewAuthHandler(userService services.UserService) *AuthHandler {
	return &AuthHandler{userService: userService}
}

// Token exchanges a username and password for a bearer token.
func (h *AuthHandler) Token(c *gin.Context) {
	var req LoginRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.userService.Login(c.Request.Context(), strings.TrimSpace(req.Username), req.Password)
	if err != nil {
		handleError(c, err, "failed to issue token")
		return
	}

	respondOK(c, http.StatusOK, gin.H{
		"accessToken": result.Token,
		"tokenType":   "Bearer",
		"expiresIn":   int64(time.Until(result.ExpiresAt).Seconds()),
		"expiresAt":   result.ExpiresAt,
		"user":        toUserResponse(result.User),
	})
}
