package handlers

import (
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"task-scheduler/backend/internal/middleware"
	"task-scheduler/backend/internal/models"
	"task-scheduler/backend/internal/services"
)

type UserHandler struct {
	userService services.UserService
}

func NewUserHandler(userService services.UserService) *UserHandler {
	return &UserHandler{userService: userService}
}

type UserResponse struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

func toUserResponse(u *models.User) UserResponse {
	return UserResponse{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		Role:      u.Role,
		CreatedAt: u.CreatedAt,
	}
}

func (h *UserHandler) Register(c *gin.Context) {
	var req services.RegistrationRequest
	if !bindJSON(c, &req) {
		return
	}

	user, err := h.userService.Register(c.Request.Context(), req)
	if err != nil {
		handleError(c, err, "failed to register user")
		return
	}

	respondOK(c, http.StatusCreated, gin.H{
		"message": "user registered successfully",
		"user":    toUserResponse(user),
	})
}

func (h *UserHandler) GetUser(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	user, err := h.userService.GetByID(c.Request.Context(), id)
	if err != nil {
		handleError(c, err, "failed to get user")
		return
	}

	respondOK(c, http.StatusOK, gin.H{"user": toUserResponse(user)})
}

func (h *UserHandler) GetUsers(c *gin.Context) {
	limit, ok := queryInt(c, "limit", 20, 1, 100)
	if !ok {
		return
	}
	offset, ok := queryInt(c, "offset", 0, 0, math.MaxInt32)
	if !ok {
		return
	}

	users, err := h.userService.List(c.Request.Context(), limit, offset)
	if err != nil {
		handleError(c, err, "failed to list users")
		return
	}

	response := make([]UserResponse, 0, len(users))
	for i := range users {
		response = append(response, toUserResponse(&users[i]))
	}

	respondOK(c, http.StatusOK, gin.H{
		"users": response,
		"pagination": gin.H{
			"limit":   limit,
			"offset":  offset,
			"hasMore": len(users) == limit,
		},
	})
}

func (h *UserHandler) DeleteUser(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	if err := h.userService.Delete(c.Request.Context(), id); err != nil {
		handleError(c, err, "failed to delete user")
		return
	}

	respondOK(c, http.StatusOK, gin.H{"message": "user deleted successfully"})
}

func (h *UserHandler) ChangePassword(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "user not authenticated")
		return
	}

	var req services.ChangePasswordRequest
	if !bindJSON(c, &req) {
		return
	}

	if err := h.userService.ChangePassword(c.Request.Context(), userID, req); err != nil {
		handleError(c, err, "failed to change password")
		return
	}

	respondOK(c, http.StatusOK, gin.H{"message": "password updated successfully"})
}
