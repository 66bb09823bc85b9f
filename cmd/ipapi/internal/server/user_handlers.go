package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/globalip/ipapi/cmd/ipapi/internal/auth"
	"github.com/globalip/ipapi/cmd/ipapi/internal/db/models"
	"github.com/globalip/ipapi/cmd/ipapi/internal/services/iam"
)

// RegistrationRequest is the body of POST /api/registration.
type RegistrationRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

// UserResponse is the public view of an account.
type UserResponse struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	Email       string     `json:"email"`
	Role        string     `json:"role"`
	Provider    string     `json:"provider,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastLoginAt *time.Time `json:"lastLoginAt,omitempty"`
}

func userResponse(u models.User) UserResponse {
	resp := UserResponse{
		ID:          u.ID,
		Username:    u.Username,
		Email:       u.Email,
		Role:        u.Role,
		CreatedAt:   u.CreatedAt,
		LastLoginAt: u.LastLoginAt,
	}
	if u.Provider != nil {
		resp.Provider = *u.Provider
	}
	return resp
}

// HandleRegister creates a USER account.
func HandleRegister(svc iam.Service, logger logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RegistrationRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		user, err := svc.Register(r.Context(), iam.RegisterInput{
			Username: req.Username,
			Email:    req.Email,
			Password: req.Password,
			Role:     req.Role,
		})
		switch {
		case err == nil:
		case errors.Is(err, iam.ErrEmailExists):
			writeError(w, http.StatusConflict, "Email already exists")
			return
		case errors.Is(err, iam.ErrRoleNotSelfAssignable):
			writeError(w, http.StatusForbidden, "Role cannot be self-assigned")
			return
		case errors.Is(err, iam.ErrInvalidRegistration):
			writeError(w, http.StatusBadRequest, err.Error())
			return
		default:
			logger.WithError(err).Error("registration failed")
			writeError(w, http.StatusInternalServerError, "Registration failed")
			return
		}
		writeJSON(w, http.StatusCreated, userResponse(*user))
	}
}

// HandleListUsers lists every account.
func HandleListUsers(svc iam.Service, logger logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		users, err := svc.ListUsers(r.Context())
		if err != nil {
			logger.WithError(err).Error("list users failed")
			writeError(w, http.StatusInternalServerError, "Failed to list users")
			return
		}
		out := make([]UserResponse, 0, len(users))
		for _, u := range users {
			out = append(out, userResponse(u))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// HandleAnalystDashboard is a placeholder landing endpoint for analysts.
func HandleAnalystDashboard() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, _ := auth.PrincipalFromContext(r.Context())
		writeJSON(w, http.StatusOK, map[string]string{
			"message":  "Analyst dashboard",
			"identity": p.Identity(),
			"role":     p.Role().String(),
		})
	}
}
