package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"eduscrumawards/portal/internal/auth"
)

var validate = validator.New()

type credentials struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// Login exchanges credentials for a token. Any rejection by the backend, and
// any request missing a field, matches auth.ErrInvalidCredentials.
func (c *Client) Login(ctx context.Context, email, password string) (auth.AuthResponse, error) {
	creds := credentials{Email: strings.TrimSpace(email), Password: password}
	if err := validate.Struct(creds); err != nil {
		return auth.AuthResponse{}, fmt.Errorf("login: %w", auth.ErrInvalidCredentials)
	}

	raw, err := c.do(ctx, "login", http.MethodPost, "/api/auth/login", creds, false)
	if err != nil {
		switch StatusOf(err) {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return auth.AuthResponse{}, fmt.Errorf("%w: %w", auth.ErrInvalidCredentials, err)
		}
		return auth.AuthResponse{}, err
	}

	var resp auth.AuthResponse
	if err := decode("login", raw, &resp); err != nil {
		return auth.AuthResponse{}, err
	}
	if resp.Token == "" {
		return auth.AuthResponse{}, fmt.Errorf("login: backend returned no token")
	}
	return resp, nil
}

// Register creates an account. Every failure is an *auth.ValidationError whose
// message is either the backend's own text or the generic fallback.
func (c *Client) Register(ctx context.Context, reg auth.Registration) (auth.AuthResponse, error) {
	reg.Name = strings.TrimSpace(reg.Name)
	reg.Email = strings.TrimSpace(reg.Email)
	if strings.TrimSpace(reg.Role) == "" {
		reg.Role = auth.RoleStudent.String()
	}
	role, ok := auth.ParseRole(reg.Role)
	if !ok {
		return auth.AuthResponse{}, auth.NewValidationError(fmt.Sprintf("unknown role %q", reg.Role), nil)
	}
	reg.Role = role.String()

	if err := validate.Struct(reg); err != nil {
		return auth.AuthResponse{}, auth.NewValidationError(validationMessage(err), err)
	}

	raw, err := c.do(ctx, "register", http.MethodPost, "/api/auth/register", reg, false)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status < http.StatusInternalServerError {
			return auth.AuthResponse{}, auth.NewValidationError(apiErr.Message, err)
		}
		c.log.WithError(err).Warn("registration failed")
		return auth.AuthResponse{}, auth.NewValidationError("", err)
	}

	var resp auth.AuthResponse
	if err := decode("register", raw, &resp); err != nil {
		return auth.AuthResponse{}, auth.NewValidationError("", err)
	}
	return resp, nil
}

// CurrentUser asks the backend who the stored token belongs to.
func (c *Client) CurrentUser(ctx context.Context) (auth.User, error) {
	raw, err := c.do(ctx, "current_user", http.MethodGet, "/api/utilizadores/me", nil, true)
	if err != nil {
		if StatusOf(err) == http.StatusForbidden {
			return auth.User{}, fmt.Errorf("%w: %w", auth.ErrUnauthorized, err)
		}
		return auth.User{}, err
	}
	var u auth.User
	if err := decode("current_user", raw, &u); err != nil {
		return auth.User{}, err
	}
	return u, nil
}

func validationMessage(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return ""
	}
	fe := fieldErrs[0]
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "email":
		return "email is not a valid address"
	}
	return field + " is invalid"
}
