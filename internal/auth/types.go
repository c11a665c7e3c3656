package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrNoSession          = errors.New("no stored session")
)

// RegistrationFallbackMessage is shown when a rejected registration carries no
// message of its own.
const RegistrationFallbackMessage = "an error occurred while registering"

// Role is the closed set of system roles. The zero value is RoleStudent,
// which is also what unrecognized wire values decode to.
type Role int

const (
	RoleStudent Role = iota
	RoleProfessor
	RoleAdmin
)

// Roles lists every role in display order.
var Roles = []Role{RoleStudent, RoleProfessor, RoleAdmin}

// String returns the backend wire name.
func (r Role) String() string {
	switch r {
	case RoleStudent:
		return "ALUNO"
	case RoleProfessor:
		return "PROFESSOR"
	case RoleAdmin:
		return "ADMIN"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// ParseRole maps a case-insensitive wire value to a Role. STUDENT is accepted
// as an alias of ALUNO. ok is false for unrecognized input, in which case the
// returned role is RoleStudent.
func ParseRole(s string) (role Role, ok bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ALUNO", "STUDENT":
		return RoleStudent, true
	case "PROFESSOR":
		return RoleProfessor, true
	case "ADMIN":
		return RoleAdmin, true
	}
	return RoleStudent, false
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	*r, _ = ParseRole(string(b))
	return nil
}

type User struct {
	ID    int64  `json:"id"`
	Name  string `json:"nome"`
	Email string `json:"email"`
	Role  Role   `json:"papelSistema"`
}

// AuthResponse is the body returned by both login and registration.
type AuthResponse struct {
	Token string `json:"token"`
	ID    int64  `json:"id"`
	Name  string `json:"nome"`
	Email string `json:"email"`
	Role  Role   `json:"papelSistema"`
}

func (r AuthResponse) User() User {
	return User{ID: r.ID, Name: r.Name, Email: r.Email, Role: r.Role}
}

type Session struct {
	Token string
	User  User
}

// Registration carries the sign-up form. Role is free text; it is upper-cased
// before it leaves the process.
type Registration struct {
	Name     string `json:"nome" validate:"required"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	Role     string `json:"papelSistema" validate:"required"`
}

// ValidationError is a rejected registration. Message is safe to show to the
// user as-is.
type ValidationError struct {
	Message string
	Err     error
}

func NewValidationError(message string, cause error) *ValidationError {
	message = strings.TrimSpace(message)
	if message == "" {
		message = RegistrationFallbackMessage
	}
	return &ValidationError{Message: message, Err: cause}
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func encodeUser(u User) (string, error) {
	b, err := json.Marshal(u)
	if err != nil {
		return "", fmt.Errorf("encode user: %w", err)
	}
	return string(b), nil
}

func decodeUser(raw string) (User, error) {
	var u User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return User{}, fmt.Errorf("decode user: %w", err)
	}
	return u, nil
}
