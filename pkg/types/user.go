package types

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"
)

// MinPasswordLength is the shortest password accepted.
const MinPasswordLength = 6

// User is an account. Users are never deleted, only disabled.
type User struct {
	Name         string            `json:"name"`
	Password     string            `json:"password"` // bcrypt hash
	Groups       []int             `json:"groups"`
	Disabled     bool              `json:"disabled"`
	Email        string            `json:"email,omitempty"`
	Profile      map[string]string `json:"profile,omitempty"`
	CreationTime time.Time         `json:"creationtime"`
}

// NewUserRequest is a queued account request awaiting admin approval.
type NewUserRequest struct {
	Name         string            `json:"name"`
	Password     string            `json:"password"` // bcrypt hash once queued
	Email        string            `json:"email,omitempty"`
	Profile      map[string]string `json:"profile,omitempty"`
	CreationTime time.Time         `json:"creationtime"`
}

var userNameRE = regexp.MustCompile(`^[a-z][a-z0-9_.\-@]*$`)

// ValidateUserName checks the name is lowercase, non-empty, and cannot be
// confused with a group principal.
func ValidateUserName(name string) error {
	if !userNameRE.MatchString(name) {
		return fmt.Errorf("%w: invalid user name %q", ErrValidation, name)
	}
	return nil
}

// ValidatePassword enforces the minimum password length.
func ValidatePassword(pw string) error {
	if len(strings.TrimSpace(pw)) < MinPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrValidation, MinPasswordLength)
	}
	return nil
}

// InGroup reports membership of g.
func (u *User) InGroup(g int) bool {
	return slices.Contains(u.Groups, g)
}
