package domain

import "errors"

var ErrInvalidRole = errors.New("invalid role")

// Role scopes what a token holder may do inside a room.
type Role string

const (
	RoleHost        Role = "host"
	RoleCohost      Role = "cohost"
	RoleParticipant Role = "participant"
)

// ParseRole rejects anything outside the three enumerated roles.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleHost, RoleCohost, RoleParticipant:
		return Role(s), nil
	}
	return "", ErrInvalidRole
}

// CanClose reports whether the role may close a room.
func (r Role) CanClose() bool { return r == RoleHost }
