package auth

import (
	"strings"

	"github.com/reqforge/gateway/internal/core/domain"
)

// RoleMapper recomputes the account role server-side. Privileged roles come
// only from the trusted email mapping, never from a token or key record.
type RoleMapper struct {
	assignments map[string]domain.Role
}

// NewRoleMapper builds a mapper from email to role. Emails match case-insensitively.
func NewRoleMapper(assignments map[string]domain.Role) *RoleMapper {
	m := &RoleMapper{assignments: make(map[string]domain.Role, len(assignments))}
	for email, role := range assignments {
		m.assignments[normalizeEmail(email)] = role
	}
	return m
}

// Resolve returns the role for email. A claimed role survives only when it
// is not privileged.
func (m *RoleMapper) Resolve(email string, claimed domain.Role) domain.Role {
	if m != nil && email != "" {
		if role, ok := m.assignments[normalizeEmail(email)]; ok {
			return role
		}
	}
	if claimed != "" && !claimed.Privileged() {
		return claimed
	}
	return domain.RoleUser
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
