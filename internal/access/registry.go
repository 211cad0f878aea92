// Package access provides an in-memory capability registry mapping
// identities to roles.
package access

import (
	"sort"
	"sync"

	"coopledger/pkg/domain"
)

var _ domain.CapabilityRegistry = (*Registry)(nil)

// Registry holds one role per identity. Only admins may change assignments
// and the last admin cannot be removed.
type Registry struct {
	mu    sync.RWMutex
	roles map[domain.Identity]domain.Role
}

// NewRegistry returns a registry whose only entry is admin holding RoleAdmin.
func NewRegistry(admin domain.Identity) *Registry {
	r := &Registry{roles: make(map[domain.Identity]domain.Role)}
	if admin != "" {
		r.roles[admin] = domain.RoleAdmin
	}
	return r
}

// RoleOf returns the role held by id, or RoleNone.
func (r *Registry) RoleOf(id domain.Identity) domain.Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roles[id]
}

// Has reports whether id holds role.
func (r *Registry) Has(id domain.Identity, role domain.Role) bool {
	return role != domain.RoleNone && r.RoleOf(id) == role
}

// Assign gives id the role, replacing any previous one.
func (r *Registry) Assign(caller, id domain.Identity, role domain.Role) error {
	const op = "access.assign"
	if !knownRole(role) || role == domain.RoleNone {
		return domain.Unrecognized(op, "unknown role %q", role)
	}
	if id == "" {
		return domain.Unrecognized(op, "identity required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.roles[caller] != domain.RoleAdmin {
		return domain.Unauthorized(op, "%s is not an admin", caller)
	}
	if r.roles[id] == domain.RoleAdmin && role != domain.RoleAdmin && r.adminsLocked() == 1 {
		return domain.InvalidState(op, "cannot demote the last admin")
	}
	r.roles[id] = role
	return nil
}

// Revoke removes any role held by id.
func (r *Registry) Revoke(caller, id domain.Identity) error {
	const op = "access.revoke"
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.roles[caller] != domain.RoleAdmin {
		return domain.Unauthorized(op, "%s is not an admin", caller)
	}
	if r.roles[id] == domain.RoleAdmin && r.adminsLocked() == 1 {
		return domain.InvalidState(op, "cannot revoke the last admin")
	}
	delete(r.roles, id)
	return nil
}

// Holders lists the identities holding role in sorted order.
func (r *Registry) Holders(role domain.Role) []domain.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Identity
	for id, held := range r.roles {
		if held == role {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) adminsLocked() int {
	n := 0
	for _, role := range r.roles {
		if role == domain.RoleAdmin {
			n++
		}
	}
	return n
}

func knownRole(role domain.Role) bool {
	switch role {
	case domain.RoleNone, domain.RoleAdmin, domain.RoleTreasurer, domain.RoleSecretary, domain.RoleGuardian, domain.RoleMember:
		return true
	}
	return false
}
