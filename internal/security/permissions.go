// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Backdesk Contributors

// Package security implements the permission model for tool access.
// Permissions are colon-separated strings such as "catalog:delete".
// The wildcard permission "*" satisfies any requirement; a trailing
// ":*" segment grants every action on a resource ("catalog:*").
package security

import (
	"context"
	"strings"
)

// Wildcard is the administrator permission that satisfies any check.
const Wildcard = "*"

// PermissionSet is an immutable set of permission grants for one user.
type PermissionSet struct {
	grants []string
}

// NewPermissionSet constructs a PermissionSet from the provided grants.
func NewPermissionSet(grants ...string) PermissionSet {
	copied := append([]string(nil), grants...)
	return PermissionSet{grants: copied}
}

// HasWildcard reports whether the set carries the administrator wildcard.
func (s PermissionSet) HasWildcard() bool {
	for _, g := range s.grants {
		if g == Wildcard {
			return true
		}
	}
	return false
}

// Contains reports whether the set satisfies the given permission.
func (s PermissionSet) Contains(perm string) bool {
	if perm == "" {
		return false
	}
	for _, g := range s.grants {
		if grantSatisfies(g, perm) {
			return true
		}
	}
	return false
}

// ContainsAll reports whether the set satisfies every permission in perms.
// An empty requirement list is always satisfied.
func (s PermissionSet) ContainsAll(perms []string) bool {
	for _, p := range perms {
		if !s.Contains(p) {
			return false
		}
	}
	return true
}

// Grants returns a copy of the raw grant strings, for audit details.
func (s PermissionSet) Grants() []string {
	return append([]string(nil), s.grants...)
}

func grantSatisfies(grant, perm string) bool {
	if grant == Wildcard {
		return true
	}
	if grant == perm {
		return true
	}
	if prefix, ok := strings.CutSuffix(grant, ":*"); ok {
		return strings.HasPrefix(perm, prefix+":")
	}
	return false
}

// PermissionResolver maps an authenticated user to their PermissionSet.
// Supplied by the auth layer; the orchestration core treats it as read-only.
type PermissionResolver interface {
	Resolve(ctx context.Context, userID string) (PermissionSet, error)
}

// RoleResolver is a PermissionResolver backed by a static role map.
type RoleResolver struct {
	userRoles map[string][]string
	rolePerm  map[string][]string
}

// NewRoleResolver builds a RoleResolver from user-to-roles and role-to-permissions maps.
func NewRoleResolver(userRoles map[string][]string, rolePerms map[string][]string) *RoleResolver {
	return &RoleResolver{userRoles: userRoles, rolePerm: rolePerms}
}

// Resolve expands the user's roles into a flat PermissionSet.
// An unknown user resolves to an empty set, which denies everything.
func (r *RoleResolver) Resolve(_ context.Context, userID string) (PermissionSet, error) {
	seen := make(map[string]struct{})
	var grants []string
	for _, role := range r.userRoles[userID] {
		for _, perm := range r.rolePerm[role] {
			if _, ok := seen[perm]; ok {
				continue
			}
			seen[perm] = struct{}{}
			grants = append(grants, perm)
		}
	}
	return NewPermissionSet(grants...), nil
}
