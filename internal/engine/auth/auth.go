// Package auth holds the role model: which role may perform which operation.
package auth

import (
	"fmt"
	"strings"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
	Reason     string
}

func (e ForbiddenError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("permission %s required: %s", e.Permission, e.Reason)
	}
	return fmt.Sprintf("permission %s required", e.Permission)
}

type Role string

const (
	RoleAdmin       Role = "admin"
	RoleCoordinator Role = "coordinator"
	RoleProvider    Role = "provider"
	RoleClient      Role = "client"
	RoleSystem      Role = "system"
)

var Roles = []Role{RoleAdmin, RoleCoordinator, RoleProvider, RoleClient, RoleSystem}

func (r Role) Valid() bool {
	_, ok := rolePermissions[r]
	return ok
}

// ParseRole normalizes a role name.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Actor is the caller identity supplied by the identity collaborator.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

func (a Actor) String() string {
	return fmt.Sprintf("%s(%s)", a.ID, a.Role)
}

const (
	PermRequestCreate     = "request.create"
	PermRequestConfirm    = "request.confirm"
	PermRequestAssign     = "request.assign"
	PermRequestEscalate   = "request.escalate"
	PermRequestCancel     = "request.cancel"
	PermRequestPriority   = "request.priority"
	PermRequestVerify     = "request.verify"
	PermRequestNote       = "request.note"
	PermAssignmentRespond = "assignment.respond"
	PermAssignmentTimeout = "assignment.timeout"
	PermWorkStart         = "work.start"
	PermWorkComplete      = "work.complete"
	PermProviderSync      = "provider.sync"
	PermAPIKeyManage      = "apikey.manage"
)

var coordinatorPerms = []string{
	PermRequestCreate, PermRequestConfirm, PermRequestAssign, PermRequestEscalate, PermRequestCancel,
	PermRequestPriority, PermRequestVerify, PermRequestNote, PermAssignmentRespond, PermAssignmentTimeout,
	PermWorkStart, PermWorkComplete, PermProviderSync,
}

var rolePermissions = map[Role][]string{
	RoleAdmin:       append(append([]string{}, coordinatorPerms...), PermAPIKeyManage),
	RoleCoordinator: coordinatorPerms,
	RoleProvider:    {PermAssignmentRespond, PermWorkStart, PermWorkComplete, PermRequestNote},
	RoleClient:      {PermRequestCreate, PermRequestVerify, PermRequestNote},
	RoleSystem:      {PermRequestCreate, PermRequestNote, PermAssignmentTimeout, PermProviderSync},
}

// Permissions lists what role may do.
func Permissions(r Role) []string {
	return append([]string(nil), rolePermissions[r]...)
}

// HasPermission reports whether role grants perm.
func HasPermission(r Role, perm string) bool {
	for _, p := range rolePermissions[r] {
		if p == perm {
			return true
		}
	}
	return false
}

// Require returns ForbiddenError unless the actor's role grants perm.
func Require(a Actor, perm string) error {
	if a.ID == "" {
		return ForbiddenError{Permission: perm, Reason: "actor id missing"}
	}
	if !HasPermission(a.Role, perm) {
		return ForbiddenError{Permission: perm, Reason: fmt.Sprintf("role %q", a.Role)}
	}
	return nil
}

// Privileged reports whether the actor acts on behalf of the coordination desk rather
// than as a party to the request.
func (a Actor) Privileged() bool {
	return a.Role == RoleAdmin || a.Role == RoleCoordinator
}
