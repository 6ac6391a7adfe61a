package auth

import (
	"errors"
	"testing"
)

func TestRolePermissions(t *testing.T) {
	cases := []struct {
		role Role
		perm string
		want bool
	}{
		{RoleAdmin, PermAPIKeyManage, true},
		{RoleCoordinator, PermAPIKeyManage, false},
		{RoleCoordinator, PermRequestAssign, true},
		{RoleProvider, PermAssignmentRespond, true},
		{RoleProvider, PermAssignmentTimeout, false},
		{RoleProvider, PermRequestConfirm, false},
		{RoleClient, PermRequestVerify, true},
		{RoleClient, PermRequestEscalate, false},
		{RoleSystem, PermAssignmentTimeout, true},
		{RoleSystem, PermRequestAssign, false},
		{Role("guest"), PermRequestNote, false},
	}
	for _, tc := range cases {
		if got := HasPermission(tc.role, tc.perm); got != tc.want {
			t.Errorf("HasPermission(%s, %s) = %v, want %v", tc.role, tc.perm, got, tc.want)
		}
	}
}

func TestRequire(t *testing.T) {
	if err := Require(Actor{ID: "c1", Role: RoleCoordinator}, PermRequestCancel); err != nil {
		t.Fatalf("coordinator cancel: %v", err)
	}
	err := Require(Actor{ID: "p1", Role: RoleProvider}, PermRequestCancel)
	var fe ForbiddenError
	if !errors.As(err, &fe) || fe.Permission != PermRequestCancel {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if err := Require(Actor{Role: RoleAdmin}, PermRequestCancel); err == nil {
		t.Fatalf("expected missing actor id to be rejected")
	}
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole(" Coordinator ")
	if err != nil || r != RoleCoordinator {
		t.Fatalf("parse: %v %v", r, err)
	}
	if _, err := ParseRole("root"); err == nil {
		t.Fatalf("expected unknown role error")
	}
	perms := Permissions(RoleProvider)
	perms[0] = "mutated"
	if Permissions(RoleProvider)[0] == "mutated" {
		t.Fatalf("Permissions must return a copy")
	}
}
