package rbac

import (
	"errors"
	"testing"

	"coursecore/api/internal/apperr"
	"coursecore/api/internal/store"
)

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "reader read", role: RoleReader, action: ActionRead, allow: true},
		{name: "reader fork", role: RoleReader, action: ActionFork, allow: true},
		{name: "reader write", role: RoleReader, action: ActionWrite, allow: false},
		{name: "none read", role: RoleNone, action: ActionRead, allow: false},
		{name: "owner write", role: RoleOwner, action: ActionWrite, allow: true},
		{name: "owner admin", role: RoleOwner, action: ActionAdmin, allow: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestRoleFor(t *testing.T) {
	private := store.Course{ID: "crs_1", OwnerID: "usr_1"}
	public := store.Course{ID: "crs_2", OwnerID: "usr_1", Public: true}

	cases := []struct {
		name   string
		course store.Course
		user   string
		want   Role
	}{
		{name: "owner", course: private, user: "usr_1", want: RoleOwner},
		{name: "stranger private", course: private, user: "usr_2", want: RoleNone},
		{name: "stranger public", course: public, user: "usr_2", want: RoleReader},
		{name: "anonymous public", course: public, user: "", want: RoleReader},
		{name: "anonymous ownerless", course: store.Course{ID: "crs_3"}, user: "", want: RoleNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := RoleFor(tc.course, tc.user); got != tc.want {
				t.Fatalf("RoleFor = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestAuthorize(t *testing.T) {
	course := store.Course{ID: "crs_1", OwnerID: "usr_1", Public: true}
	if err := Authorize(course, "usr_1", ActionWrite); err != nil {
		t.Fatalf("owner write: %v", err)
	}
	if err := Authorize(course, "usr_2", ActionRead); err != nil {
		t.Fatalf("public read: %v", err)
	}
	err := Authorize(course, "usr_2", ActionWrite)
	if !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}
