package access

import (
	"context"
	"testing"
)

func TestIsAuthorizedSuperUserBypassesDatabase(t *testing.T) {
	s := &Service{}
	ok, err := s.IsAuthorized(context.Background(), &Authorization{IsSuperUser: true}, Request{Action: CanDelete})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("a super user must always be authorized")
	}
}

func TestActionColumn(t *testing.T) {
	cases := map[Action]string{
		CanRead:   "can_read",
		CanUpdate: "can_update",
		CanDelete: "can_delete",
	}
	for action, want := range cases {
		if got := actionColumn(action); got != want {
			t.Errorf("actionColumn(%v) = %q, want %q", action, got, want)
		}
	}
}

func TestRoleNames(t *testing.T) {
	if got := roleNames(nil); got != nil {
		t.Fatalf("roleNames(nil) = %v, want nil", got)
	}
	auth := &Authorization{Roles: []string{"admin", "editor"}}
	got := roleNames(auth)
	if len(got) != 2 || got[0] != "admin" || got[1] != "editor" {
		t.Fatalf("roleNames() = %v, want [admin editor]", got)
	}
}

func TestHasRole(t *testing.T) {
	auth := &Authorization{Roles: []string{"admin"}}
	if !auth.HasRole("admin") {
		t.Fatal("HasRole(admin) should be true")
	}
	if auth.HasRole("superuser") {
		t.Fatal("HasRole(superuser) should be false")
	}
	var nilAuth *Authorization
	if nilAuth.HasRole("admin") {
		t.Fatal("HasRole on a nil Authorization must be false, not panic")
	}
}

func TestContextRoundTrip(t *testing.T) {
	auth := &Authorization{UserID: "u1"}
	ctx := ContextWithAuthorization(context.Background(), auth)
	if got := FromContext(ctx); got != auth {
		t.Fatalf("FromContext() = %v, want %v", got, auth)
	}
	if got := FromContext(context.Background()); got != nil {
		t.Fatal("FromContext on a bare context should return nil")
	}
}
