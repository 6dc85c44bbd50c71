// Package access implements role membership, per-object/per-class grants,
// and folder-to-contained-object grant propagation (spec.md §4.3).
package access

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const contextKeyAuthorization contextKey = "authorization"

// Authorization is the context object carrying who is making the current
// request: their roles and whether they bypass every check. It is the Go
// analogue of the teacher's request-scoped Authorization value.
type Authorization struct {
	UserID      string   `json:"userId"`
	Roles       []string `json:"roles"`
	IsSuperUser bool     `json:"-"`
}

// HasRole reports whether a holds role directly (not transitively).
func (a *Authorization) HasRole(role string) bool {
	if a == nil {
		return false
	}
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ContextWithAuthorization attaches a to ctx.
func ContextWithAuthorization(ctx context.Context, a *Authorization) context.Context {
	return context.WithValue(ctx, contextKeyAuthorization, a)
}

// FromContext retrieves the Authorization attached to ctx, or nil.
func FromContext(ctx context.Context) *Authorization {
	a, _ := ctx.Value(contextKeyAuthorization).(*Authorization)
	return a
}

// Action is one of the four grant bits spec.md §3/§4.3 describe.
type Action string

const (
	CanCreate Action = "canCreate"
	CanRead   Action = "canRead"
	CanUpdate Action = "canUpdate"
	CanDelete Action = "canDelete"
)

// Grant is one row of the authorization table (spec.md §3).
type Grant struct {
	ObjectPK     int64
	RolePK       int64
	CanCreate    bool
	CanRead      bool
	CanUpdate    bool
	CanDelete    bool
	IsMemberAuth bool
	IsInherited  bool
}

// Request describes one isAuthorized call (spec.md §4.3).
type Request struct {
	Action   Action
	Feather  string
	ObjectID string
	FolderID string
	UserID   string
}

// idOrNil returns nil for the empty string so callers can bind an
// optional uuid parameter straight into a query.
func idOrNil(id string) any {
	if id == "" {
		return nil
	}
	if u, err := uuid.Parse(id); err == nil {
		return u.String()
	}
	return id
}
