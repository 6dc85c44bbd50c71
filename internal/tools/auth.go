package tools

import (
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/featherbone/server/internal/access"
)

// BuildAuthSQL returns a WHERE fragment that keeps only the rows (named
// by baseAlias._pk) the given roles can perform action on, per spec.md
// §4.1: it intersects the candidate _pk set with the roles the caller is
// a transitive member of. action must be one of canRead/canUpdate/
// canDelete. A super-user's query never calls this at all — the CRUD
// engine skips auth filtering entirely in that case.
func BuildAuthSQL(schema string, action access.Action, baseAlias string, roles []int64) sq.Sqlizer {
	col := actionColumnFor(action)
	return sq.Expr(fmt.Sprintf(`EXISTS (
		SELECT 1 FROM %s."$auth" a
		WHERE a.object_pk = %s._pk AND a.role_pk = ANY(?) AND a.%s
	)`, schema, baseAlias, col), pq1(roles))
}

func actionColumnFor(a access.Action) string {
	switch a {
	case access.CanUpdate:
		return "can_update"
	case access.CanDelete:
		return "can_delete"
	default:
		return "can_read"
	}
}

func pq1(roles []int64) any { return pq.Array(roles) }
