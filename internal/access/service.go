package access

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"github.com/featherbone/server/internal/csql"
	"github.com/featherbone/server/internal/logger"
)

func pqStringArray(s []string) any { return pq.Array(s) }
func pqInt64Array(s []int64) any   { return pq.Array(s) }

// Service is the database-backed authorization engine: role membership,
// per-object/per-class grants, and folder propagation (spec.md §4.3).
type Service struct {
	db *csql.DB
}

// New bootstraps the role/role_member/$auth tables and returns a Service
// bound to db.
func New(db *csql.DB) (*Service, error) {
	s := &Service{db: db}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + db.Schema + `.role (
			_pk bigserial PRIMARY KEY,
			name varchar NOT NULL UNIQUE
		);`,
		`CREATE TABLE IF NOT EXISTS ` + db.Schema + `.role_member (
			role_pk bigint NOT NULL REFERENCES ` + db.Schema + `.role(_pk),
			member varchar NOT NULL,
			PRIMARY KEY(role_pk, member)
		);`,
		`CREATE TABLE IF NOT EXISTS ` + db.Schema + `."$auth" (
			_pk bigserial PRIMARY KEY,
			object_pk bigint NOT NULL,
			role_pk bigint NOT NULL REFERENCES ` + db.Schema + `.role(_pk),
			can_create boolean NOT NULL DEFAULT false,
			can_read boolean NOT NULL DEFAULT false,
			can_update boolean NOT NULL DEFAULT false,
			can_delete boolean NOT NULL DEFAULT false,
			is_member_auth boolean NOT NULL DEFAULT false,
			is_inherited boolean NOT NULL DEFAULT false,
			UNIQUE(object_pk, role_pk)
		);`,
		`CREATE TABLE IF NOT EXISTS ` + db.Schema + `.object_container (
			parent_pk bigint NOT NULL,
			_pk bigint NOT NULL,
			is_folder boolean NOT NULL DEFAULT false,
			PRIMARY KEY(parent_pk, _pk)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("access bootstrap: %w", err)
		}
	}
	return s, nil
}

// roleSetForUser returns every role _pk the user holds, transitively:
// direct role membership plus any role that is itself a member of
// another role (nested groups).
func (s *Service) roleSetForUser(ctx context.Context, userID string, directRoles []string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE held(role_pk) AS (
			SELECT r._pk FROM `+s.db.Schema+`.role r
			JOIN `+s.db.Schema+`.role_member m ON m.role_pk = r._pk
			WHERE m.member = $1 OR r.name = ANY($2)
			UNION
			SELECT r._pk FROM `+s.db.Schema+`.role r
			JOIN `+s.db.Schema+`.role_member m ON m.role_pk = r._pk
			JOIN held h ON m.member = (SELECT name FROM `+s.db.Schema+`.role WHERE _pk = h.role_pk)
		)
		SELECT role_pk FROM held;`, userID, pqStringArray(directRoles))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var pk int64
		if err := rows.Scan(&pk); err != nil {
			return nil, err
		}
		out = append(out, pk)
	}
	return out, rows.Err()
}

// RolePKs returns every role _pk auth holds, transitively — the set
// tools.BuildAuthSQL needs to compile a filtered list query's auth clause
// (spec.md §4.1).
func (s *Service) RolePKs(ctx context.Context, auth *Authorization) ([]int64, error) {
	if auth == nil {
		return nil, nil
	}
	return s.roleSetForUser(ctx, auth.UserID, auth.Roles)
}

// GrantedRoles returns every role _pk holding a direct grant on objectID,
// used to drive PropagateAuth's revocation walk when a folder is hard
// deleted (spec.md §9's open question resolution).
func (s *Service) GrantedRoles(ctx context.Context, objectID string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT a.role_pk FROM `+s.db.Schema+`."$auth" a
		JOIN `+s.db.Schema+`.object o ON o._pk = a.object_pk
		WHERE o.id = $1 AND NOT a.is_inherited;`, objectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var pk int64
		if err := rows.Scan(&pk); err != nil {
			return nil, err
		}
		out = append(out, pk)
	}
	return out, rows.Err()
}

// IsAuthorized implements spec.md §4.3's isAuthorized: canCreate checks
// the feather row's grants (and a folder member grant, if folder is
// supplied); the other three actions join the object's _pk through the
// grant table and the caller's role set. Direct grants beat inherited
// ones; among equals the most permissive wins; a super-user bypasses
// everything.
func (s *Service) IsAuthorized(ctx context.Context, auth *Authorization, req Request) (bool, error) {
	if auth != nil && auth.IsSuperUser {
		return true, nil
	}
	roles, err := s.roleSetForUser(ctx, req.UserID, roleNames(auth))
	if err != nil {
		return false, err
	}
	if len(roles) == 0 {
		return false, nil
	}

	if req.Action == CanCreate {
		ok, err := s.grantedOnFeather(ctx, req.Feather, roles)
		if err != nil || !ok {
			return ok, err
		}
		if req.FolderID == "" {
			return true, nil
		}
		return s.memberGrantOnObject(ctx, req.FolderID, roles)
	}

	col := actionColumn(req.Action)
	row := s.db.QueryRowContext(ctx, `
		SELECT bool_or(`+col+`)
		FROM `+s.db.Schema+`."$auth" a
		JOIN `+s.db.Schema+`.object o ON o._pk = a.object_pk
		WHERE o.id = $1 AND a.role_pk = ANY($2)
		AND a.is_inherited = (
			SELECT min(is_inherited::int)::boolean FROM `+s.db.Schema+`."$auth" a2
			JOIN `+s.db.Schema+`.object o2 ON o2._pk = a2.object_pk
			WHERE o2.id = $1 AND a2.role_pk = ANY($2)
		);`, req.ObjectID, pqInt64Array(roles))
	var granted *bool
	if err := row.Scan(&granted); err != nil {
		return false, err
	}
	return granted != nil && *granted, nil
}

func (s *Service) grantedOnFeather(ctx context.Context, feather string, roles []int64) (bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT bool_or(can_create)
		FROM `+s.db.Schema+`."$auth" a
		JOIN `+s.db.Schema+`."$feather" f ON f.name = $1
		WHERE a.object_pk = -f._pk AND a.role_pk = ANY($2);`, feather, pqInt64Array(roles))
	var granted *bool
	if err := row.Scan(&granted); err != nil {
		return false, err
	}
	return granted != nil && *granted, nil
}

func (s *Service) memberGrantOnObject(ctx context.Context, objectID string, roles []int64) (bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT bool_or(is_member_auth)
		FROM `+s.db.Schema+`."$auth" a
		JOIN `+s.db.Schema+`.object o ON o._pk = a.object_pk
		WHERE o.id = $1 AND a.role_pk = ANY($2);`, objectID, pqInt64Array(roles))
	var granted *bool
	if err := row.Scan(&granted); err != nil {
		return false, err
	}
	return granted != nil && *granted, nil
}

// SaveAuthorization upserts a grant for (model-or-id, role). Deleting the
// last action on a member grant deletes the row. Setting a member grant
// on a folder triggers PropagateAuth (spec.md §4.3).
func (s *Service) SaveAuthorization(ctx context.Context, objectPK, rolePK int64, isMember bool, actions map[Action]bool) error {
	can := func(a Action) bool { return actions[a] }
	if !can(CanCreate) && !can(CanRead) && !can(CanUpdate) && !can(CanDelete) && isMember {
		_, err := s.db.ExecContext(ctx, `DELETE FROM `+s.db.Schema+`."$auth" WHERE object_pk=$1 AND role_pk=$2;`, objectPK, rolePK)
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+s.db.Schema+`."$auth"(object_pk, role_pk, can_create, can_read, can_update, can_delete, is_member_auth, is_inherited)
		VALUES ($1,$2,$3,$4,$5,$6,$7,false)
		ON CONFLICT(object_pk, role_pk) DO UPDATE SET
			can_create=$3, can_read=$4, can_update=$5, can_delete=$6, is_member_auth=$7, is_inherited=false;`,
		objectPK, rolePK, can(CanCreate), can(CanRead), can(CanUpdate), can(CanDelete), isMember)
	if err != nil || !isMember {
		return err
	}
	return s.PropagateAuth(ctx, objectPK, rolePK, false)
}

// PropagateAuth recursively walks folder -> contained objects -> child
// folders, replacing inherited member grants for role, honoring any
// direct (non-inherited) grant as a stop marker. isDeleted=true revokes
// the propagated grants instead of (re)installing them — this is how a
// hard delete of a folder clears inherited access for everything it
// contained (spec.md §9 open question resolution).
func (s *Service) PropagateAuth(ctx context.Context, folderPK int64, rolePK int64, isDeleted bool) error {
	rlog := logger.FromContext(ctx)

	rows, err := s.db.QueryContext(ctx, `
		SELECT c._pk, c.is_folder FROM `+s.db.Schema+`.object_container c
		WHERE c.parent_pk = $1;`, folderPK)
	if err != nil {
		return err
	}
	type child struct {
		pk       int64
		isFolder bool
	}
	var children []child
	for rows.Next() {
		var c child
		if err := rows.Scan(&c.pk, &c.isFolder); err != nil {
			rows.Close()
			return err
		}
		children = append(children, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, c := range children {
		var hasDirect bool
		if err := s.db.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM `+s.db.Schema+`."$auth"
				WHERE object_pk=$1 AND role_pk=$2 AND is_member_auth AND NOT is_inherited);`,
			c.pk, rolePK).Scan(&hasDirect); err != nil {
			return err
		}
		if hasDirect {
			continue // direct grant is a stop marker
		}
		if isDeleted {
			if _, err := s.db.ExecContext(ctx, `
				DELETE FROM `+s.db.Schema+`."$auth" WHERE object_pk=$1 AND role_pk=$2 AND is_inherited;`,
				c.pk, rolePK); err != nil {
				return err
			}
		} else {
			if _, err := s.db.ExecContext(ctx, `
				INSERT INTO `+s.db.Schema+`."$auth"(object_pk, role_pk, can_read, is_member_auth, is_inherited)
				VALUES ($1,$2,true,true,true)
				ON CONFLICT(object_pk, role_pk) DO UPDATE SET is_member_auth=true, is_inherited=true;`,
				c.pk, rolePK); err != nil {
				return err
			}
		}
		if c.isFolder {
			if err := s.PropagateAuth(ctx, c.pk, rolePK, isDeleted); err != nil {
				return err
			}
		}
	}
	rlog.Debugf("propagated auth for role %d under folder %d (deleted=%v) to %d objects", rolePK, folderPK, isDeleted, len(children))
	return nil
}

func actionColumn(a Action) string {
	switch a {
	case CanRead:
		return "can_read"
	case CanUpdate:
		return "can_update"
	case CanDelete:
		return "can_delete"
	default:
		return "can_read"
	}
}

func roleNames(a *Authorization) []string {
	if a == nil {
		return nil
	}
	return a.Roles
}
