package crud

import (
	"context"
	"fmt"
	"time"

	"github.com/featherbone/server/internal/access"
	"github.com/featherbone/server/internal/apperror"
	"github.com/featherbone/server/internal/catalog"
	"github.com/featherbone/server/internal/core"
	"github.com/featherbone/server/internal/locks"
)

// DoDelete implements spec.md §4.6.4. Both kinds of delete first recurse
// into every parentOf/isChild child. A soft delete then flips is_deleted
// and leaves the row (and its history) in place; a hard delete removes
// the row outright. A
// hard-deleted Folder also revokes every grant it had propagated to its
// contents (spec.md §9).
func (e *Engine) DoDelete(ctx context.Context, req Request) (*Result, error) {
	feather, err := e.catalog.GetFeather(req.Name, true)
	if err != nil {
		return nil, err
	}
	pk, err := e.pkForID(ctx, req.Client, feather, req.ID)
	if err != nil {
		return nil, err
	}

	if !req.IsSuperUser {
		ok, err := e.access.IsAuthorized(ctx, req.Auth, access.Request{
			Action: access.CanDelete, Feather: feather.Name, ObjectID: req.ID, UserID: req.CurrentUser,
		})
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, apperror.Unauthorized("not authorized to delete %s %q", feather.Name, req.ID)
		}
	}

	old, err := e.readByPK(ctx, req.Client, feather, pk)
	if err != nil {
		return nil, err
	}
	if deleted, _ := old["isDeleted"].(bool); deleted {
		return nil, apperror.Conflict("%s %q is already deleted", feather.Name, req.ID)
	}
	if err := e.locks.CheckForWrite(ctx, req.Client, req.ID, req.EventKey); err != nil {
		return nil, err
	}

	for pname, rel := range feather.ChildRelations() {
		if err := e.cascadeDelete(ctx, req, feather, pk, pname, rel); err != nil {
			return nil, err
		}
	}

	if req.IsHard {
		if _, err := req.Client.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s.%s WHERE %s=$1;`,
			e.db.Schema, feather.TableName(), catalog.PKCol()), pk); err != nil {
			return nil, err
		}
		if feather.Name == "Folder" {
			roles, err := e.access.GrantedRoles(ctx, req.ID)
			if err != nil {
				return nil, err
			}
			for _, role := range roles {
				if err := e.access.PropagateAuth(ctx, pk, role, true); err != nil {
					return nil, err
				}
			}
		}
	} else {
		if _, err := req.Client.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s.%s SET is_deleted=true, updated=$1, updated_by=$2 WHERE %s=$3;`,
			e.db.Schema, feather.TableName(), catalog.PKCol()),
			time.Now().UTC(), req.CurrentUser, pk); err != nil {
			return nil, err
		}
	}

	if err := e.locks.Unlock(ctx, req.Client, locks.UnlockCriteria{ID: req.ID}); err != nil {
		return nil, err
	}
	if err := e.logChange(ctx, req.Client, req.ID, "DELETE", req.CurrentUser, nil); err != nil {
		return nil, err
	}

	return &Result{Object: old, Diff: []byte("[]")}, nil
}

// cascadeDelete recurses DoDelete into every row a parentOf/isChild
// relation owns, before the parent row itself is touched.
func (e *Engine) cascadeDelete(ctx context.Context, req Request, parent *catalog.Feather, parentPK int64, pname string, rel *catalog.Relation) error {
	child, err := e.catalog.GetFeather(rel.Relation, true)
	if err != nil {
		return err
	}
	switch rel.Kind() {
	case catalog.ToMany:
		refs, err := e.loadToMany(ctx, req.Client, parent, rel, parentPK)
		if err != nil {
			return err
		}
		for _, ref := range refs {
			id, _ := ref["id"].(string)
			childReq := req
			childReq.Name = child.Name
			childReq.ID = id
			childReq.IsChild = true
			if _, err := e.DoDelete(ctx, childReq); err != nil {
				return err
			}
		}
	case catalog.IsChild:
		var childPK int64
		err := req.Client.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s_pk FROM %s.%s WHERE %s=$1;`,
			core.CamelToSnake(pname), e.db.Schema, parent.TableName(), catalog.PKCol()), parentPK).Scan(&childPK)
		if err != nil || childPK <= 0 {
			return err
		}
		id, err := e.idForPK(ctx, req.Client, child, childPK)
		if err != nil || id == "" {
			return err
		}
		childReq := req
		childReq.Name = child.Name
		childReq.ID = id
		childReq.IsChild = true
		_, err = e.DoDelete(ctx, childReq)
		return err
	}
	return nil
}
