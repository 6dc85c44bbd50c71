package crud

import (
	"context"
	"fmt"
	"strings"
	"time"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/goccy/go-json"

	"github.com/featherbone/server/internal/access"
	"github.com/featherbone/server/internal/apperror"
	"github.com/featherbone/server/internal/catalog"
	"github.com/featherbone/server/internal/core"
	"github.com/featherbone/server/internal/csql"
	"github.com/featherbone/server/internal/locks"
)

// DoUpdate implements spec.md §4.6.3: apply an RFC-6902 patch to the
// persisted record inside the caller's transaction, reconcile the
// feather's columns against the result, and return the new record plus
// an RFC 7386 merge patch from what the patch asked for to what was
// actually persisted (server-computed fields can diverge from the literal
// patch).
func (e *Engine) DoUpdate(ctx context.Context, req Request) (*Result, error) {
	if len(req.Patch) == 0 || string(req.Patch) == "[]" {
		obj, err := e.readByID(ctx, req.Client, req.Name, req.ID)
		if err != nil {
			return nil, err
		}
		return &Result{Object: obj, Diff: []byte("[]")}, nil
	}

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
			Action: access.CanUpdate, Feather: feather.Name, ObjectID: req.ID, UserID: req.CurrentUser,
		})
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, apperror.Unauthorized("not authorized to update %s %q", feather.Name, req.ID)
		}
	}

	if err := e.locks.CheckForWrite(ctx, req.Client, req.ID, req.EventKey); err != nil {
		return nil, err
	}

	old, err := e.readByPK(ctx, req.Client, feather, pk)
	if err != nil {
		return nil, err
	}

	patch, err := jsonpatch.DecodePatch(req.Patch)
	if err != nil {
		return nil, apperror.BadRequest("invalid json patch: %v", err)
	}
	oldJSON, err := json.Marshal(old)
	if err != nil {
		return nil, err
	}
	newJSON, err := patch.Apply(oldJSON)
	if err != nil {
		return nil, apperror.BadRequest("json patch could not be applied: %v", err)
	}
	var newData map[string]any
	if err := json.Unmarshal(newJSON, &newData); err != nil {
		return nil, err
	}

	for pname, prop := range feather.Properties {
		if prop.Scalar != nil && prop.Scalar.IsRequired {
			if v, present := newData[pname]; present && v == nil {
				return nil, apperror.BadRequest("%s is required and cannot be cleared", pname)
			}
		}
	}

	for _, nk := range feather.NaturalKeys() {
		if v, ok := newData[nk]; ok && v != old[nk] {
			if err := e.naturalKeyProbe(ctx, req.Client, feather, nk, v, pk); err != nil {
				return nil, err
			}
		}
	}

	cols := map[string]any{"updated": time.Now().UTC(), "updated_by": req.CurrentUser, "etag": newEtag()}
	var children []pendingChild

	for pname, prop := range feather.Properties {
		newVal, present := newData[pname]
		if !present {
			continue // absent in the patched document: leave unchanged
		}
		oldVal := old[pname]
		switch {
		case prop.Scalar != nil:
			if equalValue(newVal, oldVal) {
				continue
			}
			col := core.CamelToSnake(pname)
			encoded, err := encodeScalar(col, prop.Scalar, newVal)
			if err != nil {
				return nil, err
			}
			for k, v := range encoded {
				cols[k] = v
			}
		case prop.Relation != nil:
			switch prop.Relation.Kind() {
			case catalog.ToOne:
				if equalValue(newVal, oldVal) {
					continue
				}
				fakeReq := req
				fakeReq.Data = map[string]any{pname: newVal}
				newPK, _, err := e.resolveToOne(ctx, fakeReq, prop.Relation, pname)
				if err != nil {
					return nil, err
				}
				cols[core.CamelToSnake(pname)+"_pk"] = newPK
			case catalog.IsChild:
				data, _ := newVal.(map[string]any)
				if data == nil {
					continue
				}
				childPK, _ := oldVal.(map[string]any)
				_ = childPK
				children = append(children, pendingChild{relation: prop.Relation, data: data})
			case catalog.ToMany:
				// to-many lists are not reconciled here: children missing
				// from the patched list are not deleted, changed ones are
				// not patched, and new ones are not inserted. Child rows
				// change only through their own feather's requests.
			}
		}
	}

	if len(cols) > 0 {
		setSQL, args := buildUpdateSQL(cols, pk)
		stmt := fmt.Sprintf(`UPDATE %s.%s SET %s WHERE %s=$%d;`,
			e.db.Schema, feather.TableName(), setSQL, catalog.PKCol(), len(args))
		if _, err := req.Client.ExecContext(ctx, stmt, args...); err != nil {
			return nil, err
		}
	}
	for i := range children {
		if err := e.updateIsChild(ctx, req, feather, pk, &children[i]); err != nil {
			return nil, err
		}
	}

	if err := e.locks.Unlock(ctx, req.Client, unlockAfterWrite(req)); err != nil {
		return nil, err
	}

	persisted, err := e.readByPK(ctx, req.Client, feather, pk)
	if err != nil {
		return nil, err
	}
	if err := e.logChange(ctx, req.Client, req.ID, "PATCH", req.CurrentUser, req.Patch); err != nil {
		return nil, err
	}

	persistedJSON, _ := json.Marshal(persisted)
	diff, err := jsonpatch.CreateMergePatch(newJSON, persistedJSON)
	if err != nil {
		diff = []byte("[]")
	}
	return &Result{Object: persisted, Diff: diff}, nil
}

// updateIsChild reconciles an isChild composite property: if the child
// already exists (has an id matching the current _pk's value) the nested
// data is patched in place via a fresh DoUpdate; otherwise a new child is
// inserted and the parent's _pk column is stamped to point at it.
func (e *Engine) updateIsChild(ctx context.Context, req Request, parent *catalog.Feather, parentPK int64, child *pendingChild) error {
	childFeather, err := e.catalog.GetFeather(child.relation.Relation, true)
	if err != nil {
		return err
	}
	id, _ := child.data["id"].(string)
	if id != "" {
		if _, err := e.pkForID(ctx, req.Client, childFeather, id); err == nil {
			patchDoc, _ := json.Marshal([]map[string]any{{"op": "replace", "path": "/", "value": child.data}})
			childReq := req
			childReq.Name = childFeather.Name
			childReq.ID = id
			childReq.Patch = patchDoc
			_, err := e.DoUpdate(ctx, childReq)
			return err
		}
	}
	childReq := req
	childReq.Name = childFeather.Name
	childReq.Data = child.data
	childReq.IsChild = true
	result, err := e.insertChildReturningPK(ctx, childReq, childFeather)
	if err != nil {
		return err
	}
	col := core.CamelToSnake(findPropertyName(parent, child.relation)) + "_pk"
	_, err = req.Client.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s.%s SET %s=$1 WHERE %s=$2;`, e.db.Schema, parent.TableName(), col, catalog.PKCol()),
		result, parentPK)
	return err
}

func findPropertyName(f *catalog.Feather, rel *catalog.Relation) string {
	for name, p := range f.Properties {
		if p.Relation == rel {
			return name
		}
	}
	return ""
}

func (e *Engine) insertChildReturningPK(ctx context.Context, req Request, f *catalog.Feather) (int64, error) {
	res, err := e.DoInsert(ctx, req)
	if err != nil {
		return 0, err
	}
	return e.pkForID(ctx, req.Client, f, res.Object["id"].(string))
}

// pkForID resolves id to its internal surrogate key, or apperror.NotFound.
func (e *Engine) pkForID(ctx context.Context, client csql.Client, feather *catalog.Feather, id string) (int64, error) {
	var pk int64
	err := client.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM %s.%s WHERE id=$1;`,
		catalog.PKCol(), e.db.Schema, feather.TableName()), id).Scan(&pk)
	if err == csql.ErrNoRows {
		return 0, apperror.NotFound("%s %q not found", feather.Name, id)
	}
	return pk, err
}

// readByID is a convenience wrapper for the empty-patch no-op path.
func (e *Engine) readByID(ctx context.Context, client csql.Client, feather, id string) (map[string]any, error) {
	f, err := e.catalog.GetFeather(feather, true)
	if err != nil {
		return nil, err
	}
	pk, err := e.pkForID(ctx, client, f, id)
	if err != nil {
		return nil, err
	}
	return e.readByPK(ctx, client, f, pk)
}

func equalValue(a, b any) bool {
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	return string(aj) == string(bj)
}

func unlockAfterWrite(req Request) locks.UnlockCriteria {
	return locks.UnlockCriteria{ID: req.ID, EventKey: req.EventKey}
}

func buildUpdateSQL(cols map[string]any, pk int64) (string, []any) {
	var parts []string
	var args []any
	i := 1
	for k, v := range cols {
		parts = append(parts, fmt.Sprintf("%s=$%d", k, i))
		args = append(args, v)
		i++
	}
	args = append(args, pk)
	return strings.Join(parts, ", "), args
}
