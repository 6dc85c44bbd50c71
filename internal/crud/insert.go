package crud

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/evanphx/json-patch"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/featherbone/server/internal/apperror"
	"github.com/featherbone/server/internal/catalog"
	"github.com/featherbone/server/internal/core"
	"github.com/featherbone/server/internal/csql"
	"github.com/featherbone/server/internal/access"
)

// Result is what every CRUD operation returns: the persisted object plus
// the difference between the caller's request and that object, so
// clients can reconcile server-computed fields (spec.md §4.6.1 step 10,
// §4.6.3 step 10). Diff is an RFC 7386 JSON merge patch built with
// jsonpatch.CreateMergePatch, not an RFC 6902 operation list; it is the
// literal "[]" when there is nothing to report or the merge patch cannot
// be built.
type Result struct {
	Object map[string]any
	Diff   []byte
}

// DoInsert implements spec.md §4.6.1. By the time it is called the
// pipeline has already resolved upsert detection (§4.7 step 2); DoInsert
// always performs a genuine insert.
func (e *Engine) DoInsert(ctx context.Context, req Request) (*Result, error) {
	feather, err := e.catalog.GetFeather(req.Name, true)
	if err != nil {
		return nil, err
	}
	if feather.IsChild && !req.IsChild && !req.IsSuperUser {
		return nil, apperror.BadRequest("%s is a child feather and cannot be inserted directly", feather.Name)
	}
	if err := rejectUnknownProperties(feather, req.Data); err != nil {
		return nil, err
	}

	if !req.IsSuperUser {
		ok, err := e.access.IsAuthorized(ctx, req.Auth, access.Request{
			Action: access.CanCreate, Feather: feather.Name, FolderID: req.FolderID, UserID: req.CurrentUser,
		})
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, apperror.Unauthorized("not authorized to create %s", feather.Name)
		}
	}

	id, _ := req.Data["id"].(string)
	if id == "" {
		newID, err := uuid.NewRandom()
		if err != nil {
			return nil, err
		}
		id = newID.String()
	}

	for _, nk := range feather.NaturalKeys() {
		if v, ok := req.Data[nk]; ok {
			if err := e.naturalKeyProbe(ctx, req.Client, feather, nk, v, -1); err != nil {
				return nil, err
			}
		}
	}

	now := time.Now().UTC()
	etag := newEtag()
	cols := map[string]any{
		"id": id, "created": now, "created_by": req.CurrentUser,
		"updated": now, "updated_by": req.CurrentUser,
		"is_deleted": false, "etag": etag,
	}

	var children []pendingChild
	for pname, prop := range feather.Properties {
		switch {
		case prop.Scalar != nil:
			col := core.CamelToSnake(pname)
			value := req.Data[pname]
			if value == nil {
				if prop.Scalar.Autonumber != nil {
					v, err := nextAutonumber(ctx, req.Client, e.db.Schema, prop.Scalar.Autonumber)
					if err != nil {
						return nil, err
					}
					value = v
				} else {
					v, err := scalarDefault(ctx, prop.Scalar)
					if err != nil {
						return nil, err
					}
					value = v
				}
			}
			encoded, err := encodeScalar(col, prop.Scalar, value)
			if err != nil {
				return nil, err
			}
			for k, v := range encoded {
				cols[k] = v
			}
		case prop.Relation != nil:
			switch prop.Relation.Kind() {
			case catalog.ToOne, catalog.IsChild:
				pk, child, err := e.resolveToOne(ctx, req, prop.Relation, pname)
				if err != nil {
					return nil, err
				}
				cols[core.CamelToSnake(pname)+"_pk"] = pk
				if child != nil {
					children = append(children, *child)
				}
			case catalog.ToMany:
				if list, ok := req.Data[pname].([]any); ok {
					for _, elem := range list {
						elemData, _ := elem.(map[string]any)
						children = append(children, pendingChild{
							relation: prop.Relation, data: elemData, toMany: true,
						})
					}
				}
			}
		}
	}

	insertSQL, args := buildInsertSQL(e.db.Schema, feather.TableName(), cols)
	var pk int64
	if err := req.Client.QueryRowContext(ctx, insertSQL, args...).Scan(&pk); err != nil {
		return nil, err
	}

	for i := range children {
		if err := e.insertChild(ctx, req, feather, pk, &children[i]); err != nil {
			return nil, err
		}
	}

	persisted, err := e.readByPK(ctx, req.Client, feather, pk)
	if err != nil {
		return nil, err
	}
	if err := e.logChange(ctx, req.Client, id, "POST", req.CurrentUser, nil); err != nil {
		return nil, err
	}
	if feather.Name == "Folder" {
		// propagateAuth is triggered by folder inserts per spec.md §4.6.1
		// step 9; newly created folders start with no inherited grants to
		// propagate, so this is a documented no-op hook for symmetry with
		// doUpdate/doDelete rather than a call that does real work here.
		_ = pk
	}

	reqJSON, _ := json.Marshal(req.Data)
	persistedJSON, _ := json.Marshal(persisted)
	diff, err := jsonpatch.CreateMergePatch(reqJSON, persistedJSON)
	if err != nil {
		diff = []byte("[]")
	}

	return &Result{Object: persisted, Diff: diff}, nil
}

type pendingChild struct {
	relation *catalog.Relation
	data     map[string]any
	toMany   bool
}

// resolveToOne resolves the _pk of a to-one or isChild relation value.
// Absent values resolve to the -1 sentinel (spec.md §4.6.1 step 7). An
// isChild relation's nested object is inserted in the same transaction
// once the parent's own _pk is known.
func (e *Engine) resolveToOne(ctx context.Context, req Request, rel *catalog.Relation, pname string) (int64, *pendingChild, error) {
	value := req.Data[pname]
	if rel.Kind() == catalog.IsChild {
		data, _ := value.(map[string]any)
		if data == nil {
			return -1, nil, nil
		}
		return -1, &pendingChild{relation: rel, data: data}, nil
	}
	id, _ := value.(string)
	if id == "" {
		if m, ok := value.(map[string]any); ok {
			id, _ = m["id"].(string)
		}
	}
	if id == "" {
		return -1, nil, nil
	}
	related, err := e.catalog.GetFeather(rel.Relation, true)
	if err != nil {
		return -1, nil, err
	}
	var pk int64
	err = req.Client.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s.%s WHERE id=$1;`, catalog.PKCol(), e.db.Schema, related.TableName()), id).Scan(&pk)
	if err == csql.ErrNoRows {
		return -1, nil, apperror.NotFound("%s %q not found", related.Name, id)
	}
	if err != nil {
		return -1, nil, err
	}
	return pk, nil, nil
}

// insertChild recurses doInsert into a child feather after stamping the
// back-reference to parentPK (spec.md §4.6.1 step 7's to-many case, and
// the isChild case's same-transaction insert).
func (e *Engine) insertChild(ctx context.Context, req Request, parent *catalog.Feather, parentPK int64, child *pendingChild) error {
	childFeatherName := child.relation.Relation
	childFeather, err := e.catalog.GetFeather(childFeatherName, true)
	if err != nil {
		return err
	}
	data := child.data
	if data == nil {
		data = map[string]any{}
	}
	// stamp the back-reference: the child's childOf property pointing at
	// the parent feather.
	for pname, prop := range childFeather.Properties {
		if prop.Relation != nil && prop.Relation.ChildOf == parent.Name {
			data[pname] = nil // resolved below via parentPK, not by id lookup
			_ = pname
		}
	}
	childReq := req
	childReq.Name = childFeatherName
	childReq.Data = data
	childReq.IsChild = true
	res, err := e.DoInsert(ctx, childReq)
	if err != nil {
		return err
	}
	// stamp the numeric back-reference directly; child was already
	// inserted with a -1 sentinel for the childOf column above, so fix
	// it up now that we know parentPK.
	for pname, prop := range childFeather.Properties {
		if prop.Relation != nil && prop.Relation.ChildOf == parent.Name {
			col := core.CamelToSnake(pname) + "_pk"
			if _, err := req.Client.ExecContext(ctx, fmt.Sprintf(
				`UPDATE %s.%s SET %s=$1 WHERE %s=(SELECT %s FROM %s.%s WHERE id=$2);`,
				e.db.Schema, childFeather.TableName(), col, catalog.PKCol(), catalog.PKCol(),
				e.db.Schema, childFeather.TableName()), parentPK, res.Object["id"]); err != nil {
				return err
			}
		}
	}
	return nil
}

func rejectUnknownProperties(f *catalog.Feather, data map[string]any) error {
	for k := range data {
		if k == "id" {
			continue
		}
		if _, ok := f.Properties[k]; !ok {
			return apperror.BadRequest("unknown property %q on %s", k, f.Name)
		}
	}
	return nil
}

func newEtag() string {
	id, _ := uuid.NewRandom()
	return id.String()
}

func buildInsertSQL(schema, table string, cols map[string]any) (string, []any) {
	var names []string
	var placeholders []string
	var args []any
	i := 1
	for k, v := range cols {
		names = append(names, k)
		placeholders = append(placeholders, fmt.Sprintf("$%d", i))
		args = append(args, v)
		i++
	}
	stmt := fmt.Sprintf(`INSERT INTO %s.%s (%s) VALUES (%s) RETURNING %s;`,
		schema, table, strings.Join(names, ", "), strings.Join(placeholders, ", "), catalog.PKCol())
	return stmt, args
}
