package crud

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/featherbone/server/internal/catalog"
	"github.com/featherbone/server/internal/core"
	"github.com/featherbone/server/internal/csql"
)

// genericScan reads the current row of rows into a map keyed by physical
// column name. Feather tables have a dynamic column set (every saved
// feather adds its own), so unlike the teacher's fixed-shape queries this
// package can't scan into typed struct fields.
func genericScan(rows *sql.Rows) (map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(cols))
	for i, c := range cols {
		out[c] = vals[i]
	}
	return out, nil
}

// readByPK loads feather's row at pk and decodes it into the logical,
// camelCase object shape clients see (spec.md §4.6.2's post-processing).
func (e *Engine) readByPK(ctx context.Context, client csql.Client, f *catalog.Feather, pk int64) (map[string]any, error) {
	cols := physicalColumns(f)
	row := client.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM %s.%s WHERE %s=$1;`,
		strings.Join(cols, ", "), e.db.Schema, f.TableName(), catalog.PKCol()), pk)
	raw, err := scanSingleRow(row, cols)
	if err != nil {
		return nil, err
	}
	return e.decode(ctx, client, f, raw)
}

// scanSingleRow adapts genericScan to the single-row *sql.Row API, given
// the explicit column list the row was SELECTed with (SELECT * is never
// used, since row order must match the requested column order exactly).
func scanSingleRow(row *sql.Row, cols []string) (map[string]any, error) {
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := row.Scan(ptrs...); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(cols))
	for i, c := range cols {
		out[c] = vals[i]
	}
	return out, nil
}

// physicalColumns enumerates the column names to select for f: the
// system columns first, in a fixed order, then one or more columns per
// declared property, in map iteration order.
func physicalColumns(f *catalog.Feather) []string {
	cols := []string{"_pk", "id", "created", "created_by", "updated", "updated_by",
		"is_deleted", "etag", "lock_username", "lock_acquired_at", "lock_node_id", "lock_event_key"}
	for pname, p := range f.Properties {
		col := core.CamelToSnake(pname)
		switch {
		case p.Scalar != nil && p.Scalar.Format == "money":
			cols = append(cols, col+"_amount", col+"_currency", col+"_effective", col+"_base_amount")
		case p.Scalar != nil:
			cols = append(cols, col)
		case p.Relation != nil && p.Relation.Kind() != catalog.ToMany:
			cols = append(cols, col+"_pk")
		}
	}
	return cols
}

// decode turns a raw physical-column row into the logical object shape:
// system fields camelCased, money composites assembled, relation _pk
// columns resolved to {id} references or (isChild) fully nested objects,
// and toMany relations populated from a child-table subquery (spec.md
// §4.6.2 steps 5-6).
func (e *Engine) decode(ctx context.Context, client csql.Client, f *catalog.Feather, raw map[string]any) (map[string]any, error) {
	out := map[string]any{
		"id":        raw["id"],
		"created":   raw["created"],
		"createdBy": raw["created_by"],
		"updated":   raw["updated"],
		"updatedBy": raw["updated_by"],
		"isDeleted": raw["is_deleted"],
		"etag":      raw["etag"],
	}
	if u, ok := raw["lock_username"]; ok && u != nil {
		out["lockUsername"] = u
	}

	var pk int64
	switch v := raw["_pk"].(type) {
	case int64:
		pk = v
	case int32:
		pk = int64(v)
	}

	for pname, p := range f.Properties {
		col := core.CamelToSnake(pname)
		switch {
		case p.Scalar != nil && p.Scalar.Format == "money":
			out[pname] = map[string]any{
				"amount":     raw[col+"_amount"],
				"currency":   raw[col+"_currency"],
				"effective":  raw[col+"_effective"],
				"baseAmount": raw[col+"_base_amount"],
			}
		case p.Scalar != nil && (p.Scalar.Type == "object" || p.Scalar.Type == "array"):
			out[pname] = decodeJSONColumn(raw[col])
		case p.Scalar != nil:
			out[pname] = raw[col]
		case p.Relation != nil && p.Relation.Kind() == catalog.ToMany:
			children, err := e.loadToMany(ctx, client, f, p.Relation, pk)
			if err != nil {
				return nil, err
			}
			out[pname] = children
		case p.Relation != nil:
			relPK, _ := raw[col+"_pk"].(int64)
			if relPK <= 0 {
				out[pname] = nil
				continue
			}
			related, err := e.catalog.GetFeather(p.Relation.Relation, true)
			if err != nil {
				return nil, err
			}
			if p.Relation.Kind() == catalog.IsChild {
				child, err := e.readByPK(ctx, client, related, relPK)
				if err != nil {
					return nil, err
				}
				out[pname] = child
			} else {
				id, err := e.idForPK(ctx, client, related, relPK)
				if err != nil {
					return nil, err
				}
				out[pname] = map[string]any{"id": id}
			}
		}
	}
	return out, nil
}

func decodeJSONColumn(v any) any {
	var raw []byte
	switch t := v.(type) {
	case []byte:
		raw = t
	case string:
		raw = []byte(t)
	default:
		return v
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return string(raw)
	}
	return out
}

func (e *Engine) idForPK(ctx context.Context, client csql.Client, f *catalog.Feather, pk int64) (string, error) {
	var id string
	err := client.QueryRowContext(ctx, fmt.Sprintf(`SELECT id FROM %s.%s WHERE %s=$1;`,
		e.db.Schema, f.TableName(), catalog.PKCol()), pk).Scan(&id)
	if err == csql.ErrNoRows {
		return "", nil
	}
	return id, err
}

// loadToMany fetches the ids of every child row whose childOf back
// reference points at parentPK, returning {id} references in the same
// shape as a to-one relation (spec.md §4.6.2 step 6).
func (e *Engine) loadToMany(ctx context.Context, client csql.Client, parent *catalog.Feather, rel *catalog.Relation, parentPK int64) ([]map[string]any, error) {
	if parentPK == 0 {
		return nil, nil
	}
	child, err := e.catalog.GetFeather(rel.Relation, true)
	if err != nil {
		return nil, err
	}
	backCol := ""
	for pname, p := range child.Properties {
		if p.Relation != nil && p.Relation.ChildOf == parent.Name {
			backCol = core.CamelToSnake(pname) + "_pk"
			break
		}
	}
	if backCol == "" {
		return nil, nil
	}
	rows, err := client.QueryContext(ctx, fmt.Sprintf(`SELECT id FROM %s.%s WHERE %s=$1 AND NOT is_deleted;`,
		e.db.Schema, child.TableName(), backCol), parentPK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []map[string]any
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, map[string]any{"id": id})
	}
	return out, rows.Err()
}

// Exists reports whether feather has a row with this id — the check the
// pipeline's upsert detection uses to decide whether an incoming POST is
// really a PATCH in disguise (spec.md §4.7 step 2).
func (e *Engine) Exists(ctx context.Context, client csql.Client, feather, id string) (bool, error) {
	f, err := e.catalog.GetFeather(feather, true)
	if err != nil {
		return false, err
	}
	var pk int64
	err = client.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM %s.%s WHERE id=$1;`,
		catalog.PKCol(), e.db.Schema, f.TableName()), id).Scan(&pk)
	if err == csql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// logChange appends a row to the change log (spec.md §3's change log
// entry shape). action is the triggering HTTP method.
func (e *Engine) logChange(ctx context.Context, client csql.Client, objectID, action, user string, change any) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return err
	}
	_, err = client.ExecContext(ctx, `
		INSERT INTO `+e.db.Schema+`.log(object_id, action, created_by, updated_by, change)
		VALUES ($1,$2,$3,$3,$4);`, objectID, action, user, string(payload))
	return err
}
