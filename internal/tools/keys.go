package tools

import (
	"context"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/featherbone/server/internal/apperror"
	"github.com/featherbone/server/internal/catalog"
	"github.com/featherbone/server/internal/csql"
)

func builder() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
}

// GetKey resolves a single object id to its _pk, honoring the same
// filter/auth machinery GetKeys uses (spec.md §4.1's getKey). Returns
// apperror.NotFound if no row matches or the caller is not authorized to
// read it.
func GetKey(ctx context.Context, db *csql.DB, schema string, feather *catalog.Feather, id string, authClause sq.Sqlizer) (int64, error) {
	keys, err := GetKeys(ctx, db, schema, feather, Filter{
		Criteria: []Criterion{{Property: []string{"id"}, Operator: "=", Value: id}},
		Limit:    1, HasLimit: true,
	}, authClause, nil)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, apperror.NotFound("%s %q not found", feather.Name, id)
	}
	return keys[0], nil
}

// GetKeys resolves a filter object (spec.md §6) against feather's table
// to the list of matching _pk values, honoring authClause (nil for a
// super-user request, who skips auth filtering entirely).
func GetKeys(ctx context.Context, db *csql.DB, schema string, feather *catalog.Feather, filter Filter, authClause sq.Sqlizer, resolve Resolver) ([]int64, error) {
	const baseAlias = "t"
	joins := map[string]string{}
	if resolve == nil {
		resolve = func(string) (*catalog.Feather, error) {
			return nil, apperror.BadRequest("multi-hop paths require a feather resolver")
		}
	}

	where, err := BuildWhere(filter.Criteria, feather, joins, baseAlias, resolve)
	if err != nil {
		return nil, err
	}
	order, err := ProcessSort(filter.Sort, feather, joins, baseAlias, resolve)
	if err != nil {
		return nil, err
	}

	q := builder().Select(baseAlias + "." + PKCol()).
		From(schema + "." + feather.TableName() + " " + baseAlias).
		Where(where).
		OrderBy(order)

	for _, j := range joins {
		q = q.JoinClause(j)
	}
	if authClause != nil {
		q = q.Where(authClause)
	}
	if filter.Offset > 0 {
		q = q.Offset(uint64(filter.Offset))
	}
	if filter.HasLimit {
		q = q.Limit(uint64(filter.Limit))
	}

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, sqlStr, args...)
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

// SplitDotted is a small helper used by callers that need to know
// whether a property path crosses a relation before calling ResolvePath.
func SplitDotted(path string) []string {
	return strings.Split(path, ".")
}
