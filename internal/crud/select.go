package crud

import (
	"context"

	sq "github.com/Masterminds/squirrel"

	"github.com/featherbone/server/internal/access"
	"github.com/featherbone/server/internal/apperror"
	"github.com/featherbone/server/internal/catalog"
	"github.com/featherbone/server/internal/tools"
)

// DoSelect implements spec.md §4.6.2: a direct id lookup, or a filtered
// list. Both resolve through the same two-phase plan — tools.GetKeys
// compiles the filter/sort/auth clause down to a list of matching _pk
// values, then each is materialized with readByPK's decode, which is
// also what keeps relation/money decoding in one place with doInsert and
// doUpdate's own post-write reads.
func (e *Engine) DoSelect(ctx context.Context, req Request) (any, error) {
	feather, err := e.catalog.GetFeather(req.Name, true)
	if err != nil {
		return nil, err
	}
	if feather.IsChild && !req.IsChild && !req.IsSuperUser && req.ID != "" {
		return nil, apperror.BadRequest("%s is a child feather and cannot be selected directly", feather.Name)
	}

	var authClause sq.Sqlizer
	if !req.IsSuperUser {
		roles, err := e.access.RolePKs(ctx, req.Auth)
		if err != nil {
			return nil, err
		}
		if len(roles) == 0 {
			if req.ID != "" {
				return nil, apperror.NotFound("%s %q not found", feather.Name, req.ID)
			}
			return []map[string]any{}, nil
		}
		authClause = tools.BuildAuthSQL(e.db.Schema, access.CanRead, "t", roles)
	}

	resolve := func(name string) (*catalog.Feather, error) { return e.catalog.GetFeather(name, true) }

	if req.ID != "" {
		filter := tools.Filter{
			Criteria: []tools.Criterion{{Property: []string{"id"}, Operator: "=", Value: req.ID}},
			Limit:    1, HasLimit: true,
		}
		if !req.ShowDeleted {
			filter.Criteria = append(filter.Criteria, tools.Criterion{Property: []string{"isDeleted"}, Operator: "=", Value: false})
		}
		keys, err := tools.GetKeys(ctx, e.db, e.db.Schema, feather, filter, authClause, resolve)
		if err != nil {
			return nil, err
		}
		if len(keys) == 0 {
			return nil, apperror.NotFound("%s %q not found", feather.Name, req.ID)
		}
		obj, err := e.readByPK(ctx, req.Client, feather, keys[0])
		if err != nil {
			return nil, err
		}
		if err := e.maybeSubscribe(ctx, req, []string{req.ID}, feather.Name); err != nil {
			return nil, err
		}
		return obj, nil
	}

	filter := tools.Filter{
		Sort: make([]tools.SortTerm, len(req.Filter.Sort)),
		Offset: req.Filter.Offset, Limit: req.Filter.Limit, HasLimit: req.Filter.HasLimit,
	}
	for i, s := range req.Filter.Sort {
		filter.Sort[i] = tools.SortTerm{Property: s.Property, Order: s.Order}
	}
	for _, c := range req.Filter.Criteria {
		filter.Criteria = append(filter.Criteria, tools.Criterion{Property: c.Property, Operator: c.Operator, Value: c.Value})
	}
	if !req.ShowDeleted {
		filter.Criteria = append(filter.Criteria, tools.Criterion{Property: []string{"isDeleted"}, Operator: "=", Value: false})
	}

	keys, err := tools.GetKeys(ctx, e.db, e.db.Schema, feather, filter, authClause, resolve)
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0, len(keys))
	ids := make([]string, 0, len(keys))
	for _, pk := range keys {
		obj, err := e.readByPK(ctx, req.Client, feather, pk)
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
		if id, ok := obj["id"].(string); ok {
			ids = append(ids, id)
		}
	}
	if err := e.maybeSubscribe(ctx, req, ids, feather.Name); err != nil {
		return nil, err
	}
	return out, nil
}

// maybeSubscribe installs a subscription for the returned object(s) when
// the caller asked for one (spec.md §4.4's "select with subscribe").
func (e *Engine) maybeSubscribe(ctx context.Context, req Request, ids []string, feather string) error {
	if req.Subscription == nil {
		return nil
	}
	return e.events.Subscribe(ctx, req.Client, *req.Subscription, ids, feather, false)
}
