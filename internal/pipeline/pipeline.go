package pipeline

import (
	"context"
	"database/sql"

	"github.com/goccy/go-json"

	"github.com/featherbone/server/internal/access"
	"github.com/featherbone/server/internal/apperror"
	"github.com/featherbone/server/internal/catalog"
	"github.com/featherbone/server/internal/core"
	"github.com/featherbone/server/internal/crud"
	"github.com/featherbone/server/internal/csql"
	"github.com/featherbone/server/internal/events"
	"github.com/featherbone/server/internal/locks"
	"github.com/featherbone/server/internal/logger"
)

// Pipeline wires the catalog/access/crud/locks/events packages into the
// single request state machine spec.md §4.7 describes.
type Pipeline struct {
	db       *csql.DB
	catalog  *catalog.Catalog
	crud     *crud.Engine
	access   *access.Service
	locks    *locks.Service
	events   *events.Service
	triggers *Registry
}

// New wires a Pipeline to its collaborators.
func New(db *csql.DB, cat *catalog.Catalog, crudEngine *crud.Engine, acc *access.Service, lk *locks.Service, ev *events.Service, triggers *Registry) *Pipeline {
	return &Pipeline{db: db, catalog: cat, crud: crudEngine, access: acc, locks: lk, events: ev, triggers: triggers}
}

// Payload is what an HTTP handler (or a trigger calling back into the
// pipeline) builds to drive one request through the state machine.
type Payload struct {
	Feather      string
	Method       core.Method
	ID           string
	Data         map[string]any
	Patch        []byte
	Filter       crud.Filter
	ShowDeleted  bool
	IsHard       bool
	FolderID     string
	EventKey     string
	Subscription *events.Subscription
	SubscribeIDs []string
	Auth         *access.Authorization
	IsSuperUser  bool
	CurrentUser  string
	NodeID       string
}

type contextKey string

const txContextKey contextKey = "pipeline-tx"

type txState struct {
	client csql.Client
	tx     *sql.Tx
	depth  int
}

// Request executes one full pipeline cycle (spec.md §4.7). When called
// from inside a trigger (the context already carries a txState) it
// reuses that transaction and defers commit/notify to the outermost
// call — this is how a trigger's own writes end up in the same atomic
// unit as the request that fired it.
func (p *Pipeline) Request(ctx context.Context, payload Payload) (*crud.Result, error) {
	rlog := logger.FromContext(ctx)

	state, nested := ctx.Value(txContextKey).(*txState)
	var tx *sql.Tx
	if !nested {
		var err error
		tx, err = p.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, apperror.Internal("begin transaction: %v", err)
		}
		state = &txState{client: tx, tx: tx}
		ctx = context.WithValue(ctx, txContextKey, state)
	} else {
		state.depth++
		defer func() { state.depth-- }()
	}

	result, err := p.run(ctx, payload, state.client)
	if err != nil {
		if !nested {
			_ = tx.Rollback()
		}
		return nil, normalizeError(err)
	}

	if !nested {
		if err := tx.Commit(); err != nil {
			return nil, apperror.Internal("commit transaction: %v", err)
		}
		p.events.AfterCommit(ctx)
		rlog.Debugf("committed %s %s %s", payload.Method, payload.Feather, payload.ID)
	}
	return result, nil
}

// run performs upsert detection, the before trigger walk, CRUD dispatch,
// the after trigger walk, and (pre-commit) notification — everything
// that happens inside the shared transaction.
func (p *Pipeline) run(ctx context.Context, payload Payload, client csql.Client) (*crud.Result, error) {
	method := payload.Method
	id := payload.ID
	if id == "" {
		if v, ok := payload.Data["id"].(string); ok {
			id = v
		}
	}

	// Upsert detection (spec.md §4.7 step 2): a POST naming an id that
	// already exists is really a PATCH. Design decision: the data is
	// converted to a sequence of RFC-6902 "add" operations — "add" on an
	// existing member replaces it, so present keys (including explicit
	// null) are applied and absent keys leave the field untouched,
	// without a second merge-semantics code path in crud.
	if method == core.MethodPost && id != "" {
		exists, err := p.crud.Exists(ctx, client, payload.Feather, id)
		if err != nil {
			return nil, err
		}
		if exists {
			method = core.MethodPatch
			payload.Patch = mergePatchFromData(payload.Data)
		}
	}

	chain, err := p.catalog.InheritanceChain(payload.Feather)
	if err != nil {
		return nil, err
	}

	var old map[string]any
	if method == core.MethodPatch || method == core.MethodDelete {
		existing, err := p.crud.DoSelect(ctx, crud.Request{
			Client: client, Name: payload.Feather, ID: id,
			Auth: payload.Auth, IsSuperUser: true, ShowDeleted: true,
		})
		if err == nil {
			old, _ = existing.(map[string]any)
		}
	}

	newRec := payload.Data
	if err := p.walkTriggers(ctx, client, ancestorFirst(chain), method, core.Before, id, old, &newRec); err != nil {
		return nil, err
	}
	payload.Data = newRec

	req := crud.Request{
		Client: client, Name: payload.Feather, ID: id, Data: payload.Data,
		Patch: payload.Patch, FolderID: payload.FolderID, EventKey: payload.EventKey,
		IsHard: payload.IsHard, ShowDeleted: payload.ShowDeleted,
		Filter:       payload.Filter,
		Subscription: payload.Subscription, SubscribeIDs: payload.SubscribeIDs,
		Auth: payload.Auth, IsSuperUser: payload.IsSuperUser,
		CurrentUser: payload.CurrentUser, NodeID: payload.NodeID,
	}

	var result *crud.Result
	switch method {
	case core.MethodPost:
		result, err = p.crud.DoInsert(ctx, req)
	case core.MethodPatch:
		result, err = p.crud.DoUpdate(ctx, req)
	case core.MethodDelete:
		result, err = p.crud.DoDelete(ctx, req)
	case core.MethodGet:
		var selected any
		selected, err = p.crud.DoSelect(ctx, req)
		if err == nil {
			if obj, ok := selected.(map[string]any); ok {
				result = &crud.Result{Object: obj, Diff: []byte("[]")}
			} else {
				result = &crud.Result{Object: map[string]any{"items": selected}, Diff: []byte("[]")}
			}
		}
	default:
		return nil, apperror.BadRequest("unsupported method %q", method)
	}
	if err != nil {
		return nil, err
	}

	newRec = result.Object
	if err := p.walkTriggers(ctx, client, chain, method, core.After, id, old, &newRec); err != nil {
		return nil, err
	}
	result.Object = newRec

	if method != core.MethodGet {
		notifyID := id
		if notifyID == "" {
			if v, ok := result.Object["id"].(string); ok {
				notifyID = v
			}
		}
		if err := p.events.Notify(ctx, client, payload.Feather, notifyID, actionFor(method), result.Object); err != nil {
			return nil, err
		}
	}

	return result, nil
}

// walkTriggers runs every registered hook at position for each feather in
// chain, in the order given — ancestorFirst(chain) for Before, chain
// as-is (derived-first, the order catalog.InheritanceChain returns) for
// After (spec.md §4.7 step 4/10). A hook may replace *newRec; the
// replacement is visible to every later hook and, for Before, to the
// CRUD dispatch that follows the walk.
func (p *Pipeline) walkTriggers(ctx context.Context, client csql.Client, chain []*catalog.Feather, method core.Method, position core.TriggerPosition, id string, old map[string]any, newRec *map[string]any) error {
	for _, f := range chain {
		for _, fn := range p.triggers.lookup(f.Name, method, position) {
			evt := &Event{Feather: f.Name, Method: method, Position: position, ID: id, Old: old, New: *newRec, Client: client}
			if err := fn(ctx, evt); err != nil {
				return err
			}
			*newRec = evt.New
		}
	}
	return nil
}

// ancestorFirst reverses catalog.InheritanceChain's derived-first order,
// so a root feather's Before hooks (e.g. Object's audit stamping) run
// ahead of a derived feather's own Before hooks and can be overridden by
// them.
func ancestorFirst(chain []*catalog.Feather) []*catalog.Feather {
	out := make([]*catalog.Feather, len(chain))
	for i, f := range chain {
		out[len(chain)-1-i] = f
	}
	return out
}

func actionFor(method core.Method) events.Action {
	switch method {
	case core.MethodPost:
		return events.ActionCreate
	case core.MethodDelete:
		return events.ActionDelete
	default:
		return events.ActionUpdate
	}
}

// mergePatchFromData converts a flat data map into RFC-6902 "add"
// operations, one per top-level key (see the upsert-detection comment in
// run for why this is sufficient).
func mergePatchFromData(data map[string]any) []byte {
	type op struct {
		Op    string `json:"op"`
		Path  string `json:"path"`
		Value any    `json:"value"`
	}
	ops := make([]op, 0, len(data))
	for k, v := range data {
		if k == "id" {
			continue
		}
		ops = append(ops, op{Op: "add", Path: "/" + k, Value: v})
	}
	b, _ := json.Marshal(ops)
	return b
}

func normalizeError(err error) error {
	if _, ok := apperror.As(err); ok {
		return err
	}
	return apperror.Internal("%v", err)
}
