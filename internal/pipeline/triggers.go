// Package pipeline implements spec.md §4.7's request state machine:
// connection/transaction acquisition, upsert-to-PATCH detection, the
// before/after trigger walk across a feather's inheritance chain, CRUD
// dispatch, commit-only-at-the-outermost-call, and post-commit
// notification. It is the one piece that makes catalog, access, crud,
// locks and events function as a single system, the way
// core/backend/interceptors.go's intercept() and
// core/backend/notifications.go's commitWithNotification() make the
// teacher's collection handlers into one request/response cycle.
package pipeline

import (
	"context"
	"sync"

	"github.com/featherbone/server/internal/core"
	"github.com/featherbone/server/internal/csql"
)

// Event is what a registered trigger function receives: the object
// before and after the operation it is wrapped around, and the client to
// run further statements against — always the request's own transaction,
// never a fresh connection (spec.md §4.7 step 4/6).
type Event struct {
	Feather  string
	Method   core.Method
	Position core.TriggerPosition
	ID       string
	Old      map[string]any
	New      map[string]any
	Client   csql.Client
}

// TriggerFunc is a before/after hook. A non-nil error aborts the whole
// request and rolls back its transaction (spec.md §4.7 step 9/11).
type TriggerFunc func(ctx context.Context, evt *Event) error

// Registry holds every (feather, method, position) trigger installed at
// boot, generalizing interceptors.go's single resource(operation) map to
// spec.md §4.1's "more than one hook per position, walked up the
// inheritance chain" model.
type Registry struct {
	mu    sync.RWMutex
	hooks map[string][]TriggerFunc
}

// NewRegistry returns an empty trigger registry.
func NewRegistry() *Registry {
	return &Registry{hooks: map[string][]TriggerFunc{}}
}

// Register installs fn for feather/method/position. Multiple registrations
// for the same key run in registration order.
func (r *Registry) Register(feather string, method core.Method, position core.TriggerPosition, fn TriggerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := triggerKey(feather, method, position)
	r.hooks[key] = append(r.hooks[key], fn)
}

func (r *Registry) lookup(feather string, method core.Method, position core.TriggerPosition) []TriggerFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hooks[triggerKey(feather, method, position)]
}

func triggerKey(feather string, method core.Method, position core.TriggerPosition) string {
	return feather + "\x00" + string(method) + "\x00" + string(position)
}
