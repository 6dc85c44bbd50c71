// Package crud implements the feather-generic create/read/update/delete
// operations of spec.md §4.6: doInsert, doSelect, doUpdate, doDelete.
// Each operation resolves its feather at request time from the catalog,
// rather than working against a static per-resource configuration the
// way the teacher's collection.go does — feathers are data here, saved
// and changed at any time, not wired into the router once at boot.
package crud

import (
	"github.com/featherbone/server/internal/access"
	"github.com/featherbone/server/internal/catalog"
	"github.com/featherbone/server/internal/csql"
	"github.com/featherbone/server/internal/events"
	"github.com/featherbone/server/internal/locks"
)

// Engine is the CRUD engine: one instance per server process, shared by
// every request.
type Engine struct {
	db      *csql.DB
	catalog *catalog.Catalog
	access  *access.Service
	locks   *locks.Service
	events  *events.Service
}

// New wires an Engine to its collaborators.
func New(db *csql.DB, cat *catalog.Catalog, acc *access.Service, lk *locks.Service, ev *events.Service) *Engine {
	return &Engine{db: db, catalog: cat, access: acc, locks: lk, events: ev}
}

// Request is the common payload shape spec.md §4.6 describes, shared by
// all four operations; isChild/isSuperUser steer recursion and
// authorization bypass.
type Request struct {
	Client      csql.Client
	Name        string
	ID          string
	Data        map[string]any
	Patch       []byte // RFC-6902 patch document, doUpdate only
	Filter      Filter
	ShowDeleted bool
	FolderID    string
	EventKey    string
	IsHard      bool

	Subscription *events.Subscription
	SubscribeIDs []string

	Auth        *access.Authorization
	IsChild     bool
	IsSuperUser bool
	CurrentUser string
	NodeID      string
}

// Filter mirrors tools.Filter so callers of the crud package don't need
// to import internal/tools directly for the common case of a plain
// id-based read; doSelect converts it internally.
type Filter struct {
	Criteria []FilterCriterion
	Sort     []FilterSort
	Offset   int
	Limit    int
	HasLimit bool
}

type FilterCriterion struct {
	Property []string
	Operator string
	Value    any
}

type FilterSort struct {
	Property string
	Order    string
}
