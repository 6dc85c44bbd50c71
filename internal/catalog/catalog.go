package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-json"

	"github.com/featherbone/server/internal/apperror"
	"github.com/featherbone/server/internal/core"
	"github.com/featherbone/server/internal/csql"
	"github.com/featherbone/server/internal/logger"
	"github.com/featherbone/server/internal/registry"
)

// formatDefault pairs a scalar format's physical column type with the
// literal Go value (or "name()" function reference, resolved later by
// the CRUD engine) used when no default is supplied. Mirrors spec.md
// §4.1's `formats`/`types` tables.
type formatDefault struct {
	dbType  string
	Literal any
}

// Formats maps a scalar format keyword to its physical column type and
// default. Bare scalar "type" keywords (string, integer, ...) fall back
// to Types below when no format refines them.
var Formats = map[string]formatDefault{
	"dateTime": {"timestamptz", "now()"},
	"date":     {"date", nil},
	"money":    {"jsonb", "money()"},
	"color":    {"varchar", nil},
	"email":    {"varchar", nil},
	"url":      {"varchar", nil},
}

// Types maps a scalar "type" keyword to its physical column type and
// zero-value default.
var Types = map[string]formatDefault{
	"string":  {"varchar", ""},
	"text":    {"text", ""},
	"integer": {"bigint", 0},
	"number":  {"double precision", 0},
	"boolean": {"boolean", false},
	"object":  {"jsonb", nil},
	"array":   {"jsonb", nil},
}

// PKCol is the name of the internal surrogate primary key column, never
// exposed to callers (spec.md §3).
func PKCol() string { return "_pk" }

// Catalog is the live, process-wide view of every saved feather. It
// caches the inheritance-merged descriptor for each feather so the
// pipeline doesn't have to re-walk the inheritance chain on every
// request (Design Notes §9).
type Catalog struct {
	db       *csql.DB
	registry registry.Accessor

	mu       sync.RWMutex
	feathers map[string]*Feather // raw, as last saved (not merged)
	merged   map[string]*Feather // includeInherited=true cache
}

// New wires a Catalog to db, creating the system tables it needs on
// first boot (object, $feather) and seeding the root Object feather.
func New(db *csql.DB, reg *registry.Registry) (*Catalog, error) {
	c := &Catalog{
		db:       db,
		registry: reg.Accessor("catalog"),
		feathers: map[string]*Feather{},
		merged:   map[string]*Feather{},
	}
	if err := c.bootstrap(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) bootstrap() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + c.db.Schema + `.object (
			_pk bigserial,
			id varchar NOT NULL,
			created timestamptz NOT NULL DEFAULT now(),
			created_by varchar NOT NULL DEFAULT '',
			updated timestamptz NOT NULL DEFAULT now(),
			updated_by varchar NOT NULL DEFAULT '',
			is_deleted boolean NOT NULL DEFAULT false,
			etag varchar NOT NULL DEFAULT '',
			lock_username varchar,
			lock_acquired_at timestamptz,
			lock_node_id varchar,
			lock_event_key varchar,
			PRIMARY KEY(_pk),
			UNIQUE(id)
		);`,
		`CREATE TABLE IF NOT EXISTS ` + c.db.Schema + `."$feather" (
			name varchar NOT NULL PRIMARY KEY,
			definition jsonb NOT NULL,
			updated timestamptz NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS ` + c.db.Schema + `.log (
			_pk bigserial PRIMARY KEY,
			object_id varchar NOT NULL,
			action varchar NOT NULL,
			created timestamptz NOT NULL DEFAULT now(),
			created_by varchar NOT NULL DEFAULT '',
			updated timestamptz NOT NULL DEFAULT now(),
			updated_by varchar NOT NULL DEFAULT '',
			change jsonb NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := c.db.Exec(s); err != nil {
			return fmt.Errorf("catalog bootstrap: %w", err)
		}
	}
	c.feathers[ObjectFeather] = &Feather{Name: ObjectFeather, IsSystem: true, Properties: map[string]Property{}}
	return c.loadAll()
}

func (c *Catalog) loadAll() error {
	rows, err := c.db.Query(`SELECT definition FROM ` + c.db.Schema + `."$feather";`)
	if err != nil {
		return err
	}
	defer rows.Close()
	c.mu.Lock()
	defer c.mu.Unlock()
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return err
		}
		var f Feather
		if err := json.Unmarshal(raw, &f); err != nil {
			return err
		}
		c.feathers[f.Name] = &f
	}
	return rows.Err()
}

// GetFeather returns the feather named name. When includeInherited is
// true (the default per spec.md §4.2) the returned descriptor has every
// ancestor's properties merged in parent-to-child order, with
// InheritedFrom set on exactly the ones the child did not override.
func (c *Catalog) GetFeather(name string, includeInherited bool) (*Feather, error) {
	c.mu.RLock()
	raw, ok := c.feathers[name]
	c.mu.RUnlock()
	if !ok {
		return nil, apperror.NotFound("feather %q is not registered", name)
	}
	if !includeInherited {
		return cloneFeather(raw), nil
	}

	c.mu.RLock()
	if m, ok := c.merged[name]; ok {
		c.mu.RUnlock()
		return cloneFeather(m), nil
	}
	c.mu.RUnlock()

	chain, err := c.inheritanceChain(name)
	if err != nil {
		return nil, err
	}
	merged := &Feather{
		Name:             raw.Name,
		Plural:           raw.Plural,
		Inherits:         raw.Inherits,
		IsChild:          raw.IsChild,
		IsSystem:         raw.IsSystem,
		IsReadOnly:       raw.IsReadOnly,
		IsFetchOnStartup: raw.IsFetchOnStartup,
		Properties:       map[string]Property{},
	}
	// chain is ordered child -> ... -> Object; walk it in reverse so
	// ancestors are merged in first, then overridden by descendants.
	for i := len(chain) - 1; i >= 0; i-- {
		ancestor := chain[i]
		isSelf := ancestor.Name == name
		for pname, p := range ancestor.Properties {
			np := p
			if !isSelf {
				np = withInheritedFrom(p, ancestor.Name)
			} else if _, already := merged.Properties[pname]; already {
				// child redeclaration: override, clear inheritedFrom
				np = withInheritedFrom(p, "")
			}
			merged.Properties[pname] = np
		}
	}

	c.mu.Lock()
	c.merged[name] = merged
	c.mu.Unlock()
	return cloneFeather(merged), nil
}

// ResolveRoute maps an HTTP path segment (spinal-case, singular or
// plural) back to the feather it names, per spec.md §6's
// {featherSpinal}/{featherPluralSpinal} route table. It returns the
// matched feather and whether segment was its plural form.
func (c *Catalog) ResolveRoute(segment string) (*Feather, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, f := range c.feathers {
		if f.SpinalName() == segment {
			return cloneFeather(f), false, nil
		}
		if core.PascalToSpinal(f.PluralName()) == segment {
			return cloneFeather(f), true, nil
		}
	}
	return nil, false, apperror.NotFound("no feather matches route segment %q", segment)
}

// ListFeathers returns every registered feather's raw (non-merged)
// descriptor, sorted by name, for the /module(s) listing (spec.md §6).
func (c *Catalog) ListFeathers() []*Feather {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Feather, 0, len(c.feathers))
	for _, f := range c.feathers {
		out = append(out, cloneFeather(f))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// inheritanceChain returns [feather, parent, grandparent, ..., Object].
func (c *Catalog) inheritanceChain(name string) ([]*Feather, error) {
	var chain []*Feather
	seen := map[string]bool{}
	cur := name
	for cur != "" {
		if seen[cur] {
			return nil, apperror.Internal("inheritance cycle detected at %q", cur)
		}
		seen[cur] = true
		c.mu.RLock()
		f, ok := c.feathers[cur]
		c.mu.RUnlock()
		if !ok {
			return nil, apperror.NotFound("feather %q is not registered", cur)
		}
		chain = append(chain, f)
		if cur == ObjectFeather {
			break
		}
		cur = f.Inherits
		if cur == "" {
			cur = ObjectFeather
		}
	}
	return chain, nil
}

// InheritanceChain exposes the ancestor walk (feather-first) for the
// trigger pipeline's before/after walk (spec.md §4.7).
func (c *Catalog) InheritanceChain(name string) ([]*Feather, error) {
	return c.inheritanceChain(name)
}

func withInheritedFrom(p Property, from string) Property {
	switch {
	case p.Scalar != nil:
		s := *p.Scalar
		s.InheritedFrom = from
		return Property{Scalar: &s}
	case p.Relation != nil:
		r := *p.Relation
		r.InheritedFrom = from
		return Property{Relation: &r}
	}
	return p
}

func cloneFeather(f *Feather) *Feather {
	out := &Feather{
		Name: f.Name, Plural: f.Plural, Inherits: f.Inherits,
		IsChild: f.IsChild, IsSystem: f.IsSystem, IsReadOnly: f.IsReadOnly,
		IsFetchOnStartup: f.IsFetchOnStartup,
		Properties:       map[string]Property{},
	}
	for k, v := range f.Properties {
		out.Properties[k] = v
	}
	return out
}

// SaveFeather registers spec, creating its table on first save or
// diff-altering it on subsequent saves (spec.md §4.2). It is idempotent:
// saving an identical spec twice is a no-op past the first call.
func (c *Catalog) SaveFeather(ctx context.Context, spec *Feather) error {
	rlog := logger.FromContext(ctx)
	if spec.Name == "" {
		return apperror.BadRequest("feather name is required")
	}
	if spec.Inherits == "" {
		spec.Inherits = ObjectFeather
	}

	if err := c.lockForDDL(ctx); err != nil {
		return err
	}
	defer c.unlockForDDL(ctx)

	c.mu.RLock()
	existing, existed := c.feathers[spec.Name]
	c.mu.RUnlock()

	if err := c.injectParentOf(spec); err != nil {
		return err
	}

	if !existed {
		if err := c.createTable(ctx, spec); err != nil {
			return err
		}
	} else {
		if err := c.diffAlterTable(ctx, existing, spec); err != nil {
			return err
		}
	}

	raw, err := json.Marshal(spec)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO `+c.db.Schema+`."$feather"(name, definition, updated)
		VALUES ($1, $2, now())
		ON CONFLICT(name) DO UPDATE SET definition=$2, updated=now();`,
		spec.Name, string(raw))
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.feathers[spec.Name] = cloneFeather(spec)
	c.merged = map[string]*Feather{} // invalidate every cached merge
	c.mu.Unlock()

	rlog.Infof("saved feather %s (table %s)", spec.Name, spec.TableName())
	return nil
}

// injectParentOf walks spec's childOf relations and makes sure the
// referenced parent feather carries a matching parentOf descriptor,
// per spec.md §4.2. It is an error for two properties to claim the same
// parentOf slot on the parent.
func (c *Catalog) injectParentOf(spec *Feather) error {
	for pname, p := range spec.Properties {
		if p.Relation == nil || p.Relation.ChildOf == "" {
			continue
		}
		parentName := p.Relation.ChildOf
		c.mu.RLock()
		parent, ok := c.feathers[parentName]
		c.mu.RUnlock()
		if !ok {
			return apperror.BadRequest("childOf %q refers to an unknown feather", parentName)
		}
		slot := p.Relation.ParentOf
		if slot == "" {
			slot = core.Plural(lowerFirst(spec.Name))
		}
		for existingName, existingProp := range parent.Properties {
			if existingProp.Relation != nil && existingProp.Relation.ParentOf == slot && existingName != slot {
				return apperror.BadRequest("two properties claim the parentOf slot %q on %s", slot, parentName)
			}
		}
		parent.Properties[slot] = Property{Relation: &Relation{
			Relation: spec.Name,
			ParentOf: spec.Name,
		}}
		_ = pname
	}
	return nil
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

func (c *Catalog) createTable(ctx context.Context, f *Feather) error {
	var cols []string
	for pname, p := range f.Properties {
		cols = append(cols, columnDefinitions(pname, p)...)
	}
	sort.Strings(cols)
	inheritsTable := "object"
	if f.Inherits != "" && f.Inherits != ObjectFeather {
		inheritsTable = core.PascalToSnake(f.Inherits)
	}
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (%s) INHERITS (%s.%s);`,
		c.db.Schema, f.TableName(), strings.Join(cols, ", "), c.db.Schema, inheritsTable)
	if len(cols) == 0 {
		stmt = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s () INHERITS (%s.%s);`,
			c.db.Schema, f.TableName(), c.db.Schema, inheritsTable)
	}
	_, err := c.db.ExecContext(ctx, stmt)
	return err
}

func columnDefinitions(name string, p Property) []string {
	col := core.CamelToSnake(name)
	switch {
	case p.Scalar != nil:
		return scalarColumns(col, p.Scalar)
	case p.Relation != nil && p.Relation.Kind() != ToMany:
		// to-one / isChild relations store the referenced _pk.
		return []string{fmt.Sprintf("%s_pk bigint NOT NULL DEFAULT -1", col)}
	default:
		return nil // toMany relations are virtual, no column
	}
}

func scalarColumns(col string, s *Scalar) []string {
	if s.Format == "money" {
		return []string{
			fmt.Sprintf("%s_amount bigint NOT NULL DEFAULT 0", col),
			fmt.Sprintf("%s_currency varchar NOT NULL DEFAULT ''", col),
			fmt.Sprintf("%s_effective date", col),
			fmt.Sprintf("%s_base_amount bigint", col),
		}
	}
	dbType := "varchar"
	if fd, ok := Formats[s.Format]; ok {
		dbType = fd.dbType
	} else if fd, ok := Types[s.Type]; ok {
		dbType = fd.dbType
	}
	if s.Autonumber != nil {
		dbType = "varchar"
	}
	notNull := ""
	if s.IsRequired {
		notNull = " NOT NULL"
	}
	return []string{fmt.Sprintf("%s %s%s", col, dbType, notNull)}
}

// diffAlterTable drops columns missing from spec (unless they are
// parentOf markers, re-injected from old), adds new columns, per
// spec.md §4.2.
func (c *Catalog) diffAlterTable(ctx context.Context, old, spec *Feather) error {
	for pname, p := range old.Properties {
		if p.Relation != nil && p.Relation.Kind() == ToMany {
			if _, stillThere := spec.Properties[pname]; !stillThere {
				spec.Properties[pname] = p // parentOf markers survive a save that omits them
			}
			continue
		}
		if _, stillThere := spec.Properties[pname]; !stillThere {
			col := core.CamelToSnake(pname)
			for _, dropCol := range dropColumnNames(col, p) {
				stmt := fmt.Sprintf(`ALTER TABLE %s.%s DROP COLUMN IF EXISTS %s;`, c.db.Schema, old.TableName(), dropCol)
				if _, err := c.db.ExecContext(ctx, stmt); err != nil {
					return err
				}
			}
		}
	}
	for pname, p := range spec.Properties {
		if _, already := old.Properties[pname]; already {
			continue
		}
		for _, def := range columnDefinitions(pname, p) {
			stmt := fmt.Sprintf(`ALTER TABLE %s.%s ADD COLUMN IF NOT EXISTS %s;`, c.db.Schema, spec.TableName(), def)
			if _, err := c.db.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
	}
	return nil
}

func dropColumnNames(col string, p Property) []string {
	if p.Scalar != nil && p.Scalar.Format == "money" {
		return []string{col + "_amount", col + "_currency", col + "_effective", col + "_base_amount"}
	}
	if p.Relation != nil && p.Relation.Kind() != ToMany {
		return []string{col + "_pk"}
	}
	return nil
}

// DeleteFeather drops the feather's table and catalog row, and rebuilds
// any parent feather whose parentOf pointed at it (spec.md §4.2).
func (c *Catalog) DeleteFeather(ctx context.Context, name string) error {
	if err := c.lockForDDL(ctx); err != nil {
		return err
	}
	defer c.unlockForDDL(ctx)

	c.mu.RLock()
	f, ok := c.feathers[name]
	c.mu.RUnlock()
	if !ok {
		return apperror.NotFound("feather %q is not registered", name)
	}

	if _, err := c.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s.%s;`, c.db.Schema, f.TableName())); err != nil {
		return err
	}
	if _, err := c.db.ExecContext(ctx, `DELETE FROM `+c.db.Schema+`."$feather" WHERE name=$1;`, name); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.feathers, name)
	for _, parent := range c.feathers {
		for pname, p := range parent.Properties {
			if p.Relation != nil && p.Relation.ParentOf == name {
				delete(parent.Properties, pname)
			}
		}
	}
	c.merged = map[string]*Feather{}
	c.mu.Unlock()
	return nil
}

// lockForDDL/unlockForDDL wrap DDL synthesis in a Postgres advisory lock
// so concurrent server instances never race to ALTER the same table
// (SUPPLEMENTED FEATURES in SPEC_FULL.md).
func (c *Catalog) lockForDDL(ctx context.Context) error {
	const ddlAdvisoryLockID = 0x6665617468 // "feath" in hex, arbitrary but stable
	_, err := c.db.ExecContext(ctx, `SELECT pg_advisory_lock($1);`, ddlAdvisoryLockID)
	return err
}

func (c *Catalog) unlockForDDL(ctx context.Context) {
	const ddlAdvisoryLockID = 0x6665617468
	_, _ = c.db.ExecContext(ctx, `SELECT pg_advisory_unlock($1);`, ddlAdvisoryLockID)
}
