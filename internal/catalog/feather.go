// Package catalog holds feather definitions — schema as data — and
// synthesizes the physical DDL (tables, columns, composite money columns)
// a feather needs when it is saved.
package catalog

import (
	"github.com/goccy/go-json"

	"github.com/featherbone/server/internal/core"
)

// RelationKind distinguishes the three shapes a Relation property can
// take, per spec.md §3's sum-type guidance (Design Notes §9): rather than
// overload a single map with an ambiguous "type" field, relation
// properties carry one of these kinds explicitly.
type RelationKind string

const (
	ToOne   RelationKind = "toOne"
	ToMany  RelationKind = "toMany"
	IsChild RelationKind = "isChild"
)

// Autonumber describes a sequence-backed formatted counter property.
type Autonumber struct {
	Prefix   string `json:"prefix,omitempty"`
	Suffix   string `json:"suffix,omitempty"`
	Length   int    `json:"length,omitempty"`
	Sequence string `json:"sequence"`
}

// Scalar is a leaf property descriptor: a value stored directly in the
// feather's own table column.
type Scalar struct {
	Type          string      `json:"type"`
	Format        string      `json:"format,omitempty"`
	Description   string      `json:"description,omitempty"`
	Default       any         `json:"default,omitempty"`
	IsRequired    bool        `json:"isRequired,omitempty"`
	IsUnique      bool        `json:"isUnique,omitempty"`
	IsNaturalKey  bool        `json:"isNaturalKey,omitempty"`
	IsReadOnly    bool        `json:"isReadOnly,omitempty"`
	Autonumber    *Autonumber `json:"autonumber,omitempty"`
	Precision     int         `json:"precision,omitempty"`
	Scale         int         `json:"scale,omitempty"`
	Alias         string      `json:"alias,omitempty"`
	InheritedFrom string      `json:"inheritedFrom,omitempty"`
}

// Relation is a property descriptor pointing at another feather.
type Relation struct {
	Relation      string   `json:"relation"`
	Properties    []string `json:"properties,omitempty"`
	ChildOf       string   `json:"childOf,omitempty"`
	ParentOf      string   `json:"parentOf,omitempty"`
	IsChild       bool     `json:"isChild,omitempty"`
	InheritedFrom string   `json:"inheritedFrom,omitempty"`
}

// Kind reports which of the three relation shapes this descriptor is.
func (r *Relation) Kind() RelationKind {
	switch {
	case r.IsChild:
		return IsChild
	case r.ParentOf != "":
		return ToMany
	default:
		return ToOne
	}
}

// Property is the sum type `Scalar{...} | Relation{...}` spec.md §3
// describes: exactly one of Scalar or Relation is set.
type Property struct {
	Scalar   *Scalar   `json:"-"`
	Relation *Relation `json:"-"`
}

// IsRelation reports whether this property references another feather.
func (p Property) IsRelation() bool { return p.Relation != nil }

// MarshalJSON flattens the Scalar|Relation sum type into the single
// property object spec.md §3 describes — a relation property is
// distinguished by carrying a "relation" key, a scalar by carrying "type".
func (p Property) MarshalJSON() ([]byte, error) {
	if p.Relation != nil {
		return json.Marshal(p.Relation)
	}
	return json.Marshal(p.Scalar)
}

// UnmarshalJSON resolves the flattened property object back into
// Scalar|Relation by checking for the "relation" key.
func (p *Property) UnmarshalJSON(data []byte) error {
	var probe struct {
		Relation string `json:"relation"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if probe.Relation != "" {
		var r Relation
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		p.Relation = &r
		p.Scalar = nil
		return nil
	}
	var s Scalar
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	p.Scalar = &s
	p.Relation = nil
	return nil
}

// InheritedFrom returns the ancestor feather this property was merged
// in from, or "" if it was declared directly on the feather being read.
func (p Property) InheritedFrom() string {
	if p.Scalar != nil {
		return p.Scalar.InheritedFrom
	}
	if p.Relation != nil {
		return p.Relation.InheritedFrom
	}
	return ""
}

// Feather is a schema-as-data record shape: the merged, inheritance-
// resolved view returned by GetFeather, or the raw spec passed to
// SaveFeather.
type Feather struct {
	Name             string `json:"name"`
	Plural           string `json:"plural,omitempty"`
	Inherits         string `json:"inherits,omitempty"`
	IsChild          bool   `json:"isChild,omitempty"`
	IsSystem         bool   `json:"isSystem,omitempty"`
	IsReadOnly       bool   `json:"isReadOnly,omitempty"`
	IsFetchOnStartup bool   `json:"isFetchOnStartup,omitempty"`

	Properties map[string]Property `json:"properties"`
}

// ObjectFeather is the root of every inheritance chain. It is never
// saved through SaveFeather; it is seeded once when the catalog bootstraps
// (see Catalog.bootstrap in catalog.go).
const ObjectFeather = "Object"

// TableName returns the snake_case physical table name for f.
func (f *Feather) TableName() string {
	return core.PascalToSnake(f.Name)
}

// SpinalName returns the kebab-case route segment for f.
func (f *Feather) SpinalName() string {
	return core.PascalToSpinal(f.Name)
}

// PluralName returns f.Plural if set, else the pluralization of f.Name.
func (f *Feather) PluralName() string {
	if f.Plural != "" {
		return f.Plural
	}
	return core.Plural(f.Name)
}

// NaturalKeys returns the scalar properties flagged as natural keys
// (excluding autonumbered ones, which can never collide since each value
// is server-generated).
func (f *Feather) NaturalKeys() []string {
	var out []string
	for name, p := range f.Properties {
		if p.Scalar != nil && p.Scalar.IsNaturalKey && p.Scalar.Autonumber == nil {
			out = append(out, name)
		}
	}
	return out
}

// ChildRelations returns the parentOf (to-many) and isChild (to-one
// composite) relation properties declared directly on f — the ones
// doInsert/doUpdate/doDelete must recurse into.
func (f *Feather) ChildRelations() map[string]*Relation {
	out := map[string]*Relation{}
	for name, p := range f.Properties {
		if p.Relation == nil {
			continue
		}
		switch p.Relation.Kind() {
		case ToMany, IsChild:
			out[name] = p.Relation
		}
	}
	return out
}
