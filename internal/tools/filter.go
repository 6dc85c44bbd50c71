package tools

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/featherbone/server/internal/apperror"
	"github.com/featherbone/server/internal/catalog"
	"github.com/featherbone/server/internal/core"
)

// PKCol is the internal surrogate primary key column name, re-exported
// here so callers building filters don't need to import catalog just
// for this one constant (spec.md §4.1's tools.pkcol()).
func PKCol() string { return catalog.PKCol() }

// Criterion is one entry of a filter object's criteria array (spec.md
// §6). Property may be a single dotted path or, for a disjunction,
// several paths that are OR'd together.
type Criterion struct {
	Property []string
	Operator string
	Value    any
}

// SortTerm is one entry of a filter object's sort array.
type SortTerm struct {
	Property string
	Order    string // "ASC" or "DESC"
}

// Filter is the parsed form of spec.md §6's filter object.
type Filter struct {
	Criteria []Criterion
	Sort     []SortTerm
	Offset   int
	Limit    int
	HasLimit bool
}

var validOperators = map[string]string{
	"=": "=", "!=": "!=", "<": "<", ">": ">", "<=": "<=", ">=": ">=",
	"<>": "<>", "~": "~", "~*": "~*", "!~": "!~", "!~*": "!~*", "IN": "IN",
}

func columnFor(f *catalog.Feather, name string) string {
	p, ok := f.Properties[name]
	if !ok {
		if name == "id" || name == "created" || name == "createdBy" || name == "updated" || name == "updatedBy" || name == "isDeleted" || name == "etag" {
			return core.CamelToSnake(name)
		}
		return ""
	}
	if p.Relation != nil {
		if p.Relation.Kind() == catalog.ToMany {
			return ""
		}
		return core.CamelToSnake(name) + "_pk"
	}
	return core.CamelToSnake(name)
}

// Resolver looks up a feather's merged descriptor, used by ResolvePath
// to walk multi-hop relation paths.
type Resolver func(feather string) (*catalog.Feather, error)

// ResolvePath is the full, multi-hop path resolver: for "parent.child.attr"
// it emits a chain of LEFT JOINs onto the relation tables and returns an
// unquoted "alias.column" reference, appending each join to joins only
// once (spec.md §4.1).
func ResolvePath(dotted string, feather *catalog.Feather, joins map[string]string, baseAlias string, resolve Resolver) (string, error) {
	parts := strings.Split(dotted, ".")
	alias := baseAlias
	cur := feather
	for i, part := range parts {
		if i == len(parts)-1 {
			col := columnFor(cur, part)
			if col == "" {
				return "", apperror.BadRequest("property %q does not exist on %s", part, cur.Name)
			}
			return fmt.Sprintf("%s.%s", alias, col), nil
		}
		prop, ok := cur.Properties[part]
		if !ok || prop.Relation == nil || prop.Relation.Kind() == catalog.ToMany {
			return "", apperror.BadRequest("property %q is not a to-one relation on %s", part, cur.Name)
		}
		nextAlias := alias + "_" + part
		joinKey := alias + "." + part
		if _, already := joins[joinKey]; !already {
			col := core.CamelToSnake(part)
			joins[joinKey] = fmt.Sprintf(
				"LEFT JOIN %s %s ON %s.%s_pk = %s.%s",
				core.PascalToSnake(prop.Relation.Relation), nextAlias, alias, col, nextAlias, catalog.PKCol(),
			)
		}
		related, err := resolve(prop.Relation.Relation)
		if err != nil {
			return "", err
		}
		cur = related
		alias = nextAlias
	}
	return "", apperror.BadRequest("empty path")
}

// BuildWhere turns filter's criteria into a squirrel WHERE fragment.
// Unknown operators reject the request (spec.md §4.1's error semantics).
// When a criterion names more than one property, the criterion becomes a
// disjunction of (property op value) across all of them.
func BuildWhere(criteria []Criterion, feather *catalog.Feather, joins map[string]string, baseAlias string, resolve Resolver) (sq.Sqlizer, error) {
	var and sq.And
	for _, c := range criteria {
		if _, ok := validOperators[c.Operator]; !ok {
			return nil, apperror.BadRequest("unknown filter operator %q", c.Operator)
		}
		var or sq.Or
		for _, p := range c.Property {
			col, err := ResolvePath(p, feather, joins, baseAlias, resolve)
			if err != nil {
				return nil, err
			}
			or = append(or, operatorClause(col, c.Operator, c.Value))
		}
		and = append(and, or)
	}
	return and, nil
}

func operatorClause(col, op string, value any) sq.Sqlizer {
	if value == nil {
		if op == "!=" || op == "<>" {
			return sq.NotEq{col: nil}
		}
		return sq.Eq{col: nil}
	}
	switch op {
	case "=":
		return sq.Eq{col: value}
	case "!=", "<>":
		return sq.NotEq{col: value}
	case "<":
		return sq.Lt{col: value}
	case ">":
		return sq.Gt{col: value}
	case "<=":
		return sq.LtOrEq{col: value}
	case ">=":
		return sq.GtOrEq{col: value}
	case "IN":
		return sq.Eq{col: value}
	case "~":
		return sq.Expr(col+" ~ ?", value)
	case "~*":
		return sq.Expr(col+" ~* ?", value)
	case "!~":
		return sq.Expr(col+" !~ ?", value)
	case "!~*":
		return sq.Expr(col+" !~* ?", value)
	default:
		return sq.Expr("1=0")
	}
}

// ProcessSort appends tools.pkcol() as a final tiebreaker and emits an
// ORDER BY clause, validating ASC|DESC (spec.md §4.1).
func ProcessSort(terms []SortTerm, feather *catalog.Feather, joins map[string]string, baseAlias string, resolve Resolver) (string, error) {
	var parts []string
	for _, t := range terms {
		order := strings.ToUpper(t.Order)
		if order == "" {
			order = "ASC"
		}
		if order != "ASC" && order != "DESC" {
			return "", apperror.BadRequest("unknown sort direction %q", t.Order)
		}
		col, err := ResolvePath(t.Property, feather, joins, baseAlias, resolve)
		if err != nil {
			return "", err
		}
		parts = append(parts, col+" "+order)
	}
	parts = append(parts, fmt.Sprintf("%s.%s ASC", baseAlias, catalog.PKCol()))
	return strings.Join(parts, ", "), nil
}
