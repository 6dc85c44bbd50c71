package crud

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/featherbone/server/internal/apperror"
	"github.com/featherbone/server/internal/catalog"
	"github.com/featherbone/server/internal/core"
	"github.com/featherbone/server/internal/csql"
)

// isFunctionRef reports whether a default value is a named function
// reference like "now()" or "money()" rather than a literal (spec.md §3).
func isFunctionRef(v any) (string, bool) {
	s, ok := v.(string)
	if !ok || !strings.HasSuffix(s, "()") {
		return "", false
	}
	return strings.TrimSuffix(s, "()"), true
}

// resolveFunctionRef evaluates a "name()" default reference (spec.md
// §4.6.1 step 7). money() expands to the zero-valued composite; every
// other name is resolved against a small fixed table of server
// functions. Unknown names are an implementer error, not a client one.
func resolveFunctionRef(ctx context.Context, name string, baseCurrency string) (any, error) {
	switch name {
	case "now":
		return time.Now().UTC(), nil
	case "money":
		return map[string]any{
			"amount": 0, "currency": baseCurrency, "effective": nil, "baseAmount": nil,
		}, nil
	case "uuid":
		id, err := uuid.NewRandom()
		if err != nil {
			return nil, err
		}
		return id.String(), nil
	default:
		return nil, apperror.Internal("unknown default function %q()", name)
	}
}

// scalarDefault resolves the value to persist for a scalar property that
// has no value supplied in data (spec.md §4.6.1 step 7): the declared
// default, else the format-default, else the type-default.
func scalarDefault(ctx context.Context, s *catalog.Scalar) (any, error) {
	if s.Default != nil {
		if name, ok := isFunctionRef(s.Default); ok {
			return resolveFunctionRef(ctx, name, "USD")
		}
		return s.Default, nil
	}
	if fd, ok := catalog.Formats[s.Format]; ok {
		if name, ok := isFunctionRef(fd.Literal); ok {
			return resolveFunctionRef(ctx, name, "USD")
		}
		return fd.Literal, nil
	}
	if fd, ok := catalog.Types[s.Type]; ok {
		return fd.Literal, nil
	}
	return nil, nil
}

// nextAutonumber fetches the next value of seq and formats it as
// prefix + zero-padded(seq,length) + suffix (spec.md §4.6.1 step 7).
func nextAutonumber(ctx context.Context, client csql.Client, schema string, a *catalog.Autonumber) (string, error) {
	if _, err := client.ExecContext(ctx, fmt.Sprintf(`CREATE SEQUENCE IF NOT EXISTS %s."%s";`, schema, a.Sequence)); err != nil {
		return "", err
	}
	var n int64
	if err := client.QueryRowContext(ctx, fmt.Sprintf(`SELECT nextval('%s."%s"');`, schema, a.Sequence)).Scan(&n); err != nil {
		return "", err
	}
	digits := fmt.Sprintf("%d", n)
	if a.Length > len(digits) {
		digits = strings.Repeat("0", a.Length-len(digits)) + digits
	}
	return a.Prefix + digits + a.Suffix, nil
}

// encodeScalar converts a client-supplied or resolved value into the
// column(s) it is stored under. money is a composite of four columns;
// object/array are JSON-encoded, accepting already-JSON strings as-is
// (spec.md §4.6.1 step 7).
func encodeScalar(col string, s *catalog.Scalar, value any) (map[string]any, error) {
	if s.Format == "money" {
		return encodeMoney(col, value)
	}
	switch s.Type {
	case "object", "array":
		return map[string]any{col: encodeJSON(value)}, nil
	default:
		return map[string]any{col: value}, nil
	}
}

func encodeJSON(value any) any {
	if s, ok := value.(string); ok {
		trimmed := strings.TrimSpace(s)
		if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
			return s // already-JSON string, pass through as-is
		}
	}
	b, err := json.Marshal(value)
	if err != nil {
		return "null"
	}
	return string(b)
}

func encodeMoney(col string, value any) (map[string]any, error) {
	m, ok := value.(map[string]any)
	if !ok {
		return nil, apperror.BadRequest("%s must be a money object", col)
	}
	return map[string]any{
		col + "_amount":      m["amount"],
		col + "_currency":    m["currency"],
		col + "_effective":   m["effective"],
		col + "_base_amount": m["baseAmount"],
	}, nil
}

// naturalKeyProbe checks whether value already exists for property on
// feather's table, excluding excludePK (itself, on an update). A hit
// rejects with the exact message spec.md §8 literal test #2 requires.
func (e *Engine) naturalKeyProbe(ctx context.Context, client csql.Client, f *catalog.Feather, property string, value any, excludePK int64) error {
	col := core.CamelToSnake(property)
	var count int
	err := client.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT count(*) FROM %s.%s WHERE %s = $1 AND %s <> $2;`,
		e.db.Schema, f.TableName(), col, catalog.PKCol()),
		value, excludePK).Scan(&count)
	if err != nil {
		return err
	}
	if count > 0 {
		return apperror.Conflict("Value '%v' assigned to %s on %s is not unique to data type %s.", value, displayName(property), f.Name, f.Name)
	}
	return nil
}

func displayName(property string) string {
	parts := strings.Split(core.CamelToSnake(property), "_")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}
