// Package core holds the small vocabulary shared by every other internal
// package: the CRUD operation enum, pluralization, and the snake/camel/
// spinal name conversions used when feather names become tables and routes.
package core

import (
	"strings"
)

// Operation identifies a CRUD-engine action.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationRead   Operation = "read"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
	OperationList   Operation = "list"
)

// Method is the HTTP verb a pipeline request was submitted under.
type Method string

const (
	MethodGet    Method = "GET"
	MethodPost   Method = "POST"
	MethodPatch  Method = "PATCH"
	MethodPut    Method = "PUT"
	MethodDelete Method = "DELETE"
)

// TriggerPosition is where a registered trigger runs relative to the CRUD
// operation it is attached to.
type TriggerPosition string

const (
	Before TriggerPosition = "BEFORE"
	After  TriggerPosition = "AFTER"
)

// Plural returns the plural form of singular, following the same small set
// of English pluralization rules used to build REST route segments from
// feather names.
func Plural(singular string) string {
	if strings.HasSuffix(singular, "ey") {
		return strings.TrimSuffix(singular, "ey") + "eys"
	}
	if strings.HasSuffix(singular, "y") {
		return strings.TrimSuffix(singular, "y") + "ies"
	}
	if strings.HasSuffix(strings.ToLower(singular), "child") {
		return singular + "ren"
	}
	if strings.HasSuffix(singular, "lysis") {
		return strings.TrimSuffix(singular, "lysis") + "lyses"
	}
	if strings.HasSuffix(singular, "s") {
		return strings.TrimSuffix(singular, "s") + "ses"
	}
	return singular + "s"
}

// PascalToSnake converts a PascalCase feather name ("OrderLine") to the
// snake_case identifier used for its physical table ("order_line").
func PascalToSnake(name string) string {
	var b strings.Builder
	for i, r := range name {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// PascalToSpinal converts a PascalCase feather name ("OrderLine") to the
// kebab-case path segment used in HTTP routes ("order-line").
func PascalToSpinal(name string) string {
	return strings.ReplaceAll(PascalToSnake(name), "_", "-")
}

// SnakeToCamel converts a snake_case column name ("first_name") to the
// camelCase property name clients see ("firstName").
func SnakeToCamel(snake string) string {
	parts := strings.Split(snake, "_")
	for i := 1; i < len(parts); i++ {
		if parts[i] == "" {
			continue
		}
		r := []rune(parts[i])
		if r[0] >= 'a' && r[0] <= 'z' {
			r[0] = r[0] - 'a' + 'A'
		}
		parts[i] = string(r)
	}
	return strings.Join(parts, "")
}

// CamelToSnake converts a camelCase property name ("firstName") to the
// snake_case column name used in the database ("first_name").
func CamelToSnake(camel string) string {
	var b strings.Builder
	for i, r := range camel {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
