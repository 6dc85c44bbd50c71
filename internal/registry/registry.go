// Package registry provides a persistent key -> JSON value store: "a
// durable small blob addressed by a string key". It backs the /settings
// and /workbook route families' named blobs; the catalog holds an
// accessor but does not read or write it.
package registry

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/featherbone/server/internal/csql"
)

// Registry is a persistent key/value store scoped to one schema.
type Registry struct {
	db *csql.DB
}

// MustNew creates the backing table if needed and returns a Registry
// bound to db. Panics on failure, matching the teacher's own
// fail-fast-at-boot convention for schema bootstrapping.
func MustNew(db *csql.DB) *Registry {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS ` + db.Schema + `."_registry_" (
		key varchar NOT NULL,
		value json NOT NULL,
		created_at timestamp NOT NULL,
		PRIMARY KEY(key)
	);`)
	if err != nil {
		panic(err)
	}
	return &Registry{db: db}
}

// Accessor is a registry view namespaced by an optional prefix.
type Accessor struct {
	Prefix   string
	Registry *Registry
}

// Accessor returns a view of r whose keys are implicitly prefixed with
// "prefix:".
func (r *Registry) Accessor(prefix string) Accessor {
	return Accessor{Prefix: prefix, Registry: r}
}

func (a *Accessor) qualify(key string) string {
	if a.Prefix == "" {
		return key
	}
	return a.Prefix + ":" + key
}

// Read decodes the value stored at key into value, returning the time it
// was written. A missing key returns the zero time and a nil error.
func (a *Accessor) Read(key string, value any) (time.Time, error) {
	var (
		raw       []byte
		createdAt time.Time
	)
	err := a.Registry.db.QueryRow(
		`SELECT value, created_at FROM `+a.Registry.db.Schema+`."_registry_" WHERE key=$1;`,
		a.qualify(key)).Scan(&raw, &createdAt)
	if err == csql.ErrNoRows {
		return createdAt, nil
	}
	if err != nil {
		return createdAt, fmt.Errorf("cannot read key %q: %w", key, err)
	}
	return createdAt, json.Unmarshal(raw, value)
}

// Write upserts value at key.
func (a *Accessor) Write(key string, value any) error {
	body, err := json.Marshal(value)
	if err != nil {
		return err
	}
	res, err := a.Registry.db.Exec(
		`INSERT INTO `+a.Registry.db.Schema+`."_registry_"(key,value,created_at)
		VALUES($1,$2,$3)
		ON CONFLICT (key) DO UPDATE SET value=$2,created_at=$3;`,
		a.qualify(key), string(body), time.Now().UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("could not write key %q", key)
	}
	return nil
}

// Delete removes key, if present.
func (a *Accessor) Delete(key string) error {
	_, err := a.Registry.db.Exec(
		`DELETE FROM `+a.Registry.db.Schema+`."_registry_" WHERE key=$1;`, a.qualify(key))
	return err
}
