package main

import (
	"context"
	"log"
	"net/http"

	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/featherbone/server/internal/access"
	"github.com/featherbone/server/internal/catalog"
	"github.com/featherbone/server/internal/crud"
	"github.com/featherbone/server/internal/csql"
	"github.com/featherbone/server/internal/events"
	"github.com/featherbone/server/internal/locks"
	"github.com/featherbone/server/internal/logger"
	"github.com/featherbone/server/internal/pipeline"
	"github.com/featherbone/server/internal/registry"

	"github.com/featherbone/server/httpapi"
)

// config is the environment-variable surface this server reads at boot,
// the same envdecode-driven shape the teacher's service mains use.
type config struct {
	Postgres         string `env:"POSTGRES,required" description:"Postgres connection string, e.g. host=localhost port=5432 user=postgres sslmode=disable"`
	PostgresPassword string `env:"POSTGRES_PASSWORD" description:"Postgres password, kept separate from POSTGRES so it never lands in a connection-string log line"`
	Schema           string `env:"FEATHERBONE_SCHEMA,default=featherbone" description:"Postgres schema this instance owns"`
	Port             string `env:"PORT,default=10001" description:"HTTP listen port"`
	NodeID           string `env:"FEATHERBONE_NODE_ID,default=node-1" description:"identifies this process to the subscription dispatcher"`
	JWTSigningKey    string `env:"FEATHERBONE_JWT_SIGNING_KEY,required" description:"HMAC key bearer tokens are verified with"`
	SuperUserRole    string `env:"FEATHERBONE_SUPERUSER_ROLE,default=superuser" description:"role name that bypasses every authorization check"`
	LogLevel         string `env:"FEATHERBONE_LOG_LEVEL,default=info" description:"logrus level name"`
}

func main() {
	cfg := &config{}
	if err := envdecode.Decode(cfg); err != nil {
		log.Fatal(err)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.Init(level)

	db := csql.OpenWithSchema(cfg.Postgres, cfg.PostgresPassword, cfg.Schema)
	defer db.Close()

	reg := registry.MustNew(db)

	cat, err := catalog.New(db, reg)
	if err != nil {
		logger.Default().Fatalf("cannot initialize catalog: %v", err)
	}
	acc, err := access.New(db)
	if err != nil {
		logger.Default().Fatalf("cannot initialize access service: %v", err)
	}
	lk := locks.New(db)
	ev, err := events.New(db)
	if err != nil {
		logger.Default().Fatalf("cannot initialize events service: %v", err)
	}
	crudEngine := crud.New(db, cat, acc, lk, ev)

	// No business triggers are registered by default; this is the
	// extension point an operator's own package would call
	// triggerRegistry.Register(...) against before Request is ever invoked.
	triggerRegistry := pipeline.NewRegistry()
	pl := pipeline.New(db, cat, crudEngine, acc, lk, ev, triggerRegistry)

	ev.Listen(context.Background(), cfg.NodeID)

	_, router := httpapi.New(db, pl, cat, acc, lk, ev, reg, httpapi.Config{
		SigningKey:    []byte(cfg.JWTSigningKey),
		SuperUserRole: cfg.SuperUserRole,
	})

	logger.Default().Infof("featherbone listening on :%s (schema %q, node %q)", cfg.Port, cfg.Schema, cfg.NodeID)
	if err := http.ListenAndServe(":"+cfg.Port, router); err != nil {
		logger.Default().Fatal(err)
	}
}
