package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/featherbone/server/internal/access"
	"github.com/featherbone/server/internal/apiclient"
	"github.com/featherbone/server/internal/catalog"
	"github.com/featherbone/server/internal/crud"
	"github.com/featherbone/server/internal/csql"
	"github.com/featherbone/server/internal/events"
	"github.com/featherbone/server/internal/locks"
	"github.com/featherbone/server/internal/pipeline"
	"github.com/featherbone/server/internal/registry"
)

// serverSuite boots one Postgres testcontainer and one fully wired
// featherbone stack for the whole suite, grounded on test/suite.go's
// SetupSuite/TearDownSuite structure, trimmed to the Postgres dependency
// this server actually has (no Kafka: notifications are an in-process
// outbox, not a broker, per SPEC_FULL.md's DOMAIN STACK section).
type serverSuite struct {
	suite.Suite
	container testcontainers.Container
	db        *csql.DB
	router    interface {
		ServeHTTP(http.ResponseWriter, *http.Request)
	}
	admin apiclient.Client
}

func (s *serverSuite) SetupSuite() {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:15",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "featherbone",
			"POSTGRES_PASSWORD": "featherbone",
			"POSTGRES_DB":       "featherbone",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp"),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	s.Require().NoError(err)
	s.container = c

	host, err := c.Host(ctx)
	s.Require().NoError(err)
	port, err := c.MappedPort(ctx, "5432")
	s.Require().NoError(err)

	s.db = csql.OpenWithSchema(fmt.Sprintf("host=%s port=%s user=featherbone dbname=featherbone sslmode=disable", host, port.Port()), "featherbone", "featherbone_test")

	reg := registry.MustNew(s.db)
	cat, err := catalog.New(s.db, reg)
	s.Require().NoError(err)
	acc, err := access.New(s.db)
	s.Require().NoError(err)
	lk := locks.New(s.db)
	ev, err := events.New(s.db)
	s.Require().NoError(err)
	crudEngine := crud.New(s.db, cat, acc, lk, ev)
	pl := pipeline.New(s.db, cat, crudEngine, acc, lk, ev, pipeline.NewRegistry())

	ev.Listen(ctx, "test-node")

	_, router := New(s.db, pl, cat, acc, lk, ev, reg, Config{SigningKey: []byte("test-signing-key"), SuperUserRole: "superuser"})
	s.router = router

	s.admin = apiclient.NewWithRouter(router).WithAuthorization(&access.Authorization{UserID: "admin", IsSuperUser: true})
}

func (s *serverSuite) TearDownSuite() {
	if s.db != nil {
		s.db.Close()
	}
	if s.container != nil {
		_ = s.container.Terminate(context.Background())
	}
}

func (s *serverSuite) saveContactFeather() {
	spec := &catalog.Feather{
		Name: "Contact",
		Properties: map[string]catalog.Property{
			"firstName": {Scalar: &catalog.Scalar{Type: "string"}},
			"lastName":  {Scalar: &catalog.Scalar{Type: "string", IsNaturalKey: true}},
		},
	}
	var result map[string]any
	status, err := s.admin.Do(http.MethodPut, "/feather/contact", spec, &result)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusOK, status)
}

func TestServerSuite(t *testing.T) {
	t.Skip("requires Docker for the Postgres testcontainer; run explicitly in an environment that has it")
	suite.Run(t, new(serverSuite))
}

// --- property tests, each a subtest assuming SetupSuite has already
// wired a running server ---

func (s *serverSuite) TestInsertThenPatchChangesEtag() {
	s.saveContactFeather()

	var created map[string]any
	status, err := s.admin.Do(http.MethodPost, "/data/contact", map[string]any{"firstName": "Ada", "lastName": "Lovelace"}, &created)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusCreated, status)

	var full map[string]any
	id := created["id"].(string)
	_, err = s.admin.Feather("contact").Get(id, &full)
	s.Require().NoError(err)
	etagBefore := full["etag"]

	patch := []byte(`[{"op":"replace","path":"/firstName","value":"Augusta"}]`)
	var diff map[string]any
	status, err = s.admin.Do(http.MethodPatch, "/data/contact/"+id, patch, &diff)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusOK, status)
	s.Require().NotEqual(etagBefore, diff["etag"])
}

func (s *serverSuite) TestEmptyPatchReturnsEmptyArray() {
	s.saveContactFeather()
	var created map[string]any
	_, err := s.admin.Do(http.MethodPost, "/data/contact", map[string]any{"firstName": "Grace", "lastName": "Hopper"}, &created)
	s.Require().NoError(err)
	id := created["id"].(string)

	var raw []byte
	status, err := s.admin.Do(http.MethodPatch, "/data/contact/"+id, []byte("[]"), &raw)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusOK, status)
	s.Require().JSONEq("[]", string(raw))
}

func (s *serverSuite) TestLockConflictRejectsPatch() {
	s.saveContactFeather()
	var created map[string]any
	_, err := s.admin.Do(http.MethodPost, "/data/contact", map[string]any{"firstName": "Margaret", "lastName": "Hamilton"}, &created)
	s.Require().NoError(err)
	id := created["id"].(string)

	status, err := s.admin.Do(http.MethodPost, "/do/lock?id="+id+"&sessionId=S1&eventKey=K1", nil, nil)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusNoContent, status)

	patch := []byte(`[{"op":"replace","path":"/firstName","value":"Peggy"}]`)
	status, err = s.admin.Do(http.MethodPatch, "/data/contact/"+id+"?eventKey=K2", patch, nil)
	s.Require().Error(err)
	s.Require().Equal(http.StatusConflict, status)
}

func (s *serverSuite) TestDeleteCascadesToChildren() {
	spec := &catalog.Feather{
		Name: "Order",
		Properties: map[string]catalog.Property{
			"lines": {Relation: &catalog.Relation{Relation: "OrderLine", ParentOf: "Order"}},
		},
	}
	lineSpec := &catalog.Feather{
		Name: "OrderLine",
		Properties: map[string]catalog.Property{
			"order": {Relation: &catalog.Relation{Relation: "Order", ChildOf: "Order"}},
			"sku":   {Scalar: &catalog.Scalar{Type: "string"}},
		},
	}
	var out map[string]any
	_, err := s.admin.Do(http.MethodPut, "/feather/order-line", lineSpec, &out)
	s.Require().NoError(err)
	_, err = s.admin.Do(http.MethodPut, "/feather/order", spec, &out)
	s.Require().NoError(err)

	var created map[string]any
	_, err = s.admin.Do(http.MethodPost, "/data/order", map[string]any{
		"lines": []map[string]any{{"sku": "A1"}, {"sku": "A2"}},
	}, &created)
	s.Require().NoError(err)
	id := created["id"].(string)

	status, err := s.admin.Do(http.MethodDelete, "/data/order/"+id, nil, nil)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusNoContent, status)
}

func (s *serverSuite) TestSubscriptionRoundTrip() {
	s.saveContactFeather()
	var bootstrap map[string]string
	status, err := s.admin.Do(http.MethodGet, "/sse", nil, &bootstrap)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusOK, status)
	s.Require().NotEmpty(bootstrap["sessionId"])

	var page []map[string]any
	status, err = s.admin.Do(http.MethodPost, "/data/contacts", map[string]any{
		"subscription": map[string]any{"id": "sub1", "sessionId": bootstrap["sessionId"], "nodeId": "test-node"},
		"limit":        10,
	}, &page)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusOK, status)

	time.Sleep(50 * time.Millisecond)
}
