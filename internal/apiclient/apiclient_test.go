package apiclient

import (
	"net/http"
	"testing"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/featherbone/server/internal/access"
)

func newEchoRouter() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/data/contact/{id}", func(w http.ResponseWriter, r *http.Request) {
		auth := access.FromContext(r.Context())
		userID := ""
		if auth != nil {
			userID = auth.UserID
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"id": mux.Vars(r)["id"], "requestedBy": userID})
	}).Methods(http.MethodGet)
	router.HandleFunc("/data/contact", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(body)
	}).Methods(http.MethodPost)
	router.HandleFunc("/data/missing/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"not found"}`))
	}).Methods(http.MethodGet)
	return router
}

func TestClientGetDecodesJSON(t *testing.T) {
	c := NewWithRouter(newEchoRouter())
	var out map[string]any
	status, err := c.Feather("contact").Get("abc", &out)
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if out["id"] != "abc" {
		t.Fatalf("unexpected body: %+v", out)
	}
}

func TestClientWithAuthorizationReachesHandler(t *testing.T) {
	c := NewWithRouter(newEchoRouter()).WithAuthorization(&access.Authorization{UserID: "ada"})
	var out map[string]any
	if _, err := c.Feather("contact").Get("abc", &out); err != nil {
		t.Fatal(err)
	}
	if out["requestedBy"] != "ada" {
		t.Fatalf("authorization did not reach the handler: %+v", out)
	}
}

func TestClientCreate(t *testing.T) {
	c := NewWithRouter(newEchoRouter())
	var out map[string]any
	status, err := c.Feather("contact").Create(map[string]any{"firstName": "Ada"}, &out)
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusCreated {
		t.Fatalf("status = %d, want 201", status)
	}
	if out["firstName"] != "Ada" {
		t.Fatalf("unexpected body: %+v", out)
	}
}

func TestClientErrorStatusReturnsError(t *testing.T) {
	c := NewWithRouter(newEchoRouter())
	status, err := c.Feather("missing").Get("abc", nil)
	if err == nil {
		t.Fatal("expected an error for a non-2xx response")
	}
	if status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", status)
	}
}

func TestCollectionWithFilterBuildsQueryString(t *testing.T) {
	col := Client{}.Feather("contact").WithFilter("lastName", "Lovelace")
	path := col.collectionPath()
	if path != "/data/contact?filter=lastName%3DLovelace" {
		t.Fatalf("collectionPath() = %q", path)
	}
}
