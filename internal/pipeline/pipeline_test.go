package pipeline

import (
	"errors"
	"testing"

	"github.com/goccy/go-json"

	"github.com/featherbone/server/internal/apperror"
	"github.com/featherbone/server/internal/catalog"
	"github.com/featherbone/server/internal/core"
	"github.com/featherbone/server/internal/events"
)

func TestAncestorFirstReversesChain(t *testing.T) {
	chain := []*catalog.Feather{{Name: "Contact"}, {Name: "Party"}, {Name: "Object"}}
	got := ancestorFirst(chain)
	want := []string{"Object", "Party", "Contact"}
	for i, f := range got {
		if f.Name != want[i] {
			t.Fatalf("ancestorFirst()[%d] = %q, want %q", i, f.Name, want[i])
		}
	}
	// the input chain must not be mutated
	if chain[0].Name != "Contact" {
		t.Fatal("ancestorFirst mutated its input")
	}
}

func TestActionFor(t *testing.T) {
	cases := map[core.Method]events.Action{
		core.MethodPost:   events.ActionCreate,
		core.MethodDelete: events.ActionDelete,
		core.MethodPatch:  events.ActionUpdate,
		core.MethodPut:    events.ActionUpdate,
	}
	for method, want := range cases {
		if got := actionFor(method); got != want {
			t.Errorf("actionFor(%v) = %v, want %v", method, got, want)
		}
	}
}

func TestMergePatchFromData(t *testing.T) {
	patch := mergePatchFromData(map[string]any{"id": "ignored", "firstName": "Ada"})

	var ops []struct {
		Op    string `json:"op"`
		Path  string `json:"path"`
		Value any    `json:"value"`
	}
	if err := json.Unmarshal(patch, &ops); err != nil {
		t.Fatal(err)
	}
	if len(ops) != 1 {
		t.Fatalf("got %d ops, want 1 (id must be skipped)", len(ops))
	}
	if ops[0].Op != "add" || ops[0].Path != "/firstName" || ops[0].Value != "Ada" {
		t.Fatalf("unexpected op: %+v", ops[0])
	}
}

func TestMergePatchFromEmptyData(t *testing.T) {
	patch := mergePatchFromData(nil)
	if string(patch) != "[]" {
		t.Fatalf("mergePatchFromData(nil) = %s, want []", patch)
	}
}

func TestNormalizeErrorPassesThroughAppError(t *testing.T) {
	orig := apperror.NotFound("missing")
	if normalizeError(orig) != orig {
		t.Fatal("normalizeError should return an *apperror.Error unchanged")
	}
}

func TestNormalizeErrorWrapsPlainError(t *testing.T) {
	wrapped := normalizeError(errors.New("boom"))
	ae, ok := apperror.As(wrapped)
	if !ok || ae.StatusCode != 500 {
		t.Fatalf("normalizeError(plain) = %+v, want a 500 *apperror.Error", wrapped)
	}
}
