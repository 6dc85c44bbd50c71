package catalog

import (
	"github.com/goccy/go-json"
	"testing"
)

func TestPropertyMarshalScalar(t *testing.T) {
	p := Property{Scalar: &Scalar{Type: "string", IsNaturalKey: true}}
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	var back Property
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if back.Scalar == nil || back.Relation != nil {
		t.Fatalf("round trip lost scalar/relation distinction: %+v", back)
	}
	if back.Scalar.Type != "string" || !back.Scalar.IsNaturalKey {
		t.Fatalf("round trip lost scalar fields: %+v", back.Scalar)
	}
}

func TestPropertyMarshalRelation(t *testing.T) {
	p := Property{Relation: &Relation{Relation: "OrderLine", ParentOf: "Order"}}
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	var back Property
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if back.Relation == nil || back.Scalar != nil {
		t.Fatalf("round trip lost scalar/relation distinction: %+v", back)
	}
	if back.Relation.Kind() != ToMany {
		t.Fatalf("Kind() = %v, want ToMany", back.Relation.Kind())
	}
}

func TestFeatherPropertiesRoundTrip(t *testing.T) {
	f := &Feather{
		Name: "Contact",
		Properties: map[string]Property{
			"firstName": {Scalar: &Scalar{Type: "string"}},
			"orders":    {Relation: &Relation{Relation: "Order", ParentOf: "Contact"}},
		},
	}
	b, err := json.Marshal(f)
	if err != nil {
		t.Fatal(err)
	}
	var back Feather
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if len(back.Properties) != 2 {
		t.Fatalf("got %d properties back, want 2", len(back.Properties))
	}
	if back.Properties["firstName"].Scalar == nil {
		t.Fatal("firstName should be a scalar")
	}
	if back.Properties["orders"].Relation == nil {
		t.Fatal("orders should be a relation")
	}
}

func TestChildRelations(t *testing.T) {
	f := &Feather{
		Name: "Order",
		Properties: map[string]Property{
			"lines":    {Relation: &Relation{Relation: "OrderLine", ParentOf: "Order"}},
			"customer": {Relation: &Relation{Relation: "Contact"}},
			"total":    {Scalar: &Scalar{Type: "number"}},
		},
	}
	kids := f.ChildRelations()
	if len(kids) != 1 {
		t.Fatalf("got %d child relations, want 1", len(kids))
	}
	if _, ok := kids["lines"]; !ok {
		t.Fatal("expected lines in child relations")
	}
}

func TestNaturalKeys(t *testing.T) {
	f := &Feather{
		Properties: map[string]Property{
			"lastName":  {Scalar: &Scalar{Type: "string", IsNaturalKey: true}},
			"sequence":  {Scalar: &Scalar{Type: "string", IsNaturalKey: true, Autonumber: &Autonumber{Sequence: "contact_seq"}}},
			"firstName": {Scalar: &Scalar{Type: "string"}},
		},
	}
	keys := f.NaturalKeys()
	if len(keys) != 1 || keys[0] != "lastName" {
		t.Fatalf("NaturalKeys() = %v, want [lastName]", keys)
	}
}

func TestSpinalAndPluralNames(t *testing.T) {
	f := &Feather{Name: "OrderLine"}
	if got := f.SpinalName(); got != "order-line" {
		t.Errorf("SpinalName() = %q, want order-line", got)
	}
	if got := f.PluralName(); got != "OrderLines" {
		t.Errorf("PluralName() = %q, want OrderLines", got)
	}
	f.Plural = "order-lines-custom"
	if got := f.PluralName(); got != "order-lines-custom" {
		t.Errorf("PluralName() with override = %q", got)
	}
}
