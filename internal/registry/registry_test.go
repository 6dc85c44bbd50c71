package registry

import "testing"

func TestAccessorQualify(t *testing.T) {
	a := Accessor{Prefix: "settings"}
	if got := a.qualify("theme"); got != "settings:theme" {
		t.Fatalf("qualify() = %q, want settings:theme", got)
	}

	bare := Accessor{}
	if got := bare.qualify("theme"); got != "theme" {
		t.Fatalf("qualify() with no prefix = %q, want theme", got)
	}
}

func TestAccessorFromRegistry(t *testing.T) {
	r := &Registry{}
	a := r.Accessor("workbook")
	if a.Prefix != "workbook" || a.Registry != r {
		t.Fatalf("Accessor() = %+v", a)
	}
}
