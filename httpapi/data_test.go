package httpapi

import (
	"testing"

	"github.com/featherbone/server/internal/access"
)

func TestFilterBodyHasLimitDistinguishesZeroFromAbsent(t *testing.T) {
	var withZero filterBody
	if err := withZero.UnmarshalJSON([]byte(`{"limit":0}`)); err != nil {
		t.Fatal(err)
	}
	if !withZero.HasLimit {
		t.Fatal("an explicit limit:0 must set HasLimit")
	}

	var absent filterBody
	if err := absent.UnmarshalJSON([]byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	if absent.HasLimit {
		t.Fatal("an absent limit must leave HasLimit false")
	}
}

func TestFilterBodyToFilter(t *testing.T) {
	var body filterBody
	raw := []byte(`{
		"criteria": [{"property": "lastName", "operator": "=", "value": "Lovelace"}],
		"sort": [{"property": "lastName", "order": "asc"}],
		"offset": 10,
		"limit": 25,
		"showDeleted": true
	}`)
	if err := body.UnmarshalJSON(raw); err != nil {
		t.Fatal(err)
	}
	f := body.toFilter()
	if f.Offset != 10 || f.Limit != 25 || !f.HasLimit {
		t.Fatalf("unexpected offset/limit: %+v", f)
	}
	if len(f.Criteria) != 1 || f.Criteria[0].Property[0] != "lastName" || f.Criteria[0].Operator != "=" {
		t.Fatalf("unexpected criteria: %+v", f.Criteria)
	}
	if len(f.Sort) != 1 || f.Sort[0].Property != "lastName" || f.Sort[0].Order != "asc" {
		t.Fatalf("unexpected sort: %+v", f.Sort)
	}
	if !body.ShowDeleted {
		t.Fatal("showDeleted should have decoded true")
	}
}

func TestFilterBodyCompositeProperty(t *testing.T) {
	var body filterBody
	raw := []byte(`{"criteria": [{"property": ["address", "city"], "operator": "=", "value": "Berlin"}]}`)
	if err := body.UnmarshalJSON(raw); err != nil {
		t.Fatal(err)
	}
	f := body.toFilter()
	if len(f.Criteria[0].Property) != 2 || f.Criteria[0].Property[1] != "city" {
		t.Fatalf("unexpected composite property path: %v", f.Criteria[0].Property)
	}
}

func TestUserID(t *testing.T) {
	if got := userID(nil); got != "" {
		t.Fatalf("userID(nil) = %q, want empty", got)
	}
	if got := userID(&access.Authorization{UserID: "u1"}); got != "u1" {
		t.Fatalf("userID() = %q, want u1", got)
	}
}

func TestIfNoneMatchFound(t *testing.T) {
	if !ifNoneMatchFound(`"abc123"`, "abc123") {
		t.Fatal("quoted exact match should be found")
	}
	if !ifNoneMatchFound(`"xyz", "abc123"`, "abc123") {
		t.Fatal("match within a comma-separated list should be found")
	}
	if !ifNoneMatchFound("*", "anything") {
		t.Fatal("* should match any etag")
	}
	if ifNoneMatchFound(`"xyz"`, "abc123") {
		t.Fatal("mismatched etag should not be found")
	}
	if ifNoneMatchFound("", "abc123") {
		t.Fatal("empty header should not match")
	}
}
