package core

import "testing"

func TestPlural(t *testing.T) {
	cases := map[string]string{
		"Contact":  "Contacts",
		"Category": "Categories",
		"Key":      "Keys",
		"Child":    "Children",
		"Analysis": "Analyses",
		"Address":  "Addresses",
	}
	for in, want := range cases {
		if got := Plural(in); got != want {
			t.Errorf("Plural(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPascalToSnake(t *testing.T) {
	cases := map[string]string{
		"OrderLine": "order_line",
		"Contact":   "contact",
		"ABTest":    "a_b_test",
	}
	for in, want := range cases {
		if got := PascalToSnake(in); got != want {
			t.Errorf("PascalToSnake(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPascalToSpinal(t *testing.T) {
	if got := PascalToSpinal("OrderLine"); got != "order-line" {
		t.Errorf("PascalToSpinal(OrderLine) = %q, want order-line", got)
	}
}

func TestSnakeToCamelRoundTrip(t *testing.T) {
	if got := SnakeToCamel("first_name"); got != "firstName" {
		t.Errorf("SnakeToCamel(first_name) = %q, want firstName", got)
	}
	if got := CamelToSnake("firstName"); got != "first_name" {
		t.Errorf("CamelToSnake(firstName) = %q, want first_name", got)
	}
	if got := CamelToSnake(SnakeToCamel("order_line_id")); got != "order_line_id" {
		t.Errorf("round trip changed order_line_id to %q", got)
	}
}
