// README: Pickup code generation and matching tests.
package ride

import (
	"strconv"
	"testing"
)

func TestNewPickupCodeRange(t *testing.T) {
	for i := 0; i < 2000; i++ {
		code, err := newPickupCode()
		if err != nil {
			t.Fatalf("newPickupCode: %v", err)
		}
		if len(code) != 6 {
			t.Fatalf("code %q is not six digits", code)
		}
		n, err := strconv.Atoi(code)
		if err != nil {
			t.Fatalf("code %q is not numeric", code)
		}
		if n < 100000 || n > 999999 {
			t.Fatalf("code %d out of range", n)
		}
	}
}

func TestCodesMatch(t *testing.T) {
	str := func(s string) *string { return &s }
	cases := []struct {
		name     string
		stored   *string
		supplied string
		want     bool
	}{
		{"exact", str("482913"), "482913", true},
		{"supplied whitespace", str("482913"), " 482913\n", true},
		{"stored whitespace", str(" 482913 "), "482913", true},
		{"wrong", str("482913"), "482914", false},
		{"empty supplied", str("482913"), "", false},
		{"nil stored", nil, "482913", false},
		{"empty stored", str(""), "", false},
		{"blank stored", str("   "), "   ", false},
	}
	for _, tc := range cases {
		if got := codesMatch(tc.stored, tc.supplied); got != tc.want {
			t.Errorf("%s: codesMatch = %v, want %v", tc.name, got, tc.want)
		}
	}
}
