package search

import "testing"

func TestParseOrdering(t *testing.T) {
	cases := []struct {
		token string
		ok    bool
		field string
		desc  bool
	}{
		{"", true, "", false},
		{"created_at", true, "created_at", false},
		{"-created_at", true, "created_at", true},
		{"username", true, "username", false},
		{"-username", true, "username", true},
		{"email", true, "email", false},
		{"-email", true, "email", true},
		{"id", false, "", false},
		{"-text", false, "", false},
		{"created_at; DROP TABLE comments", false, "", false},
	}
	for _, tc := range cases {
		ordering, ok := ParseOrdering(tc.token)
		if ok != tc.ok {
			t.Fatalf("ParseOrdering(%q) ok=%v, want %v", tc.token, ok, tc.ok)
		}
		if !ok {
			continue
		}
		if ordering.Field != tc.field || ordering.Desc != tc.desc {
			t.Fatalf("ParseOrdering(%q) = %+v, want field=%q desc=%v", tc.token, ordering, tc.field, tc.desc)
		}
	}
}

func TestPgOrderByWhitelistsColumns(t *testing.T) {
	cases := map[string]string{
		"":            "rank DESC",
		"bogus":       "rank DESC",
		"created_at":  "c.created_at ASC",
		"-created_at": "c.created_at DESC",
		"-username":   "u.username DESC",
		"email":       "u.email ASC",
	}
	for token, want := range cases {
		if got := pgOrderBy(token); got != want {
			t.Fatalf("pgOrderBy(%q) = %q, want %q", token, got, want)
		}
	}
}
