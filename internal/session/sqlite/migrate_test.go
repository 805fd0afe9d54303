package sqlite

import (
	"context"
	"testing"
)

func TestVersionOf(t *testing.T) {
	cases := []struct {
		name   string
		want   int
		wantOK bool
	}{
		{"0001_init.sql", 1, true},
		{"0012_add_index.sql", 12, true},
		{"no_prefix.sql", 0, false},
		{"abc_init.sql", 0, false},
	}
	for _, tc := range cases {
		v, ok := versionOf(tc.name)
		if ok != tc.wantOK || (ok && v != tc.want) {
			t.Errorf("versionOf(%q) = (%d, %v), want (%d, %v)", tc.name, v, ok, tc.want, tc.wantOK)
		}
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	// Open already ran migrate once; running it again against the same
	// schema_version should be a no-op, not an error.
	if err := migrate(context.Background(), s.db); err != nil {
		t.Errorf("re-running migrate: %v", err)
	}
}
