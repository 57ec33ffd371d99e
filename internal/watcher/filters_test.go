package watcher

import "testing"

func TestFilters_Match(t *testing.T) {
	cases := []struct {
		name    string
		filters Filters
		path    string
		want    bool
	}{
		{"no filters accepts all", Filters{}, "/data/a.svs", true},
		{"include matches extension glob", Filters{Include: []string{"*.svs"}}, "/data/a.svs", true},
		{"include rejects non-matching", Filters{Include: []string{"*.svs"}}, "/data/a.txt", false},
		{"exclude rejects suffix case-insensitively", Filters{Exclude: []string{".tmp"}}, "/data/a.TMP", false},
		{"exclude allows non-matching", Filters{Exclude: []string{".tmp"}}, "/data/a.svs", true},
		{"include and exclude combine", Filters{Include: []string{"*.svs"}, Exclude: []string{".partial.svs"}}, "/data/a.partial.svs", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.filters.Match(tc.path); got != tc.want {
				t.Errorf("Match(%q) = %v, want %v", tc.path, got, tc.want)
			}
		})
	}
}
