package marketplace

import (
	"net/url"
	"testing"
)

func TestResolveTarget(t *testing.T) {
	const base = "https://api.example.com/v2"

	tests := []struct {
		name  string
		base  string
		path  string
		query url.Values
		want  string
	}{
		{"relative path", base, "/users/1", nil, "https://api.example.com/v2/users/1"},
		{"no leading slash", base, "users/1", nil, "https://api.example.com/v2/users/1"},
		{"trailing slash kept", base, "/users/", nil, "https://api.example.com/v2/users/"},
		{"empty path", base, "", nil, "https://api.example.com/v2"},
		{"path query merged", base, "/search?q=go", url.Values{"page": {"2"}}, "https://api.example.com/v2/search?page=2&q=go"},
		{"proxy params dropped", base, "/x", url.Values{"path": {"/x"}, "apiKey": {"secret"}, "limit": {"5"}}, "https://api.example.com/v2/x?limit=5"},
		{"absolute url falls back", base, "https://evil.example.net/steal", nil, "https://api.example.com/v2"},
		{"scheme relative falls back", base, "//evil.example.net/steal", nil, "https://api.example.com/v2"},
		{"backslash falls back", base, `\\evil.example.net`, nil, "https://api.example.com/v2"},
		{"escaping base falls back", base, "/../admin", nil, "https://api.example.com/v2"},
		{"dot segments inside base", base, "/a/../b", nil, "https://api.example.com/v2/b"},
		{"unparsable falls back", base, "/%zz", url.Values{"a": {"1"}}, "https://api.example.com/v2?a=1"},
		{"other scheme falls back", base, "javascript:alert(1)", nil, "https://api.example.com/v2"},
		{"base query kept", "https://api.example.com/v1?key=pub", "/items", nil, "https://api.example.com/v1/items?key=pub"},
		{"root base", "https://api.example.com", "/items", nil, "https://api.example.com/items"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveTarget(tt.base, tt.path, tt.query)
			if err != nil {
				t.Fatalf("ResolveTarget() error = %v", err)
			}
			if got.String() != tt.want {
				t.Errorf("ResolveTarget() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResolveTarget_InvalidBase(t *testing.T) {
	for _, base := range []string{"", "api.example.com", "ftp://api.example.com", "://bad"} {
		if _, err := ResolveTarget(base, "/x", nil); err == nil {
			t.Errorf("ResolveTarget(%q) expected error", base)
		}
	}
}
