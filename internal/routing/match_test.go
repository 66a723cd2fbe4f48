package routing

import "testing"

func TestMatchesPrefix(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		prefix string
		want   bool
	}{
		{"nested path under prefix", "/api/deals/123", "/api", true},
		{"exact match", "/charges", "/charges", true},
		{"trailing slash prefix covers child", "/ops/breakers", "/ops/", true},
		{"trailing slash prefix covers itself", "/ops/", "/ops/", true},
		{"lookalike domain segment", "/api.evil.com/steal", "/api", false},
		{"hyphen continuation", "/api-internal/x", "/api", false},
		{"word continuation", "/chargesheet", "/charges", false},
		{"unrelated path", "/health", "/api", false},
		{"root prefix covers everything", "/anything", "/", true},
		{"empty prefix never matches", "/api", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MatchesPrefix(tt.path, tt.prefix); got != tt.want {
				t.Errorf("MatchesPrefix(%q, %q) = %v, want %v", tt.path, tt.prefix, got, tt.want)
			}
		})
	}
}
