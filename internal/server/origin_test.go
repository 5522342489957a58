package server

import (
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func TestOriginPolicy(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"exact match", []string{"http://localhost:8080"}, "http://localhost:8080", true},
		{"case insensitive", []string{"http://LocalHost:8080"}, "HTTP://localhost:8080", true},
		{"trailing path ignored", []string{"http://localhost:8080/"}, "http://localhost:8080", true},
		{"other port", []string{"http://localhost:8080"}, "http://localhost:9090", false},
		{"other scheme", []string{"http://localhost:8080"}, "https://localhost:8080", false},
		{"missing origin", []string{"http://localhost:8080"}, "", false},
		{"malformed origin", []string{"http://localhost:8080"}, "not-a-url", false},
		{"host only", []string{"http://localhost:8080"}, "http://", false},
		{"wildcard", []string{"*"}, "https://anything.example", true},
		{"wildcard still needs a header", []string{"*"}, "", false},
		{"invalid config entries skipped", []string{"", "  ", "nonsense"}, "http://localhost:8080", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newOriginPolicy(tt.allowed, zap.NewNop())
			req := httptest.NewRequest("GET", "/ws", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := p.check(req); got != tt.want {
				t.Errorf("check(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}
