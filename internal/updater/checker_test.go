package updater

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIsNewer(t *testing.T) {
	tests := []struct {
		current, latest string
		want            bool
	}{
		{"0.1.0", "0.2.0", true},
		{"1.2.3", "1.2.3", false},
		{"1.10.0", "1.9.9", false},
		{"0.0.0-dev", "0.0.1", true},
		{"v1.0.0", "v1.0.1", true},
		{"garbage", "1.0.0", false},
		{"1.0", "1.0.1", false},
	}
	for _, tt := range tests {
		if got := IsNewer(tt.current, tt.latest); got != tt.want {
			t.Errorf("IsNewer(%q, %q) = %v, want %v", tt.current, tt.latest, got, tt.want)
		}
	}
}

func TestChecker_Latest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tag_name":"v1.4.0","html_url":"https://example.com/r/1.4.0"}`))
	}))
	defer srv.Close()

	c := &Checker{URL: srv.URL}
	rel, err := c.Latest(context.Background())
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if rel.Version != "1.4.0" || rel.URL != "https://example.com/r/1.4.0" {
		t.Errorf("unexpected release %+v", rel)
	}
}

func TestChecker_LatestErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	for _, path := range []string{"/missing", "/empty"} {
		c := &Checker{URL: srv.URL + path}
		if _, err := c.Latest(context.Background()); err == nil {
			t.Errorf("%s: expected error", path)
		}
	}
}
