package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func discoveryServer(t *testing.T, issuer func(base string) string, jwks string) *httptest.Server {
	t.Helper()
	var ts *httptest.Server
	ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"issuer":%q,"jwks_uri":%q}`, issuer(ts.URL), jwks)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestDiscoverOIDC(t *testing.T) {
	ts := discoveryServer(t, func(base string) string { return base }, "https://id.example.com/keys")

	p, err := DiscoverOIDC(context.Background(), ts.Client(), ts.URL+"/")
	if err != nil {
		t.Fatalf("DiscoverOIDC: %v", err)
	}
	if p.JWKSURI != "https://id.example.com/keys" {
		t.Errorf("unexpected jwks_uri %q", p.JWKSURI)
	}
}

func TestDiscoverOIDC_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		issuer func(string) string
		jwks   string
	}{
		{"issuer mismatch", func(string) string { return "https://evil.example.com" }, "https://id.example.com/keys"},
		{"no jwks_uri", func(base string) string { return base }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := discoveryServer(t, tt.issuer, tt.jwks)
			if _, err := DiscoverOIDC(context.Background(), ts.Client(), ts.URL); err == nil {
				t.Error("expected discovery to fail")
			}
		})
	}
}

func TestDiscoverOIDC_NotFound(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()
	if _, err := DiscoverOIDC(context.Background(), ts.Client(), ts.URL); err == nil {
		t.Error("expected an error for 404")
	}
}
