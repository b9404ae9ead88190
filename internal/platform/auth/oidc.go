package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const discoveryTimeout = 10 * time.Second

// OIDCProvider holds the fields of a discovery document that token
// verification uses.
type OIDCProvider struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

// DiscoverOIDC reads issuerURL/.well-known/openid-configuration. The
// document must name the same issuer it was fetched from, otherwise tokens
// minted by a different provider could be accepted.
func DiscoverOIDC(ctx context.Context, client *http.Client, issuerURL string) (*OIDCProvider, error) {
	if client == nil {
		client = &http.Client{Timeout: discoveryTimeout}
	}
	issuer := strings.TrimRight(issuerURL, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, issuer+"/.well-known/openid-configuration", nil)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oidc discovery: status %d", resp.StatusCode)
	}

	var p OIDCProvider
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("oidc discovery: decode: %w", err)
	}
	if strings.TrimRight(p.Issuer, "/") != issuer {
		return nil, fmt.Errorf("oidc discovery: issuer %q does not match %q", p.Issuer, issuerURL)
	}
	if p.JWKSURI == "" {
		return nil, fmt.Errorf("oidc discovery: no jwks_uri")
	}
	return &p, nil
}
