// Package token implements OAuth access-token redemption, the global
// auth cache, and revocation classification. It is grounded on the
// teacher's gemini_auth.go, which drives the same refresh-token grant
// through golang.org/x/oauth2's Config/TokenSource rather than a
// hand-rolled form POST, generalized from a single stored provider to the
// broker's per-account refresh flow.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/antigravity-broker/broker/internal/brokererr"
	"github.com/antigravity-broker/broker/internal/credential"
)

// ClockSkewMargin is subtracted from an access token's reported expiry so
// a token is treated as expired slightly before the vendor actually
// rejects it. Fixed at 60s (spec Open Question #2).
const ClockSkewMargin = 60 * time.Second

// Snapshot is the decoded auth state for one account: the credential
// triple plus the current access token and its raw, vendor-reported
// absolute expiry. Expires is never skew-adjusted itself; IsExpired and
// ExpiringWithin are the sole places that subtract ClockSkewMargin, so it
// is applied exactly once.
type Snapshot struct {
	Refresh string // encoded credential string, the cache/lookup key
	Access  string
	Expires int64 // epoch ms, as reported by the token endpoint; 0 means "treat as expired"
}

// IsExpired reports whether Access is unusable right now given the
// clock-skew margin. A zero Expires (absent) is always expired.
func (s Snapshot) IsExpired(now time.Time) bool {
	if s.Expires == 0 {
		return true
	}
	return now.UnixMilli() >= s.Expires-ClockSkewMargin.Milliseconds()
}

// Endpoint describes the OAuth token endpoint and client credentials used
// to redeem a refresh token for an access token.
type Endpoint struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// Lifecycle redeems refresh tokens and maintains the global auth cache.
type Lifecycle struct {
	endpoint  Endpoint
	transport http.RoundTripper

	invalidateProject func(refreshKey string)

	mu    sync.Mutex
	cache map[string]Snapshot // refresh token -> best known snapshot
}

// New builds a Lifecycle. transport is the RoundTripper the underlying
// oauth2.Config's HTTP client uses to reach the token endpoint; a nil
// transport falls back to http.DefaultTransport, and tests supply a fake.
// invalidateProject is called whenever a refresh token is revoked or
// rotated, so the project-context resolver's cache entry for the old key
// can be dropped; it may be nil.
func New(endpoint Endpoint, transport http.RoundTripper, invalidateProject func(string)) *Lifecycle {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Lifecycle{
		endpoint:          endpoint,
		transport:         transport,
		invalidateProject: invalidateProject,
		cache:             make(map[string]Snapshot),
	}
}

func (l *Lifecycle) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     l.endpoint.ClientID,
		ClientSecret: l.endpoint.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: l.endpoint.TokenURL},
	}
}

// Refresh redeems the refresh token embedded in auth.Refresh for a fresh
// access token via the refresh_token grant. It returns (nil, nil) when the
// refresh parts carry no refresh token at all (nothing to do) rather than
// an error, matching the spec's "absent refreshToken -> return undefined"
// contract.
func (l *Lifecycle) Refresh(ctx context.Context, auth Snapshot) (*Snapshot, error) {
	parts, err := credential.Decode(auth.Refresh)
	if err != nil {
		return nil, nil
	}
	if parts.RefreshToken == "" {
		return nil, nil
	}

	httpClient := &http.Client{Transport: l.transport, Timeout: 10 * time.Second}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)

	source := l.oauthConfig().TokenSource(ctx, &oauth2.Token{RefreshToken: parts.RefreshToken})
	tok, err := source.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
			return nil, l.classifyFailure(parts.RefreshToken, auth.Refresh, retrieveErr.Response.StatusCode, retrieveErr.Body)
		}
		return nil, nil // transport error: caller retries or rotates
	}

	newRefreshToken := tok.RefreshToken
	if newRefreshToken == "" {
		newRefreshToken = parts.RefreshToken
	}

	newEncoded := credential.Encode(newRefreshToken, parts.ProjectID, parts.ManagedProjectValue())

	next := Snapshot{Refresh: newEncoded, Access: tok.AccessToken, Expires: tok.Expiry.UnixMilli()}

	l.mu.Lock()
	l.cache[newRefreshToken] = next
	l.mu.Unlock()

	if parts.RefreshToken != newRefreshToken && l.invalidateProject != nil {
		l.invalidateProject(auth.Refresh)
	}

	return &next, nil
}

// classifyFailure parses the OAuth error payload tolerantly: it may be a
// bare string, or an object carrying status/code and message. On
// invalid_grant the auth cache entry (keyed by refreshToken) and the
// project-context entry (keyed by the encoded credential) are dropped.
func (l *Lifecycle) classifyFailure(refreshToken, encoded string, status int, body []byte) error {
	code, description := parseErrorPayload(body)

	if code == "invalid_grant" {
		l.mu.Lock()
		delete(l.cache, refreshToken)
		l.mu.Unlock()
		if l.invalidateProject != nil {
			l.invalidateProject(encoded)
		}
		return &brokererr.TokenRevoked{RefreshToken: refreshToken}
	}

	return &brokererr.TokenRefreshFailed{Status: status, Code: code, Description: description}
}

func parseErrorPayload(body []byte) (code, description string) {
	var asObjectError struct {
		Error       any    `json:"error"`
		Description string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &asObjectError); err == nil {
		switch v := asObjectError.Error.(type) {
		case string:
			return v, asObjectError.Description
		case map[string]any:
			if c, ok := v["code"].(string); ok {
				code = c
			} else if s, ok := v["status"].(string); ok {
				code = s
			}
			if m, ok := v["message"].(string); ok {
				description = m
			}
			return code, description
		}
	}
	return "", string(body)
}

// ResolveFromCache applies the "prefer unexpired" rule: the cached
// snapshot wins if it is unexpired; otherwise the fresher of the two
// (incoming replaces cached if incoming is unexpired, or if both are
// expired) is returned and stored.
func (l *Lifecycle) ResolveFromCache(refreshToken string, incoming Snapshot, now time.Time) Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	cached, ok := l.cache[refreshToken]
	if !ok {
		l.cache[refreshToken] = incoming
		return incoming
	}
	if !cached.IsExpired(now) {
		return cached
	}
	l.cache[refreshToken] = incoming
	return incoming
}

// InvalidateAuthCache removes a refresh token's cached snapshot, e.g. on
// revocation or account removal.
func (l *Lifecycle) InvalidateAuthCache(refreshToken string) {
	l.mu.Lock()
	delete(l.cache, refreshToken)
	l.mu.Unlock()
}

// ExpiringWithin reports whether refreshToken's cached access token falls
// within buffer of its clock-skew-adjusted expiry (or has no cached entry
// at all), for the proactive refresh queue's soon-to-expire scan.
func (l *Lifecycle) ExpiringWithin(refreshToken string, buffer time.Duration, now time.Time) bool {
	l.mu.Lock()
	cached, ok := l.cache[refreshToken]
	l.mu.Unlock()
	if !ok {
		return true
	}
	return now.Add(buffer).UnixMilli() >= cached.Expires-ClockSkewMargin.Milliseconds()
}
