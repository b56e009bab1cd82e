// Package project implements managed-project discovery and onboarding,
// grounded on internal/auth/antigravity/auth.go's FetchProjectID/OnboardUser
// chain (loadCodeAssist -> cloudaicompanionProject -> onboardUser polling).
// Concurrent resolutions for the same credential are memoized with
// golang.org/x/sync/singleflight.
package project

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/antigravity-broker/broker/internal/credential"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// DefaultProjectID is the last-resort fallback when onboarding never
// completes and the credential carries no projectId of its own.
const DefaultProjectID = "default-antigravity-project"

const onboardPollAttempts = 10
const onboardPollInterval = 5 * time.Second

// Endpoints lists project-provisioning base URLs tried in order.
type Endpoints struct {
	Bases            []string
	APIVersion       string
	ClientMetadata   map[string]string
}

// HTTPDoer is the minimal HTTP surface the resolver needs.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Resolver resolves the effective managed-project id for a credential.
type Resolver struct {
	endpoints    Endpoints
	client       HTTPDoer
	pollInterval time.Duration

	group singleflight.Group

	mu    sync.Mutex
	cache map[string]string // encoded refresh parts -> managed project id
}

// New builds a Resolver.
func New(endpoints Endpoints, client HTTPDoer) *Resolver {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Resolver{endpoints: endpoints, client: client, cache: make(map[string]string), pollInterval: onboardPollInterval}
}

// Result carries the resolved project id and, if onboarding rewrote the
// credential, the new encoded string the caller should persist.
type Result struct {
	ManagedProjectID string
	ReEncoded        string // empty if the credential was unchanged
}

// Resolve returns the effective managed project id for the given
// credential and access token, following spec.md 4.D's five-step contract.
// Concurrent calls with the same encoded key share one resolution.
func (r *Resolver) Resolve(ctx context.Context, encoded, accessToken string) (Result, error) {
	if cached, ok := r.cachedResult(encoded); ok {
		return Result{ManagedProjectID: cached}, nil
	}

	v, err, _ := r.group.Do(encoded, func() (any, error) {
		return r.resolveUncached(ctx, encoded, accessToken)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (r *Resolver) resolveUncached(ctx context.Context, encoded, accessToken string) (Result, error) {
	parts, err := credential.Decode(encoded)
	if err != nil {
		return Result{}, err
	}
	if parts.HasManagedProject() && parts.ManagedProjectValue() != "" {
		r.store(encoded, parts.ManagedProjectValue())
		return Result{ManagedProjectID: parts.ManagedProjectValue()}, nil
	}

	payload, ok := r.loadCodeAssist(ctx, accessToken)
	if !ok {
		return r.fallback(encoded, parts), nil
	}

	if id, found := extractCloudAICompanionProject(payload); found {
		reEncoded := credential.Encode(parts.RefreshToken, parts.ProjectID, id)
		r.store(reEncoded, id)
		r.invalidate(encoded)
		return Result{ManagedProjectID: id, ReEncoded: reEncoded}, nil
	}

	tierID := chooseTier(payload)
	if id, ok := r.onboard(ctx, accessToken, tierID); ok {
		reEncoded := credential.Encode(parts.RefreshToken, parts.ProjectID, id)
		r.store(reEncoded, id)
		r.invalidate(encoded)
		return Result{ManagedProjectID: id, ReEncoded: reEncoded}, nil
	}

	return r.fallback(encoded, parts), nil
}

func (r *Resolver) fallback(encoded string, parts credential.Parts) Result {
	if parts.ProjectID != "" {
		return Result{ManagedProjectID: parts.ProjectID}
	}
	return Result{ManagedProjectID: DefaultProjectID}
}

// loadCodeAssist tries every configured base concurrently via errgroup,
// then returns the first base's result (in configured preference order)
// that succeeded. Fanning the tries out means a slow or unreachable
// earlier-preference base no longer serializes the whole fallback chain.
func (r *Resolver) loadCodeAssist(ctx context.Context, accessToken string) (map[string]any, bool) {
	body, _ := json.Marshal(map[string]any{"metadata": r.endpoints.ClientMetadata})

	results := make([]struct {
		payload map[string]any
		ok      bool
	}, len(r.endpoints.Bases))

	g, gctx := errgroup.WithContext(ctx)
	for i, base := range r.endpoints.Bases {
		i, base := i, base
		g.Go(func() error {
			url := fmt.Sprintf("%s/%s:loadCodeAssist", base, r.endpoints.APIVersion)
			resp, ok := r.postJSON(gctx, url, accessToken, body)
			results[i].payload, results[i].ok = resp, ok
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range results {
		if res.ok {
			return res.payload, true
		}
	}
	return nil, false
}

// onboard polls onboardUser across the endpoint list, honoring the first
// endpoint to report done=true within onboardPollAttempts tries.
func (r *Resolver) onboard(ctx context.Context, accessToken, tierID string) (string, bool) {
	body, _ := json.Marshal(map[string]any{"tierId": tierID, "metadata": r.endpoints.ClientMetadata})

	for attempt := 0; attempt < onboardPollAttempts; attempt++ {
		for _, base := range r.endpoints.Bases {
			url := fmt.Sprintf("%s/%s:onboardUser", base, r.endpoints.APIVersion)
			resp, ok := r.postJSON(ctx, url, accessToken, body)
			if !ok {
				continue
			}
			done, _ := resp["done"].(bool)
			if !done {
				continue
			}
			if response, ok := resp["response"].(map[string]any); ok {
				if id, found := extractCloudAICompanionProject(response); found {
					return id, true
				}
			}
		}
		if attempt < onboardPollAttempts-1 {
			select {
			case <-ctx.Done():
				return "", false
			case <-time.After(r.pollInterval):
			}
		}
	}
	return "", false
}

func (r *Resolver) postJSON(ctx context.Context, url, accessToken string, body []byte) (map[string]any, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, false
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, false
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false
	}
	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, false
	}
	return parsed, true
}

// extractCloudAICompanionProject handles both the string and {id} object
// shapes the vendor's response has been observed to return.
func extractCloudAICompanionProject(payload map[string]any) (string, bool) {
	raw, ok := payload["cloudaicompanionProject"]
	if !ok {
		return "", false
	}
	switch v := raw.(type) {
	case string:
		if v == "" {
			return "", false
		}
		return v, true
	case map[string]any:
		if id, ok := v["id"].(string); ok && id != "" {
			return id, true
		}
	}
	return "", false
}

// chooseTier picks the default tier: the first isDefault entry of
// allowedTiers, else the first tier, else the literal "FREE".
func chooseTier(payload map[string]any) string {
	tiers, ok := payload["allowedTiers"].([]any)
	if !ok || len(tiers) == 0 {
		return "FREE"
	}
	var firstID string
	for i, t := range tiers {
		tier, ok := t.(map[string]any)
		if !ok {
			continue
		}
		id, _ := tier["id"].(string)
		if i == 0 {
			firstID = id
		}
		if isDefault, _ := tier["isDefault"].(bool); isDefault && id != "" {
			return id
		}
	}
	if firstID != "" {
		return firstID
	}
	return "FREE"
}

func (r *Resolver) cachedResult(key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.cache[key]
	return v, ok
}

func (r *Resolver) store(key, value string) {
	r.mu.Lock()
	r.cache[key] = value
	r.mu.Unlock()
}

// Invalidate drops the cached resolution for a credential key, used when
// the refresh token changes or a revocation is observed.
func (r *Resolver) Invalidate(key string) {
	r.mu.Lock()
	delete(r.cache, key)
	r.mu.Unlock()
}

func (r *Resolver) invalidate(key string) { r.Invalidate(key) }
