// Package broker orchestrates one inference request end to end: account
// selection (manager) -> token refresh (token) -> project-context
// resolution (project) -> payload sanitization (sanitize) -> transport,
// recording the outcome back into the account manager. Grounded directly
// on spec.md 4.I; the teacher has no equivalent orchestration point since
// its request path is a gin HTTP handler, the transport itself being an
// out-of-scope external collaborator here.
package broker

import (
	"context"
	"time"

	"github.com/antigravity-broker/broker/internal/account"
	"github.com/antigravity-broker/broker/internal/brokererr"
	"github.com/antigravity-broker/broker/internal/credential"
	"github.com/antigravity-broker/broker/internal/manager"
	"github.com/antigravity-broker/broker/internal/project"
	"github.com/antigravity-broker/broker/internal/sanitize"
	"github.com/antigravity-broker/broker/internal/sigcache"
	"github.com/antigravity-broker/broker/internal/token"
)

const optimisticResetCeiling = 2 * time.Second

// RequestContext carries the request classification the host has already
// derived from the target URL and its own config (out of scope here).
type RequestContext struct {
	Family      account.Family
	Model       string
	HeaderStyle account.HeaderStyle
	Strategy    manager.Strategy
	SessionID   string
}

// OutboundRequest is what the broker hands to the transport collaborator.
type OutboundRequest struct {
	Account     *account.Account
	AccessToken string
	ProjectID   string
	HeaderStyle account.HeaderStyle
	Payload     []byte
}

// TransportResponse is what the transport collaborator reports back.
type TransportResponse struct {
	StatusCode int
	Body       []byte
	// ContentEncoding is the response's Content-Encoding header value
	// ("gzip", "zstd", or "" for identity), consulted before Body is
	// scanned for thinking-signature blocks.
	ContentEncoding string
	RetryAfter      time.Duration
	// ThinkingSignatures, if non-nil, maps signed thinking text observed
	// in a streamed response to its signature, to be ingested into the
	// signature cache for this session. Callers that already parsed the
	// body may populate this directly; otherwise the broker derives it
	// from Body itself.
	ThinkingSignatures map[string]string
}

// Transport is the out-of-scope HTTP-capable fetcher the host supplies.
type Transport interface {
	Send(ctx context.Context, req OutboundRequest) (*TransportResponse, error)
}

// Broker wires the four in-scope subsystems together.
type Broker struct {
	Manager   *manager.Manager
	Lifecycle *token.Lifecycle
	Resolver  *project.Resolver
	SigCache  *sigcache.Cache
	Transport Transport
	Sanitize  sanitize.Options
}

// Handle runs one request through selection, token/project resolution,
// sanitization, and transport, applying the backoff/cooldown/rotation
// policy from spec.md 4.I to the observed outcome.
func (b *Broker) Handle(ctx context.Context, rc RequestContext, payload []byte) (*TransportResponse, error) {
	opts := manager.SelectOptions{
		Family:      rc.Family,
		Model:       rc.Model,
		Strategy:    rc.Strategy,
		HeaderStyle: rc.HeaderStyle,
	}

	acct := b.Manager.SelectForFamily(opts)
	if acct == nil {
		wait := b.Manager.GetMinWaitTimeForFamily(rc.Family, rc.Model, rc.HeaderStyle, false)
		if wait > 0 && wait <= optimisticResetCeiling {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
			acct = b.Manager.SelectForFamily(opts)
		}
	}
	if acct == nil {
		wait := b.Manager.GetMinWaitTimeForFamily(rc.Family, rc.Model, rc.HeaderStyle, false)
		return nil, &brokererr.NoEligibleAccount{Family: string(rc.Family), MinWaitMs: wait.Milliseconds()}
	}

	return b.sendWithAccount(ctx, rc, opts, acct, payload)
}

func (b *Broker) sendWithAccount(ctx context.Context, rc RequestContext, opts manager.SelectOptions, acct *account.Account, payload []byte) (*TransportResponse, error) {
	access, err := b.resolveAccess(ctx, acct)
	if err != nil {
		return nil, err
	}

	projectID := acct.ManagedProjectID
	if b.Resolver != nil {
		encoded := encodedCredential(acct)
		result, resolveErr := b.Resolver.Resolve(ctx, encoded, access)
		if resolveErr == nil {
			projectID = result.ManagedProjectID
			if result.ReEncoded != "" {
				applyReEncoded(acct, result.ReEncoded)
			}
		}
		// ProjectProvisionFailed is logged by the caller, never fatal here;
		// we fall through with whatever projectID we already had.
	}

	sanitized, _ := sanitize.Sanitize(payload, rc.Model, b.Sanitize)

	resp, sendErr := b.Transport.Send(ctx, OutboundRequest{
		Account:     acct,
		AccessToken: access,
		ProjectID:   projectID,
		HeaderStyle: rc.HeaderStyle,
		Payload:     sanitized.Payload,
	})
	if sendErr != nil {
		b.Manager.MarkAccountCoolingDown(acct, 15*time.Second, account.CooldownNetworkError)
		return nil, sendErr
	}

	return b.handleResponse(ctx, rc, opts, acct, resp, payload)
}

func (b *Broker) resolveAccess(ctx context.Context, acct *account.Account) (string, error) {
	encoded := encodedCredential(acct)
	snap := token.Snapshot{Refresh: encoded}
	cached := b.Lifecycle.ResolveFromCache(acct.RefreshToken, snap, time.Now())

	if !cached.IsExpired(time.Now()) {
		return cached.Access, nil
	}

	refreshed, err := b.Lifecycle.Refresh(ctx, cached)
	if err != nil {
		if revoked, ok := err.(*brokererr.TokenRevoked); ok {
			b.Manager.MarkAccountCoolingDown(acct, 30*time.Second, account.CooldownAuthFailure)
			return "", revoked
		}
		return "", err
	}
	if refreshed == nil {
		return "", &brokererr.NoEligibleAccount{Family: "", MinWaitMs: 0}
	}
	return refreshed.Access, nil
}

func (b *Broker) handleResponse(ctx context.Context, rc RequestContext, opts manager.SelectOptions, acct *account.Account, resp *TransportResponse, payload []byte) (*TransportResponse, error) {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		b.Manager.MarkAccountUsed(acct)
		b.Manager.MarkRequestSuccess(acct)
		if b.SigCache != nil {
			signatures := resp.ThinkingSignatures
			if signatures == nil {
				decompressed := decompressBody(resp.ContentEncoding, resp.Body)
				signatures = extractThoughtSignatures(decompressed)
			}
			for text, sig := range signatures {
				b.SigCache.CacheSignature(rc.SessionID, text, sig)
			}
		}
		b.Manager.RequestSaveToDisk()
		return resp, nil

	case resp.StatusCode == 401:
		b.Manager.MarkAccountCoolingDown(acct, 30*time.Second, account.CooldownAuthFailure)
		b.Lifecycle.InvalidateAuthCache(acct.RefreshToken)
		if b.Resolver != nil {
			b.Resolver.Invalidate(encodedCredential(acct))
		}
		return resp, nil

	case resp.StatusCode == 429 || resp.StatusCode == 503 || resp.StatusCode == 529:
		return b.handleRateLimit(ctx, rc, opts, acct, resp, payload)

	case resp.StatusCode >= 500:
		b.Manager.MarkAccountCoolingDown(acct, 20*time.Second, account.CooldownNetworkError)
		return resp, nil

	default:
		return resp, nil
	}
}

func (b *Broker) handleRateLimit(ctx context.Context, rc RequestContext, opts manager.SelectOptions, acct *account.Account, resp *TransportResponse, payload []byte) (*TransportResponse, error) {
	backoff := b.Manager.MarkRateLimitedWithReason(acct, "", "", resp.StatusCode, resp.RetryAfter, rc.Family, rc.HeaderStyle, rc.Model)
	_ = backoff

	if rc.Family == account.FamilyGemini && rc.HeaderStyle == account.HeaderStyleAntigravity {
		if b.Manager.HasOtherAccountWithAntigravityAvailable(acct.Index, rc.Family, rc.Model) {
			next := b.Manager.SelectForFamily(opts)
			if next != nil {
				return b.sendWithAccount(ctx, rc, opts, next, payload)
			}
		} else if style, ok := b.Manager.GetAvailableHeaderStyle(acct, rc.Family, rc.Model); ok && style == account.HeaderStyleGeminiCLI {
			altRC := rc
			altRC.HeaderStyle = account.HeaderStyleGeminiCLI
			altOpts := opts
			altOpts.HeaderStyle = account.HeaderStyleGeminiCLI
			return b.sendWithAccount(ctx, altRC, altOpts, acct, payload)
		}
	}

	next := b.Manager.SelectForFamily(opts)
	if next == nil {
		wait := b.Manager.GetMinWaitTimeForFamily(rc.Family, rc.Model, rc.HeaderStyle, false)
		return nil, &brokererr.NoEligibleAccount{Family: string(rc.Family), MinWaitMs: wait.Milliseconds()}
	}
	return b.sendWithAccount(ctx, rc, opts, next, payload)
}

func encodedCredential(a *account.Account) string {
	return credential.Encode(a.RefreshToken, a.ProjectID, a.ManagedProjectID)
}

func applyReEncoded(a *account.Account, reEncoded string) {
	parts, err := credential.Decode(reEncoded)
	if err != nil {
		return
	}
	a.RefreshToken, a.ProjectID, a.ManagedProjectID = parts.RefreshToken, parts.ProjectID, parts.ManagedProjectValue()
}
