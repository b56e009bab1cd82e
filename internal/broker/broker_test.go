package broker

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/antigravity-broker/broker/internal/account"
	"github.com/antigravity-broker/broker/internal/brokererr"
	"github.com/antigravity-broker/broker/internal/manager"
	"github.com/antigravity-broker/broker/internal/sanitize"
	"github.com/antigravity-broker/broker/internal/sigcache"
	"github.com/antigravity-broker/broker/internal/token"
)

type fakeTokenDoer struct{}

func (fakeTokenDoer) RoundTrip(req *http.Request) (*http.Response, error) {
	panic("not used: tests resolve tokens straight from the cache")
}

type fakeTransport struct {
	responses []*TransportResponse
	calls     int
	seenAccts []string
}

func (f *fakeTransport) Send(ctx context.Context, req OutboundRequest) (*TransportResponse, error) {
	f.seenAccts = append(f.seenAccts, req.Account.RefreshToken)
	resp := f.responses[f.calls]
	f.calls++
	return resp, nil
}

func newTestBroker(t *testing.T, accounts []*account.Account, transport *fakeTransport) *Broker {
	t.Helper()
	m := manager.New(accounts, nil)
	lifecycle := token.New(token.Endpoint{}, fakeTokenDoer{}, nil)
	for _, a := range accounts {
		lifecycle.ResolveFromCache(a.RefreshToken, token.Snapshot{
			Refresh: a.RefreshToken + "||",
			Access:  "access-" + a.RefreshToken,
			Expires: time.Now().Add(time.Hour).UnixMilli(),
		}, time.Now())
	}
	return &Broker{
		Manager:   m,
		Lifecycle: lifecycle,
		Resolver:  nil,
		SigCache:  sigcache.New(),
		Transport: transport,
		Sanitize:  sanitize.DefaultOptions(),
	}
}

func TestHandleSuccessMarksUsedAndSuccess(t *testing.T) {
	accounts := []*account.Account{{RefreshToken: "r1"}}
	transport := &fakeTransport{responses: []*TransportResponse{{StatusCode: 200, Body: []byte(`{}`)}}}
	b := newTestBroker(t, accounts, transport)

	rc := RequestContext{Family: account.FamilyClaude, Strategy: manager.StrategySticky, HeaderStyle: account.HeaderStyleAntigravity}
	resp, err := b.Handle(context.Background(), rc, []byte(`{"messages":[]}`))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if accounts[0].LastUsed == 0 {
		t.Fatal("expected lastUsed to be stamped on success")
	}
}

func TestHandleNoEligibleAccountSurfacesError(t *testing.T) {
	accounts := []*account.Account{{RefreshToken: "r1"}}
	accounts[0].CoolingDownUntil = time.Now().Add(time.Hour).UnixMilli()
	transport := &fakeTransport{}
	b := newTestBroker(t, accounts, transport)

	rc := RequestContext{Family: account.FamilyClaude, Strategy: manager.StrategySticky}
	_, err := b.Handle(context.Background(), rc, []byte(`{}`))
	if err == nil {
		t.Fatal("expected NoEligibleAccount error")
	}
	if _, ok := err.(*brokererr.NoEligibleAccount); !ok {
		t.Fatalf("unexpected error type %T", err)
	}
}

func TestHandleRateLimitRotatesToNextAccount(t *testing.T) {
	accounts := []*account.Account{{RefreshToken: "r1"}, {RefreshToken: "r2"}}
	transport := &fakeTransport{responses: []*TransportResponse{
		{StatusCode: 429},
		{StatusCode: 200, Body: []byte(`{}`)},
	}}
	b := newTestBroker(t, accounts, transport)

	rc := RequestContext{Family: account.FamilyClaude, Strategy: manager.StrategySticky, HeaderStyle: account.HeaderStyleAntigravity}
	resp, err := b.Handle(context.Background(), rc, []byte(`{}`))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("StatusCode = %d, want 200 after rotation", resp.StatusCode)
	}
	if len(transport.seenAccts) != 2 || transport.seenAccts[0] != "r1" || transport.seenAccts[1] != "r2" {
		t.Fatalf("expected r1 then r2, got %v", transport.seenAccts)
	}
}

func TestHandleAuthErrorCoolsDownWithoutRetryOnSameAccount(t *testing.T) {
	accounts := []*account.Account{{RefreshToken: "r1"}}
	transport := &fakeTransport{responses: []*TransportResponse{{StatusCode: 401}}}
	b := newTestBroker(t, accounts, transport)

	rc := RequestContext{Family: account.FamilyClaude, Strategy: manager.StrategySticky}
	resp, err := b.Handle(context.Background(), rc, []byte(`{}`))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if resp.StatusCode != 401 {
		t.Fatalf("StatusCode = %d, want 401 surfaced", resp.StatusCode)
	}
	if accounts[0].CoolingDownUntil == 0 {
		t.Fatal("expected account to be cooling down after an auth error")
	}
	if len(transport.seenAccts) != 1 {
		t.Fatalf("expected exactly one send attempt, got %d", len(transport.seenAccts))
	}
}
