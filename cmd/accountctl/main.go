// Command accountctl is a small flag-based debug inspector for the account
// pool the broker manages: list accounts and their quota/cooldown state,
// and force a refresh of one account's access token. It never starts a
// request transport; subcommands that would need one reject up front.
//
// Grounded on the teacher's cmd/server/main.go flag-parsing idiom (stdlib
// flag, logrus for error reporting). The optional .env file is loaded by
// Builder.Build, after flags are parsed.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	sdkbroker "github.com/antigravity-broker/broker/sdk/broker"
)

// unavailableTransport rejects Handle calls; accountctl only exercises the
// account-pool and token-lifecycle surface, never full request dispatch.
type unavailableTransport struct{}

func (unavailableTransport) Send(context.Context, sdkbroker.OutboundRequest) (*sdkbroker.TransportResponse, error) {
	return nil, fmt.Errorf("accountctl: request dispatch is not available from this tool")
}

func main() {
	var listCmd bool
	var quotaCmd bool
	var refreshCmd string
	var configDir string
	var tokenURL string
	var clientID string
	var clientSecret string

	flag.BoolVar(&listCmd, "list", false, "List accounts in the pool")
	flag.BoolVar(&quotaCmd, "quota", false, "Show quota/cooldown state for every account")
	flag.StringVar(&refreshCmd, "refresh", "", "Force a token refresh for the account with this refresh token")
	flag.StringVar(&configDir, "config-dir", "", "Override the resolved account store directory")
	flag.StringVar(&tokenURL, "token-url", "https://oauth2.googleapis.com/token", "OAuth token endpoint")
	flag.StringVar(&clientID, "client-id", "", "OAuth client id")
	flag.StringVar(&clientSecret, "client-secret", "", "OAuth client secret")
	flag.Parse()

	builder := sdkbroker.NewBuilder().
		WithTokenEndpoint(sdkbroker.Endpoint{TokenURL: tokenURL, ClientID: clientID, ClientSecret: clientSecret})
	if configDir != "" {
		builder = builder.WithConfigDir(configDir)
	}

	b, err := builder.Build(unavailableTransport{})
	if err != nil {
		log.WithError(err).Fatal("accountctl: failed to build broker")
	}
	defer b.Close()

	switch {
	case listCmd:
		runList(b)
	case quotaCmd:
		runQuota(b)
	case refreshCmd != "":
		runRefresh(b, refreshCmd)
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func runList(b *sdkbroker.Broker) {
	accounts := b.Accounts()
	if len(accounts) == 0 {
		fmt.Println("no accounts in the pool")
		return
	}
	for i, a := range accounts {
		status := "enabled"
		if !a.IsEnabled() {
			status = "disabled"
		}
		fmt.Printf("%d\t%s\tproject=%s\tmanagedProject=%s\t%s\n", i, a.Email, a.ProjectID, a.ManagedProjectID, status)
	}
}

func runQuota(b *sdkbroker.Broker) {
	accounts := b.Accounts()
	now := time.Now()
	for i, a := range accounts {
		cooldown := "-"
		if a.CoolingDownUntil > now.UnixMilli() {
			remaining := time.Duration(a.CoolingDownUntil-now.UnixMilli()) * time.Millisecond
			cooldown = fmt.Sprintf("%s (%s)", a.CooldownReason, remaining.Round(time.Second))
		}
		fmt.Printf("%d\t%s\tcooldown=%s\trateLimits=%d\n", i, a.Email, cooldown, len(a.RateLimitResetTimes))
	}
	stats := b.RefreshStats()
	fmt.Printf("refresh queue: running=%t lastCheck=%s lastRefresh=%s refreshed=%d errors=%d\n",
		stats.IsRunning, formatTime(stats.LastCheck), formatTime(stats.LastRefresh), stats.RefreshCount, stats.ErrorCount)
}

func runRefresh(b *sdkbroker.Broker, refreshToken string) {
	var target *sdkbroker.Account
	for _, a := range b.Accounts() {
		if a.RefreshToken == refreshToken {
			target = a
			break
		}
	}
	if target == nil {
		log.Fatalf("accountctl: no account with that refresh token")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := b.ForceRefresh(ctx, target); err != nil {
		log.WithError(err).Fatal("accountctl: refresh failed")
	}
	fmt.Println("refresh succeeded")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format(time.RFC3339)
}
