// Package broker is the public facade over the account pool, token
// lifecycle, project-context resolution, payload sanitization, and request
// dispatch, following the teacher's sdk/ vs internal/ split: everything
// exported here is a thin constructible wrapper over the internal
// subsystems, assembled through a fluent Builder in the style of
// sdk/cliproxy.Builder.
package broker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/antigravity-broker/broker/internal/account"
	ibroker "github.com/antigravity-broker/broker/internal/broker"
	"github.com/antigravity-broker/broker/internal/brokercfg"
	"github.com/antigravity-broker/broker/internal/credential"
	"github.com/antigravity-broker/broker/internal/fingerprint"
	"github.com/antigravity-broker/broker/internal/logging"
	"github.com/antigravity-broker/broker/internal/manager"
	"github.com/antigravity-broker/broker/internal/project"
	"github.com/antigravity-broker/broker/internal/refreshqueue"
	"github.com/antigravity-broker/broker/internal/sanitize"
	"github.com/antigravity-broker/broker/internal/sigcache"
	"github.com/antigravity-broker/broker/internal/store"
	"github.com/antigravity-broker/broker/internal/token"
)

// Re-exported types so callers never need to import internal/ themselves.
type (
	Account           = account.Account
	Family            = account.Family
	HeaderStyle       = account.HeaderStyle
	Strategy          = manager.Strategy
	RequestContext    = ibroker.RequestContext
	OutboundRequest   = ibroker.OutboundRequest
	TransportResponse = ibroker.TransportResponse
	Transport         = ibroker.Transport
	Endpoint          = token.Endpoint
	ProjectEndpoints  = project.Endpoints
	SanitizeOptions   = sanitize.Options
	RefreshStats      = refreshqueue.Stats
)

const (
	FamilyClaude           = account.FamilyClaude
	FamilyGemini           = account.FamilyGemini
	HeaderStyleAntigravity = account.HeaderStyleAntigravity
	HeaderStyleGeminiCLI   = account.HeaderStyleGeminiCLI
	StrategySticky         = manager.StrategySticky
	StrategyRoundRobin     = manager.StrategyRoundRobin
	StrategyHybrid         = manager.StrategyHybrid
)

// Builder assembles a Broker, defaulting every collaborator it isn't given
// so a zero-configuration Build() still produces a working instance backed
// by the platform's default config directory. Mirrors the teacher's
// sdk/cliproxy.Builder fluent With* chain.
type Builder struct {
	configDir        string
	tokenEndpoint    token.Endpoint
	projectEndpoints project.Endpoints
	transport        http.RoundTripper
	sanitizeOpts     sanitize.Options
	diskTier         sigcache.DiskTier
	hybridSelector   manager.HybridSelector
	refreshInterval  time.Duration
	refreshBuffer    time.Duration
	enableHotReload  bool
	enableFileLog    bool
	log              *logrus.Entry
}

// NewBuilder returns a Builder with the teacher's conservative defaults:
// hot-reload and the refresh queue off until explicitly requested, file
// logging off (console-only) until WithFileLogging enables it.
func NewBuilder() *Builder {
	return &Builder{sanitizeOpts: sanitize.DefaultOptions()}
}

func (b *Builder) WithConfigDir(dir string) *Builder           { b.configDir = dir; return b }
func (b *Builder) WithTokenEndpoint(e token.Endpoint) *Builder { b.tokenEndpoint = e; return b }
func (b *Builder) WithProjectEndpoints(e project.Endpoints) *Builder {
	b.projectEndpoints = e
	return b
}
func (b *Builder) WithTransport(rt http.RoundTripper) *Builder { b.transport = rt; return b }
func (b *Builder) WithSanitizeOptions(o sanitize.Options) *Builder {
	b.sanitizeOpts = o
	return b
}
func (b *Builder) WithSignatureDiskTier(d sigcache.DiskTier) *Builder { b.diskTier = d; return b }
func (b *Builder) WithHybridSelector(h manager.HybridSelector) *Builder {
	b.hybridSelector = h
	return b
}
func (b *Builder) WithRefreshQueue(interval, buffer time.Duration) *Builder {
	b.refreshInterval = interval
	b.refreshBuffer = buffer
	return b
}
func (b *Builder) WithHotReload(enabled bool) *Builder   { b.enableHotReload = enabled; return b }
func (b *Builder) WithFileLogging(enabled bool) *Builder { b.enableFileLog = enabled; return b }
func (b *Builder) WithLogger(log *logrus.Entry) *Builder { b.log = log; return b }

// Broker is the assembled, ready-to-use facade. Handle dispatches one
// request through selection, token/project resolution, sanitization, and
// the supplied Transport; Close stops any background goroutines the
// Builder started (refresh queue ticker, store watcher).
type Broker struct {
	store     *store.Store
	manager   *manager.Manager
	lifecycle *token.Lifecycle
	resolver  *project.Resolver
	sigCache  *sigcache.Cache
	core      *ibroker.Broker

	refreshQueue *refreshqueue.Queue
	stopWatch    func()
	cancelQueue  context.CancelFunc
	log          *logrus.Entry
}

// Build assembles the Broker. transport is the host's HTTP-capable
// collaborator that actually sends requests to the vendor API; the broker
// never reaches the network itself for request dispatch (only the token
// and project-context subsystems do, for their own OAuth/onboarding
// calls).
func (b *Builder) Build(transport ibroker.Transport) (*Broker, error) {
	logging.Setup()
	log := b.log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	brokercfg.LoadDotEnv()
	dir := b.configDir
	if dir == "" {
		resolved, err := brokercfg.ResolveConfigDir()
		if err != nil {
			return nil, fmt.Errorf("broker: resolve config dir: %w", err)
		}
		dir = resolved
	}
	if b.enableFileLog {
		if err := logging.ConfigureFileSink(dir, brokercfg.ConsoleLoggingEnabled()); err != nil {
			return nil, fmt.Errorf("broker: configure file logging: %w", err)
		}
	}

	st := store.New(dir, log)
	root, loadErr := st.Load()
	if loadErr != nil {
		log.WithError(loadErr).Warn("broker: starting with an empty account pool after a load failure")
		root = &store.Root{}
	}

	mgr := manager.New(root.Accounts, func(accounts []*account.Account) error {
		return st.Save(&store.Root{Version: 3, Accounts: accounts})
	})
	if b.hybridSelector != nil {
		mgr.SetHybridSelector(b.hybridSelector)
	}

	var resolver *project.Resolver
	var invalidateProject func(string)
	if len(b.projectEndpoints.Bases) > 0 {
		resolver = project.New(b.projectEndpoints, &http.Client{Transport: b.transport, Timeout: 15 * time.Second})
		invalidateProject = resolver.Invalidate
	}
	lifecycle := token.New(b.tokenEndpoint, b.transport, invalidateProject)

	sigCache := sigcache.New()
	if b.diskTier != nil {
		sigCache.SetDiskTier(b.diskTier)
	}

	core := &ibroker.Broker{
		Manager:   mgr,
		Lifecycle: lifecycle,
		Resolver:  resolver,
		SigCache:  sigCache,
		Transport: transport,
		Sanitize:  b.sanitizeOpts,
	}

	br := &Broker{
		store:     st,
		manager:   mgr,
		lifecycle: lifecycle,
		resolver:  resolver,
		sigCache:  sigCache,
		core:      core,
		log:       log,
	}

	if b.enableHotReload {
		stop, err := st.Watch(func(reloaded *store.Root) {
			known := make(map[string]bool)
			for _, existing := range mgr.Accounts() {
				known[existing.RefreshToken] = true
			}
			for _, a := range reloaded.Accounts {
				if !known[a.RefreshToken] {
					mgr.AddAccount(a)
				}
			}
		})
		if err != nil {
			log.WithError(err).Warn("broker: hot-reload watch failed to start, continuing without it")
		} else {
			br.stopWatch = stop
		}
	}

	if b.refreshInterval > 0 || b.refreshBuffer > 0 {
		queue := refreshqueue.New(refreshqueue.Deps{
			ListSoonToExpire: func(buffer time.Duration) []refreshqueue.Candidate {
				return listSoonToExpire(mgr, lifecycle, buffer)
			},
			Refresh: func(ctx context.Context, c refreshqueue.Candidate) error {
				next, err := lifecycle.Refresh(ctx, token.Snapshot{Refresh: c.RefreshKey, Expires: c.ExpiresAt})
				if err != nil || next == nil {
					return err
				}
				old, oldErr := credential.Decode(c.RefreshKey)
				parts, newErr := credential.Decode(next.Refresh)
				if oldErr != nil || newErr != nil {
					return nil
				}
				for _, a := range mgr.Accounts() {
					if a.RefreshToken == old.RefreshToken {
						a.RefreshToken = parts.RefreshToken
					}
				}
				return nil
			},
			RequestSave: mgr.RequestSaveToDisk,
		}, b.refreshInterval, b.refreshBuffer)
		ctx, cancel := context.WithCancel(context.Background())
		queue.Start(ctx)
		br.refreshQueue = queue
		br.cancelQueue = cancel
	}

	return br, nil
}

// listSoonToExpire builds the refresh queue's candidate list from the
// account pool: enabled accounts whose cached access token (per the token
// lifecycle's auth cache) is within buffer of its clock-skew-adjusted
// expiry, or that have no cached token at all.
func listSoonToExpire(mgr *manager.Manager, lifecycle *token.Lifecycle, buffer time.Duration) []refreshqueue.Candidate {
	now := time.Now()
	var out []refreshqueue.Candidate
	for _, a := range mgr.Accounts() {
		if !a.IsEnabled() || a.RefreshToken == "" {
			continue
		}
		if !lifecycle.ExpiringWithin(a.RefreshToken, buffer, now) {
			continue
		}
		encoded := credential.Encode(a.RefreshToken, a.ProjectID, a.ManagedProjectID)
		out = append(out, refreshqueue.Candidate{
			RefreshKey: encoded,
			ExpiresAt:  now.Add(buffer).UnixMilli(),
		})
	}
	return out
}

// Handle dispatches one request through the full selection / auth /
// sanitization / transport / outcome pipeline.
func (s *Broker) Handle(ctx context.Context, rc RequestContext, payload []byte) (*TransportResponse, error) {
	return s.core.Handle(ctx, rc, payload)
}

// Accounts returns the live account pool. Callers must not mutate the
// returned slice or its elements directly; use AddAccount/RemoveAccount.
func (s *Broker) Accounts() []*Account { return s.manager.Accounts() }

// AddAccount appends a new account to the pool and requests a debounced
// persist, assigning it a fresh device fingerprint if it has none.
func (s *Broker) AddAccount(a *Account) {
	if a.Fingerprint == nil {
		fp := fingerprint.Generate()
		a.Fingerprint = &fp
	}
	s.manager.AddAccount(a)
	s.manager.RequestSaveToDisk()
}

// RemoveAccount drops an account from the pool.
func (s *Broker) RemoveAccount(a *Account) { s.manager.RemoveAccount(a) }

// ForceRefresh redeems a fresh access token for the given account right
// now, bypassing the proactive refresh queue's expiry check, and applies
// the resulting credential (a rotated refresh token, if the endpoint
// returned one) back onto the account. Intended for debug tooling, not
// the request hot path.
func (s *Broker) ForceRefresh(ctx context.Context, a *Account) error {
	encoded := credential.Encode(a.RefreshToken, a.ProjectID, a.ManagedProjectID)
	next, err := s.lifecycle.Refresh(ctx, token.Snapshot{Refresh: encoded})
	if err != nil {
		return err
	}
	if next == nil {
		return fmt.Errorf("broker: refresh returned no token for this account")
	}
	parts, decodeErr := credential.Decode(next.Refresh)
	if decodeErr != nil {
		return decodeErr
	}
	a.RefreshToken, a.ProjectID, a.ManagedProjectID = parts.RefreshToken, parts.ProjectID, parts.ManagedProjectValue()
	s.manager.RequestSaveToDisk()
	return nil
}

// RefreshStats reports the proactive refresh queue's last-known counters,
// or the zero value if no refresh queue was configured.
func (s *Broker) RefreshStats() RefreshStats {
	if s.refreshQueue == nil {
		return RefreshStats{}
	}
	return s.refreshQueue.Snapshot()
}

// Flush forces an immediate, synchronous save of the account pool.
func (s *Broker) Flush() { s.manager.FlushSaveToDisk() }

// Close stops any background goroutines (refresh queue, store watcher)
// started by the Builder and flushes pending account changes to disk.
func (s *Broker) Close() {
	if s.cancelQueue != nil {
		s.cancelQueue()
	}
	if s.refreshQueue != nil {
		s.refreshQueue.Stop()
	}
	if s.stopWatch != nil {
		s.stopWatch()
	}
	s.manager.FlushSaveToDisk()
	logging.Close()
}
