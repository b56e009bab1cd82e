// Package manager implements the account manager: selection strategies,
// per-family/per-header/per-model rate-limit and cooldown state, and soft-
// quota gating. Fingerprint regeneration and restore live in
// internal/fingerprint, not here. This is the hardest and largest
// component (spec.md 4.G); it has no direct teacher analogue since the
// teacher manages which *provider* handles a request, not which of N
// pooled identities does. The concurrency shape — one mutex guarding a
// flat account slice, rather than nested per-field locks — follows the
// teacher's general preference (seen throughout sdk/cliproxy/auth) for a
// single coarse lock over a small, rarely-contested structure.
package manager

import (
	"math/rand"
	"sync"
	"time"

	"github.com/antigravity-broker/broker/internal/account"
)

// Strategy selects which rotation policy SelectForFamily applies.
type Strategy string

const (
	StrategySticky     Strategy = "sticky"
	StrategyRoundRobin Strategy = "round-robin"
	StrategyHybrid     Strategy = "hybrid"
)

// RateLimitReason is the classified cause of a 4xx/5xx rejection.
type RateLimitReason string

const (
	ReasonQuotaExhausted         RateLimitReason = "QUOTA_EXHAUSTED"
	ReasonRateLimitExceeded      RateLimitReason = "RATE_LIMIT_EXCEEDED"
	ReasonModelCapacityExhausted RateLimitReason = "MODEL_CAPACITY_EXHAUSTED"
	ReasonServerError            RateLimitReason = "SERVER_ERROR"
	ReasonUnknown                RateLimitReason = "UNKNOWN"
)

// failureTTL is how long consecutiveFailures survives before being reset
// to zero on the next classified failure.
const failureTTL = time.Hour

// quotaBackoffTable is the QUOTA_EXHAUSTED escalation ladder, saturating
// at the last entry for any consecutiveFailures >= len(table)-1.
var quotaBackoffTable = []time.Duration{
	60 * time.Second,
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
}

// HybridSelector is the external strategy hook for Strategy=hybrid.
// Implementations may return nil to fall back to sticky.
type HybridSelector func(accounts []*AccountMetrics, currentIndex int) *account.Account

// AccountMetrics is the read-only view passed to a HybridSelector.
type AccountMetrics struct {
	Account       *account.Account
	LastUsed      int64
	HealthScore   float64
	IsRateLimited bool
	IsCoolingDown bool
}

// Manager owns the in-memory account pool and its rotation state.
type Manager struct {
	mu       sync.Mutex
	accounts []*account.Account

	currentIndexByFamily map[account.Family]int
	pidOffsetApplied     map[account.Family]bool

	hybridSelector HybridSelector

	saveMu      sync.Mutex
	saveTimer   *time.Timer
	savePending []chan struct{}
	persist     func(accounts []*account.Account) error
}

// New builds a Manager over an initial account slice (typically loaded
// from the persistent store at startup). persist is called by the
// debounced save path; it may be nil in tests that don't exercise saving.
func New(accounts []*account.Account, persist func([]*account.Account) error) *Manager {
	for i, a := range accounts {
		a.Index = i
	}
	return &Manager{
		accounts:             accounts,
		currentIndexByFamily: make(map[account.Family]int),
		pidOffsetApplied:     make(map[account.Family]bool),
		persist:              persist,
	}
}

// SetHybridSelector installs the external hybrid-strategy hook.
func (m *Manager) SetHybridSelector(h HybridSelector) {
	m.mu.Lock()
	m.hybridSelector = h
	m.mu.Unlock()
}

// SelectOptions configures one SelectForFamily call.
type SelectOptions struct {
	Family                Family
	Model                 string
	Strategy              Strategy
	HeaderStyle           account.HeaderStyle
	PIDOffset             bool
	SoftQuotaThresholdPct float64 // 100 disables soft-quota gating
	SoftQuotaCacheTTL     time.Duration
	PID                   int // process id, used only when PIDOffset is set
}

// Family is re-exported for call-site convenience.
type Family = account.Family

// SelectForFamily returns an available account for the given family under
// the requested strategy, or nil if none is available.
func (m *Manager) SelectForFamily(opts SelectOptions) *account.Account {
	m.mu.Lock()
	defer m.mu.Unlock()

	if opts.SoftQuotaThresholdPct == 0 {
		opts.SoftQuotaThresholdPct = 100
	}
	if opts.SoftQuotaCacheTTL == 0 {
		opts.SoftQuotaCacheTTL = 10 * time.Minute
	}
	if opts.HeaderStyle == "" {
		opts.HeaderStyle = account.HeaderStyleAntigravity
	}

	pool := m.familyPoolLocked(opts.Family)
	if len(pool) == 0 {
		return nil
	}

	if opts.PIDOffset && len(pool) > 1 && !m.pidOffsetApplied[opts.Family] {
		m.currentIndexByFamily[opts.Family] = opts.PID % len(pool)
		m.pidOffsetApplied[opts.Family] = true
	}

	var chosen *account.Account
	switch opts.Strategy {
	case StrategyRoundRobin:
		chosen = m.selectRoundRobinLocked(pool, opts)
	case StrategyHybrid:
		chosen = m.selectHybridLocked(pool, opts)
	default:
		chosen = m.selectStickyLocked(pool, opts)
	}

	if chosen != nil {
		quotaKey := account.QuotaKey(opts.Family, opts.HeaderStyle, opts.Model)
		if chosen.TouchedForQuota == nil {
			chosen.TouchedForQuota = make(map[string]int64)
		}
		chosen.TouchedForQuota[quotaKey] = time.Now().UnixMilli()
		m.currentIndexByFamily[opts.Family] = chosen.Index
	}
	return chosen
}

// familyPoolLocked returns enabled accounts for a family. Every enabled
// account participates regardless of family in this spec (an identity is
// not itself family-scoped); callers gate by family purely through quota
// keys and rate-limit state.
func (m *Manager) familyPoolLocked(family account.Family) []*account.Account {
	pool := make([]*account.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		if a.IsEnabled() {
			pool = append(pool, a)
		}
	}
	return pool
}

func (m *Manager) selectStickyLocked(pool []*account.Account, opts SelectOptions) *account.Account {
	cur := m.currentIndexByFamily[opts.Family]
	n := len(m.accounts)
	if n == 0 {
		return nil
	}
	if cur >= 0 && cur < n {
		if a := m.accounts[cur]; a.IsEnabled() && m.isAvailableLocked(a, opts) {
			return a
		}
	}
	return m.rotateToNextAvailableLocked(cur, opts)
}

func (m *Manager) selectRoundRobinLocked(pool []*account.Account, opts SelectOptions) *account.Account {
	cur := m.currentIndexByFamily[opts.Family]
	return m.rotateToNextAvailableLocked(cur, opts)
}

func (m *Manager) rotateToNextAvailableLocked(start int, opts SelectOptions) *account.Account {
	n := len(m.accounts)
	if n == 0 {
		return nil
	}
	for i := 1; i <= n; i++ {
		idx := (start + i) % n
		a := m.accounts[idx]
		if a.IsEnabled() && m.isAvailableLocked(a, opts) {
			return a
		}
	}
	return nil
}

func (m *Manager) selectHybridLocked(pool []*account.Account, opts SelectOptions) *account.Account {
	if m.hybridSelector == nil {
		return m.selectStickyLocked(pool, opts)
	}
	metrics := make([]*AccountMetrics, 0, len(pool))
	now := time.Now()
	for _, a := range pool {
		metrics = append(metrics, &AccountMetrics{
			Account:       a,
			LastUsed:      a.LastUsed,
			HealthScore:   healthScore(a, now),
			IsRateLimited: m.isRateLimitedLocked(a, account.QuotaKey(opts.Family, opts.HeaderStyle, opts.Model)),
			IsCoolingDown: m.isCoolingDownLocked(a, now),
		})
	}
	chosen := m.hybridSelector(metrics, m.currentIndexByFamily[opts.Family])
	if chosen == nil {
		return m.selectStickyLocked(pool, opts)
	}
	return chosen
}

func healthScore(a *account.Account, now time.Time) float64 {
	if a.ConsecutiveFailures == 0 {
		return 1.0
	}
	return 1.0 / float64(1+a.ConsecutiveFailures)
}

// isAvailableLocked implements the three availability conditions: not
// cooling down, not rate-limited for the requested quota key (model key
// checked first, then the base key), and not over soft-quota.
func (m *Manager) isAvailableLocked(a *account.Account, opts SelectOptions) bool {
	now := time.Now()
	if m.isCoolingDownLocked(a, now) {
		return false
	}

	modelKey := account.QuotaKey(opts.Family, opts.HeaderStyle, opts.Model)
	if m.isRateLimitedLocked(a, modelKey) {
		return false
	}
	if opts.Model != "" {
		baseKey := account.QuotaKey(opts.Family, opts.HeaderStyle, "")
		if m.isRateLimitedLocked(a, baseKey) {
			return false
		}
	}

	if m.isAccountOverSoftQuotaLocked(a, opts.Family, opts.Model, opts.SoftQuotaThresholdPct, opts.SoftQuotaCacheTTL, now) {
		return false
	}
	return true
}

func (m *Manager) isCoolingDownLocked(a *account.Account, now time.Time) bool {
	return a.CoolingDownUntil > now.UnixMilli()
}

func (m *Manager) isRateLimitedLocked(a *account.Account, key string) bool {
	return m.isRateLimitedForKeyAt(a, key, time.Now())
}

// isRateLimitedForKeyAt implements testable property #2 with an explicit
// time parameter so callers (and tests) can check the boundary exactly.
func (m *Manager) isRateLimitedForKeyAt(a *account.Account, key string, at time.Time) bool {
	if a.RateLimitResetTimes == nil {
		return false
	}
	reset, ok := a.RateLimitResetTimes[key]
	if !ok {
		return false
	}
	return at.UnixMilli() < reset
}

// IsRateLimitedForKey exposes isRateLimitedForKeyAt for callers outside
// the package (e.g. tests exercising testable property #2 directly).
func (m *Manager) IsRateLimitedForKey(a *account.Account, key string, at time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isRateLimitedForKeyAt(a, key, at)
}

// ParseRateLimitReason classifies a rejection from its HTTP status, an
// explicit uppercase reason string, and a free-text message, in that
// priority order.
func ParseRateLimitReason(reason, message string, status int) RateLimitReason {
	switch status {
	case 503, 529:
		return ReasonModelCapacityExhausted
	case 500:
		return ReasonServerError
	}

	switch reason {
	case string(ReasonQuotaExhausted), string(ReasonRateLimitExceeded), string(ReasonModelCapacityExhausted):
		return RateLimitReason(reason)
	}

	lower := toLower(message)
	switch {
	case containsAny(lower, "capacity", "overloaded", "resource exhausted"):
		return ReasonModelCapacityExhausted
	case containsAny(lower, "per-minute", "rate-limit", "rate limit", "too many requests"):
		return ReasonRateLimitExceeded
	case containsAny(lower, "exhausted", "quota"):
		return ReasonQuotaExhausted
	}

	return ReasonUnknown
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if indexOf(s, sub) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(s, sub string) int {
	n, m := len(s), len(sub)
	if m == 0 {
		return 0
	}
	for i := 0; i+m <= n; i++ {
		if s[i:i+m] == sub {
			return i
		}
	}
	return -1
}

// CalculateBackoff computes the backoff duration for a classified
// rejection. A positive retryAfter always wins (floored at 2s).
func CalculateBackoff(reason RateLimitReason, consecutiveFailures int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		if retryAfter < 2*time.Second {
			return 2 * time.Second
		}
		return retryAfter
	}

	switch reason {
	case ReasonQuotaExhausted:
		idx := consecutiveFailures
		if idx >= len(quotaBackoffTable) {
			idx = len(quotaBackoffTable) - 1
		}
		if idx < 0 {
			idx = 0
		}
		return quotaBackoffTable[idx]
	case ReasonRateLimitExceeded:
		return 30 * time.Second
	case ReasonModelCapacityExhausted:
		jitter := time.Duration(rand.Int63n(int64(30 * time.Second)))
		return 30*time.Second + jitter
	case ReasonServerError:
		return 20 * time.Second
	default:
		return 60 * time.Second
	}
}

// MarkRateLimited sets rateLimitResetTimes[key] = now + ttl for the given
// quota coordinates.
func (m *Manager) MarkRateLimited(a *account.Account, ttl time.Duration, family account.Family, headerStyle account.HeaderStyle, model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markRateLimitedLocked(a, ttl, family, headerStyle, model)
}

func (m *Manager) markRateLimitedLocked(a *account.Account, ttl time.Duration, family account.Family, headerStyle account.HeaderStyle, model string) {
	if a.RateLimitResetTimes == nil {
		a.RateLimitResetTimes = make(map[string]int64)
	}
	key := account.QuotaKey(family, headerStyle, model)
	a.RateLimitResetTimes[key] = time.Now().Add(ttl).UnixMilli()
}

// MarkRateLimitedWithReason classifies the rejection, escalates
// consecutiveFailures (resetting first if the failure-TTL elapsed),
// applies the computed backoff as the reset time, and returns the backoff
// applied.
func (m *Manager) MarkRateLimitedWithReason(a *account.Account, reason, message string, status int, retryAfter time.Duration, family account.Family, headerStyle account.HeaderStyle, model string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	classified := ParseRateLimitReason(reason, message, status)

	now := time.Now()
	if a.LastFailureTime != 0 && now.UnixMilli()-a.LastFailureTime > failureTTL.Milliseconds() {
		a.ConsecutiveFailures = 0
	}
	a.ConsecutiveFailures++
	a.LastFailureTime = now.UnixMilli()

	backoff := CalculateBackoff(classified, a.ConsecutiveFailures-1, retryAfter)
	m.markRateLimitedLocked(a, backoff, family, headerStyle, model)
	return backoff
}

// MarkRequestSuccess resets consecutiveFailures to 0.
func (m *Manager) MarkRequestSuccess(a *account.Account) {
	m.mu.Lock()
	a.ConsecutiveFailures = 0
	m.mu.Unlock()
}

// MarkAccountCoolingDown pulls the account from rotation for a short,
// non-quota window.
func (m *Manager) MarkAccountCoolingDown(a *account.Account, d time.Duration, reason account.CooldownReason) {
	m.mu.Lock()
	a.CoolingDownUntil = time.Now().Add(d).UnixMilli()
	a.CooldownReason = reason
	m.mu.Unlock()
}

// ClearAccountCooldown cancels any active cooldown.
func (m *Manager) ClearAccountCooldown(a *account.Account) {
	m.mu.Lock()
	a.CoolingDownUntil = 0
	a.CooldownReason = ""
	m.mu.Unlock()
}

// MarkAccountUsed stamps lastUsed = now; called by the broker only after
// a request actually succeeds.
func (m *Manager) MarkAccountUsed(a *account.Account) {
	m.mu.Lock()
	a.LastUsed = time.Now().UnixMilli()
	m.mu.Unlock()
}

// ClearAllRateLimitsForFamily removes the quota-key(s) for a family
// (claude has one, gemini has two pools) and resets consecutiveFailures.
func (m *Manager) ClearAllRateLimitsForFamily(a *account.Account, family account.Family, model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.RateLimitResetTimes == nil {
		return
	}
	delete(a.RateLimitResetTimes, account.QuotaKey(family, account.HeaderStyleAntigravity, model))
	if family == account.FamilyGemini {
		delete(a.RateLimitResetTimes, account.QuotaKey(family, account.HeaderStyleGeminiCLI, model))
	}
	a.ConsecutiveFailures = 0
}

// HasOtherAccountWithAntigravityAvailable reports whether some other
// enabled, non-cooling, non-antigravity-rate-limited account exists.
// Always false for claude, which has no priority pool distinction.
func (m *Manager) HasOtherAccountWithAntigravityAvailable(currentIndex int, family account.Family, model string) bool {
	if family != account.FamilyGemini {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := account.QuotaKey(family, account.HeaderStyleAntigravity, model)
	now := time.Now()
	for _, a := range m.accounts {
		if a.Index == currentIndex || !a.IsEnabled() {
			continue
		}
		if m.isCoolingDownLocked(a, now) {
			continue
		}
		if m.isRateLimitedForKeyAt(a, key, now) {
			continue
		}
		return true
	}
	return false
}

// GetAvailableHeaderStyle reports which header style (if any) has an open
// pool for this account+family right now.
func (m *Manager) GetAvailableHeaderStyle(a *account.Account, family account.Family, model string) (account.HeaderStyle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()

	antigravityKey := account.QuotaKey(family, account.HeaderStyleAntigravity, model)
	if !m.isRateLimitedForKeyAt(a, antigravityKey, now) {
		return account.HeaderStyleAntigravity, true
	}
	if family == account.FamilyClaude {
		return "", false
	}
	geminiCLIKey := account.QuotaKey(family, account.HeaderStyleGeminiCLI, model)
	if !m.isRateLimitedForKeyAt(a, geminiCLIKey, now) {
		return account.HeaderStyleGeminiCLI, true
	}
	return "", false
}

// isAccountOverSoftQuotaLocked resolves the quota group and compares its
// cached used percentage against threshold. Soft-quota gating is disabled
// when threshold >= 100. Missing or stale cache fails open (available).
func (m *Manager) isAccountOverSoftQuotaLocked(a *account.Account, family account.Family, model string, thresholdPct float64, ttl time.Duration, now time.Time) bool {
	if thresholdPct >= 100 {
		return false
	}
	if a.CachedQuota == nil || a.CachedQuotaUpdatedAt == 0 {
		return false
	}
	if now.UnixMilli()-a.CachedQuotaUpdatedAt > ttl.Milliseconds() {
		return false
	}

	group := account.ResolveQuotaGroup(family, model)
	quota, ok := a.CachedQuota[group]
	if !ok || quota.RemainingFraction == nil {
		return false
	}
	frac := clamp01(*quota.RemainingFraction)
	usedPct := (1 - frac) * 100
	return usedPct >= thresholdPct
}

// IsAccountOverSoftQuota exposes the soft-quota check to external callers.
func (m *Manager) IsAccountOverSoftQuota(a *account.Account, family account.Family, model string, thresholdPct float64, ttl time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isAccountOverSoftQuotaLocked(a, family, model, thresholdPct, ttl, time.Now())
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// GetMinWaitTimeForFamily returns 0 if any account is currently
// available, else the minimum time until the earliest reset across the
// pool. In non-strict mode for gemini, each account's wait is the minimum
// of its two pools (it becomes usable when either reopens).
func (m *Manager) GetMinWaitTimeForFamily(family account.Family, model string, headerStyle account.HeaderStyle, strict bool) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()

	var minWait time.Duration = -1
	for _, a := range m.accounts {
		if !a.IsEnabled() || m.isCoolingDownLocked(a, now) {
			continue
		}

		wait := m.accountWaitLocked(a, family, model, headerStyle, strict, now)
		if wait == 0 {
			return 0
		}
		if wait > 0 && (minWait < 0 || wait < minWait) {
			minWait = wait
		}
	}
	if minWait < 0 {
		return 0
	}
	return minWait
}

func (m *Manager) accountWaitLocked(a *account.Account, family account.Family, model string, headerStyle account.HeaderStyle, strict bool, now time.Time) time.Duration {
	if strict || family == account.FamilyClaude {
		key := account.QuotaKey(family, headerStyle, model)
		return waitForKey(a, key, now)
	}

	antigravityWait := waitForKey(a, account.QuotaKey(family, account.HeaderStyleAntigravity, model), now)
	geminiCLIWait := waitForKey(a, account.QuotaKey(family, account.HeaderStyleGeminiCLI, model), now)
	if antigravityWait <= geminiCLIWait {
		return antigravityWait
	}
	return geminiCLIWait
}

func waitForKey(a *account.Account, key string, now time.Time) time.Duration {
	if a.RateLimitResetTimes == nil {
		return 0
	}
	reset, ok := a.RateLimitResetTimes[key]
	if !ok {
		return 0
	}
	wait := time.Duration(reset-now.UnixMilli()) * time.Millisecond
	if wait <= 0 {
		return 0
	}
	return wait
}

// GetMinWaitTimeForSoftQuota returns 0 if any account is under threshold,
// the minimum wait until a resetTime among over-threshold accounts, or
// nil (represented as ok=false) when no account reports a resetTime. A
// computed non-positive wait is coerced to nil to avoid spin.
func (m *Manager) GetMinWaitTimeForSoftQuota(family account.Family, thresholdPct float64, ttl time.Duration, model string) (wait time.Duration, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()

	var minWait time.Duration = -1
	any := false
	for _, a := range m.accounts {
		if !a.IsEnabled() {
			continue
		}
		if !m.isAccountOverSoftQuotaLocked(a, family, model, thresholdPct, ttl, now) {
			return 0, true
		}
		group := account.ResolveQuotaGroup(family, model)
		quota, exists := a.CachedQuota[group]
		if !exists || quota.ResetTime == "" {
			continue
		}
		resetAt, err := time.Parse(time.RFC3339, quota.ResetTime)
		if err != nil {
			continue
		}
		any = true
		w := resetAt.Sub(now)
		if minWait < 0 || w < minWait {
			minWait = w
		}
	}
	if !any {
		return 0, false
	}
	if minWait <= 0 {
		return 0, false
	}
	return minWait, true
}

// AddAccount appends a new account to the pool, assigning it the next
// pool index. Callers outside this package reach it through
// sdk/broker.Broker.AddAccount.
func (m *Manager) AddAccount(a *account.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.Index = len(m.accounts)
	m.accounts = append(m.accounts, a)
}

// RemoveAccount splices the account out, reindexes the remaining pool,
// and clamps currentIndexByFamily entries (or sets them to -1 if empty).
func (m *Manager) RemoveAccount(a *account.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := -1
	for i, existing := range m.accounts {
		if existing == a {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}

	m.accounts = append(m.accounts[:idx], m.accounts[idx+1:]...)
	for i, existing := range m.accounts {
		existing.Index = i
	}

	n := len(m.accounts)
	for family, cursor := range m.currentIndexByFamily {
		if n == 0 {
			m.currentIndexByFamily[family] = -1
			continue
		}
		if cursor >= n {
			m.currentIndexByFamily[family] = n - 1
		} else if cursor > idx {
			m.currentIndexByFamily[family] = cursor - 1
		}
	}
}

// Accounts returns a snapshot slice of the current pool (not a copy of
// each account; callers must not mutate without going through the
// manager's mark/select methods).
func (m *Manager) Accounts() []*account.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*account.Account, len(m.accounts))
	copy(out, m.accounts)
	return out
}

// RequestSaveToDisk debounces to a ~1s trailing write; concurrent callers
// coalesce into the single pending write.
func (m *Manager) RequestSaveToDisk() {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	if m.saveTimer != nil {
		return
	}
	m.saveTimer = time.AfterFunc(time.Second, m.fireSave)
}

// FlushSaveToDisk cancels any pending debounced write, writes immediately,
// and blocks until that write completes.
func (m *Manager) FlushSaveToDisk() {
	m.saveMu.Lock()
	if m.saveTimer != nil {
		m.saveTimer.Stop()
		m.saveTimer = nil
	}
	done := make(chan struct{})
	m.savePending = append(m.savePending, done)
	m.saveMu.Unlock()

	m.fireSave()
	<-done
}

func (m *Manager) fireSave() {
	m.saveMu.Lock()
	m.saveTimer = nil
	pending := m.savePending
	m.savePending = nil
	m.saveMu.Unlock()

	if m.persist != nil {
		_ = m.persist(m.Accounts())
	}

	for _, done := range pending {
		close(done)
	}
}
