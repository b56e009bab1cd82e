// Package account defines the Account record shared by the persistent
// store, the account manager, and the request broker, along with the
// quota-key and quota-group computations used to bucket rate-limit state.
package account

import "strings"

// Family is a model provider family.
type Family string

const (
	FamilyClaude Family = "claude"
	FamilyGemini Family = "gemini"
)

// HeaderStyle is the protocol persona an outbound request is dressed in.
type HeaderStyle string

const (
	HeaderStyleAntigravity HeaderStyle = "antigravity"
	HeaderStyleGeminiCLI   HeaderStyle = "gemini-cli"
)

// CooldownReason distinguishes why an account was pulled from rotation
// for a short, non-quota exclusion window.
type CooldownReason string

const (
	CooldownAuthFailure  CooldownReason = "auth-failure"
	CooldownNetworkError CooldownReason = "network-error"
	CooldownProjectError CooldownReason = "project-error"
)

// QuotaGroup is the coarse bucket used for soft-quota gating and display.
type QuotaGroup string

const (
	QuotaGroupClaude      QuotaGroup = "claude"
	QuotaGroupGeminiPro   QuotaGroup = "gemini-pro"
	QuotaGroupGeminiFlash QuotaGroup = "gemini-flash"
)

// Fingerprint is a device persona presented in outbound headers.
type Fingerprint struct {
	UserAgent string `json:"userAgent"`
	Platform  string `json:"platform"`
	Arch      string `json:"arch"`
	CreatedAt int64  `json:"createdAt"`
	InstallID string `json:"installId,omitempty"`
}

// FingerprintHistoryEntry records a prior fingerprint displaced by
// regeneration or restore, newest first, bounded to 5 entries.
type FingerprintHistoryEntry struct {
	Fingerprint Fingerprint `json:"fingerprint"`
	Timestamp   int64       `json:"timestamp"`
	Reason      string      `json:"reason"` // "regenerated" | "restored"
}

// CachedQuota is a vendor-reported quota snapshot for one quota group.
type CachedQuota struct {
	RemainingFraction *float64 `json:"remainingFraction,omitempty"`
	ResetTime         string   `json:"resetTime,omitempty"`
	ModelCount        int      `json:"modelCount,omitempty"`
}

// Account is one OAuth identity and its rotation state. Fields tagged
// json are persisted through internal/store; fields below the marker are
// tagged json:"-", in-memory only, and reset on process start.
type Account struct {
	Email                string                     `json:"email,omitempty"`
	RefreshToken         string                     `json:"refreshToken"`
	ProjectID            string                     `json:"projectId,omitempty"`
	ManagedProjectID     string                     `json:"managedProjectId,omitempty"`
	AddedAt              int64                      `json:"addedAt"`
	LastUsed             int64                      `json:"lastUsed"`
	Enabled              *bool                      `json:"enabled,omitempty"`
	LastSwitchReason     string                     `json:"lastSwitchReason,omitempty"`
	RateLimitResetTimes  map[string]int64           `json:"rateLimitResetTimes,omitempty"`
	CoolingDownUntil     int64                      `json:"coolingDownUntil,omitempty"`
	CooldownReason       CooldownReason             `json:"cooldownReason,omitempty"`
	Fingerprint          *Fingerprint               `json:"fingerprint,omitempty"`
	FingerprintHistory   []FingerprintHistoryEntry  `json:"fingerprintHistory,omitempty"`
	CachedQuota          map[QuotaGroup]CachedQuota `json:"cachedQuota,omitempty"`
	CachedQuotaUpdatedAt int64                      `json:"cachedQuotaUpdatedAt,omitempty"`

	// In-memory only, never serialized.
	TouchedForQuota     map[string]int64 `json:"-"`
	ConsecutiveFailures int              `json:"-"`
	LastFailureTime     int64            `json:"-"`
	Index               int              `json:"-"`
}

// IsEnabled reports whether the account participates in selection and
// proactive refresh. Absent Enabled defaults to true.
func (a *Account) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// Clone returns a deep copy so callers can mutate without racing the
// account manager's shared slice.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	if a.Enabled != nil {
		v := *a.Enabled
		c.Enabled = &v
	}
	if a.RateLimitResetTimes != nil {
		c.RateLimitResetTimes = make(map[string]int64, len(a.RateLimitResetTimes))
		for k, v := range a.RateLimitResetTimes {
			c.RateLimitResetTimes[k] = v
		}
	}
	if a.Fingerprint != nil {
		fp := *a.Fingerprint
		c.Fingerprint = &fp
	}
	if a.FingerprintHistory != nil {
		c.FingerprintHistory = append([]FingerprintHistoryEntry(nil), a.FingerprintHistory...)
	}
	if a.CachedQuota != nil {
		c.CachedQuota = make(map[QuotaGroup]CachedQuota, len(a.CachedQuota))
		for k, v := range a.CachedQuota {
			c.CachedQuota[k] = v
		}
	}
	if a.TouchedForQuota != nil {
		c.TouchedForQuota = make(map[string]int64, len(a.TouchedForQuota))
		for k, v := range a.TouchedForQuota {
			c.TouchedForQuota[k] = v
		}
	}
	return &c
}

// QuotaKey computes the rate-limit bucket key for (family, headerStyle, model).
func QuotaKey(family Family, headerStyle HeaderStyle, model string) string {
	var base string
	switch family {
	case FamilyClaude:
		base = "claude"
	case FamilyGemini:
		if headerStyle == HeaderStyleGeminiCLI {
			base = "gemini-cli"
		} else {
			base = "gemini-antigravity"
		}
	default:
		base = string(family)
	}
	if model == "" {
		return base
	}
	return base + ":" + model
}

// ResolveQuotaGroup maps a (family, model) pair to its coarse quota group.
func ResolveQuotaGroup(family Family, model string) QuotaGroup {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "flash"):
		return QuotaGroupGeminiFlash
	case strings.Contains(lower, "gemini"):
		return QuotaGroupGeminiPro
	case strings.Contains(lower, "claude"):
		return QuotaGroupClaude
	}
	if family == FamilyClaude {
		return QuotaGroupClaude
	}
	return QuotaGroupGeminiPro
}

// ResolveFamilyFromModel maps a target model name to its family by
// substring, the same signal ResolveQuotaGroup uses. Returns "" when the
// model name carries no recognizable family signal.
func ResolveFamilyFromModel(model string) Family {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "claude"):
		return FamilyClaude
	case strings.Contains(lower, "gemini"):
		return FamilyGemini
	}
	return ""
}
