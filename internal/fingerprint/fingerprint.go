// Package fingerprint manages the per-account device persona catalogue:
// a seed table of plausible browser/platform/arch tuples an account is
// stamped with, plus regeneration/restore with bounded history. This is a
// SPEC_FULL.md supplemental feature (see SPEC_FULL.md), grounded on the
// teacher's internal/util identifier-generation idiom and on
// google/uuid for identifier material, generalized from the original's
// small fixed device-persona table.
package fingerprint

import (
	"math/rand"
	"time"

	"github.com/antigravity-broker/broker/internal/account"
	"github.com/google/uuid"
)

const maxHistory = 5

// seedCatalogue is a small table of plausible device personas. A real
// deployment could extend this at runtime; the broker ships a minimal
// seed so every account gets a stable, distinct-looking persona.
var seedCatalogue = []account.Fingerprint{
	{UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64)", Platform: "win32", Arch: "x64"},
	{UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7)", Platform: "darwin", Arch: "arm64"},
	{UserAgent: "Mozilla/5.0 (X11; Linux x86_64)", Platform: "linux", Arch: "x64"},
}

// Generate returns a new fingerprint drawn from the seed catalogue,
// stamped with the current time and a fresh install id.
func Generate() account.Fingerprint {
	fp := seedCatalogue[rand.Intn(len(seedCatalogue))]
	fp.CreatedAt = time.Now().UnixMilli()
	fp.InstallID = NewInstallID()
	return fp
}

// NewInstallID returns a random identifier suitable for a fingerprint's
// install id header, stamped fresh on every Generate.
func NewInstallID() string {
	return uuid.NewString()
}

// Regenerate replaces an account's fingerprint, pushing the prior one to
// the front of its history (bounded to maxHistory) with reason
// "regenerated".
func Regenerate(a *account.Account) {
	pushHistory(a, "regenerated")
	fp := Generate()
	a.Fingerprint = &fp
}

// Restore adopts fingerprintHistory[index] as the current fingerprint,
// pushing the current one to history with reason "restored" first. It is
// a no-op if index is out of range.
func Restore(a *account.Account, index int) bool {
	if index < 0 || index >= len(a.FingerprintHistory) {
		return false
	}
	restored := a.FingerprintHistory[index].Fingerprint
	pushHistory(a, "restored")
	restored.CreatedAt = time.Now().UnixMilli()
	a.Fingerprint = &restored
	return true
}

func pushHistory(a *account.Account, reason string) {
	if a.Fingerprint == nil {
		return
	}
	entry := account.FingerprintHistoryEntry{
		Fingerprint: *a.Fingerprint,
		Timestamp:   time.Now().UnixMilli(),
		Reason:      reason,
	}
	a.FingerprintHistory = append([]account.FingerprintHistoryEntry{entry}, a.FingerprintHistory...)
	if len(a.FingerprintHistory) > maxHistory {
		a.FingerprintHistory = a.FingerprintHistory[:maxHistory]
	}
}
