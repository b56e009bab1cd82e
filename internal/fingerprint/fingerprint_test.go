package fingerprint

import (
	"testing"

	"github.com/antigravity-broker/broker/internal/account"
)

func TestRegeneratePushesPriorFingerprintToHistory(t *testing.T) {
	a := &account.Account{Fingerprint: &account.Fingerprint{UserAgent: "original", Platform: "linux", Arch: "x64"}}

	Regenerate(a)

	if a.Fingerprint == nil || a.Fingerprint.UserAgent == "original" {
		t.Fatal("expected fingerprint to be replaced")
	}
	if len(a.FingerprintHistory) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(a.FingerprintHistory))
	}
	if a.FingerprintHistory[0].Fingerprint.UserAgent != "original" || a.FingerprintHistory[0].Reason != "regenerated" {
		t.Fatalf("unexpected history entry: %+v", a.FingerprintHistory[0])
	}
}

func TestHistoryBoundedToFive(t *testing.T) {
	a := &account.Account{Fingerprint: &account.Fingerprint{UserAgent: "start"}}
	for i := 0; i < 10; i++ {
		Regenerate(a)
	}
	if len(a.FingerprintHistory) != maxHistory {
		t.Fatalf("len(FingerprintHistory) = %d, want %d", len(a.FingerprintHistory), maxHistory)
	}
}

func TestRestoreAdoptsHistoryEntryAndPushesCurrent(t *testing.T) {
	a := &account.Account{Fingerprint: &account.Fingerprint{UserAgent: "current"}}
	Regenerate(a) // history[0] = "current"
	target := a.FingerprintHistory[0].Fingerprint

	ok := Restore(a, 0)
	if !ok {
		t.Fatal("Restore() = false, want true")
	}
	if a.Fingerprint.UserAgent != target.UserAgent {
		t.Fatalf("expected restored fingerprint %q, got %q", target.UserAgent, a.Fingerprint.UserAgent)
	}
	if a.FingerprintHistory[0].Reason != "restored" {
		t.Fatalf("expected newest history entry reason=restored, got %q", a.FingerprintHistory[0].Reason)
	}
}

func TestRestoreOutOfRangeIsNoOp(t *testing.T) {
	a := &account.Account{Fingerprint: &account.Fingerprint{UserAgent: "current"}}
	if Restore(a, 3) {
		t.Fatal("Restore() with an out-of-range index should return false")
	}
}

func TestGenerateStampsInstallID(t *testing.T) {
	fp := Generate()
	if fp.InstallID == "" {
		t.Fatal("expected Generate() to stamp a non-empty install id")
	}
	other := Generate()
	if other.InstallID == fp.InstallID {
		t.Fatal("expected distinct install ids across calls")
	}
}

func TestRegenerateAssignsFreshInstallID(t *testing.T) {
	a := &account.Account{Fingerprint: &account.Fingerprint{UserAgent: "original", InstallID: "old-id"}}
	Regenerate(a)
	if a.Fingerprint.InstallID == "" || a.Fingerprint.InstallID == "old-id" {
		t.Fatalf("expected Regenerate to assign a fresh install id, got %q", a.Fingerprint.InstallID)
	}
}
