package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/antigravity-broker/broker/internal/account"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return New(dir, nil)
}

func TestLoadMissingFileReturnsEmptyRoot(t *testing.T) {
	s := newTestStore(t)
	root, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if root.Version != currentSchemaVersion || len(root.Accounts) != 0 {
		t.Fatalf("expected empty v%d root, got %+v", currentSchemaVersion, root)
	}
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	in := &Root{
		Version: currentSchemaVersion,
		Accounts: []*account.Account{
			{RefreshToken: "r1", Email: "a@example.com", AddedAt: 1, LastUsed: 1},
			{RefreshToken: "r2", Email: "b@example.com", AddedAt: 2, LastUsed: 2},
		},
		ActiveIndex: 1,
	}
	if err := s.Save(in); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	out, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(out.Accounts) != 2 {
		t.Fatalf("expected 2 accounts after round trip, got %d", len(out.Accounts))
	}
	if out.ActiveIndex != 1 {
		t.Fatalf("ActiveIndex = %d, want 1", out.ActiveIndex)
	}
}

func TestLoadValidationDropsAccountsWithoutRefreshToken(t *testing.T) {
	s := newTestStore(t)
	raw := `{"version":3,"accounts":[{"refreshToken":"r1"},{"email":"no-token@example.com"}],"activeIndex":0}`
	if err := os.WriteFile(s.Path(), []byte(raw), 0o600); err != nil {
		t.Fatalf("setup write error = %v", err)
	}
	root, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(root.Accounts) != 1 || root.Accounts[0].RefreshToken != "r1" {
		t.Fatalf("expected only the refreshToken-bearing account to survive validation, got %+v", root.Accounts)
	}
}

func TestLoadDedupesByEmailKeepingNewest(t *testing.T) {
	s := newTestStore(t)
	in := &Root{
		Version: currentSchemaVersion,
		Accounts: []*account.Account{
			{RefreshToken: "old", Email: "dup@example.com", LastUsed: 10, AddedAt: 1},
			{RefreshToken: "new", Email: "dup@example.com", LastUsed: 20, AddedAt: 2},
		},
	}
	if err := s.Save(in); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	root, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(root.Accounts) != 1 {
		t.Fatalf("expected dedup to collapse to 1 account, got %d", len(root.Accounts))
	}
	if root.Accounts[0].RefreshToken != "new" {
		t.Fatalf("expected the account with greatest lastUsed to survive, got %s", root.Accounts[0].RefreshToken)
	}
}

func TestSaveClampsActiveIndex(t *testing.T) {
	s := newTestStore(t)
	in := &Root{
		Version:     currentSchemaVersion,
		Accounts:    []*account.Account{{RefreshToken: "r1"}},
		ActiveIndex: 99,
	}
	if err := s.Save(in); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	root, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if root.ActiveIndex != 0 {
		t.Fatalf("ActiveIndex = %d, want clamped to 0", root.ActiveIndex)
	}
}

func TestMergeOnWritePreservesConcurrentWriterFields(t *testing.T) {
	s := newTestStore(t)

	first := &Root{
		Version: currentSchemaVersion,
		Accounts: []*account.Account{
			{RefreshToken: "r1", ProjectID: "proj-1", RateLimitResetTimes: map[string]int64{"claude": 1000}},
		},
	}
	if err := s.Save(first); err != nil {
		t.Fatalf("first Save() error = %v", err)
	}

	// A second, stale-in-memory writer saves without knowledge of the
	// projectId the first writer set, but reports a different rate-limit key.
	second := &Root{
		Version: currentSchemaVersion,
		Accounts: []*account.Account{
			{RefreshToken: "r1", RateLimitResetTimes: map[string]int64{"gemini-antigravity": 2000}},
		},
	}
	if err := s.Save(second); err != nil {
		t.Fatalf("second Save() error = %v", err)
	}

	root, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(root.Accounts) != 1 {
		t.Fatalf("expected 1 merged account, got %d", len(root.Accounts))
	}
	merged := root.Accounts[0]
	if merged.ProjectID != "proj-1" {
		t.Fatalf("expected projectId retained from first writer, got %q", merged.ProjectID)
	}
	if merged.RateLimitResetTimes["claude"] != 1000 || merged.RateLimitResetTimes["gemini-antigravity"] != 2000 {
		t.Fatalf("expected union of both writers' rate-limit keys, got %+v", merged.RateLimitResetTimes)
	}
}

func TestMigrateV2ToV3RekeysGeminiKey(t *testing.T) {
	raw := `{"version":2,"accounts":[{"refreshToken":"r1","rateLimitResetTimes":{"gemini":500}}],"activeIndex":0}`
	var generic map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		t.Fatalf("unmarshal setup error = %v", err)
	}
	root, err := decodeAndMigrate(generic)
	if err != nil {
		t.Fatalf("decodeAndMigrate() error = %v", err)
	}
	if root.Version != currentSchemaVersion {
		t.Fatalf("Version = %d, want %d", root.Version, currentSchemaVersion)
	}
	rl := root.Accounts[0].RateLimitResetTimes
	if _, stillPresent := rl["gemini"]; stillPresent {
		t.Fatal("legacy gemini key should have been removed")
	}
	if rl["gemini-antigravity"] != 500 {
		t.Fatalf("expected gemini value migrated to gemini-antigravity, got %+v", rl)
	}
}

func TestLoadUnknownSchemaVersionStartsEmpty(t *testing.T) {
	s := newTestStore(t)
	raw := `{"version":7,"accounts":[{"refreshToken":"r1"}],"activeIndex":0}`
	if err := os.WriteFile(s.Path(), []byte(raw), 0o600); err != nil {
		t.Fatalf("setup write error = %v", err)
	}
	root, err := s.Load()
	if err == nil {
		t.Fatal("expected a Corrupted error for an unknown schema version")
	}
	if len(root.Accounts) != 0 {
		t.Fatalf("expected empty root for unknown schema version, got %+v", root)
	}
}

func TestEnsureGitignoreIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	in := &Root{Version: currentSchemaVersion, Accounts: []*account.Account{{RefreshToken: "r1"}}}
	if err := s.Save(in); err != nil {
		t.Fatalf("first Save() error = %v", err)
	}
	path := filepath.Join(filepath.Dir(s.Path()), ".gitignore")
	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read .gitignore error = %v", err)
	}
	if err := s.Save(in); err != nil {
		t.Fatalf("second Save() error = %v", err)
	}
	second, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("re-read .gitignore error = %v", err)
	}
	if string(first) != string(second) {
		t.Fatalf(".gitignore hygiene was not idempotent:\nfirst:\n%s\nsecond:\n%s", first, second)
	}
}
