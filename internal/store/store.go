// Package store implements the versioned, lock-serialized, merge-on-write
// JSON persistence of the account pool. It is grounded on the teacher's
// sdk/auth/filestore.go atomic-write idiom, generalized to a single
// multi-account file with cross-process merge semantics instead of
// one-file-per-identity.
package store

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/antigravity-broker/broker/internal/account"
	"github.com/antigravity-broker/broker/internal/brokererr"
	"github.com/sirupsen/logrus"
)

const (
	currentSchemaVersion = 3
	lockStaleAfter       = 10 * time.Second
	lockRetries          = 5
)

var gitignoreEntries = []string{
	"antigravity-accounts.json",
	"antigravity-accounts.json.*.tmp",
	"*.lock",
}

// Root is the on-disk shape of the accounts file.
type Root struct {
	Version             int                `json:"version"`
	Accounts            []*account.Account `json:"accounts"`
	ActiveIndex         int                `json:"activeIndex"`
	ActiveIndexByFamily map[string]int     `json:"activeIndexByFamily,omitempty"`
}

// Store owns the resolved path to the accounts file and serializes writes
// to it through an advisory lock; Load reads without taking the lock.
type Store struct {
	path string
	log  *logrus.Entry
}

// New returns a Store rooted at dir/antigravity-accounts.json.
func New(dir string, log *logrus.Entry) *Store {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Store{path: filepath.Join(dir, "antigravity-accounts.json"), log: log}
}

// Path returns the resolved accounts file path.
func (s *Store) Path() string { return s.path }

// Watch starts an fsnotify watch on the accounts file's directory and
// calls onChange (with a freshly Load()-ed root) whenever the file is
// written or renamed into place by a sibling process — e.g. a CLI
// `accounts add` tool editing the same file this process has open. The
// returned stop func closes the watcher; callers should defer it. A
// failure to start the watcher (e.g. the directory doesn't exist yet) is
// returned rather than silently ignored, since the caller explicitly
// opted into hot-reload.
func (s *Store) Watch(onChange func(*Root)) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("store: failed to start watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("store: failed to watch %s: %w", dir, err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(s.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				root, loadErr := s.Load()
				if loadErr != nil {
					s.log.WithError(loadErr).Warn("store: hot-reload failed to load accounts file")
					continue
				}
				onChange(root)
			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.WithError(watchErr).Warn("store: watcher reported an error")
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		_ = watcher.Close()
	}, nil
}

// Load reads, parses, migrates, validates, and deduplicates the accounts
// file. A missing file, an unparseable file, or an unknown schema version
// all yield an empty root rather than an error surfaced to the caller;
// StorageUnavailable and Corrupted are returned for the caller to log.
func (s *Store) Load() (*Root, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return emptyRoot(), nil
		}
		return emptyRoot(), &brokererr.StorageUnavailable{Path: s.path, Err: err}
	}

	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		s.log.WithError(err).Warn("store: accounts file is not valid JSON, starting empty")
		return emptyRoot(), &brokererr.Corrupted{Path: s.path, Err: err}
	}

	root, err := decodeAndMigrate(generic)
	if err != nil {
		s.log.WithError(err).Warn("store: accounts file has unrecognized schema, starting empty")
		return emptyRoot(), &brokererr.Corrupted{Path: s.path, Err: err}
	}

	root.Accounts = validate(root.Accounts)
	root.Accounts = dedupeByEmail(root.Accounts)
	clampIndices(root)
	return root, nil
}

// Save merges incoming with the current on-disk snapshot under an advisory
// file lock, then writes via tempfile-rename. The merge prevents a stale
// in-memory writer from clobbering concurrent field changes.
func (s *Store) Save(incoming *Root) error {
	lockPath := s.path + ".lock"
	unlock, err := acquireLock(lockPath)
	if err != nil {
		return &brokererr.StorageUnavailable{Path: s.path, Err: err}
	}
	defer unlock()

	onDisk, loadErr := s.loadRawLocked()
	if loadErr != nil {
		onDisk = emptyRoot()
	}

	merged := mergeRoots(onDisk, incoming)

	if err := s.writeAtomic(merged); err != nil {
		return &brokererr.StorageUnavailable{Path: s.path, Err: err}
	}
	if err := s.ensureGitignore(); err != nil {
		s.log.WithError(err).Warn("store: failed to ensure .gitignore hygiene")
	}
	return nil
}

// loadRawLocked re-reads the file while already holding the write lock,
// skipping the migration dance since the caller only needs it for merging.
func (s *Store) loadRawLocked() (*Root, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return decodeAndMigrate(generic)
}

func (s *Store) writeAtomic(root *Root) error {
	data, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal failed: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("store: create dir failed: %w", err)
	}

	tmpPath, err := tempFilePath(s.path)
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("store: write temp file failed: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("store: atomic rename failed: %w", err)
	}
	return nil
}

func tempFilePath(finalPath string) (string, error) {
	buf := make([]byte, 3)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("store: rand read failed: %w", err)
	}
	return fmt.Sprintf("%s.%s.tmp", finalPath, hex.EncodeToString(buf)), nil
}

func (s *Store) ensureGitignore() error {
	path := filepath.Join(filepath.Dir(s.path), ".gitignore")
	existing, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			existing = nil
		} else {
			return err
		}
	}
	content := string(existing)
	missing := make([]string, 0, len(gitignoreEntries))
	for _, e := range gitignoreEntries {
		if !containsLine(content, e) {
			missing = append(missing, e)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if content != "" && content[len(content)-1] != '\n' {
		if _, err := f.WriteString("\n"); err != nil {
			return err
		}
	}
	for _, e := range missing {
		if _, err := f.WriteString(e + "\n"); err != nil {
			return err
		}
	}
	return nil
}

func containsLine(content, line string) bool {
	for _, l := range splitLines(content) {
		if l == line {
			return true
		}
	}
	return false
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func emptyRoot() *Root {
	return &Root{Version: currentSchemaVersion, Accounts: nil, ActiveIndex: 0}
}

// validate drops entries lacking a non-empty string refreshToken.
func validate(accounts []*account.Account) []*account.Account {
	out := make([]*account.Account, 0, len(accounts))
	for _, a := range accounts {
		if a == nil || a.RefreshToken == "" {
			continue
		}
		out = append(out, a)
	}
	return out
}

// dedupeByEmail collapses entries sharing a non-empty email, keeping the
// one with the greatest (lastUsed, addedAt) lexicographic pair.
func dedupeByEmail(accounts []*account.Account) []*account.Account {
	byEmail := make(map[string]*account.Account)
	var order []string
	var noEmail []*account.Account
	for _, a := range accounts {
		if a.Email == "" {
			noEmail = append(noEmail, a)
			continue
		}
		existing, ok := byEmail[a.Email]
		if !ok {
			byEmail[a.Email] = a
			order = append(order, a.Email)
			continue
		}
		if betterCandidate(a, existing) {
			byEmail[a.Email] = a
		}
	}
	out := make([]*account.Account, 0, len(order)+len(noEmail))
	for _, email := range order {
		out = append(out, byEmail[email])
	}
	out = append(out, noEmail...)
	return out
}

func betterCandidate(candidate, existing *account.Account) bool {
	if candidate.LastUsed != existing.LastUsed {
		return candidate.LastUsed > existing.LastUsed
	}
	return candidate.AddedAt > existing.AddedAt
}

func clampIndices(root *Root) {
	n := len(root.Accounts)
	root.ActiveIndex = clamp(root.ActiveIndex, n)
	for family, idx := range root.ActiveIndexByFamily {
		root.ActiveIndexByFamily[family] = clamp(idx, n)
	}
}

func clamp(idx, n int) int {
	if n == 0 {
		return 0
	}
	if idx < 0 || idx >= n {
		return 0
	}
	return idx
}

// mergeRoots merges the incoming snapshot over the on-disk snapshot by
// refreshToken: incoming fields win, except lastUsed (max wins),
// rateLimitResetTimes (union), and projectId/managedProjectId (kept from
// disk if incoming omits them).
func mergeRoots(onDisk, incoming *Root) *Root {
	diskByToken := make(map[string]*account.Account, len(onDisk.Accounts))
	for _, a := range onDisk.Accounts {
		diskByToken[a.RefreshToken] = a
	}

	merged := make([]*account.Account, 0, len(incoming.Accounts))
	seen := make(map[string]bool, len(incoming.Accounts))
	for _, in := range incoming.Accounts {
		seen[in.RefreshToken] = true
		existing, ok := diskByToken[in.RefreshToken]
		if !ok {
			merged = append(merged, in)
			continue
		}
		merged = append(merged, mergeAccount(existing, in))
	}
	// Accounts present on disk but absent from the incoming snapshot are
	// kept. This preserves accounts another writer added; it also means an
	// account removed from this writer's in-memory pool stays in the file.
	for _, d := range onDisk.Accounts {
		if !seen[d.RefreshToken] {
			merged = append(merged, d)
		}
	}

	root := &Root{
		Version:             currentSchemaVersion,
		Accounts:            merged,
		ActiveIndex:         incoming.ActiveIndex,
		ActiveIndexByFamily: incoming.ActiveIndexByFamily,
	}
	clampIndices(root)
	return root
}

func mergeAccount(onDisk, incoming *account.Account) *account.Account {
	out := incoming.Clone()

	if incoming.LastUsed < onDisk.LastUsed {
		out.LastUsed = onDisk.LastUsed
	}

	out.RateLimitResetTimes = unionResetTimes(onDisk.RateLimitResetTimes, incoming.RateLimitResetTimes)

	if incoming.ProjectID == "" {
		out.ProjectID = onDisk.ProjectID
	}
	if incoming.ManagedProjectID == "" {
		out.ManagedProjectID = onDisk.ManagedProjectID
	}

	return out
}

func unionResetTimes(a, b map[string]int64) map[string]int64 {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[string]int64, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if existing, ok := out[k]; !ok || v > existing {
			out[k] = v
		}
	}
	return out
}

// decodeAndMigrate unmarshals the generic JSON into a versioned Root,
// running the unconditional v1->v2->v3 migration chain. Unknown schema
// versions (e.g. a future v4) are rejected so the caller starts empty
// rather than silently misinterpreting an incompatible shape.
func decodeAndMigrate(generic map[string]json.RawMessage) (*Root, error) {
	version := 1
	if raw, ok := generic["version"]; ok {
		_ = json.Unmarshal(raw, &version)
	}

	var root Root
	fullRaw, err := json.Marshal(generic)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(fullRaw, &root); err != nil {
		return nil, err
	}

	switch {
	case version <= 1:
		migrateV1ToV2(&root)
		migrateV2ToV3(&root)
	case version == 2:
		migrateV2ToV3(&root)
	case version == 3:
		// current
	default:
		return nil, fmt.Errorf("store: unsupported schema version %d", version)
	}
	root.Version = currentSchemaVersion
	return &root, nil
}

// migrateV1ToV2 is a structural no-op placeholder: v1 and v2 share the
// account shape this broker cares about; the only historical v1->v2
// change was additive fields already covered by the Account struct's
// omitempty tags.
func migrateV1ToV2(root *Root) {}

// migrateV2ToV3 re-keys any legacy bare "gemini" rate-limit entry into
// the antigravity-pool-specific key, matching the spec's schema-version
// bump semantics.
func migrateV2ToV3(root *Root) {
	for _, a := range root.Accounts {
		if a == nil || a.RateLimitResetTimes == nil {
			continue
		}
		if v, ok := a.RateLimitResetTimes["gemini"]; ok {
			if _, exists := a.RateLimitResetTimes["gemini-antigravity"]; !exists {
				a.RateLimitResetTimes["gemini-antigravity"] = v
			}
			delete(a.RateLimitResetTimes, "gemini")
		}
	}
}

// acquireLock implements a stale-after-10s advisory file lock using an
// exclusive-create lock file stamped with the holder's PID and time, with
// up to 5 retries at exponential backoff (100ms -> 1s). No dedicated flock
// library appears anywhere in the example corpus, so this is a deliberate
// stdlib-only implementation (see DESIGN.md).
func acquireLock(lockPath string) (func(), error) {
	backoff := 100 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < lockRetries; attempt++ {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			fmt.Fprintf(f, "%d %d\n", os.Getpid(), time.Now().UnixMilli())
			_ = f.Close()
			return func() { _ = os.Remove(lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		lastErr = err

		if info, statErr := os.Stat(lockPath); statErr == nil {
			if time.Since(info.ModTime()) > lockStaleAfter {
				_ = os.Remove(lockPath)
				continue
			}
		}

		time.Sleep(backoff)
		backoff *= 2
		if backoff > time.Second {
			backoff = time.Second
		}
	}
	return nil, fmt.Errorf("store: could not acquire lock %s: %w", lockPath, lastErr)
}
