// Package brokercfg resolves the broker's config directory and reads the
// handful of environment variables the core consults directly, loading an
// optional .env file first the way the teacher's cmd/server entrypoint does.
package brokercfg

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

const (
	envConfigDir  = "OPENCODE_CONFIG_DIR"
	envXDGConfig  = "XDG_CONFIG_HOME"
	envConsoleLog = "BROKER_CONSOLE_LOG"

	legacyDirName  = ".antigravity-broker"
	currentDirName = "antigravity-broker"

	// AccountsFileName is the persistent store's file name under the
	// resolved config directory.
	AccountsFileName = "antigravity-accounts.json"
)

// LoadDotEnv loads a .env file from the working directory if present.
// Absence is not an error; it mirrors the teacher's best-effort load.
func LoadDotEnv() {
	_ = godotenv.Load()
}

// ResolveConfigDir resolves the directory the persistent store and its
// sibling files live in, in order: OPENCODE_CONFIG_DIR override, then
// XDG_CONFIG_HOME/antigravity-broker, then a platform default under the
// user's home directory. For the XDG and platform-default locations, an
// accounts file left in the legacy dotfile directory is copied in when the
// resolved directory has none; the override directory is used as given.
func ResolveConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv(envConfigDir)); override != "" {
		return ensureDir(override)
	}

	if xdg := strings.TrimSpace(os.Getenv(envXDGConfig)); xdg != "" {
		dir, err := ensureDir(filepath.Join(xdg, currentDirName))
		if err != nil {
			return "", err
		}
		migrateLegacy(dir)
		return dir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir, err := ensureDir(filepath.Join(home, ".config", currentDirName))
	if err != nil {
		return "", err
	}
	migrateLegacy(dir)
	return dir, nil
}

func ensureDir(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// migrateLegacy performs a one-time, best-effort copy of the accounts file
// from the pre-XDG dotfile location into the resolved directory. Failure is
// silently ignored: the store simply starts empty, matching the spec's
// treatment of an unreadable/missing file.
func migrateLegacy(resolvedDir string) {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	legacyPath := filepath.Join(home, legacyDirName, AccountsFileName)
	newPath := filepath.Join(resolvedDir, AccountsFileName)
	if _, statErr := os.Stat(newPath); statErr == nil {
		return
	}
	data, readErr := os.ReadFile(legacyPath)
	if readErr != nil {
		return
	}
	_ = os.WriteFile(newPath, data, 0o600)
}

// ConsoleLoggingEnabled parses the console-logging toggle env var, where
// "1" or "true" (case-insensitive) enable console output alongside the
// rotating file sink.
func ConsoleLoggingEnabled() bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(envConsoleLog)))
	return v == "1" || v == "true"
}
