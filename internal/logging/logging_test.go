package logging

import (
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
)

func TestFormatIncludesOrderedFields(t *testing.T) {
	f := &Formatter{}
	entry := &log.Entry{
		Time:    time.Date(2026, 7, 30, 10, 4, 5, 0, time.UTC),
		Level:   log.InfoLevel,
		Message: "account rotated",
		Data:    log.Fields{"model": "claude-opus-4", "family": "claude", "unrelated": "dropped"},
	}

	out, err := f.Format(entry)
	if err != nil {
		t.Fatalf("Format() error = %v", err)
	}
	line := string(out)

	if !strings.Contains(line, "2026-07-30 10:04:05") {
		t.Fatalf("expected timestamp in output, got %q", line)
	}
	if !strings.Contains(line, "account rotated") {
		t.Fatalf("expected message in output, got %q", line)
	}
	if !strings.Contains(line, "family=claude model=claude-opus-4") {
		t.Fatalf("expected ordered fields (family before model), got %q", line)
	}
	if strings.Contains(line, "unrelated") {
		t.Fatalf("expected unordered field to be dropped, got %q", line)
	}
}

func TestFormatWarningLevelAbbreviated(t *testing.T) {
	f := &Formatter{}
	entry := &log.Entry{Time: time.Now(), Level: log.WarnLevel, Message: "slow response"}
	out, err := f.Format(entry)
	if err != nil {
		t.Fatalf("Format() error = %v", err)
	}
	if !strings.Contains(string(out), "[warn ]") {
		t.Fatalf("expected abbreviated warn level, got %q", string(out))
	}
}
