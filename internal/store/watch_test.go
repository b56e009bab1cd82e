package store

import (
	"testing"
	"time"

	"github.com/antigravity-broker/broker/internal/account"
)

// TestWatchFiresOnSiblingWrite exercises the hot-reload path end to end
// against a real filesystem watch: a Save() from the same Store stands in
// for a sibling process editing the shared accounts file.
func TestWatchFiresOnSiblingWrite(t *testing.T) {
	s := newTestStore(t)

	changes := make(chan *Root, 1)
	stop, err := s.Watch(func(r *Root) {
		select {
		case changes <- r:
		default:
		}
	})
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer stop()

	in := &Root{
		Version: currentSchemaVersion,
		Accounts: []*account.Account{
			{RefreshToken: "r1", Email: "a@example.com"},
		},
	}
	if err := s.Save(in); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	select {
	case got := <-changes:
		if len(got.Accounts) != 1 || got.Accounts[0].RefreshToken != "r1" {
			t.Fatalf("onChange root = %+v, want one account r1", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for hot-reload callback after Save()")
	}
}
