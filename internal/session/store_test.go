package session

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestSaveAndLoad(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := NewStore("", clock)

	if err := store.Save("device-1", Session{SubjectID: "participant-abc", Role: "participant", GuestID: "guest-7"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, ok := store.Load("device-1")
	if !ok {
		t.Fatal("session not found after save")
	}
	if got.SubjectID != "participant-abc" || got.GuestID != "guest-7" {
		t.Fatalf("loaded session = %+v", got)
	}
	if !got.SavedAt.Equal(clock.Now()) {
		t.Fatalf("SavedAt = %v, want stamp at save time", got.SavedAt)
	}
}

func TestLoadUnknownKey(t *testing.T) {
	store := NewStore("", clockwork.NewFakeClock())
	if _, ok := store.Load("nope"); ok {
		t.Fatal("unknown key reported present")
	}
}

func TestSessionExpiresAfterTTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := NewStore("", clock)

	if err := store.Save("device-1", Session{SubjectID: "participant-abc", Role: "participant"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	clock.Advance(24*time.Hour - time.Second)
	if _, ok := store.Load("device-1"); !ok {
		t.Fatal("session expired before the TTL")
	}

	clock.Advance(time.Second)
	if _, ok := store.Load("device-1"); ok {
		t.Fatal("session still loadable at the TTL boundary")
	}

	// Expiry evicts: the entry stays gone even if the clock were reset.
	if _, ok := store.Load("device-1"); ok {
		t.Fatal("expired session not evicted")
	}
}

func TestDelete(t *testing.T) {
	store := NewStore("", clockwork.NewFakeClock())

	if err := store.Save("device-1", Session{SubjectID: "host-abc", Role: "host"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Delete("device-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := store.Load("device-1"); ok {
		t.Fatal("session loadable after delete")
	}
}

func TestFileBackingSurvivesRestart(t *testing.T) {
	clock := clockwork.NewFakeClock()
	path := filepath.Join(t.TempDir(), "sessions.json")

	first := NewStore(path, clock)
	if err := first.Save("device-1", Session{SubjectID: "projector-abc", Role: "projector"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	second := NewStore(path, clock)
	got, ok := second.Load("device-1")
	if !ok {
		t.Fatal("session lost across restart")
	}
	if got.SubjectID != "projector-abc" || got.Role != "projector" {
		t.Fatalf("loaded session = %+v", got)
	}

	// TTL applies to the reloaded entry too.
	clock.Advance(25 * time.Hour)
	if _, ok := second.Load("device-1"); ok {
		t.Fatal("reloaded session ignored the TTL")
	}
}
