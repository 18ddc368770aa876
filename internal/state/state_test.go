package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("CRMSYNC_STATE", filepath.Join(t.TempDir(), "state.json"))

	s, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(s.SyncedMessageGUIDs) != 0 || len(s.SyncedCallIDs) != 0 {
		t.Fatal("fresh state should have empty idempotency sets")
	}
	if s.LastContactsSync != nil {
		t.Fatal("fresh state should have nil timestamps")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	t.Setenv("CRMSYNC_STATE", path)

	now := time.Now().UTC().Truncate(time.Second)
	s := New()
	s.LastMessagesSync = &now
	s.SyncedMessageGUIDs["abc-1"] = struct{}{}
	s.SyncedCallIDs[42] = struct{}{}
	s.PhoneToContactID["+19025551234"] = 7
	s.EmailToContactID["alice@example.com"] = 8

	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := loaded.SyncedMessageGUIDs["abc-1"]; !ok {
		t.Fatal("synced GUID lost")
	}
	if _, ok := loaded.SyncedCallIDs[42]; !ok {
		t.Fatal("synced call ID lost")
	}
	if loaded.PhoneToContactID["+19025551234"] != 7 {
		t.Fatal("phone mapping lost")
	}
	if loaded.EmailToContactID["alice@example.com"] != 8 {
		t.Fatal("email mapping lost")
	}
	if loaded.LastMessagesSync == nil || !loaded.LastMessagesSync.Equal(now) {
		t.Fatalf("LastMessagesSync = %v, want %v", loaded.LastMessagesSync, now)
	}
	if loaded.LastCallsSync != nil {
		t.Fatal("LastCallsSync should stay nil")
	}
}

func TestStateFileShape(t *testing.T) {
	// The on-disk field names are a contract with the previous
	// implementation; existing state files must keep loading.
	path := filepath.Join(t.TempDir(), "state.json")
	t.Setenv("CRMSYNC_STATE", path)

	raw := `{
		"last_contacts_sync": "2026-01-02T03:04:05Z",
		"last_messages_sync": null,
		"last_calls_sync": null,
		"synced_message_guids": ["g1", "g2"],
		"synced_call_ids": [1, 2, 3],
		"phone_to_contact_id": {"+19025551234": 5},
		"email_to_contact_id": {"bob@example.com": 6}
	}`
	if err := os.WriteFile(path, []byte(raw), 0644); err != nil {
		t.Fatalf("write state: %v", err)
	}

	s, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(s.SyncedMessageGUIDs) != 2 || len(s.SyncedCallIDs) != 3 {
		t.Fatalf("sets = %d guids, %d call ids", len(s.SyncedMessageGUIDs), len(s.SyncedCallIDs))
	}
	if s.LastContactsSync == nil || s.LastContactsSync.Year() != 2026 {
		t.Fatalf("LastContactsSync = %v", s.LastContactsSync)
	}

	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	var round map[string]json.RawMessage
	if err := json.Unmarshal(data, &round); err != nil {
		t.Fatalf("parse saved state: %v", err)
	}
	for _, key := range []string{
		"last_contacts_sync", "last_messages_sync", "last_calls_sync",
		"synced_message_guids", "synced_call_ids",
		"phone_to_contact_id", "email_to_contact_id",
	} {
		if _, ok := round[key]; !ok {
			t.Fatalf("saved state missing %q", key)
		}
	}
}

func TestClearKeepsIdentityMaps(t *testing.T) {
	now := time.Now().UTC()
	s := New()
	s.LastContactsSync = &now
	s.LastMessagesSync = &now
	s.LastCallsSync = &now
	s.SyncedMessageGUIDs["g"] = struct{}{}
	s.SyncedCallIDs[1] = struct{}{}
	s.PhoneToContactID["+19025551234"] = 5
	s.EmailToContactID["bob@example.com"] = 6

	s.Clear()

	if s.LastContactsSync != nil || s.LastMessagesSync != nil || s.LastCallsSync != nil {
		t.Fatal("Clear should reset timestamps")
	}
	if len(s.SyncedMessageGUIDs) != 0 || len(s.SyncedCallIDs) != 0 {
		t.Fatal("Clear should empty idempotency sets")
	}
	if s.PhoneToContactID["+19025551234"] != 5 || s.EmailToContactID["bob@example.com"] != 6 {
		t.Fatal("Clear must keep identity maps")
	}
}

func TestResolvePhoneTwoTier(t *testing.T) {
	s := New()

	// Registered under canonical form only.
	s.PhoneToContactID["+19025551234"] = 9
	if id, ok := s.ResolvePhone("(902) 555-1234", "US"); !ok || id != 9 {
		t.Fatalf("canonical resolve = %d, %v", id, ok)
	}

	// Registered under stripped form only; canonical lookup misses,
	// fallback hits.
	s2 := New()
	s2.PhoneToContactID["9025551234"] = 11
	if id, ok := s2.ResolvePhone("(902) 555-1234", "US"); !ok || id != 11 {
		t.Fatalf("stripped resolve = %d, %v", id, ok)
	}

	if _, ok := s2.ResolvePhone("no digits here", "US"); ok {
		t.Fatal("unresolvable phone should miss")
	}
}

func TestResolveHandle(t *testing.T) {
	s := New()
	s.EmailToContactID["carol@example.com"] = 3
	s.PhoneToContactID["+19025551234"] = 4

	if id, ok := s.ResolveHandle("Carol@Example.com", "US"); !ok || id != 3 {
		t.Fatalf("email handle = %d, %v", id, ok)
	}
	if id, ok := s.ResolveHandle("9025551234", "US"); !ok || id != 4 {
		t.Fatalf("phone handle = %d, %v", id, ok)
	}
	// Email-style handles never fall through to the phone map.
	s.PhoneToContactID["5551234"] = 12
	if _, ok := s.ResolveHandle("5551234@example.com", "US"); ok {
		t.Fatal("email handle must not resolve via phone map")
	}
}

func TestAddPhoneMappingRegistersBothKeys(t *testing.T) {
	s := New()
	s.AddPhoneMapping("(902) 555-1234", "US", 21)

	if s.PhoneToContactID["+19025551234"] != 21 {
		t.Fatal("canonical key missing")
	}
	if s.PhoneToContactID["9025551234"] != 21 {
		t.Fatal("stripped key missing")
	}
}
