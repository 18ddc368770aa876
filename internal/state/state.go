// Package state persists sync progress between runs.
//
// The state file is the authoritative resumption point: the idempotency
// sets (synced message GUIDs, synced call IDs) are the real cursor, not
// the phase timestamps, which are advisory only. Identity maps are
// append-only and survive a full resync because resolved identities stay
// valid even when the interaction cursor is reset.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/citadelhq/crmsync/internal/phone"
)

// SyncState holds everything that must survive between runs.
type SyncState struct {
	LastContactsSync *time.Time
	LastMessagesSync *time.Time
	LastCallsSync    *time.Time

	SyncedMessageGUIDs map[string]struct{}
	SyncedCallIDs      map[int64]struct{}

	PhoneToContactID map[string]int64
	EmailToContactID map[string]int64
}

// stateFile is the on-disk JSON shape. Field names and encodings are a
// fixed contract shared with the previous implementation of this tool.
type stateFile struct {
	LastContactsSync   *time.Time       `json:"last_contacts_sync"`
	LastMessagesSync   *time.Time       `json:"last_messages_sync"`
	LastCallsSync      *time.Time       `json:"last_calls_sync"`
	SyncedMessageGUIDs []string         `json:"synced_message_guids"`
	SyncedCallIDs      []int64          `json:"synced_call_ids"`
	PhoneToContactID   map[string]int64 `json:"phone_to_contact_id"`
	EmailToContactID   map[string]int64 `json:"email_to_contact_id"`
}

// Path returns the state file location. CRMSYNC_STATE overrides it
// (useful for tests and portable installs).
func Path() (string, error) {
	if override := os.Getenv("CRMSYNC_STATE"); override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".crm-sync-state.json"), nil
}

// New returns an empty state with all maps initialized.
func New() *SyncState {
	return &SyncState{
		SyncedMessageGUIDs: make(map[string]struct{}),
		SyncedCallIDs:      make(map[int64]struct{}),
		PhoneToContactID:   make(map[string]int64),
		EmailToContactID:   make(map[string]int64),
	}
}

// Load reads the state file. A missing file means a first run and
// returns empty state, not an error.
func Load() (*SyncState, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, fmt.Errorf("failed to read state: %w", err)
	}

	var f stateFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse state: %w", err)
	}

	s := New()
	s.LastContactsSync = f.LastContactsSync
	s.LastMessagesSync = f.LastMessagesSync
	s.LastCallsSync = f.LastCallsSync
	for _, guid := range f.SyncedMessageGUIDs {
		s.SyncedMessageGUIDs[guid] = struct{}{}
	}
	for _, id := range f.SyncedCallIDs {
		s.SyncedCallIDs[id] = struct{}{}
	}
	for k, v := range f.PhoneToContactID {
		s.PhoneToContactID[k] = v
	}
	for k, v := range f.EmailToContactID {
		s.EmailToContactID[k] = v
	}
	return s, nil
}

// Save atomically persists the full state: write to a temp file in the
// same directory, then rename over the old file. Must only be called
// after a run completes; dry runs never save.
func (s *SyncState) Save() error {
	path, err := Path()
	if err != nil {
		return err
	}

	f := stateFile{
		LastContactsSync:   s.LastContactsSync,
		LastMessagesSync:   s.LastMessagesSync,
		LastCallsSync:      s.LastCallsSync,
		SyncedMessageGUIDs: make([]string, 0, len(s.SyncedMessageGUIDs)),
		SyncedCallIDs:      make([]int64, 0, len(s.SyncedCallIDs)),
		PhoneToContactID:   s.PhoneToContactID,
		EmailToContactID:   s.EmailToContactID,
	}
	for guid := range s.SyncedMessageGUIDs {
		f.SyncedMessageGUIDs = append(f.SyncedMessageGUIDs, guid)
	}
	sort.Strings(f.SyncedMessageGUIDs)
	for id := range s.SyncedCallIDs {
		f.SyncedCallIDs = append(f.SyncedCallIDs, id)
	}
	sort.Slice(f.SyncedCallIDs, func(i, j int) bool { return f.SyncedCallIDs[i] < f.SyncedCallIDs[j] })

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".crm-sync-state-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close state file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// Clear resets the idempotency sets and phase timestamps for a full
// resync. Identity maps are kept: resolved contact mappings are still
// valid even when the interaction cursor is reset.
func (s *SyncState) Clear() {
	s.LastContactsSync = nil
	s.LastMessagesSync = nil
	s.LastCallsSync = nil
	s.SyncedMessageGUIDs = make(map[string]struct{})
	s.SyncedCallIDs = make(map[int64]struct{})
}

// AddPhoneMapping registers both the canonical and the stripped key for
// a phone so later lookups hit regardless of formatting.
func (s *SyncState) AddPhoneMapping(raw, defaultRegion string, contactID int64) {
	if normalized, ok := phone.Normalize(raw, defaultRegion); ok {
		s.PhoneToContactID[normalized] = contactID
	}
	if stripped, ok := phone.StripFormatting(raw); ok {
		s.PhoneToContactID[stripped] = contactID
	}
}

// AddEmailMapping registers the lower-cased email key.
func (s *SyncState) AddEmailMapping(raw string, contactID int64) {
	if email := phone.NormalizeEmail(raw); email != "" {
		s.EmailToContactID[email] = contactID
	}
}

// ResolvePhone looks up a phone by canonical key first, stripped key
// second, returning the first hit.
func (s *SyncState) ResolvePhone(raw, defaultRegion string) (int64, bool) {
	if normalized, ok := phone.Normalize(raw, defaultRegion); ok {
		if id, found := s.PhoneToContactID[normalized]; found {
			return id, true
		}
	}
	if stripped, ok := phone.StripFormatting(raw); ok {
		if id, found := s.PhoneToContactID[stripped]; found {
			return id, true
		}
	}
	return 0, false
}

// ResolveEmail looks up an email by its lower-cased key.
func (s *SyncState) ResolveEmail(raw string) (int64, bool) {
	id, found := s.EmailToContactID[phone.NormalizeEmail(raw)]
	return id, found
}

// ResolveHandle resolves a message handle: addresses containing @ go
// through the email map only, everything else through the phone path.
func (s *SyncState) ResolveHandle(handle, defaultRegion string) (int64, bool) {
	if isEmailHandle(handle) {
		return s.ResolveEmail(handle)
	}
	return s.ResolvePhone(handle, defaultRegion)
}

func isEmailHandle(handle string) bool {
	for _, r := range handle {
		if r == '@' {
			return true
		}
	}
	return false
}
