// Package engine orchestrates the three-phase reconciliation protocol:
// contacts first, then messages, then calls. Contacts run first so that
// contacts created in phase 1 are matchable by phases 2 and 3 within the
// same run.
//
// The engine performs no retries of its own; transient remote failures
// are handled by the CRM client's transport policy, and per-record
// failures degrade to "try again next run" via the idempotency sets.
package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/citadelhq/crmsync/internal/config"
	"github.com/citadelhq/crmsync/internal/crm"
	"github.com/citadelhq/crmsync/internal/phone"
	"github.com/citadelhq/crmsync/internal/sources"
	"github.com/citadelhq/crmsync/internal/state"
)

const unknownContactNotes = "Auto-created from iOS sync - needs review"

// CRM is the remote side of the sync. Implemented by crm.Client.
type CRM interface {
	ListAllContacts(ctx context.Context) ([]crm.Contact, error)
	CreateContact(ctx context.Context, c crm.Contact) (crm.Contact, error)
	CreateInteraction(ctx context.Context, contactID int64, in crm.Interaction) error
}

// Options control a single run.
type Options struct {
	ContactsOnly     bool
	InteractionsOnly bool
	DryRun           bool
	KnownOnly        bool
	Verbose          bool
	Lookback         time.Time
}

// Stats are the per-run counters reported in the summary.
type Stats struct {
	ContactsCreated  int
	ContactsExisting int
	ContactsUnknown  int
	MessagesSynced   int
	CallsSynced      int
}

// Engine runs the reconciliation. The reader and access-check fields
// default to the real macOS stores and are swappable in tests.
type Engine struct {
	CRM    CRM
	Config *config.Config
	State  *state.SyncState
	Out    io.Writer

	ReadContacts func(ctx context.Context) ([]sources.LocalContact, error)
	ReadMessages func(ctx context.Context, since time.Time, exclude map[string]struct{}) ([]sources.Message, error)
	ReadCalls    func(ctx context.Context, since time.Time, exclude map[int64]struct{}) ([]sources.Call, error)

	CheckContactsAccess func() bool
	CheckMessagesAccess func() bool
	CheckCallsAccess    func() bool
}

// New wires an engine to the real local stores.
func New(remote CRM, cfg *config.Config, st *state.SyncState) *Engine {
	return &Engine{
		CRM:    remote,
		Config: cfg,
		State:  st,
		Out:    os.Stdout,
		ReadContacts: func(ctx context.Context) ([]sources.LocalContact, error) {
			path, ok := sources.FindContactsDB()
			if !ok {
				return nil, fmt.Errorf("contacts database not found")
			}
			return sources.ReadContacts(ctx, path)
		},
		ReadMessages:        sources.ReadMessages,
		ReadCalls:           sources.ReadCalls,
		CheckContactsAccess: sources.CheckContactsAccess,
		CheckMessagesAccess: sources.CheckMessagesAccess,
		CheckCallsAccess:    sources.CheckCallsAccess,
	}
}

// Run executes the enabled phases in fixed order and returns the
// combined stats. Per-record failures never abort a phase; only source
// read or remote enumeration failures surface as errors.
func (e *Engine) Run(ctx context.Context, opts Options) (Stats, error) {
	var stats Stats

	if !opts.InteractionsOnly {
		if err := e.syncContacts(ctx, opts, &stats); err != nil {
			return stats, err
		}
	}
	if !opts.ContactsOnly {
		if err := e.syncMessages(ctx, opts, &stats); err != nil {
			return stats, err
		}
		if err := e.syncCalls(ctx, opts, &stats); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// syncContacts is phase 1: refresh identity maps from remote truth,
// then create local contacts the CRM has never seen.
func (e *Engine) syncContacts(ctx context.Context, opts Options, stats *Stats) error {
	e.headerf("Phase 1: Syncing contacts...")

	if !e.CheckContactsAccess() {
		e.warnf("No contacts database found")
		return nil
	}

	locals, err := e.ReadContacts(ctx)
	if err != nil {
		return fmt.Errorf("failed to read local contacts: %w", err)
	}
	e.infof("Found %d contacts in macOS Contacts", len(locals))

	remote, err := e.CRM.ListAllContacts(ctx)
	if err != nil {
		return fmt.Errorf("failed to list CRM contacts: %w", err)
	}
	e.infof("Found %d contacts in CRM", len(remote))

	// Refresh the identity maps from current remote truth so contacts
	// created outside this tool are still matchable.
	for _, c := range remote {
		if c.Phone != "" {
			e.State.AddPhoneMapping(c.Phone, e.Config.DefaultRegion, c.ID)
		}
		if c.Email != "" {
			e.State.AddEmailMapping(c.Email, c.ID)
		}
	}

	var queue []crm.Contact
	for _, local := range locals {
		if e.isDuplicate(local) {
			stats.ContactsExisting++
			continue
		}

		firstName := local.FirstName
		lastName := local.LastName
		if firstName == "" && lastName == "" && local.Organization != "" {
			firstName = local.Organization
		}
		if firstName == "" && lastName == "" {
			// No identity to create.
			continue
		}

		// Only the first phone and first email are modeled remotely.
		var primaryPhone, primaryEmail string
		if len(local.Phones) > 0 {
			if normalized, ok := phone.Normalize(local.Phones[0], e.Config.DefaultRegion); ok {
				primaryPhone = normalized
			} else {
				primaryPhone = local.Phones[0]
			}
		}
		if len(local.Emails) > 0 {
			primaryEmail = local.Emails[0]
		}

		queue = append(queue, crm.Contact{
			FirstName:    firstName,
			LastName:     lastName,
			Phone:        primaryPhone,
			Email:        primaryEmail,
			Organization: local.Organization,
			Notes:        local.Notes,
		})
	}

	if opts.DryRun {
		e.warnf("Would create %d new contacts (dry run)", len(queue))
		stats.ContactsCreated = len(queue)
		return nil
	}

	for _, c := range queue {
		created, err := e.CRM.CreateContact(ctx, c)
		if err != nil {
			if opts.Verbose {
				e.errorf("Failed to create contact: %v", err)
			}
			continue
		}
		stats.ContactsCreated++

		// Register immediately so later matches in this run benefit.
		if created.Phone != "" {
			e.State.AddPhoneMapping(created.Phone, e.Config.DefaultRegion, created.ID)
		}
		if created.Email != "" {
			e.State.AddEmailMapping(created.Email, created.ID)
		}
	}

	now := time.Now().UTC()
	e.State.LastContactsSync = &now
	e.successf("Created %d new contacts", stats.ContactsCreated)
	return nil
}

// isDuplicate reports whether any of the local contact's phones
// (canonical-then-stripped) or emails resolves to an existing contact.
func (e *Engine) isDuplicate(local sources.LocalContact) bool {
	for _, p := range local.Phones {
		if _, ok := e.State.ResolvePhone(p, e.Config.DefaultRegion); ok {
			return true
		}
	}
	for _, em := range local.Emails {
		if _, ok := e.State.ResolveEmail(em); ok {
			return true
		}
	}
	return false
}

// syncMessages is phase 2.
func (e *Engine) syncMessages(ctx context.Context, opts Options, stats *Stats) error {
	e.headerf("Phase 2: Syncing messages...")

	if !e.CheckMessagesAccess() {
		e.warnf("Skipping messages (no access)")
		return nil
	}

	msgs, err := e.ReadMessages(ctx, opts.Lookback, e.State.SyncedMessageGUIDs)
	if err != nil {
		return fmt.Errorf("failed to read messages: %w", err)
	}
	e.infof("Found %d messages in lookback period", len(msgs))

	type matchedMsg struct {
		msg       sources.Message
		contactID int64
	}
	var matched []matchedMsg
	unmatched := make(map[string]struct{})

	for _, m := range msgs {
		if id, ok := e.State.ResolveHandle(m.Handle, e.Config.DefaultRegion); ok {
			matched = append(matched, matchedMsg{m, id})
		} else {
			unmatched[m.Handle] = struct{}{}
		}
	}
	e.infof("Matched %d to known contacts", len(matched))

	if len(unmatched) > 0 && !opts.KnownOnly && e.Config.CreateUnknownContacts && !opts.DryRun {
		e.infof("Creating %d unknown contacts for unmatched handles", len(unmatched))
		for _, handle := range sortedHandles(unmatched) {
			contactID, ok := e.createUnknownContact(ctx, handle, opts)
			if !ok {
				continue
			}
			stats.ContactsUnknown++
			// Retroactively attach every record sharing this handle.
			for _, m := range msgs {
				if m.Handle == handle {
					matched = append(matched, matchedMsg{m, contactID})
				}
			}
		}
	}

	if opts.DryRun {
		e.warnf("Would sync %d message interactions (dry run)", len(matched))
		stats.MessagesSynced = len(matched)
		return nil
	}

	for _, mm := range matched {
		in := crm.Interaction{
			Type:       messageInteractionType(mm.msg.IsFromMe),
			OccurredAt: mm.msg.Date,
			Source:     crm.SourceImportIOS,
		}
		if err := e.CRM.CreateInteraction(ctx, mm.contactID, in); err != nil {
			// Not marked synced; retried next run.
			if opts.Verbose {
				e.errorf("Failed to create interaction: %v", err)
			}
			continue
		}
		e.State.SyncedMessageGUIDs[mm.msg.GUID] = struct{}{}
		stats.MessagesSynced++
	}

	now := time.Now().UTC()
	e.State.LastMessagesSync = &now
	e.successf("Synced %d message interactions", stats.MessagesSynced)
	return nil
}

// syncCalls is phase 3, structurally identical to phase 2.
func (e *Engine) syncCalls(ctx context.Context, opts Options, stats *Stats) error {
	e.headerf("Phase 3: Syncing calls...")

	if !e.CheckCallsAccess() {
		e.warnf("Skipping calls (no access)")
		return nil
	}

	calls, err := e.ReadCalls(ctx, opts.Lookback, e.State.SyncedCallIDs)
	if err != nil {
		return fmt.Errorf("failed to read calls: %w", err)
	}
	e.infof("Found %d calls in lookback period", len(calls))

	type matchedCall struct {
		call      sources.Call
		contactID int64
	}
	var matched []matchedCall
	unmatched := make(map[string]struct{})

	for _, c := range calls {
		if id, ok := e.State.ResolvePhone(c.Phone, e.Config.DefaultRegion); ok {
			matched = append(matched, matchedCall{c, id})
		} else {
			unmatched[c.Phone] = struct{}{}
		}
	}
	e.infof("Matched %d to known contacts", len(matched))

	if len(unmatched) > 0 && !opts.KnownOnly && e.Config.CreateUnknownContacts && !opts.DryRun {
		e.infof("Creating %d unknown contacts for unmatched phones", len(unmatched))
		for _, handle := range sortedHandles(unmatched) {
			contactID, ok := e.createUnknownContact(ctx, handle, opts)
			if !ok {
				continue
			}
			stats.ContactsUnknown++
			for _, c := range calls {
				if c.Phone == handle {
					matched = append(matched, matchedCall{c, contactID})
				}
			}
		}
	}

	if opts.DryRun {
		e.warnf("Would sync %d call interactions (dry run)", len(matched))
		stats.CallsSynced = len(matched)
		return nil
	}

	for _, mc := range matched {
		in := crm.Interaction{
			Type:       callInteractionType(mc.call),
			OccurredAt: mc.call.Date,
			Source:     crm.SourceImportIOS,
		}
		if mc.call.Duration > 0 {
			in.DurationSeconds = mc.call.Duration
		}
		if err := e.CRM.CreateInteraction(ctx, mc.contactID, in); err != nil {
			if opts.Verbose {
				e.errorf("Failed to create interaction: %v", err)
			}
			continue
		}
		e.State.SyncedCallIDs[mc.call.RowID] = struct{}{}
		stats.CallsSynced++
	}

	now := time.Now().UTC()
	e.State.LastCallsSync = &now
	e.successf("Synced %d call interactions", stats.CallsSynced)
	return nil
}

// createUnknownContact synthesizes a placeholder contact for an
// unmatched handle and registers its identity keys on success.
func (e *Engine) createUnknownContact(ctx context.Context, handle string, opts Options) (int64, bool) {
	c := crm.Contact{
		FirstName: "Unknown",
		Notes:     unknownContactNotes,
	}

	if strings.Contains(handle, "@") {
		c.LastName = fmt.Sprintf("(%s)", handle)
		c.Email = handle
	} else {
		normalized, ok := phone.Normalize(handle, e.Config.DefaultRegion)
		display := handle
		if ok {
			if formatted := phone.FormatDisplay(normalized); formatted != "" {
				display = formatted
			}
			c.Phone = normalized
		} else {
			c.Phone = handle
		}
		c.LastName = fmt.Sprintf("(%s)", display)
	}

	created, err := e.CRM.CreateContact(ctx, c)
	if err != nil {
		if opts.Verbose {
			e.errorf("Failed to create unknown contact for %s: %v", handle, err)
		}
		return 0, false
	}

	if created.Phone != "" {
		e.State.AddPhoneMapping(created.Phone, e.Config.DefaultRegion, created.ID)
	}
	if created.Email != "" {
		e.State.AddEmailMapping(created.Email, created.ID)
	}
	return created.ID, true
}

func messageInteractionType(isFromMe bool) string {
	if isFromMe {
		return crm.TextOutbound
	}
	return crm.TextInbound
}

// callInteractionType maps a call record to an interaction type. The
// answered flag takes precedence over the direction flag.
func callInteractionType(c sources.Call) string {
	if !c.Answered {
		return crm.CallMissed
	}
	if c.CallType == sources.CallTypeIncoming {
		return crm.CallInbound
	}
	return crm.CallOutbound
}

func sortedHandles(set map[string]struct{}) []string {
	handles := make([]string, 0, len(set))
	for h := range set {
		handles = append(handles, h)
	}
	sort.Strings(handles)
	return handles
}

func (e *Engine) headerf(format string, args ...any) {
	fmt.Fprintf(e.Out, "\n"+format+"\n", args...)
}

func (e *Engine) infof(format string, args ...any) {
	fmt.Fprintf(e.Out, "  "+format+"\n", args...)
}

func (e *Engine) successf(format string, args ...any) {
	fmt.Fprintf(e.Out, "  ✓ "+format+"\n", args...)
}

func (e *Engine) warnf(format string, args ...any) {
	fmt.Fprintf(e.Out, "  ! "+format+"\n", args...)
}

func (e *Engine) errorf(format string, args ...any) {
	fmt.Fprintf(e.Out, "  ✗ "+format+"\n", args...)
}
