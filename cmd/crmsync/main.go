package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/citadelhq/crmsync/internal/config"
	"github.com/citadelhq/crmsync/internal/crm"
	"github.com/citadelhq/crmsync/internal/engine"
	"github.com/citadelhq/crmsync/internal/live"
	"github.com/citadelhq/crmsync/internal/sources"
	"github.com/citadelhq/crmsync/internal/state"
)

var (
	version    = "dev"
	commit     = "none"
	buildDate  = "unknown"
	jsonOutput bool
)

func main() {
	var (
		contactsOnly     bool
		interactionsOnly bool
		dryRun           bool
		knownOnly        bool
		days             int
		full             bool
		verbose          bool
	)

	rootCmd := &cobra.Command{
		Use:   "crmsync",
		Short: "Sync macOS contacts and interactions to Citadel CRM",
		Long: `crmsync incrementally syncs your macOS Contacts, iMessage history,
and call history into Citadel CRM. Runs are idempotent: contacts are
matched by phone/email identity and interactions are tracked in a
persistent sync state, so repeated runs never create duplicates.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runSync(cmd.Context(), runOptions{
				contactsOnly:     contactsOnly,
				interactionsOnly: interactionsOnly,
				dryRun:           dryRun,
				knownOnly:        knownOnly,
				days:             days,
				full:             full,
				verbose:          verbose,
			})
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	rootCmd.Flags().BoolVar(&contactsOnly, "contacts-only", false, "Only sync contacts")
	rootCmd.Flags().BoolVar(&interactionsOnly, "interactions-only", false, "Only sync messages and calls")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Preview without making changes")
	rootCmd.Flags().BoolVar(&knownOnly, "known-only", false, "Skip creating unknown contacts")
	rootCmd.Flags().IntVar(&days, "days", 0, "Limit lookback to N days")
	rootCmd.Flags().BoolVar(&full, "full", false, "Force full resync")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				printJSON(map[string]string{
					"version": version,
					"commit":  commit,
					"date":    buildDate,
				})
			} else {
				fmt.Printf("crmsync %s (%s, %s)\n", version, commit, buildDate)
			}
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			configPath, _ := config.Path()
			statePath, _ := state.Path()
			if jsonOutput {
				printJSON(map[string]any{
					"ok":      true,
					"config":  configPath,
					"state":   statePath,
					"api_url": cfg.APIURL,
				})
				return nil
			}
			fmt.Printf("✓ Config: %s\n", configPath)
			fmt.Printf("✓ State:  %s\n", statePath)
			fmt.Printf("\nEdit the config to point at your CRM (current api_url: %s)\n", cfg.APIURL)
			return nil
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show sync state and store access",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runStatus()
		},
	})

	var watchDebounce time.Duration
	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch for new messages and sync continuously",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if !sources.CheckMessagesAccess() {
				fatalMessagesAccess()
				os.Exit(1)
			}

			fmt.Println("Press Ctrl+C to stop")
			return live.Watch(ctx, live.Options{
				Path:     sources.ChatDBPath(),
				Debounce: watchDebounce,
				Logf: func(format string, args ...any) {
					fmt.Printf(format+"\n", args...)
				},
			}, func(ctx context.Context) error {
				return runSync(ctx, runOptions{verbose: verbose})
			})
		},
	}
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", 30*time.Second, "Quiet period before syncing after a change")
	watchCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.AddCommand(watchCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type runOptions struct {
	contactsOnly     bool
	interactionsOnly bool
	dryRun           bool
	knownOnly        bool
	days             int
	full             bool
	verbose          bool
}

func runSync(ctx context.Context, opts runOptions) error {
	if !jsonOutput {
		fmt.Println("\nCitadel CRM Sync")
		fmt.Println("========================================")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	st, err := state.Load()
	if err != nil {
		return err
	}

	if opts.verbose && !jsonOutput {
		fmt.Printf("  API URL: %s\n", cfg.APIURL)
	}

	if opts.full {
		if !jsonOutput {
			fmt.Println("  ! Full resync requested - clearing sync state")
		}
		st.Clear()
	}

	lookbackDays := cfg.InitialLookbackDays
	if opts.days > 0 {
		lookbackDays = opts.days
	}
	lookback := time.Now().UTC().AddDate(0, 0, -lookbackDays)
	if opts.verbose && !jsonOutput {
		fmt.Printf("  Lookback: %d days (since %s)\n", lookbackDays, lookback.Format("2006-01-02"))
	}

	// Access checks before any phase runs. Messages access is required
	// when interactions will sync; contacts and calls degrade to
	// skipped phases.
	if !opts.interactionsOnly && !jsonOutput && !sources.CheckContactsAccess() {
		fmt.Println("  ! Could not access Contacts database")
		fmt.Println("  This may be normal if you have no local contacts")
	}
	if !opts.contactsOnly && !sources.CheckMessagesAccess() {
		fatalMessagesAccess()
		os.Exit(1)
	}
	if !opts.contactsOnly && !jsonOutput && !sources.CheckCallsAccess() {
		fmt.Println("  ! Cannot access Call History database")
		fmt.Println("  Call sync will be skipped")
	}

	eng := engine.New(crm.NewClient(cfg.APIURL, cfg.APIKey), cfg, st)
	if jsonOutput {
		eng.Out = io.Discard
	}

	stats, err := eng.Run(ctx, engine.Options{
		ContactsOnly:     opts.contactsOnly,
		InteractionsOnly: opts.interactionsOnly,
		DryRun:           opts.dryRun,
		KnownOnly:        opts.knownOnly,
		Verbose:          opts.verbose,
		Lookback:         lookback,
	})
	if err != nil {
		return err
	}

	if !opts.dryRun {
		if err := st.Save(); err != nil {
			return err
		}
	}

	if jsonOutput {
		printJSON(map[string]any{
			"ok":                true,
			"dry_run":           opts.dryRun,
			"contacts_created":  stats.ContactsCreated,
			"contacts_existing": stats.ContactsExisting,
			"contacts_unknown":  stats.ContactsUnknown,
			"messages_synced":   stats.MessagesSynced,
			"calls_synced":      stats.CallsSynced,
		})
		return nil
	}

	fmt.Println("\nDone! Summary:")
	fmt.Printf("  Contacts: %d created, %d existing, %d unknown\n",
		stats.ContactsCreated, stats.ContactsExisting, stats.ContactsUnknown)
	fmt.Printf("  Messages: %d synced\n", stats.MessagesSynced)
	fmt.Printf("  Calls: %d synced\n", stats.CallsSynced)
	return nil
}

func runStatus() error {
	st, err := state.Load()
	if err != nil {
		return err
	}

	type storeStatus struct {
		Contacts bool `json:"contacts"`
		Messages bool `json:"messages"`
		Calls    bool `json:"calls"`
	}
	access := storeStatus{
		Contacts: sources.CheckContactsAccess(),
		Messages: sources.CheckMessagesAccess(),
		Calls:    sources.CheckCallsAccess(),
	}

	if jsonOutput {
		printJSON(map[string]any{
			"ok":                 true,
			"access":             access,
			"last_contacts_sync": st.LastContactsSync,
			"last_messages_sync": st.LastMessagesSync,
			"last_calls_sync":    st.LastCallsSync,
			"synced_messages":    len(st.SyncedMessageGUIDs),
			"synced_calls":       len(st.SyncedCallIDs),
			"phone_identities":   len(st.PhoneToContactID),
			"email_identities":   len(st.EmailToContactID),
		})
		return nil
	}

	mark := func(ok bool) string {
		if ok {
			return "✓"
		}
		return "✗"
	}
	fmt.Println("Store access:")
	fmt.Printf("  %s Contacts\n", mark(access.Contacts))
	fmt.Printf("  %s Messages\n", mark(access.Messages))
	fmt.Printf("  %s Calls\n", mark(access.Calls))

	fmtTime := func(t *time.Time) string {
		if t == nil {
			return "never"
		}
		return t.Local().Format("2006-01-02 15:04:05")
	}
	fmt.Println("\nLast sync:")
	fmt.Printf("  Contacts: %s\n", fmtTime(st.LastContactsSync))
	fmt.Printf("  Messages: %s\n", fmtTime(st.LastMessagesSync))
	fmt.Printf("  Calls:    %s\n", fmtTime(st.LastCallsSync))

	fmt.Println("\nSynced so far:")
	fmt.Printf("  %d messages, %d calls\n", len(st.SyncedMessageGUIDs), len(st.SyncedCallIDs))
	fmt.Printf("  %d phone identities, %d email identities\n",
		len(st.PhoneToContactID), len(st.EmailToContactID))
	return nil
}

func fatalMessagesAccess() {
	fmt.Fprintln(os.Stderr, "Error: Cannot access iMessage database")
	fmt.Fprintln(os.Stderr, "Grant Full Disk Access in:")
	fmt.Fprintln(os.Stderr, "  System Settings > Privacy & Security > Full Disk Access")
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}
