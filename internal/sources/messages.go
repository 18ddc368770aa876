package sources

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Message is one iMessage/SMS record. Handle is the counterparty
// address: a phone number or an email.
type Message struct {
	RowID    int64
	GUID     string
	Date     time.Time
	IsFromMe bool
	Handle   string
}

// ChatDBPath returns the iMessage database location. CRMSYNC_CHAT_DB
// overrides it.
func ChatDBPath() string {
	if override := os.Getenv("CRMSYNC_CHAT_DB"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, "Library/Messages/chat.db")
}

// ReadMessages enumerates messages strictly after since (zero disables
// the filter), ordered by occurrence time ascending, skipping GUIDs in
// exclude and rows whose timestamp cannot be converted.
func ReadMessages(ctx context.Context, since time.Time, exclude map[string]struct{}) ([]Message, error) {
	db, err := openImmutable(ChatDBPath())
	if err != nil {
		return nil, err
	}
	defer db.Close()

	query := `
		SELECT
			m.ROWID,
			m.guid,
			m.date,
			m.is_from_me,
			h.id
		FROM message m
		JOIN handle h ON m.handle_id = h.ROWID
		WHERE h.id IS NOT NULL
	`
	var args []any
	if !since.IsZero() {
		query += " AND m.date > ?"
		args = append(args, TimeToAppleNanos(since))
	}
	query += " ORDER BY m.date"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var dateNanos sql.NullInt64
		var fromMe sql.NullInt64
		if err := rows.Scan(&m.RowID, &m.GUID, &dateNanos, &fromMe, &m.Handle); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if _, synced := exclude[m.GUID]; synced {
			continue
		}
		date, ok := AppleNanosToTime(dateNanos.Int64)
		if !ok {
			continue
		}
		m.Date = date
		m.IsFromMe = fromMe.Int64 != 0
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// CheckMessagesAccess reports whether chat.db exists and is readable.
// Reading it requires Full Disk Access.
func CheckMessagesAccess() bool {
	path := ChatDBPath()
	if path == "" {
		return false
	}
	if _, err := os.Stat(path); err != nil {
		return false
	}
	return probe(path, "SELECT 1 FROM message LIMIT 1")
}
