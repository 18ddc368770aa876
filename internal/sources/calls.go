package sources

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Call type flag in ZCALLRECORD: 1 is incoming, 2 is outgoing.
const CallTypeIncoming = 1

// Call is one call history record.
type Call struct {
	RowID    int64
	Phone    string
	Date     time.Time
	Duration int // seconds
	CallType int
	Answered bool
}

// CallsDBPath returns the call history database location.
// CRMSYNC_CALLS_DB overrides it.
func CallsDBPath() string {
	if override := os.Getenv("CRMSYNC_CALLS_DB"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, "Library/Application Support/CallHistoryDB/CallHistory.storedata")
}

// ReadCalls enumerates call records strictly after since (zero disables
// the filter), ordered by occurrence time ascending, skipping ROWIDs in
// exclude and rows whose timestamp cannot be converted.
func ReadCalls(ctx context.Context, since time.Time, exclude map[int64]struct{}) ([]Call, error) {
	db, err := openImmutable(CallsDBPath())
	if err != nil {
		return nil, err
	}
	defer db.Close()

	query := `
		SELECT
			ROWID,
			ZADDRESS,
			ZDATE,
			ZDURATION,
			ZCALLTYPE,
			ZANSWERED
		FROM ZCALLRECORD
		WHERE ZADDRESS IS NOT NULL
	`
	var args []any
	if !since.IsZero() {
		query += " AND ZDATE > ?"
		args = append(args, TimeToAppleSeconds(since))
	}
	query += " ORDER BY ZDATE"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query calls: %w", err)
	}
	defer rows.Close()

	var calls []Call
	for rows.Next() {
		var c Call
		var dateSecs sql.NullFloat64
		var duration sql.NullFloat64
		var callType, answered sql.NullInt64
		if err := rows.Scan(&c.RowID, &c.Phone, &dateSecs, &duration, &callType, &answered); err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		if _, synced := exclude[c.RowID]; synced {
			continue
		}
		date, ok := AppleSecondsToTime(dateSecs.Float64)
		if !ok {
			continue
		}
		c.Date = date
		c.Duration = int(duration.Float64)
		c.CallType = int(callType.Int64)
		c.Answered = answered.Int64 != 0
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

// CheckCallsAccess reports whether the call history store exists and is
// readable. Reading it requires Full Disk Access.
func CheckCallsAccess() bool {
	path := CallsDBPath()
	if path == "" {
		return false
	}
	if _, err := os.Stat(path); err != nil {
		return false
	}
	return probe(path, "SELECT 1 FROM ZCALLRECORD LIMIT 1")
}
