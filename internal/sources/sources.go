// Package sources reads the local macOS communication stores: the
// Contacts address book, the iMessage chat database, and the call
// history database.
//
// All opens are read-only with sqlite's immutable flag so a store that
// another process holds a write lock on can still be enumerated. Each
// enumeration opens a connection, fully materializes its results, and
// closes it; no locks are held between reads.
package sources

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Apple epoch: 2001-01-01 00:00:00 UTC, offset from the Unix epoch in
// seconds. Message timestamps are nanoseconds since the Apple epoch,
// call timestamps are (fractional) seconds.
const appleEpochOffset = 978307200

func openImmutable(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro&immutable=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return db, nil
}

// probe verifies the store at path is present and readable without
// raising: a single-row query against its main table.
func probe(path, query string) bool {
	db, err := openImmutable(path)
	if err != nil {
		return false
	}
	defer db.Close()

	var one int
	if err := db.QueryRow(query).Scan(&one); err != nil && err != sql.ErrNoRows {
		return false
	}
	return true
}

// AppleNanosToTime converts a message timestamp (nanoseconds since the
// Apple epoch) to UTC. Zero or negative values are invalid.
func AppleNanosToTime(ns int64) (time.Time, bool) {
	if ns <= 0 {
		return time.Time{}, false
	}
	secs := ns / 1e9
	rem := ns % 1e9
	return time.Unix(secs+appleEpochOffset, rem).UTC(), true
}

// TimeToAppleNanos converts a time to a message timestamp.
func TimeToAppleNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return (t.Unix()-appleEpochOffset)*1e9 + int64(t.Nanosecond())
}

// AppleSecondsToTime converts a call timestamp (seconds since the Apple
// epoch) to UTC. Zero or negative values are invalid.
func AppleSecondsToTime(s float64) (time.Time, bool) {
	if s <= 0 {
		return time.Time{}, false
	}
	secs := int64(s)
	nanos := int64((s - float64(secs)) * 1e9)
	return time.Unix(secs+appleEpochOffset, nanos).UTC(), true
}

// TimeToAppleSeconds converts a time to a call timestamp.
func TimeToAppleSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.Unix()-appleEpochOffset) + float64(t.Nanosecond())/1e9
}
