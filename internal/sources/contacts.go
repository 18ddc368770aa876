package sources

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/citadelhq/crmsync/internal/phone"
)

// LocalContact is one address book entry with all of its phones and
// emails. Read-only; produced fresh each run and never persisted.
type LocalContact struct {
	RowID        int64
	FirstName    string
	LastName     string
	Organization string
	Notes        string
	Phones       []string
	Emails       []string
}

// FindContactsDB locates the macOS Contacts database under
// ~/Library/Application Support/AddressBook/Sources/<UUID>/.
// CRMSYNC_CONTACTS_DB overrides the search.
func FindContactsDB() (string, bool) {
	if override := os.Getenv("CRMSYNC_CONTACTS_DB"); override != "" {
		if _, err := os.Stat(override); err == nil {
			return override, true
		}
		return "", false
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", false
	}
	pattern := filepath.Join(home, "Library/Application Support/AddressBook/Sources/*/AddressBook-v22.abcddb")
	matches, err := filepath.Glob(pattern)
	if err != nil || len(matches) == 0 {
		return "", false
	}
	return matches[0], true
}

// ReadContacts enumerates every contact that has at least a first name,
// last name, or organization.
func ReadContacts(ctx context.Context, path string) ([]LocalContact, error) {
	db, err := openImmutable(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	// Core Data schema: primary key is Z_PK, notes live in ZABCDNOTE.
	rows, err := db.QueryContext(ctx, `
		SELECT
			r.Z_PK,
			r.ZFIRSTNAME,
			r.ZLASTNAME,
			r.ZORGANIZATION,
			n.ZTEXT
		FROM ZABCDRECORD r
		LEFT JOIN ZABCDNOTE n ON r.ZNOTE = n.Z_PK
		WHERE r.ZFIRSTNAME IS NOT NULL
		   OR r.ZLASTNAME IS NOT NULL
		   OR r.ZORGANIZATION IS NOT NULL
		ORDER BY r.Z_PK
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query contacts: %w", err)
	}
	defer rows.Close()

	var contacts []LocalContact
	for rows.Next() {
		var c LocalContact
		var first, last, org, notes sql.NullString
		if err := rows.Scan(&c.RowID, &first, &last, &org, &notes); err != nil {
			return nil, fmt.Errorf("failed to scan contact: %w", err)
		}
		c.FirstName = first.String
		c.LastName = last.String
		c.Organization = org.String
		c.Notes = notes.String
		contacts = append(contacts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read contacts: %w", err)
	}

	for i := range contacts {
		if contacts[i].Phones, err = contactPhones(ctx, db, contacts[i].RowID); err != nil {
			return nil, err
		}
		if contacts[i].Emails, err = contactEmails(ctx, db, contacts[i].RowID); err != nil {
			return nil, err
		}
	}
	return contacts, nil
}

func contactPhones(ctx context.Context, db *sql.DB, ownerID int64) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT ZFULLNUMBER FROM ZABCDPHONENUMBER WHERE ZOWNER = ?`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query phones: %w", err)
	}
	defer rows.Close()

	var phones []string
	for rows.Next() {
		var v sql.NullString
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan phone: %w", err)
		}
		if v.Valid && v.String != "" {
			phones = append(phones, v.String)
		}
	}
	return phones, rows.Err()
}

func contactEmails(ctx context.Context, db *sql.DB, ownerID int64) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT ZADDRESS FROM ZABCDEMAILADDRESS WHERE ZOWNER = ?`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query emails: %w", err)
	}
	defer rows.Close()

	var emails []string
	for rows.Next() {
		var v sql.NullString
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan email: %w", err)
		}
		if v.Valid && v.String != "" {
			emails = append(emails, phone.NormalizeEmail(v.String))
		}
	}
	return emails, rows.Err()
}

// CheckContactsAccess reports whether the Contacts store exists and is
// readable.
func CheckContactsAccess() bool {
	path, ok := FindContactsDB()
	if !ok {
		return false
	}
	return probe(path, "SELECT 1 FROM ZABCDRECORD LIMIT 1")
}
