package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/powerblockade/powerblockade/internal/model"
)

// ReplaceBlocklistEntries swaps a list's parsed domains in one transaction:
// readers never observe a half-loaded list.
func (s *Store) ReplaceBlocklistEntries(listID int64, domains []string) error {
	return s.WithTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM blocklist_entries WHERE blocklist_id = ?`, listID); err != nil {
			return fmt.Errorf("clear entries for list %d: %w", listID, err)
		}
		stmt, err := tx.Prepare(`INSERT OR IGNORE INTO blocklist_entries (domain, blocklist_id) VALUES (?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare entry insert: %w", err)
		}
		defer stmt.Close()

		for _, d := range domains {
			if _, err := stmt.Exec(d, listID); err != nil {
				return fmt.Errorf("insert entry %q: %w", d, err)
			}
		}
		return nil
	})
}

// EntriesForList returns a list's domains in insertion-independent sorted order.
func (s *Store) EntriesForList(listID int64) ([]string, error) {
	rows, err := s.db.Query(`SELECT domain FROM blocklist_entries
		WHERE blocklist_id = ? ORDER BY domain`, listID)
	if err != nil {
		return nil, fmt.Errorf("entries for list %d: %w", listID, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DomainsForLists returns the union of domains across the given enabled
// lists, sorted and deduplicated.
func (s *Store) DomainsForLists(listIDs []int64) ([]string, error) {
	if len(listIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(listIDs)), ",")
	args := make([]any, len(listIDs))
	for i, id := range listIDs {
		args[i] = id
	}
	rows, err := s.db.Query(`SELECT DISTINCT domain FROM blocklist_entries
		WHERE blocklist_id IN (`+placeholders+`) ORDER BY domain`, args...)
	if err != nil {
		return nil, fmt.Errorf("domains for lists: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan domain: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SearchEntries finds which lists carry a domain (exact, case-insensitive).
// Used by the "why is this blocked" lookup.
func (s *Store) SearchEntries(domain string) ([]*model.Blocklist, error) {
	rows, err := s.db.Query(`SELECT `+blocklistColumns+` FROM blocklists
		WHERE id IN (SELECT blocklist_id FROM blocklist_entries WHERE lower(domain) = lower(?))
		ORDER BY name`, domain)
	if err != nil {
		return nil, fmt.Errorf("search entries %q: %w", domain, err)
	}
	defer rows.Close()

	var out []*model.Blocklist
	for rows.Next() {
		b, err := scanBlocklist(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// --- manual entries ---

// CreateManualEntry inserts an operator allow/block domain.
func (s *Store) CreateManualEntry(e *model.ManualEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	return s.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`INSERT INTO manual_entries (domain, entry_type, created_at_ns)
			VALUES (?, ?, ?)`, e.Domain, e.EntryType, tsToNs(e.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert manual entry %q: %w", e.Domain, err)
		}
		e.ID, err = res.LastInsertId()
		return err
	})
}

// ListManualEntries returns manual entries of one type (or all, with "").
func (s *Store) ListManualEntries(t model.ManualEntryType) ([]*model.ManualEntry, error) {
	q := `SELECT id, domain, entry_type, created_at_ns FROM manual_entries`
	var args []any
	if t != "" {
		q += ` WHERE entry_type = ?`
		args = append(args, t)
	}
	q += ` ORDER BY domain`

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list manual entries: %w", err)
	}
	defer rows.Close()

	var out []*model.ManualEntry
	for rows.Next() {
		var (
			e       model.ManualEntry
			created int64
		)
		if err := rows.Scan(&e.ID, &e.Domain, &e.EntryType, &created); err != nil {
			return nil, fmt.Errorf("scan manual entry: %w", err)
		}
		e.CreatedAt = nsToTime(created)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// DeleteManualEntry removes one manual entry.
func (s *Store) DeleteManualEntry(id int64) error {
	return s.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM manual_entries WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete manual entry %d: %w", id, err)
		}
		return requireRow(res)
	})
}
