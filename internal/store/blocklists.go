package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/powerblockade/powerblockade/internal/model"
)

const blocklistColumns = `id, name, url, format, list_type, enabled,
	update_frequency_hours, last_updated_ns, last_update_status, last_error,
	entry_count, etag, last_modified, schedule_enabled, schedule_start,
	schedule_end, schedule_days`

func scanBlocklist(row interface{ Scan(...any) error }) (*model.Blocklist, error) {
	var (
		b       model.Blocklist
		updated sql.NullInt64
	)
	err := row.Scan(&b.ID, &b.Name, &b.URL, &b.Format, &b.ListType, &b.Enabled,
		&b.UpdateFrequencyHours, &updated, &b.LastUpdateStatus, &b.LastError,
		&b.EntryCount, &b.ETag, &b.LastModified, &b.ScheduleEnabled, &b.ScheduleStart,
		&b.ScheduleEnd, &b.ScheduleDays)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan blocklist: %w", err)
	}
	b.LastUpdated = nsToTimePtr(updated)
	return &b, nil
}

// CreateBlocklist inserts a list. New lists are always enabled, matching the
// schema default; disable with UpdateBlocklist afterwards.
func (s *Store) CreateBlocklist(b *model.Blocklist) error {
	if b.Format == "" {
		b.Format = model.FormatDomains
	}
	if b.ListType == "" {
		b.ListType = model.ListTypeBlock
	}
	if b.UpdateFrequencyHours <= 0 {
		b.UpdateFrequencyHours = 24
	}
	b.Enabled = true
	return s.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`INSERT INTO blocklists
			(name, url, format, list_type, enabled, update_frequency_hours,
			 last_updated_ns, last_update_status, last_error, entry_count, etag,
			 last_modified, schedule_enabled, schedule_start, schedule_end, schedule_days)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			b.Name, b.URL, b.Format, b.ListType, b.Enabled, b.UpdateFrequencyHours,
			timePtrToNs(b.LastUpdated), b.LastUpdateStatus, b.LastError, b.EntryCount,
			b.ETag, b.LastModified, b.ScheduleEnabled, b.ScheduleStart, b.ScheduleEnd,
			b.ScheduleDays)
		if err != nil {
			return fmt.Errorf("insert blocklist %q: %w", b.Name, err)
		}
		b.ID, err = res.LastInsertId()
		return err
	})
}

// BlocklistByID returns one list, or ErrNotFound.
func (s *Store) BlocklistByID(id int64) (*model.Blocklist, error) {
	return scanBlocklist(s.db.QueryRow(`SELECT `+blocklistColumns+` FROM blocklists WHERE id = ?`, id))
}

// ListBlocklists returns all lists ordered by name.
func (s *Store) ListBlocklists() ([]*model.Blocklist, error) {
	rows, err := s.db.Query(`SELECT ` + blocklistColumns + ` FROM blocklists ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list blocklists: %w", err)
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

// UpdateBlocklist overwrites a list's mutable configuration.
func (s *Store) UpdateBlocklist(b *model.Blocklist) error {
	return s.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE blocklists SET
			name = ?, url = ?, format = ?, list_type = ?, enabled = ?,
			update_frequency_hours = ?, schedule_enabled = ?, schedule_start = ?,
			schedule_end = ?, schedule_days = ?
			WHERE id = ?`,
			b.Name, b.URL, b.Format, b.ListType, b.Enabled, b.UpdateFrequencyHours,
			b.ScheduleEnabled, b.ScheduleStart, b.ScheduleEnd, b.ScheduleDays, b.ID)
		if err != nil {
			return fmt.Errorf("update blocklist %d: %w", b.ID, err)
		}
		return requireRow(res)
	})
}

// RecordBlocklistFetch stores the result of a refresh attempt. On success the
// validators and entry count are updated; on failure only the error fields.
func (s *Store) RecordBlocklistFetch(id int64, at time.Time, status, fetchErr, etag, lastModified string, entryCount int) error {
	return s.WithTx(func(tx *sql.Tx) error {
		var res sql.Result
		var err error
		if fetchErr == "" {
			res, err = tx.Exec(`UPDATE blocklists SET
				last_updated_ns = ?, last_update_status = ?, last_error = '',
				etag = ?, last_modified = ?, entry_count = ?
				WHERE id = ?`, tsToNs(at), status, etag, lastModified, entryCount, id)
		} else {
			res, err = tx.Exec(`UPDATE blocklists SET
				last_update_status = ?, last_error = ?
				WHERE id = ?`, status, fetchErr, id)
		}
		if err != nil {
			return fmt.Errorf("record blocklist %d fetch: %w", id, err)
		}
		return requireRow(res)
	})
}

// DeleteBlocklist removes a list and cascades its entries.
func (s *Store) DeleteBlocklist(id int64) error {
	return s.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM blocklists WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete blocklist %d: %w", id, err)
		}
		return requireRow(res)
	})
}
