package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/powerblockade/powerblockade/internal/model"
)

const changeColumns = `id, entity_type, entity_id, action, actor_user_id,
	before_data, after_data, comment, created_at_ns`

func scanChange(row interface{ Scan(...any) error }) (*model.ConfigChange, error) {
	var (
		c        model.ConfigChange
		entityID sql.NullInt64
		actorID  sql.NullInt64
		created  int64
	)
	err := row.Scan(&c.ID, &c.EntityType, &entityID, &c.Action, &actorID,
		&c.BeforeData, &c.AfterData, &c.Comment, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan config change: %w", err)
	}
	if entityID.Valid {
		c.EntityID = &entityID.Int64
	}
	if actorID.Valid {
		c.ActorUserID = &actorID.Int64
	}
	c.CreatedAt = nsToTime(created)
	return &c, nil
}

// RecordChangeTx appends an audit row inside an existing transaction, so the
// mutation and its record commit together.
func RecordChangeTx(tx *sql.Tx, c *model.ConfigChange) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	res, err := tx.Exec(`INSERT INTO config_changes
		(entity_type, entity_id, action, actor_user_id, before_data, after_data, comment, created_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.EntityType, c.EntityID, c.Action, c.ActorUserID, c.BeforeData, c.AfterData,
		c.Comment, tsToNs(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert config change: %w", err)
	}
	c.ID, err = res.LastInsertId()
	return err
}

// RecordChange appends an audit row in its own transaction.
func (s *Store) RecordChange(c *model.ConfigChange) error {
	return s.WithTx(func(tx *sql.Tx) error {
		return RecordChangeTx(tx, c)
	})
}

// ChangeByID returns one audit row, or ErrNotFound.
func (s *Store) ChangeByID(id int64) (*model.ConfigChange, error) {
	return scanChange(s.db.QueryRow(`SELECT `+changeColumns+` FROM config_changes WHERE id = ?`, id))
}

// ChangeFilter narrows audit listings. Zero values mean "no constraint".
type ChangeFilter struct {
	EntityType string
	EntityID   int64
	Limit      int
	Offset     int
}

// ListChanges returns audit rows newest first.
func (s *Store) ListChanges(f ChangeFilter) ([]*model.ConfigChange, error) {
	q := `SELECT ` + changeColumns + ` FROM config_changes`
	var args []any
	switch {
	case f.EntityType != "" && f.EntityID != 0:
		q += ` WHERE entity_type = ? AND entity_id = ?`
		args = append(args, f.EntityType, f.EntityID)
	case f.EntityType != "":
		q += ` WHERE entity_type = ?`
		args = append(args, f.EntityType)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list config changes: %w", err)
	}
	defer rows.Close()

	var out []*model.ConfigChange
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteChangesBefore trims the audit log.
func (s *Store) DeleteChangesBefore(cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM config_changes WHERE created_at_ns < ?`, tsToNs(cutoff))
		if err != nil {
			return fmt.Errorf("delete config changes: %w", err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}
