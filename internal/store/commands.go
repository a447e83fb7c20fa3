package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/powerblockade/powerblockade/internal/model"
)

// EnqueueCommand creates a pending command. A nil NodeID broadcasts: one row
// per currently known non-primary node is created so each node gets its own
// completion state.
func (s *Store) EnqueueCommand(cmd *model.NodeCommand) ([]string, error) {
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now()
	}
	var targets []int64
	if cmd.NodeID != nil {
		targets = []int64{*cmd.NodeID}
	} else {
		nodes, err := s.ListNodes()
		if err != nil {
			return nil, err
		}
		for _, n := range nodes {
			if n.Name == model.PrimaryNodeName {
				continue
			}
			targets = append(targets, n.ID)
		}
	}

	var ids []string
	err := s.WithTx(func(tx *sql.Tx) error {
		for _, nodeID := range targets {
			id := uuid.NewString()
			_, err := tx.Exec(`INSERT INTO node_commands
				(id, node_id, command, params, created_at_ns)
				VALUES (?, ?, ?, ?, ?)`,
				id, nodeID, cmd.Command, cmd.Params, tsToNs(cmd.CreatedAt))
			if err != nil {
				return fmt.Errorf("enqueue command %s for node %d: %w", cmd.Command, nodeID, err)
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// PendingCommands returns a node's unexecuted commands, oldest first.
func (s *Store) PendingCommands(nodeID int64) ([]*model.NodeCommand, error) {
	rows, err := s.db.Query(`SELECT id, node_id, command, params, created_at_ns, executed_at_ns, result
		FROM node_commands
		WHERE node_id = ? AND executed_at_ns IS NULL
		ORDER BY created_at_ns`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("pending commands for node %d: %w", nodeID, err)
	}
	defer rows.Close()

	var out []*model.NodeCommand
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CompleteCommand records a command result. Only the command's own node may
// complete it; a second completion is refused.
func (s *Store) CompleteCommand(id string, nodeID int64, result string, at time.Time) error {
	return s.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE node_commands SET executed_at_ns = ?, result = ?
			WHERE id = ? AND node_id = ? AND executed_at_ns IS NULL`,
			tsToNs(at), result, id, nodeID)
		if err != nil {
			return fmt.Errorf("complete command %s: %w", id, err)
		}
		return requireRow(res)
	})
}

// CommandByID returns one command, or ErrNotFound.
func (s *Store) CommandByID(id string) (*model.NodeCommand, error) {
	return scanCommand(s.db.QueryRow(`SELECT id, node_id, command, params, created_at_ns, executed_at_ns, result
		FROM node_commands WHERE id = ?`, id))
}

// DeleteCommandsBefore trims executed commands older than cutoff.
func (s *Store) DeleteCommandsBefore(cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM node_commands
			WHERE executed_at_ns IS NOT NULL AND executed_at_ns < ?`, tsToNs(cutoff))
		if err != nil {
			return fmt.Errorf("delete commands: %w", err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}

func scanCommand(row interface{ Scan(...any) error }) (*model.NodeCommand, error) {
	var (
		c        model.NodeCommand
		nodeID   sql.NullInt64
		created  int64
		executed sql.NullInt64
	)
	err := row.Scan(&c.ID, &nodeID, &c.Command, &c.Params, &created, &executed, &c.Result)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan command: %w", err)
	}
	if nodeID.Valid {
		c.NodeID = &nodeID.Int64
	}
	c.CreatedAt = nsToTime(created)
	c.ExecutedAt = nsToTimePtr(executed)
	return &c, nil
}
