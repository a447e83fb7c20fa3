package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/powerblockade/powerblockade/internal/model"
)

const forwardZoneColumns = `id, node_id, domain, servers, description, enabled`

func scanForwardZone(row interface{ Scan(...any) error }) (*model.ForwardZone, error) {
	var (
		z      model.ForwardZone
		nodeID sql.NullInt64
	)
	err := row.Scan(&z.ID, &nodeID, &z.Domain, &z.Servers, &z.Description, &z.Enabled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan forward zone: %w", err)
	}
	if nodeID.Valid {
		z.NodeID = &nodeID.Int64
	}
	return &z, nil
}

// CreateForwardZone inserts a zone. NodeID nil makes it global.
func (s *Store) CreateForwardZone(z *model.ForwardZone) error {
	return s.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`INSERT INTO forward_zones (node_id, domain, servers, description, enabled)
			VALUES (?, ?, ?, ?, ?)`, z.NodeID, z.Domain, z.Servers, z.Description, z.Enabled)
		if err != nil {
			return fmt.Errorf("insert forward zone %q: %w", z.Domain, err)
		}
		z.ID, err = res.LastInsertId()
		return err
	})
}

// UpdateForwardZone overwrites a zone.
func (s *Store) UpdateForwardZone(z *model.ForwardZone) error {
	return s.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE forward_zones SET
			node_id = ?, domain = ?, servers = ?, description = ?, enabled = ?
			WHERE id = ?`, z.NodeID, z.Domain, z.Servers, z.Description, z.Enabled, z.ID)
		if err != nil {
			return fmt.Errorf("update forward zone %d: %w", z.ID, err)
		}
		return requireRow(res)
	})
}

// DeleteForwardZone removes a zone.
func (s *Store) DeleteForwardZone(id int64) error {
	return s.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM forward_zones WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete forward zone %d: %w", id, err)
		}
		return requireRow(res)
	})
}

// ForwardZoneByID returns one zone, or ErrNotFound.
func (s *Store) ForwardZoneByID(id int64) (*model.ForwardZone, error) {
	return scanForwardZone(s.db.QueryRow(`SELECT `+forwardZoneColumns+` FROM forward_zones WHERE id = ?`, id))
}

// ListForwardZones returns all zones, global first, then per-node.
func (s *Store) ListForwardZones() ([]*model.ForwardZone, error) {
	rows, err := s.db.Query(`SELECT ` + forwardZoneColumns + ` FROM forward_zones
		ORDER BY node_id IS NOT NULL, domain`)
	if err != nil {
		return nil, fmt.Errorf("list forward zones: %w", err)
	}
	defer rows.Close()
	return collectForwardZones(rows)
}

// EffectiveForwardZones resolves the zone set a node should run: enabled
// global zones, with a node-specific row for the same domain taking
// precedence.
func (s *Store) EffectiveForwardZones(nodeID int64) ([]*model.ForwardZone, error) {
	rows, err := s.db.Query(`SELECT `+forwardZoneColumns+` FROM forward_zones z
		WHERE enabled = 1
		  AND (z.node_id = ?
		       OR (z.node_id IS NULL AND NOT EXISTS (
		             SELECT 1 FROM forward_zones o
		             WHERE o.node_id = ? AND o.domain = z.domain AND o.enabled = 1)))
		ORDER BY domain`, nodeID, nodeID)
	if err != nil {
		return nil, fmt.Errorf("effective forward zones for node %d: %w", nodeID, err)
	}
	defer rows.Close()
	return collectForwardZones(rows)
}

func collectForwardZones(rows *sql.Rows) ([]*model.ForwardZone, error) {
	var out []*model.ForwardZone
	for rows.Next() {
		z, err := scanForwardZone(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, z)
	}
	return out, rows.Err()
}
