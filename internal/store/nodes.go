package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/powerblockade/powerblockade/internal/model"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("store: not found")

const nodeColumns = `id, name, api_key, status, last_seen_ns, last_error,
	config_version, queries_total, queries_blocked, ip_address, version, created_at_ns`

func scanNode(row interface{ Scan(...any) error }) (*model.Node, error) {
	var (
		n        model.Node
		lastSeen sql.NullInt64
		created  int64
	)
	err := row.Scan(&n.ID, &n.Name, &n.APIKey, &n.Status, &lastSeen, &n.LastError,
		&n.ConfigVersion, &n.QueriesTotal, &n.QueriesBlocked, &n.IPAddress, &n.Version, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan node: %w", err)
	}
	n.LastSeen = nsToTimePtr(lastSeen)
	n.CreatedAt = nsToTime(created)
	return &n, nil
}

// CreateNode inserts a node and returns it with its assigned id.
func (s *Store) CreateNode(n *model.Node) error {
	if n.Status == "" {
		n.Status = model.NodeStatusPending
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	return s.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`INSERT INTO nodes
			(name, api_key, status, last_seen_ns, last_error, config_version,
			 queries_total, queries_blocked, ip_address, version, created_at_ns)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			n.Name, n.APIKey, n.Status, timePtrToNs(n.LastSeen), n.LastError, n.ConfigVersion,
			n.QueriesTotal, n.QueriesBlocked, n.IPAddress, n.Version, tsToNs(n.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert node %q: %w", n.Name, err)
		}
		n.ID, err = res.LastInsertId()
		return err
	})
}

// NodeByID returns the node with the given id, or ErrNotFound.
func (s *Store) NodeByID(id int64) (*model.Node, error) {
	return scanNode(s.db.QueryRow(`SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id))
}

// NodeByName returns the node with the given name, or ErrNotFound.
func (s *Store) NodeByName(name string) (*model.Node, error) {
	return scanNode(s.db.QueryRow(`SELECT `+nodeColumns+` FROM nodes WHERE name = ?`, name))
}

// NodeByAPIKey authenticates a sync request. The caller must still run a
// constant-time compare against the returned key.
func (s *Store) NodeByAPIKey(key string) (*model.Node, error) {
	return scanNode(s.db.QueryRow(`SELECT `+nodeColumns+` FROM nodes WHERE api_key = ?`, key))
}

// ListNodes returns all nodes ordered by name.
func (s *Store) ListNodes() ([]*model.Node, error) {
	rows, err := s.db.Query(`SELECT ` + nodeColumns + ` FROM nodes ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var out []*model.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// HeartbeatUpdate is the per-field patch applied on heartbeat. Nil pointers
// leave the stored value untouched.
type HeartbeatUpdate struct {
	Status         model.NodeStatus
	LastError      *string
	QueriesTotal   *int64
	QueriesBlocked *int64
	Version        *string
	IPAddress      string
}

// TouchNode records a heartbeat: last_seen is set to now, status and any
// provided counters are overwritten, everything else is preserved.
func (s *Store) TouchNode(id int64, now time.Time, up HeartbeatUpdate) error {
	return s.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE nodes SET
			last_seen_ns    = ?,
			status          = ?,
			last_error      = COALESCE(?, last_error),
			queries_total   = COALESCE(?, queries_total),
			queries_blocked = COALESCE(?, queries_blocked),
			version         = COALESCE(?, version),
			ip_address      = CASE WHEN ? != '' THEN ? ELSE ip_address END
			WHERE id = ?`,
			tsToNs(now), up.Status, up.LastError, up.QueriesTotal, up.QueriesBlocked,
			up.Version, up.IPAddress, up.IPAddress, id)
		if err != nil {
			return fmt.Errorf("touch node %d: %w", id, err)
		}
		return requireRow(res)
	})
}

// SetNodeConfigVersion records the bundle version last served to a node.
func (s *Store) SetNodeConfigVersion(id int64, version string) error {
	return s.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE nodes SET config_version = ? WHERE id = ?`, version, id)
		if err != nil {
			return fmt.Errorf("set node %d config version: %w", id, err)
		}
		return requireRow(res)
	})
}

// DeleteNode removes a node and its dependent rows. The primary node row is
// refused.
func (s *Store) DeleteNode(id int64) error {
	return s.WithTx(func(tx *sql.Tx) error {
		var name string
		if err := tx.QueryRow(`SELECT name FROM nodes WHERE id = ?`, id).Scan(&name); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("delete node %d: %w", id, err)
		}
		if name == model.PrimaryNodeName {
			return fmt.Errorf("delete node %d: primary node cannot be deleted", id)
		}
		_, err := tx.Exec(`DELETE FROM nodes WHERE id = ?`, id)
		return err
	})
}

// EnsurePrimaryNode creates the reserved primary node row if missing and
// returns it. The key is only applied on creation.
func (s *Store) EnsurePrimaryNode(apiKey string) (*model.Node, error) {
	n, err := s.NodeByName(model.PrimaryNodeName)
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	n = &model.Node{
		Name:   model.PrimaryNodeName,
		APIKey: apiKey,
		Status: model.NodeStatusActive,
	}
	if err := s.CreateNode(n); err != nil {
		return nil, err
	}
	return n, nil
}

func requireRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
