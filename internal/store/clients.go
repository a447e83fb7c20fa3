package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/powerblockade/powerblockade/internal/model"
)

const clientColumns = `id, ip, display_name, rdns_name, rdns_last_resolved_at_ns,
	rdns_last_error, last_seen_ns, group_id`

func scanClient(row interface{ Scan(...any) error }) (*model.Client, error) {
	var (
		c        model.Client
		resolved sql.NullInt64
		lastSeen sql.NullInt64
		groupID  sql.NullInt64
	)
	err := row.Scan(&c.ID, &c.IP, &c.DisplayName, &c.RDNSName, &resolved,
		&c.RDNSLastError, &lastSeen, &groupID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan client: %w", err)
	}
	c.RDNSLastResolvedAt = nsToTimePtr(resolved)
	c.LastSeen = nsToTimePtr(lastSeen)
	if groupID.Valid {
		c.GroupID = &groupID.Int64
	}
	return &c, nil
}

// ClientByID returns the client with the given id, or ErrNotFound.
func (s *Store) ClientByID(id int64) (*model.Client, error) {
	return scanClient(s.db.QueryRow(`SELECT `+clientColumns+` FROM clients WHERE id = ?`, id))
}

// ClientByIP returns the client with the given IP, or ErrNotFound.
func (s *Store) ClientByIP(ip string) (*model.Client, error) {
	return scanClient(s.db.QueryRow(`SELECT `+clientColumns+` FROM clients WHERE ip = ?`, ip))
}

// ListClients returns all clients ordered by IP.
func (s *Store) ListClients() ([]*model.Client, error) {
	rows, err := s.db.Query(`SELECT ` + clientColumns + ` FROM clients ORDER BY ip`)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	var out []*model.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertClientsByIP creates missing client rows for the given IPs inside tx,
// bumps last_seen on all of them, and returns ip -> id. Called once per ingest
// batch with the batch's distinct IPs.
func UpsertClientsByIP(tx *sql.Tx, ips []string, seenAt time.Time) (map[string]int64, error) {
	ids := make(map[string]int64, len(ips))
	ns := tsToNs(seenAt)
	for _, ip := range ips {
		var id int64
		err := tx.QueryRow(`INSERT INTO clients (ip, last_seen_ns) VALUES (?, ?)
			ON CONFLICT(ip) DO UPDATE SET last_seen_ns = max(coalesce(last_seen_ns, 0), excluded.last_seen_ns)
			RETURNING id`, ip, ns).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("upsert client %s: %w", ip, err)
		}
		ids[ip] = id
	}
	return ids, nil
}

// UpdateClientRDNS stores a reverse-lookup result (or failure) for a client.
func (s *Store) UpdateClientRDNS(id int64, name, lookupErr string, at time.Time) error {
	return s.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE clients SET
			rdns_name = ?, rdns_last_error = ?, rdns_last_resolved_at_ns = ?
			WHERE id = ?`, name, lookupErr, tsToNs(at), id)
		if err != nil {
			return fmt.Errorf("update client %d rdns: %w", id, err)
		}
		return requireRow(res)
	})
}

// SetClientName sets the operator display name.
func (s *Store) SetClientName(id int64, name string) error {
	return s.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE clients SET display_name = ? WHERE id = ?`, name, id)
		if err != nil {
			return fmt.Errorf("set client %d name: %w", id, err)
		}
		return requireRow(res)
	})
}

// SetClientGroup assigns (or clears, with nil) a client's group.
func (s *Store) SetClientGroup(id int64, groupID *int64) error {
	return s.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE clients SET group_id = ? WHERE id = ?`, groupID, id)
		if err != nil {
			return fmt.Errorf("set client %d group: %w", id, err)
		}
		return requireRow(res)
	})
}

// ClientsNeedingRDNS returns clients whose reverse name is stale: never
// resolved, or resolved before cutoff.
func (s *Store) ClientsNeedingRDNS(cutoff time.Time, limit int) ([]*model.Client, error) {
	rows, err := s.db.Query(`SELECT `+clientColumns+` FROM clients
		WHERE rdns_last_resolved_at_ns IS NULL OR rdns_last_resolved_at_ns < ?
		ORDER BY last_seen_ns DESC LIMIT ?`, tsToNs(cutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("clients needing rdns: %w", err)
	}
	defer rows.Close()

	var out []*model.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- client groups ---

// CreateClientGroup inserts a group.
func (s *Store) CreateClientGroup(g *model.ClientGroup) error {
	return s.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`INSERT INTO client_groups (name, cidr, color) VALUES (?, ?, ?)`,
			g.Name, g.CIDR, g.Color)
		if err != nil {
			return fmt.Errorf("insert group %q: %w", g.Name, err)
		}
		g.ID, err = res.LastInsertId()
		return err
	})
}

// ListClientGroups returns all groups ordered by name.
func (s *Store) ListClientGroups() ([]*model.ClientGroup, error) {
	rows, err := s.db.Query(`SELECT id, name, cidr, color FROM client_groups ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var out []*model.ClientGroup
	for rows.Next() {
		var g model.ClientGroup
		if err := rows.Scan(&g.ID, &g.Name, &g.CIDR, &g.Color); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}

// DeleteClientGroup removes a group; members fall back to ungrouped.
func (s *Store) DeleteClientGroup(id int64) error {
	return s.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM client_groups WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete group %d: %w", id, err)
		}
		return requireRow(res)
	})
}
