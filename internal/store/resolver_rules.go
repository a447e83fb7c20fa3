package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/powerblockade/powerblockade/internal/model"
)

// CreateResolverRule inserts a PTR resolver routing rule.
func (s *Store) CreateResolverRule(r *model.ResolverRule) error {
	if r.Priority == 0 {
		r.Priority = 100
	}
	return s.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`INSERT INTO client_resolver_rules (subnet, nameserver, priority, enabled)
			VALUES (?, ?, ?, ?)`, r.Subnet, r.Nameserver, r.Priority, r.Enabled)
		if err != nil {
			return fmt.Errorf("insert resolver rule %q: %w", r.Subnet, err)
		}
		r.ID, err = res.LastInsertId()
		return err
	})
}

// UpdateResolverRule overwrites a rule.
func (s *Store) UpdateResolverRule(r *model.ResolverRule) error {
	return s.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE client_resolver_rules SET
			subnet = ?, nameserver = ?, priority = ?, enabled = ?
			WHERE id = ?`, r.Subnet, r.Nameserver, r.Priority, r.Enabled, r.ID)
		if err != nil {
			return fmt.Errorf("update resolver rule %d: %w", r.ID, err)
		}
		return requireRow(res)
	})
}

// DeleteResolverRule removes a rule.
func (s *Store) DeleteResolverRule(id int64) error {
	return s.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM client_resolver_rules WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete resolver rule %d: %w", id, err)
		}
		return requireRow(res)
	})
}

// ResolverRuleByID returns one rule, or ErrNotFound.
func (s *Store) ResolverRuleByID(id int64) (*model.ResolverRule, error) {
	row := s.db.QueryRow(`SELECT id, subnet, nameserver, priority, enabled
		FROM client_resolver_rules WHERE id = ?`, id)
	var r model.ResolverRule
	err := row.Scan(&r.ID, &r.Subnet, &r.Nameserver, &r.Priority, &r.Enabled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan resolver rule: %w", err)
	}
	return &r, nil
}

// ListResolverRules returns rules in evaluation order: ascending priority,
// then id for a stable tiebreak.
func (s *Store) ListResolverRules(enabledOnly bool) ([]*model.ResolverRule, error) {
	q := `SELECT id, subnet, nameserver, priority, enabled FROM client_resolver_rules`
	if enabledOnly {
		q += ` WHERE enabled = 1`
	}
	q += ` ORDER BY priority, id`

	rows, err := s.db.Query(q)
	if err != nil {
		return nil, fmt.Errorf("list resolver rules: %w", err)
	}
	defer rows.Close()

	var out []*model.ResolverRule
	for rows.Next() {
		var r model.ResolverRule
		if err := rows.Scan(&r.ID, &r.Subnet, &r.Nameserver, &r.Priority, &r.Enabled); err != nil {
			return nil, fmt.Errorf("scan resolver rule: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
