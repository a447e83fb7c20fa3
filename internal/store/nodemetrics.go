package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/powerblockade/powerblockade/internal/model"
)

const metricsColumns = `id, node_id, ts_ns, cache_hits, cache_misses, cache_entries,
	packetcache_hits, packetcache_misses, answers_0_1, answers_1_10, answers_10_100,
	answers_100_1000, answers_slow, concurrent_queries, outgoing_timeouts,
	servfail_answers, nxdomain_answers, questions, all_outqueries, uptime_seconds`

func scanMetrics(row interface{ Scan(...any) error }) (*model.NodeMetrics, error) {
	var (
		m  model.NodeMetrics
		ts int64
	)
	err := row.Scan(&m.ID, &m.NodeID, &ts, &m.CacheHits, &m.CacheMisses, &m.CacheEntries,
		&m.PacketcacheHits, &m.PacketcacheMisses, &m.Answers01, &m.Answers110,
		&m.Answers10100, &m.Answers1001000, &m.AnswersSlow, &m.ConcurrentQueries,
		&m.OutgoingTimeouts, &m.ServfailAnswers, &m.NXDomainAnswers, &m.Questions,
		&m.AllOutqueries, &m.UptimeSeconds)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan node metrics: %w", err)
	}
	m.TS = nsToTime(ts)
	return &m, nil
}

// InsertNodeMetrics appends one counter snapshot.
func (s *Store) InsertNodeMetrics(m *model.NodeMetrics) error {
	if m.TS.IsZero() {
		m.TS = time.Now()
	}
	return s.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`INSERT INTO node_metrics
			(node_id, ts_ns, cache_hits, cache_misses, cache_entries,
			 packetcache_hits, packetcache_misses, answers_0_1, answers_1_10,
			 answers_10_100, answers_100_1000, answers_slow, concurrent_queries,
			 outgoing_timeouts, servfail_answers, nxdomain_answers, questions,
			 all_outqueries, uptime_seconds)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.NodeID, tsToNs(m.TS), m.CacheHits, m.CacheMisses, m.CacheEntries,
			m.PacketcacheHits, m.PacketcacheMisses, m.Answers01, m.Answers110,
			m.Answers10100, m.Answers1001000, m.AnswersSlow, m.ConcurrentQueries,
			m.OutgoingTimeouts, m.ServfailAnswers, m.NXDomainAnswers, m.Questions,
			m.AllOutqueries, m.UptimeSeconds)
		if err != nil {
			return fmt.Errorf("insert node metrics for node %d: %w", m.NodeID, err)
		}
		m.ID, err = res.LastInsertId()
		return err
	})
}

// LatestNodeMetrics returns the newest snapshot per node.
func (s *Store) LatestNodeMetrics() ([]*model.NodeMetrics, error) {
	rows, err := s.db.Query(`SELECT ` + metricsColumns + ` FROM node_metrics
		WHERE id IN (SELECT MAX(id) FROM node_metrics GROUP BY node_id)
		ORDER BY node_id`)
	if err != nil {
		return nil, fmt.Errorf("latest node metrics: %w", err)
	}
	defer rows.Close()

	var out []*model.NodeMetrics
	for rows.Next() {
		m, err := scanMetrics(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// NodeMetricsSince returns a node's snapshots in a window, oldest first.
func (s *Store) NodeMetricsSince(nodeID int64, since time.Time) ([]*model.NodeMetrics, error) {
	rows, err := s.db.Query(`SELECT `+metricsColumns+` FROM node_metrics
		WHERE node_id = ? AND ts_ns >= ? ORDER BY ts_ns`, nodeID, tsToNs(since))
	if err != nil {
		return nil, fmt.Errorf("node metrics since: %w", err)
	}
	defer rows.Close()

	var out []*model.NodeMetrics
	for rows.Next() {
		m, err := scanMetrics(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteNodeMetricsBefore trims old snapshots.
func (s *Store) DeleteNodeMetricsBefore(cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM node_metrics WHERE ts_ns < ?`, tsToNs(cutoff))
		if err != nil {
			return fmt.Errorf("delete node metrics: %w", err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}
