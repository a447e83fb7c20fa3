package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/powerblockade/powerblockade/internal/model"
)

// UpsertRollup replaces the rollup row for its (bucket, granularity, client,
// node) key inside tx. Recomputation over the same window is idempotent.
func UpsertRollup(tx *sql.Tx, r *model.Rollup) error {
	_, err := tx.Exec(`INSERT INTO query_rollups
		(bucket_start_ns, granularity, client_id, node_id, total_queries,
		 blocked_queries, nxdomain_count, servfail_count, cache_hits,
		 avg_latency_ms, unique_domains)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(bucket_start_ns, granularity, client_id, node_id) DO UPDATE SET
			total_queries   = excluded.total_queries,
			blocked_queries = excluded.blocked_queries,
			nxdomain_count  = excluded.nxdomain_count,
			servfail_count  = excluded.servfail_count,
			cache_hits      = excluded.cache_hits,
			avg_latency_ms  = excluded.avg_latency_ms,
			unique_domains  = excluded.unique_domains`,
		tsToNs(r.BucketStart), r.Granularity, r.ClientID, r.NodeID, r.TotalQueries,
		r.BlockedQueries, r.NXDomainCount, r.ServfailCount, r.CacheHits,
		r.AvgLatencyMS, r.UniqueDomains)
	if err != nil {
		return fmt.Errorf("upsert rollup %s/%s: %w", r.Granularity, r.BucketStart, err)
	}
	return nil
}

// RollupsInRange returns rollup rows of one granularity whose bucket starts
// in [from, to), ordered by bucket.
func (s *Store) RollupsInRange(g model.Granularity, from, to time.Time) ([]*model.Rollup, error) {
	rows, err := s.db.Query(`SELECT bucket_start_ns, granularity, client_id, node_id,
		total_queries, blocked_queries, nxdomain_count, servfail_count, cache_hits,
		avg_latency_ms, unique_domains
		FROM query_rollups
		WHERE granularity = ? AND bucket_start_ns >= ? AND bucket_start_ns < ?
		ORDER BY bucket_start_ns`, g, tsToNs(from), tsToNs(to))
	if err != nil {
		return nil, fmt.Errorf("rollups in range: %w", err)
	}
	defer rows.Close()

	var out []*model.Rollup
	for rows.Next() {
		var (
			r      model.Rollup
			bucket int64
			avg    sql.NullInt64
		)
		err := rows.Scan(&bucket, &r.Granularity, &r.ClientID, &r.NodeID,
			&r.TotalQueries, &r.BlockedQueries, &r.NXDomainCount, &r.ServfailCount,
			&r.CacheHits, &avg, &r.UniqueDomains)
		if err != nil {
			return nil, fmt.Errorf("scan rollup: %w", err)
		}
		r.BucketStart = nsToTime(bucket)
		if avg.Valid {
			r.AvgLatencyMS = &avg.Int64
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// DeleteRollupsBefore removes rollups of one granularity with bucket starts
// older than cutoff.
func (s *Store) DeleteRollupsBefore(g model.Granularity, cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM query_rollups
			WHERE granularity = ? AND bucket_start_ns < ?`, g, tsToNs(cutoff))
		if err != nil {
			return fmt.Errorf("delete %s rollups: %w", g, err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}
