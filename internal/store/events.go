package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/powerblockade/powerblockade/internal/model"
)

// InsertEventsBatch inserts raw query events inside tx. Events carrying an
// event_id already present are silently skipped; the returned count is the
// number of rows actually inserted.
func InsertEventsBatch(tx *sql.Tx, events []*model.QueryEvent) (int64, error) {
	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO dns_query_events
		(event_id, ts_ns, node_id, client_ip, client_id, qname, qtype, rcode,
		 blocked, block_reason, blocklist_name, latency_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare event insert: %w", err)
	}
	defer stmt.Close()

	var inserted int64
	for _, ev := range events {
		var eventID any
		if ev.EventID != "" {
			eventID = ev.EventID
		}
		res, err := stmt.Exec(eventID, tsToNs(ev.TS), ev.NodeID, ev.ClientIP, ev.ClientID,
			ev.QName, ev.QType, ev.RCode, ev.Blocked, ev.BlockReason, ev.BlocklistName, ev.LatencyMS)
		if err != nil {
			return inserted, fmt.Errorf("insert event %s: %w", ev.QName, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return inserted, err
		}
		inserted += n
	}
	return inserted, nil
}

// EventFilter narrows history queries. Zero values mean "no constraint".
type EventFilter struct {
	Since       time.Time
	Until       time.Time
	NodeID      int64
	ClientID    int64
	QNameSuffix string
	BlockedOnly bool
	Limit       int
}

func (f EventFilter) where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	if !f.Since.IsZero() {
		conds = append(conds, "ts_ns >= ?")
		args = append(args, tsToNs(f.Since))
	}
	if !f.Until.IsZero() {
		conds = append(conds, "ts_ns < ?")
		args = append(args, tsToNs(f.Until))
	}
	if f.NodeID != 0 {
		conds = append(conds, "node_id = ?")
		args = append(args, f.NodeID)
	}
	if f.ClientID != 0 {
		conds = append(conds, "client_id = ?")
		args = append(args, f.ClientID)
	}
	if f.QNameSuffix != "" {
		conds = append(conds, "(qname = ? OR qname LIKE ?)")
		args = append(args, f.QNameSuffix, "%."+f.QNameSuffix)
	}
	if f.BlockedOnly {
		conds = append(conds, "blocked = 1")
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// QueryEvents returns matching events, newest first.
func (s *Store) QueryEvents(f EventFilter) ([]*model.QueryEvent, error) {
	where, args := f.where()
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.Query(`SELECT id, coalesce(event_id, ''), ts_ns, node_id, client_ip,
		client_id, qname, qtype, rcode, blocked, block_reason, blocklist_name, latency_ms
		FROM dns_query_events`+where+` ORDER BY ts_ns DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []*model.QueryEvent
	for rows.Next() {
		var (
			ev      model.QueryEvent
			ts      int64
			latency sql.NullInt64
		)
		err := rows.Scan(&ev.ID, &ev.EventID, &ts, &ev.NodeID, &ev.ClientIP, &ev.ClientID,
			&ev.QName, &ev.QType, &ev.RCode, &ev.Blocked, &ev.BlockReason, &ev.BlocklistName, &latency)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.TS = nsToTime(ts)
		if latency.Valid {
			ev.LatencyMS = &latency.Int64
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// DomainCount is a qname with its hit count.
type DomainCount struct {
	QName string
	Count int64
}

// TopDomains returns the most-queried names since the cutoff, optionally
// restricted to blocked queries.
func (s *Store) TopDomains(since time.Time, blockedOnly bool, limit int) ([]DomainCount, error) {
	q := `SELECT qname, COUNT(*) AS n FROM dns_query_events WHERE ts_ns >= ?`
	if blockedOnly {
		q += ` AND blocked = 1`
	}
	q += ` GROUP BY qname ORDER BY n DESC LIMIT ?`

	rows, err := s.db.Query(q, tsToNs(since), limit)
	if err != nil {
		return nil, fmt.Errorf("top domains: %w", err)
	}
	defer rows.Close()

	var out []DomainCount
	for rows.Next() {
		var dc DomainCount
		if err := rows.Scan(&dc.QName, &dc.Count); err != nil {
			return nil, fmt.Errorf("scan top domain: %w", err)
		}
		out = append(out, dc)
	}
	return out, rows.Err()
}

// EventTotals is the aggregate view over a window of raw events. CacheHits
// counts answers faster than the cache-hit latency threshold.
type EventTotals struct {
	Total     int64
	Blocked   int64
	Clients   int64
	CacheHits int64
}

// EventTotalsSince aggregates raw events from the cutoff onward, classifying
// cache hits against the stored threshold.
func (s *Store) EventTotalsSince(since time.Time) (EventTotals, error) {
	threshold, err := s.SettingInt(SettingCacheHitThresholdMS)
	if err != nil {
		return EventTotals{}, err
	}
	var t EventTotals
	err = s.db.QueryRow(`SELECT COUNT(*),
		coalesce(SUM(blocked), 0),
		COUNT(DISTINCT client_id),
		coalesce(SUM(latency_ms IS NOT NULL AND latency_ms < ?), 0)
		FROM dns_query_events WHERE ts_ns >= ?`, threshold, tsToNs(since)).
		Scan(&t.Total, &t.Blocked, &t.Clients, &t.CacheHits)
	if err != nil {
		return t, fmt.Errorf("event totals: %w", err)
	}
	return t, nil
}

// DeleteEventsBefore removes raw events older than cutoff and reports how
// many rows went away.
func (s *Store) DeleteEventsBefore(cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM dns_query_events WHERE ts_ns < ?`, tsToNs(cutoff))
		if err != nil {
			return fmt.Errorf("delete events before %s: %w", cutoff, err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}
