// Package rollup aggregates raw query events into hourly buckets and hourly
// buckets into daily ones. Both directions are idempotent under re-runs.
package rollup

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/powerblockade/powerblockade/internal/model"
	"github.com/powerblockade/powerblockade/internal/store"
)

// Engine drives the aggregation jobs.
type Engine struct {
	Store *store.Store
	Now   func() time.Time
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Tick runs the standard cadence: aggregate the closed previous hour, and
// between 00:00 and 02:00 local also aggregate the previous day.
func (e *Engine) Tick() error {
	loc := e.Store.Location()
	now := e.now().In(loc)

	prevHour := now.Truncate(time.Hour).Add(-time.Hour)
	if err := e.RollupHour(prevHour); err != nil {
		return err
	}
	if now.Hour() < 2 {
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
		if err := e.RollupDay(midnight.AddDate(0, 0, -1)); err != nil {
			return err
		}
	}
	return nil
}

// RollupHour aggregates the closed hour starting at hourStart from raw
// events, grouped by (client, node).
func (e *Engine) RollupHour(hourStart time.Time) error {
	hourStart = hourStart.Truncate(time.Hour)
	hourEnd := hourStart.Add(time.Hour)

	threshold, err := e.Store.SettingInt(store.SettingCacheHitThresholdMS)
	if err != nil {
		return err
	}

	rows, err := e.Store.DB().Query(`SELECT client_id, node_id,
			COUNT(*),
			coalesce(SUM(blocked), 0),
			coalesce(SUM(rcode = 3), 0),
			coalesce(SUM(rcode = 2), 0),
			coalesce(SUM(latency_ms IS NOT NULL AND latency_ms < ?), 0),
			AVG(latency_ms),
			COUNT(DISTINCT qname)
		FROM dns_query_events
		WHERE ts_ns >= ? AND ts_ns < ?
		GROUP BY client_id, node_id`,
		threshold, hourStart.UnixNano(), hourEnd.UnixNano())
	if err != nil {
		return fmt.Errorf("rollup hour scan: %w", err)
	}
	defer rows.Close()

	var buckets []*model.Rollup
	for rows.Next() {
		r := &model.Rollup{BucketStart: hourStart.UTC(), Granularity: model.GranularityHourly}
		var avg sql.NullFloat64
		err := rows.Scan(&r.ClientID, &r.NodeID, &r.TotalQueries, &r.BlockedQueries,
			&r.NXDomainCount, &r.ServfailCount, &r.CacheHits, &avg, &r.UniqueDomains)
		if err != nil {
			return fmt.Errorf("rollup hour row: %w", err)
		}
		if avg.Valid {
			v := int64(avg.Float64)
			r.AvgLatencyMS = &v
		}
		buckets = append(buckets, r)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(buckets) == 0 {
		return nil
	}

	err = e.Store.WithTx(func(tx *sql.Tx) error {
		for _, r := range buckets {
			if err := store.UpsertRollup(tx, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Printf("[rollup] hour %s: %d buckets", hourStart.Format("2006-01-02T15"), len(buckets))
	return nil
}

// RollupDay sums the day's hourly rollups into one daily row per
// (client, node). avg_latency_ms is averaged across hourly rows.
func (e *Engine) RollupDay(dayStart time.Time) error {
	dayEnd := dayStart.AddDate(0, 0, 1)

	rows, err := e.Store.DB().Query(`SELECT client_id, node_id,
			SUM(total_queries), SUM(blocked_queries), SUM(nxdomain_count),
			SUM(servfail_count), SUM(cache_hits), AVG(avg_latency_ms),
			SUM(unique_domains)
		FROM query_rollups
		WHERE granularity = 'hourly' AND bucket_start_ns >= ? AND bucket_start_ns < ?
		GROUP BY client_id, node_id`,
		dayStart.UnixNano(), dayEnd.UnixNano())
	if err != nil {
		return fmt.Errorf("rollup day scan: %w", err)
	}
	defer rows.Close()

	var buckets []*model.Rollup
	for rows.Next() {
		r := &model.Rollup{BucketStart: dayStart.UTC(), Granularity: model.GranularityDaily}
		var avg sql.NullFloat64
		err := rows.Scan(&r.ClientID, &r.NodeID, &r.TotalQueries, &r.BlockedQueries,
			&r.NXDomainCount, &r.ServfailCount, &r.CacheHits, &avg, &r.UniqueDomains)
		if err != nil {
			return fmt.Errorf("rollup day row: %w", err)
		}
		if avg.Valid {
			v := int64(avg.Float64)
			r.AvgLatencyMS = &v
		}
		buckets = append(buckets, r)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(buckets) == 0 {
		return nil
	}

	err = e.Store.WithTx(func(tx *sql.Tx) error {
		for _, r := range buckets {
			if err := store.UpsertRollup(tx, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Printf("[rollup] day %s: %d buckets", dayStart.Format("2006-01-02"), len(buckets))
	return nil
}
