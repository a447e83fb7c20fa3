// Package retention deletes aged rows per the configured horizons.
package retention

import (
	"log"
	"time"

	"github.com/powerblockade/powerblockade/internal/model"
	"github.com/powerblockade/powerblockade/internal/store"
)

// Counts reports per-table deletions from one run.
type Counts struct {
	Events        int64
	HourlyRollups int64
	DailyRollups  int64
	NodeMetrics   int64
}

// Engine runs the daily cleanup.
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

// Run deletes rows past their horizons and reports the per-table counts.
// Horizons come from settings: raw events, hourly rollups, daily rollups in
// days; node metrics share the raw-event horizon.
func (e *Engine) Run() (Counts, error) {
	var c Counts
	now := e.now()

	rawDays, err := e.Store.SettingInt(store.SettingRetentionRawDays)
	if err != nil {
		return c, err
	}
	hourlyDays, err := e.Store.SettingInt(store.SettingRetentionHourlyDays)
	if err != nil {
		return c, err
	}
	dailyDays, err := e.Store.SettingInt(store.SettingRetentionDailyDays)
	if err != nil {
		return c, err
	}

	cutoff := func(days int) time.Time { return now.AddDate(0, 0, -days) }

	if c.Events, err = e.Store.DeleteEventsBefore(cutoff(rawDays)); err != nil {
		return c, err
	}
	if c.HourlyRollups, err = e.Store.DeleteRollupsBefore(model.GranularityHourly, cutoff(hourlyDays)); err != nil {
		return c, err
	}
	if c.DailyRollups, err = e.Store.DeleteRollupsBefore(model.GranularityDaily, cutoff(dailyDays)); err != nil {
		return c, err
	}
	if c.NodeMetrics, err = e.Store.DeleteNodeMetricsBefore(cutoff(rawDays)); err != nil {
		return c, err
	}

	log.Printf("[retention] deleted events=%d hourly=%d daily=%d metrics=%d",
		c.Events, c.HourlyRollups, c.DailyRollups, c.NodeMetrics)
	return c, nil
}
