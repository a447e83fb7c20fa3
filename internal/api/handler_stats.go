package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/powerblockade/powerblockade/internal/model"
	"github.com/powerblockade/powerblockade/internal/store"
)

// HandleStatsSummary reports fleet-wide aggregates over a window (hours
// query parameter, default 24).
func HandleStatsSummary(s *store.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hours, err := intQuery(r, "hours", 24)
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		totals, err := s.EventTotalsSince(time.Now().Add(-time.Duration(hours) * time.Hour))
		if err != nil {
			writeInternal(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"hours":      hours,
			"total":      totals.Total,
			"blocked":    totals.Blocked,
			"clients":    totals.Clients,
			"cache_hits": totals.CacheHits,
		})
	})
}

// HandleTopDomains lists the most queried (or most blocked) names.
func HandleTopDomains(s *store.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hours, err := intQuery(r, "hours", 24)
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		limit, err := intQuery(r, "limit", 25)
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		blockedOnly, _ := strconv.ParseBool(r.URL.Query().Get("blocked"))
		domains, err := s.TopDomains(time.Now().Add(-time.Duration(hours)*time.Hour), blockedOnly, limit)
		if err != nil {
			writeInternal(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"domains": domains})
	})
}

// HandleQueryHistory serves pre-aggregated rollups for charting.
func HandleQueryHistory(s *store.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g := model.Granularity(r.URL.Query().Get("granularity"))
		if g == "" {
			g = model.GranularityHourly
		}
		if g != model.GranularityHourly && g != model.GranularityDaily {
			writeInvalidArgument(w, "granularity: must be hourly or daily")
			return
		}
		days, err := intQuery(r, "days", 7)
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		now := time.Now()
		rollups, err := s.RollupsInRange(g, now.AddDate(0, 0, -days), now)
		if err != nil {
			writeInternal(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"rollups": rollups})
	})
}

// HandleQueryLog serves filtered raw events.
func HandleQueryLog(s *store.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit, err := intQuery(r, "limit", 100)
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		f := store.EventFilter{
			QNameSuffix: r.URL.Query().Get("qname"),
			Limit:       limit,
		}
		if v := r.URL.Query().Get("blocked"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				writeInvalidArgument(w, "blocked: must be true or false")
				return
			}
			f.BlockedOnly = b
		}
		events, err := s.QueryEvents(f)
		if err != nil {
			writeInternal(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"events": events})
	})
}
