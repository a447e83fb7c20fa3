// Package schedule evaluates per-blocklist time-of-day activation windows
// and flips list enabled flags to match.
package schedule

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/powerblockade/powerblockade/internal/model"
	"github.com/powerblockade/powerblockade/internal/store"
)

var dayNames = map[string]time.Weekday{
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
	"sun": time.Sunday,
}

// ParseDays parses a comma list of mon..sun. An empty list means every day.
// Unknown tokens are skipped.
func ParseDays(s string) map[time.Weekday]bool {
	out := make(map[time.Weekday]bool)
	for _, tok := range strings.Split(s, ",") {
		tok = strings.ToLower(strings.TrimSpace(tok))
		if d, ok := dayNames[tok]; ok {
			out[d] = true
		}
	}
	if len(out) == 0 {
		for d := time.Sunday; d <= time.Saturday; d++ {
			out[d] = true
		}
	}
	return out
}

// ParseHHMM parses "HH:MM" into minutes past midnight.
func ParseHHMM(s string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("schedule: bad time %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("schedule: bad hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("schedule: bad minute in %q", s)
	}
	return h*60 + m, nil
}

// IsTimeInRange reports whether minute-of-day m lies in [start, end). When
// end < start the window is overnight and wraps midnight.
func IsTimeInRange(m, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return m >= start && m < end
	}
	return m >= start || m < end
}

// ShouldBeActive evaluates a blocklist's window at the given local time.
// Day gating and minute gating are independent and ANDed; overnight windows
// check the current weekday, not the day the window opened.
func ShouldBeActive(bl *model.Blocklist, now time.Time) (bool, error) {
	start, err := ParseHHMM(bl.ScheduleStart)
	if err != nil {
		return false, err
	}
	end, err := ParseHHMM(bl.ScheduleEnd)
	if err != nil {
		return false, err
	}
	if !ParseDays(bl.ScheduleDays)[now.Weekday()] {
		return false, nil
	}
	return IsTimeInRange(now.Hour()*60+now.Minute(), start, end), nil
}

// Engine flips blocklist enabled flags to match their schedules.
type Engine struct {
	Store *store.Store
	Now   func() time.Time

	// RequestCompile asks for a recompile after a batch that flipped at
	// least one list. May be nil in tests.
	RequestCompile func()
}

// Tick evaluates every scheduled blocklist once and returns how many flags
// were flipped. Each flip is audited.
func (e *Engine) Tick() (int, error) {
	lists, err := e.Store.ListBlocklists()
	if err != nil {
		return 0, err
	}

	now := time.Now()
	if e.Now != nil {
		now = e.Now()
	}
	now = now.In(e.Store.Location())

	flipped := 0
	for _, bl := range lists {
		if !bl.ScheduleEnabled {
			continue
		}
		want, err := ShouldBeActive(bl, now)
		if err != nil {
			log.Printf("[schedule] blocklist %q: %v", bl.Name, err)
			continue
		}
		if want == bl.Enabled {
			continue
		}
		before := fmt.Sprintf(`{"enabled":%t}`, bl.Enabled)
		bl.Enabled = want
		if err := e.Store.UpdateBlocklist(bl); err != nil {
			log.Printf("[schedule] blocklist %q update failed: %v", bl.Name, err)
			continue
		}
		id := bl.ID
		aerr := e.Store.RecordChange(&model.ConfigChange{
			EntityType: "blocklist",
			EntityID:   &id,
			Action:     "toggle",
			BeforeData: before,
			AfterData:  fmt.Sprintf(`{"enabled":%t}`, want),
			Comment:    "Schedule window transition",
		})
		if aerr != nil {
			log.Printf("[schedule] audit write failed: %v", aerr)
		}
		log.Printf("[schedule] blocklist %q enabled=%t", bl.Name, want)
		flipped++
	}
	if flipped > 0 && e.RequestCompile != nil {
		e.RequestCompile()
	}
	return flipped, nil
}
