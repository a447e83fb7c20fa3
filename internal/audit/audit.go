// Package audit records config mutations with JSON before/after snapshots
// and supports rolling selected changes back.
package audit

import (
	"encoding/json"

	"github.com/powerblockade/powerblockade/internal/model"
)

// Entity type tags used in config_changes rows.
const (
	EntityBlocklist   = "blocklist"
	EntityForwardZone = "forward_zone"
	EntityManualEntry = "manual_entry"
	EntityBlocking    = "blocking"
	EntityNode        = "node"
	EntitySettings    = "settings"
)

// blocklistSnapshot is the stable JSON shape stored for blocklist changes.
// Fetch state is deliberately excluded: rollback restores configuration,
// not transient status.
type blocklistSnapshot struct {
	Name                 string `json:"name"`
	URL                  string `json:"url"`
	Format               string `json:"format"`
	ListType             string `json:"list_type"`
	Enabled              bool   `json:"enabled"`
	UpdateFrequencyHours int    `json:"update_frequency_hours"`
	ScheduleEnabled      bool   `json:"schedule_enabled"`
	ScheduleStart        string `json:"schedule_start"`
	ScheduleEnd          string `json:"schedule_end"`
	ScheduleDays         string `json:"schedule_days"`
}

// SnapshotBlocklist serializes a blocklist's configuration.
func SnapshotBlocklist(b *model.Blocklist) string {
	data, _ := json.Marshal(blocklistSnapshot{
		Name:                 b.Name,
		URL:                  b.URL,
		Format:               string(b.Format),
		ListType:             string(b.ListType),
		Enabled:              b.Enabled,
		UpdateFrequencyHours: b.UpdateFrequencyHours,
		ScheduleEnabled:      b.ScheduleEnabled,
		ScheduleStart:        b.ScheduleStart,
		ScheduleEnd:          b.ScheduleEnd,
		ScheduleDays:         b.ScheduleDays,
	})
	return string(data)
}

type forwardZoneSnapshot struct {
	NodeID      *int64 `json:"node_id"`
	Domain      string `json:"domain"`
	Servers     string `json:"servers"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
}

// SnapshotForwardZone serializes a forward zone.
func SnapshotForwardZone(z *model.ForwardZone) string {
	data, _ := json.Marshal(forwardZoneSnapshot{
		NodeID:      z.NodeID,
		Domain:      z.Domain,
		Servers:     z.Servers,
		Description: z.Description,
		Enabled:     z.Enabled,
	})
	return string(data)
}

func applyBlocklistSnapshot(b *model.Blocklist, snap blocklistSnapshot) {
	b.Name = snap.Name
	b.URL = snap.URL
	b.Format = model.BlocklistFormat(snap.Format)
	b.ListType = model.ListType(snap.ListType)
	b.Enabled = snap.Enabled
	b.UpdateFrequencyHours = snap.UpdateFrequencyHours
	b.ScheduleEnabled = snap.ScheduleEnabled
	b.ScheduleStart = snap.ScheduleStart
	b.ScheduleEnd = snap.ScheduleEnd
	b.ScheduleDays = snap.ScheduleDays
}
