package store

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/powerblockade/powerblockade/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustCreateNode(t *testing.T, s *Store, name string) *model.Node {
	t.Helper()
	n := &model.Node{Name: name, APIKey: "key-" + name}
	if err := s.CreateNode(n); err != nil {
		t.Fatalf("CreateNode(%s): %v", name, err)
	}
	return n
}

func TestNodeLifecycle(t *testing.T) {
	s := openTestStore(t)

	n := mustCreateNode(t, s, "edge-1")
	if n.ID == 0 {
		t.Fatal("node id not assigned")
	}

	got, err := s.NodeByAPIKey("key-edge-1")
	if err != nil {
		t.Fatalf("NodeByAPIKey: %v", err)
	}
	if got.Status != model.NodeStatusPending {
		t.Errorf("new node status = %s, want pending", got.Status)
	}

	total := int64(1500)
	now := time.Now()
	err = s.TouchNode(n.ID, now, HeartbeatUpdate{
		Status:       model.NodeStatusActive,
		QueriesTotal: &total,
		IPAddress:    "10.0.0.5",
	})
	if err != nil {
		t.Fatalf("TouchNode: %v", err)
	}

	got, err = s.NodeByID(n.ID)
	if err != nil {
		t.Fatalf("NodeByID: %v", err)
	}
	if got.Status != model.NodeStatusActive || got.QueriesTotal != 1500 {
		t.Errorf("after heartbeat: status=%s total=%d", got.Status, got.QueriesTotal)
	}
	if got.LastSeen == nil || got.LastSeen.UnixNano() != now.UnixNano() {
		t.Errorf("last seen not recorded: %v", got.LastSeen)
	}
	if got.IPAddress != "10.0.0.5" {
		t.Errorf("ip = %q", got.IPAddress)
	}
	// Heartbeat without counters preserves them.
	if err := s.TouchNode(n.ID, now.Add(time.Minute), HeartbeatUpdate{Status: model.NodeStatusActive}); err != nil {
		t.Fatalf("TouchNode 2: %v", err)
	}
	got, _ = s.NodeByID(n.ID)
	if got.QueriesTotal != 1500 {
		t.Errorf("counters lost on partial heartbeat: %d", got.QueriesTotal)
	}
}

func TestPrimaryNodeProtected(t *testing.T) {
	s := openTestStore(t)

	p, err := s.EnsurePrimaryNode("primary-key")
	if err != nil {
		t.Fatalf("EnsurePrimaryNode: %v", err)
	}
	// Idempotent; key is not rotated.
	p2, err := s.EnsurePrimaryNode("other-key")
	if err != nil {
		t.Fatalf("EnsurePrimaryNode again: %v", err)
	}
	if p2.ID != p.ID || p2.APIKey != "primary-key" {
		t.Errorf("primary node changed: %+v", p2)
	}

	if err := s.DeleteNode(p.ID); err == nil {
		t.Fatal("deleting primary node must fail")
	}
}

func TestUpsertClientsByIP(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	var first map[string]int64
	err := s.WithTx(func(tx *sql.Tx) error {
		var err error
		first, err = UpsertClientsByIP(tx, []string{"192.168.1.10", "192.168.1.11"}, now)
		return err
	})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("got %d ids", len(first))
	}

	var second map[string]int64
	err = s.WithTx(func(tx *sql.Tx) error {
		var err error
		second, err = UpsertClientsByIP(tx, []string{"192.168.1.10"}, now.Add(time.Hour))
		return err
	})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if second["192.168.1.10"] != first["192.168.1.10"] {
		t.Errorf("client id changed on re-upsert: %d vs %d", second["192.168.1.10"], first["192.168.1.10"])
	}

	c, err := s.ClientByIP("192.168.1.10")
	if err != nil {
		t.Fatalf("ClientByIP: %v", err)
	}
	if c.LastSeen == nil || !c.LastSeen.Equal(nsToTime(now.Add(time.Hour).UnixNano())) {
		t.Errorf("last seen not advanced: %v", c.LastSeen)
	}
}

func TestInsertEventsBatchDedup(t *testing.T) {
	s := openTestStore(t)
	node := mustCreateNode(t, s, "edge-1")

	var clientID int64
	err := s.WithTx(func(tx *sql.Tx) error {
		ids, err := UpsertClientsByIP(tx, []string{"10.0.0.2"}, time.Now())
		clientID = ids["10.0.0.2"]
		return err
	})
	if err != nil {
		t.Fatalf("upsert client: %v", err)
	}

	mk := func(eventID, qname string) *model.QueryEvent {
		return &model.QueryEvent{
			EventID: eventID, TS: time.Now(), NodeID: node.ID,
			ClientIP: "10.0.0.2", ClientID: clientID, QName: qname, QType: 1,
		}
	}

	var inserted int64
	err = s.WithTx(func(tx *sql.Tx) error {
		var err error
		inserted, err = InsertEventsBatch(tx, []*model.QueryEvent{
			mk("ev-1", "example.com"),
			mk("ev-2", "ads.example.net"),
			mk("", "no-id.example.org"),
		})
		return err
	})
	if err != nil {
		t.Fatalf("first batch: %v", err)
	}
	if inserted != 3 {
		t.Fatalf("inserted = %d, want 3", inserted)
	}

	// Re-delivery of the same batch: only the id-less event lands again.
	err = s.WithTx(func(tx *sql.Tx) error {
		var err error
		inserted, err = InsertEventsBatch(tx, []*model.QueryEvent{
			mk("ev-1", "example.com"),
			mk("", "no-id.example.org"),
		})
		return err
	})
	if err != nil {
		t.Fatalf("second batch: %v", err)
	}
	if inserted != 1 {
		t.Errorf("re-delivery inserted = %d, want 1", inserted)
	}

	totals, err := s.EventTotalsSince(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("EventTotalsSince: %v", err)
	}
	if totals.Total != 4 {
		t.Errorf("total events = %d, want 4", totals.Total)
	}
}

func TestRollupUpsertIdempotent(t *testing.T) {
	s := openTestStore(t)
	bucket := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	write := func(total int64) {
		t.Helper()
		err := s.WithTx(func(tx *sql.Tx) error {
			return UpsertRollup(tx, &model.Rollup{
				BucketStart: bucket, Granularity: model.GranularityHourly,
				ClientID: 1, NodeID: 1, TotalQueries: total, BlockedQueries: total / 2,
			})
		})
		if err != nil {
			t.Fatalf("UpsertRollup: %v", err)
		}
	}
	write(10)
	write(12) // recompute replaces

	rows, err := s.RollupsInRange(model.GranularityHourly, bucket, bucket.Add(time.Hour))
	if err != nil {
		t.Fatalf("RollupsInRange: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	if rows[0].TotalQueries != 12 || rows[0].BlockedQueries != 6 {
		t.Errorf("row = %+v", rows[0])
	}
}

func TestSettingsDefaultsAndOverlay(t *testing.T) {
	s := openTestStore(t)

	days, err := s.SettingInt(SettingRetentionRawDays)
	if err != nil || days != 15 {
		t.Fatalf("default raw retention = %d, err %v", days, err)
	}
	if err := s.SetSetting(SettingRetentionRawDays, "30"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	days, _ = s.SettingInt(SettingRetentionRawDays)
	if days != 30 {
		t.Errorf("overridden retention = %d", days)
	}
	if err := s.DeleteSetting(SettingRetentionRawDays); err != nil {
		t.Fatalf("DeleteSetting: %v", err)
	}
	days, _ = s.SettingInt(SettingRetentionRawDays)
	if days != 15 {
		t.Errorf("retention after reset = %d", days)
	}

	all, err := s.AllSettings()
	if err != nil {
		t.Fatalf("AllSettings: %v", err)
	}
	if all[SettingCacheHitThresholdMS] != "5" {
		t.Errorf("cache hit threshold default = %q", all[SettingCacheHitThresholdMS])
	}
}

func TestEffectiveForwardZones(t *testing.T) {
	s := openTestStore(t)
	node := mustCreateNode(t, s, "edge-1")

	global := &model.ForwardZone{Domain: "corp.internal", Servers: "10.0.0.1", Enabled: true}
	if err := s.CreateForwardZone(global); err != nil {
		t.Fatalf("create global zone: %v", err)
	}
	other := &model.ForwardZone{Domain: "lab.internal", Servers: "10.0.0.2", Enabled: true}
	if err := s.CreateForwardZone(other); err != nil {
		t.Fatalf("create second zone: %v", err)
	}
	override := &model.ForwardZone{NodeID: &node.ID, Domain: "corp.internal", Servers: "10.9.9.9", Enabled: true}
	if err := s.CreateForwardZone(override); err != nil {
		t.Fatalf("create override zone: %v", err)
	}

	zones, err := s.EffectiveForwardZones(node.ID)
	if err != nil {
		t.Fatalf("EffectiveForwardZones: %v", err)
	}
	if len(zones) != 2 {
		t.Fatalf("got %d zones, want 2", len(zones))
	}
	byDomain := map[string]string{}
	for _, z := range zones {
		byDomain[z.Domain] = z.Servers
	}
	if byDomain["corp.internal"] != "10.9.9.9" {
		t.Errorf("per-node zone did not win: %q", byDomain["corp.internal"])
	}
	if byDomain["lab.internal"] != "10.0.0.2" {
		t.Errorf("global zone missing: %q", byDomain["lab.internal"])
	}
}

func TestCommandLifecycle(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.EnsurePrimaryNode("pk"); err != nil {
		t.Fatalf("EnsurePrimaryNode: %v", err)
	}
	n1 := mustCreateNode(t, s, "edge-1")
	n2 := mustCreateNode(t, s, "edge-2")

	// Broadcast skips the primary.
	ids, err := s.EnqueueCommand(&model.NodeCommand{Command: model.CommandClearCache})
	if err != nil {
		t.Fatalf("EnqueueCommand: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("broadcast created %d commands, want 2", len(ids))
	}

	pending, err := s.PendingCommands(n1.ID)
	if err != nil {
		t.Fatalf("PendingCommands: %v", err)
	}
	if len(pending) != 1 || pending[0].Command != model.CommandClearCache {
		t.Fatalf("pending = %+v", pending)
	}

	now := time.Now()
	if err := s.CompleteCommand(pending[0].ID, n1.ID, `{"success":true}`, now); err != nil {
		t.Fatalf("CompleteCommand: %v", err)
	}
	// Double completion refused.
	if err := s.CompleteCommand(pending[0].ID, n1.ID, `{"success":true}`, now); !errors.Is(err, ErrNotFound) {
		t.Errorf("second completion err = %v, want ErrNotFound", err)
	}
	// Cross-node completion refused.
	pending2, _ := s.PendingCommands(n2.ID)
	if len(pending2) != 1 {
		t.Fatalf("node 2 pending = %d", len(pending2))
	}
	if err := s.CompleteCommand(pending2[0].ID, n1.ID, `{}`, now); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-node completion err = %v, want ErrNotFound", err)
	}
}

func TestAuditChangeRoundTrip(t *testing.T) {
	s := openTestStore(t)
	entityID := int64(7)
	c := &model.ConfigChange{
		EntityType: "blocklist",
		EntityID:   &entityID,
		Action:     "update",
		BeforeData: `{"enabled":true}`,
		AfterData:  `{"enabled":false}`,
	}
	if err := s.RecordChange(c); err != nil {
		t.Fatalf("RecordChange: %v", err)
	}
	got, err := s.ChangeByID(c.ID)
	if err != nil {
		t.Fatalf("ChangeByID: %v", err)
	}
	if got.BeforeData != c.BeforeData || got.AfterData != c.AfterData {
		t.Errorf("snapshots mangled: %+v", got)
	}

	list, err := s.ListChanges(ChangeFilter{EntityType: "blocklist", EntityID: 7})
	if err != nil {
		t.Fatalf("ListChanges: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("filtered list = %d rows", len(list))
	}
}

func TestCreateBlocklistDefaults(t *testing.T) {
	s := openTestStore(t)

	bl := &model.Blocklist{Name: "ads", URL: "https://lists.example/ads.txt"}
	if err := s.CreateBlocklist(bl); err != nil {
		t.Fatalf("CreateBlocklist: %v", err)
	}

	got, err := s.BlocklistByID(bl.ID)
	if err != nil {
		t.Fatalf("BlocklistByID: %v", err)
	}
	if !got.Enabled {
		t.Error("new list not enabled")
	}
	if got.Format != model.FormatDomains || got.ListType != model.ListTypeBlock {
		t.Errorf("format=%s list_type=%s", got.Format, got.ListType)
	}
	if got.UpdateFrequencyHours != 24 {
		t.Errorf("update frequency = %d, want 24", got.UpdateFrequencyHours)
	}
}

func TestDeleteEventsBefore(t *testing.T) {
	s := openTestStore(t)
	node := mustCreateNode(t, s, "edge-1")

	var clientID int64
	now := time.Now()
	err := s.WithTx(func(tx *sql.Tx) error {
		ids, err := UpsertClientsByIP(tx, []string{"10.0.0.2"}, now)
		clientID = ids["10.0.0.2"]
		if err != nil {
			return err
		}
		_, err = InsertEventsBatch(tx, []*model.QueryEvent{
			{TS: now.Add(-48 * time.Hour), NodeID: node.ID, ClientIP: "10.0.0.2", ClientID: clientID, QName: "old.example.com", QType: 1},
			{TS: now, NodeID: node.ID, ClientIP: "10.0.0.2", ClientID: clientID, QName: "new.example.com", QType: 1},
		})
		return err
	})
	if err != nil {
		t.Fatalf("seed events: %v", err)
	}

	deleted, err := s.DeleteEventsBefore(now.Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("DeleteEventsBefore: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	evs, err := s.QueryEvents(EventFilter{})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(evs) != 1 || evs[0].QName != "new.example.com" {
		t.Errorf("survivors = %+v", evs)
	}
}
