package audit

import (
	"errors"
	"testing"

	"github.com/powerblockade/powerblockade/internal/model"
	"github.com/powerblockade/powerblockade/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return &Service{Store: s}, s
}

func mustRecord(t *testing.T, s *store.Store, c *model.ConfigChange) int64 {
	t.Helper()
	if err := s.RecordChange(c); err != nil {
		t.Fatalf("RecordChange: %v", err)
	}
	return c.ID
}

func TestRollbackBlocklistUpdate(t *testing.T) {
	svc, s := newTestService(t)

	bl := &model.Blocklist{Name: "ads", URL: "https://lists.example/ads.txt"}
	if err := s.CreateBlocklist(bl); err != nil {
		t.Fatalf("CreateBlocklist: %v", err)
	}
	before := SnapshotBlocklist(bl)

	bl.Enabled = false
	bl.UpdateFrequencyHours = 6
	if err := s.UpdateBlocklist(bl); err != nil {
		t.Fatalf("UpdateBlocklist: %v", err)
	}
	changeID := mustRecord(t, s, &model.ConfigChange{
		EntityType: EntityBlocklist, EntityID: &bl.ID, Action: "update",
		BeforeData: before, AfterData: SnapshotBlocklist(bl),
	})

	compiles := 0
	svc.RequestCompile = func() { compiles++ }
	if err := svc.Rollback(changeID); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if compiles != 1 {
		t.Errorf("compile requests = %d", compiles)
	}

	got, err := s.BlocklistByID(bl.ID)
	if err != nil {
		t.Fatalf("BlocklistByID: %v", err)
	}
	if !got.Enabled || got.UpdateFrequencyHours != 24 {
		t.Errorf("rollback did not restore fields: enabled=%t freq=%d", got.Enabled, got.UpdateFrequencyHours)
	}

	changes, err := s.ListChanges(store.ChangeFilter{EntityType: EntityBlocklist})
	if err != nil {
		t.Fatalf("ListChanges: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("changes = %d, want 2", len(changes))
	}
	latest := changes[0]
	if latest.Action != "rollback_update" {
		t.Errorf("action = %q", latest.Action)
	}
	if latest.Comment == "" {
		t.Error("rollback comment missing")
	}
}

func TestRollbackForwardZoneDeleteRestores(t *testing.T) {
	svc, s := newTestService(t)

	z := &model.ForwardZone{Domain: "corp.internal", Servers: "10.0.0.1", Enabled: true}
	if err := s.CreateForwardZone(z); err != nil {
		t.Fatalf("CreateForwardZone: %v", err)
	}
	snap := SnapshotForwardZone(z)
	if err := s.DeleteForwardZone(z.ID); err != nil {
		t.Fatalf("DeleteForwardZone: %v", err)
	}
	changeID := mustRecord(t, s, &model.ConfigChange{
		EntityType: EntityForwardZone, EntityID: &z.ID, Action: "delete", BeforeData: snap,
	})

	if err := svc.Rollback(changeID); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	zones, err := s.ListForwardZones()
	if err != nil {
		t.Fatalf("ListForwardZones: %v", err)
	}
	if len(zones) != 1 || zones[0].Domain != "corp.internal" || zones[0].Servers != "10.0.0.1" {
		t.Errorf("restored zones = %+v", zones)
	}

	// Restoring again conflicts: the domain is occupied now.
	if err := svc.Rollback(changeID); !errors.Is(err, ErrConflict) {
		t.Errorf("second rollback err = %v, want ErrConflict", err)
	}
}

func TestRollbackCreateDeletesEntity(t *testing.T) {
	svc, s := newTestService(t)

	bl := &model.Blocklist{Name: "tracking", URL: "https://lists.example/tracking.txt"}
	if err := s.CreateBlocklist(bl); err != nil {
		t.Fatalf("CreateBlocklist: %v", err)
	}
	changeID := mustRecord(t, s, &model.ConfigChange{
		EntityType: EntityBlocklist, EntityID: &bl.ID, Action: "create",
		AfterData: SnapshotBlocklist(bl),
	})

	if err := svc.Rollback(changeID); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if _, err := s.BlocklistByID(bl.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("blocklist still present: err = %v", err)
	}

	// Entity already gone: conflict, not success.
	if err := svc.Rollback(changeID); !errors.Is(err, ErrConflict) {
		t.Errorf("second rollback err = %v, want ErrConflict", err)
	}
}

func TestRollbackRejectsUnsupportedChanges(t *testing.T) {
	svc, s := newTestService(t)

	blockingChange := mustRecord(t, s, &model.ConfigChange{
		EntityType: EntityBlocking, Action: "pause",
	})
	if err := svc.Rollback(blockingChange); !errors.Is(err, ErrNotRollbackable) {
		t.Errorf("blocking rollback err = %v, want ErrNotRollbackable", err)
	}

	id := int64(1)
	fetchChange := mustRecord(t, s, &model.ConfigChange{
		EntityType: EntityBlocklist, EntityID: &id, Action: "fetch",
	})
	if err := svc.Rollback(fetchChange); !errors.Is(err, ErrNotRollbackable) {
		t.Errorf("fetch rollback err = %v, want ErrNotRollbackable", err)
	}

	if err := svc.Rollback(9999); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing change err = %v, want ErrNotFound", err)
	}
}
