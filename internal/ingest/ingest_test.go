package ingest

import (
	"testing"
	"time"

	"github.com/powerblockade/powerblockade/internal/model"
	"github.com/powerblockade/powerblockade/internal/store"
)

func newTestPipeline(t *testing.T) (*Pipeline, *store.Store, int64) {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	node := &model.Node{Name: "edge-1", APIKey: "k"}
	if err := s.CreateNode(node); err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	return &Pipeline{Store: s}, s, node.ID
}

func TestProcessDedupAcrossRetries(t *testing.T) {
	p, s, nodeID := newTestPipeline(t)

	batch := []Event{
		{EventID: "E1", ClientIP: "10.0.0.2", QName: "a.example.com", QType: 1},
		{EventID: "E2", ClientIP: "10.0.0.2", QName: "b.example.com", QType: 1},
		{EventID: "E1", ClientIP: "10.0.0.2", QName: "a.example.com", QType: 1},
	}
	res, err := p.Process(nodeID, batch)
	if err != nil {
		t.Fatalf("first Process: %v", err)
	}
	if res.Received != 2 {
		t.Errorf("first received = %d, want 2", res.Received)
	}

	res, err = p.Process(nodeID, batch)
	if err != nil {
		t.Fatalf("second Process: %v", err)
	}
	if res.Received != 0 {
		t.Errorf("second received = %d, want 0", res.Received)
	}

	totals, err := s.EventTotalsSince(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("EventTotalsSince: %v", err)
	}
	if totals.Total != 2 {
		t.Errorf("row count = %d, want 2", totals.Total)
	}
}

func TestProcessDropsInvalidSilently(t *testing.T) {
	p, _, nodeID := newTestPipeline(t)

	res, err := p.Process(nodeID, []Event{
		{ClientIP: "not-an-ip", QName: "a.example.com"},
		{ClientIP: "10.0.0.2", QName: ""},
		{ClientIP: "10.0.0.2", QName: "has space.example"},
		{ClientIP: "10.0.0.2", QName: "OK.Example.COM.", QType: 28},
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Dropped != 3 || res.Received != 1 {
		t.Errorf("result = %+v", res)
	}

	evs, err := p.Store.QueryEvents(store.EventFilter{})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(evs) != 1 || evs[0].QName != "ok.example.com" {
		t.Errorf("stored = %+v", evs)
	}
}

func TestProcessUpsertsClientsAndNotifies(t *testing.T) {
	p, s, nodeID := newTestPipeline(t)
	var notified []int64
	p.OnNewClients = func(ids []int64) { notified = ids }

	_, err := p.Process(nodeID, []Event{
		{ClientIP: "192.168.1.50", QName: "a.example.com"},
		{ClientIP: "192.168.1.51", QName: "b.example.com"},
		{ClientIP: "192.168.1.50", QName: "c.example.com"},
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	clients, err := s.ListClients()
	if err != nil {
		t.Fatalf("ListClients: %v", err)
	}
	if len(clients) != 2 {
		t.Fatalf("clients = %d, want 2", len(clients))
	}
	for _, c := range clients {
		if c.LastSeen == nil {
			t.Errorf("client %s missing last_seen", c.IP)
		}
	}
	if len(notified) != 2 {
		t.Errorf("notified ids = %v", notified)
	}
}

func TestProcessUsesServerNowWhenTSMissing(t *testing.T) {
	p, s, nodeID := newTestPipeline(t)
	fixed := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	p.Now = func() time.Time { return fixed }

	explicit := fixed.Add(-2 * time.Hour)
	_, err := p.Process(nodeID, []Event{
		{ClientIP: "10.0.0.2", QName: "implicit.example"},
		{TS: &explicit, ClientIP: "10.0.0.2", QName: "explicit.example"},
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	evs, err := s.QueryEvents(store.EventFilter{})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	byName := map[string]time.Time{}
	for _, ev := range evs {
		byName[ev.QName] = ev.TS
	}
	if !byName["implicit.example"].Equal(fixed) {
		t.Errorf("implicit ts = %v", byName["implicit.example"])
	}
	if !byName["explicit.example"].Equal(explicit) {
		t.Errorf("explicit ts = %v", byName["explicit.example"])
	}
}
