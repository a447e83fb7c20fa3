package promexport

import (
	"database/sql"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/powerblockade/powerblockade/internal/model"
	"github.com/powerblockade/powerblockade/internal/store"
)

func TestExposesAggregatesAndNodeCounters(t *testing.T) {
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer s.Close()

	node := &model.Node{Name: "edge-1", APIKey: "k", Status: model.NodeStatusActive}
	if err := s.CreateNode(node); err != nil {
		t.Fatalf("CreateNode: %v", err)
	}

	now := time.Now()
	lat3, lat40 := int64(3), int64(40)
	err = s.WithTx(func(tx *sql.Tx) error {
		ids, err := store.UpsertClientsByIP(tx, []string{"10.0.0.2"}, now)
		if err != nil {
			return err
		}
		cid := ids["10.0.0.2"]
		_, err = store.InsertEventsBatch(tx, []*model.QueryEvent{
			{TS: now, NodeID: node.ID, ClientIP: "10.0.0.2", ClientID: cid, QName: "a.example", QType: 1, LatencyMS: &lat3},
			{TS: now, NodeID: node.ID, ClientIP: "10.0.0.2", ClientID: cid, QName: "b.example", QType: 1, LatencyMS: &lat40},
			{TS: now, NodeID: node.ID, ClientIP: "10.0.0.2", ClientID: cid, QName: "ads.example", QType: 1, Blocked: true},
		})
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := s.InsertNodeMetrics(&model.NodeMetrics{NodeID: node.ID, TS: now, CacheHits: 777, Questions: 900}); err != nil {
		t.Fatalf("InsertNodeMetrics: %v", err)
	}

	rec := httptest.NewRecorder()
	Handler(s).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	page := string(body)

	for _, want := range []string{
		"powerblockade_queries_total_24h 3",
		"powerblockade_queries_blocked_24h 1",
		"powerblockade_cache_hits_24h 1",
		`powerblockade_node_up{node="edge-1"} 1`,
		`powerblockade_node_cache_hits{node="edge-1"} 777`,
		`powerblockade_node_questions{node="edge-1"} 900`,
	} {
		if !strings.Contains(page, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestEmptyStoreStillServes(t *testing.T) {
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer s.Close()

	rec := httptest.NewRecorder()
	Handler(s).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "powerblockade_queries_total_24h 0") {
		t.Error("zero aggregate missing")
	}
}
