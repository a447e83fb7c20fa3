package policy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/powerblockade/powerblockade/internal/model"
	"github.com/powerblockade/powerblockade/internal/netutil"
	"github.com/powerblockade/powerblockade/internal/store"
)

func newTestCompiler(t *testing.T) (*Compiler, *store.Store) {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	c := &Compiler{
		Store:     s,
		SharedDir: t.TempDir(),
		Downloader: netutil.NewDirectDownloader(
			func() time.Duration { return 2 * time.Second },
			func() string { return "test" },
		),
	}
	return c, s
}

func seedManual(t *testing.T, s *store.Store, domain string, typ model.ManualEntryType) {
	t.Helper()
	if err := s.CreateManualEntry(&model.ManualEntry{Domain: domain, EntryType: typ}); err != nil {
		t.Fatalf("CreateManualEntry(%s): %v", domain, err)
	}
}

func TestCompileWhitelistSubtraction(t *testing.T) {
	c, s := newTestCompiler(t)
	seedManual(t, s, "a.com", model.ManualBlock)
	seedManual(t, s, "b.com", model.ManualBlock)
	seedManual(t, s, "c.com", model.ManualBlock)
	seedManual(t, s, "b.com.allow", model.ManualAllow) // distinct natural key
	// The real allow entry: same domain as a blocked one.
	allowList := &model.Blocklist{Name: "allow", URL: "http://unused.example/allow", ListType: model.ListTypeAllow, Enabled: true}
	if err := s.CreateBlocklist(allowList); err != nil {
		t.Fatalf("CreateBlocklist: %v", err)
	}
	if err := s.ReplaceBlocklistEntries(allowList.ID, []string{"b.com"}); err != nil {
		t.Fatalf("ReplaceBlocklistEntries: %v", err)
	}

	bundle, err := c.Compile(true)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if strings.Contains(bundle.CombinedZone, "b.com. CNAME .") {
		t.Error("allowed domain b.com present in combined zone")
	}
	for _, d := range []string{"a.com. CNAME .", "c.com. CNAME ."} {
		if !strings.Contains(bundle.CombinedZone, d) {
			t.Errorf("combined zone missing %q", d)
		}
	}
	if !strings.Contains(bundle.WhitelistZone, "b.com. CNAME rpz-passthru.") {
		t.Error("whitelist zone missing b.com")
	}
	// Manual allow entries always make the whitelist zone.
	if !strings.Contains(bundle.WhitelistZone, "b.com.allow. CNAME rpz-passthru.") {
		t.Error("whitelist zone missing manual allow entry")
	}
}

func TestCompileWritesArtifacts(t *testing.T) {
	c, s := newTestCompiler(t)
	seedManual(t, s, "blocked.example", model.ManualBlock)
	zone := &model.ForwardZone{Domain: "corp.internal", Servers: "10.0.0.1;10.0.0.2", Enabled: true}
	if err := s.CreateForwardZone(zone); err != nil {
		t.Fatalf("CreateForwardZone: %v", err)
	}

	bundle, err := c.Compile(true)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	combined, err := os.ReadFile(filepath.Join(c.SharedDir, CombinedZoneFile))
	if err != nil {
		t.Fatalf("read combined zone: %v", err)
	}
	if string(combined) != bundle.CombinedZone {
		t.Error("on-disk combined zone differs from bundle")
	}
	fwd, err := os.ReadFile(filepath.Join(c.SharedDir, ForwardZonesFile))
	if err != nil {
		t.Fatalf("read forward conf: %v", err)
	}
	if !strings.Contains(string(fwd), "corp.internal=10.0.0.1;10.0.0.2\n") {
		t.Errorf("forward conf = %q", fwd)
	}

	stored, err := s.Setting(store.SettingConfigVersion)
	if err != nil || stored != bundle.Version {
		t.Errorf("stored version = %q (err %v), want %q", stored, err, bundle.Version)
	}
}

func TestBundleVersionDeterminism(t *testing.T) {
	c, s := newTestCompiler(t)
	seedManual(t, s, "blocked.example", model.ManualBlock)
	zone := &model.ForwardZone{Domain: "corp.internal", Servers: "10.0.0.1", Enabled: true}
	if err := s.CreateForwardZone(zone); err != nil {
		t.Fatalf("CreateForwardZone: %v", err)
	}

	b1, err := c.Compile(true)
	if err != nil {
		t.Fatalf("first compile: %v", err)
	}
	// Different wall clock, same policy.
	c.Now = func() time.Time { return time.Now().Add(time.Hour) }
	b2, err := c.Compile(true)
	if err != nil {
		t.Fatalf("second compile: %v", err)
	}
	if b1.Version != b2.Version {
		t.Errorf("version changed with wall clock: %s vs %s", b1.Version, b2.Version)
	}
	if len(b1.Version) != 12 {
		t.Errorf("version length = %d", len(b1.Version))
	}

	// Editing a forward rule changes it.
	zone.Servers = "10.0.0.9"
	if err := s.UpdateForwardZone(zone); err != nil {
		t.Fatalf("UpdateForwardZone: %v", err)
	}
	b3, err := c.Compile(true)
	if err != nil {
		t.Fatalf("third compile: %v", err)
	}
	if b3.Version == b2.Version {
		t.Error("version unchanged after forward-zone edit")
	}

	// Adding a blocked domain changes it.
	seedManual(t, s, "another.example", model.ManualBlock)
	b4, err := c.Compile(true)
	if err != nil {
		t.Fatalf("fourth compile: %v", err)
	}
	if b4.Version == b3.Version {
		t.Error("version unchanged after policy edit")
	}
}

func TestRefreshListsConditionalGetAndFailure(t *testing.T) {
	var goodHits int
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		goodHits++
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte("ads.example.com\ntracker.example.net\n"))
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer bad.Close()

	c, s := newTestCompiler(t)
	goodList := &model.Blocklist{Name: "good", URL: good.URL, Format: model.FormatDomains, Enabled: true}
	badList := &model.Blocklist{Name: "bad", URL: bad.URL, Format: model.FormatDomains, Enabled: true}
	for _, bl := range []*model.Blocklist{goodList, badList} {
		if err := s.CreateBlocklist(bl); err != nil {
			t.Fatalf("CreateBlocklist: %v", err)
		}
	}
	// The bad list had a prior successful load; entries must survive failure.
	if err := s.ReplaceBlocklistEntries(badList.ID, []string{"stale.example.org"}); err != nil {
		t.Fatalf("seed bad entries: %v", err)
	}

	changed, err := c.RefreshLists(context.Background(), true)
	if err != nil {
		t.Fatalf("RefreshLists: %v", err)
	}
	if !changed {
		t.Error("expected change from good list")
	}

	gotGood, _ := s.BlocklistByID(goodList.ID)
	if gotGood.LastUpdateStatus != "success" || gotGood.EntryCount != 2 || gotGood.ETag != `"v1"` {
		t.Errorf("good list state: %+v", gotGood)
	}
	gotBad, _ := s.BlocklistByID(badList.ID)
	if gotBad.LastUpdateStatus != "error" || gotBad.LastError == "" {
		t.Errorf("bad list state: %+v", gotBad)
	}
	stale, _ := s.EntriesForList(badList.ID)
	if len(stale) != 1 || stale[0] != "stale.example.org" {
		t.Errorf("failed list lost its entries: %v", stale)
	}

	// Second forced refresh: conditional GET answers 304, no change.
	changed, err = c.RefreshLists(context.Background(), true)
	if err != nil {
		t.Fatalf("second RefreshLists: %v", err)
	}
	if changed {
		t.Error("304 must not count as change")
	}
	gotGood, _ = s.BlocklistByID(goodList.ID)
	if gotGood.LastUpdateStatus != "not_modified" {
		t.Errorf("status after 304 = %q", gotGood.LastUpdateStatus)
	}
	if goodHits != 2 {
		t.Errorf("good server hits = %d", goodHits)
	}
}

func TestRefreshListsHonorsFrequency(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write([]byte("ads.example.com\n"))
	}))
	defer srv.Close()

	c, s := newTestCompiler(t)
	bl := &model.Blocklist{Name: "l", URL: srv.URL, Format: model.FormatDomains, Enabled: true, UpdateFrequencyHours: 24}
	if err := s.CreateBlocklist(bl); err != nil {
		t.Fatalf("CreateBlocklist: %v", err)
	}
	if _, err := c.RefreshLists(context.Background(), false); err != nil {
		t.Fatalf("RefreshLists: %v", err)
	}
	// Freshly updated; a non-forced refresh skips it.
	if _, err := c.RefreshLists(context.Background(), false); err != nil {
		t.Fatalf("second RefreshLists: %v", err)
	}
	if hits != 1 {
		t.Errorf("server hits = %d, want 1", hits)
	}
}
