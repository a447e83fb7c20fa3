package rpz

import (
	"strings"
	"testing"
)

func TestRenderZoneShape(t *testing.T) {
	zone := RenderZone([]string{"b.example.com", "a.example.com"}, ActionBlock, 1700000000)
	lines := strings.Split(strings.TrimRight(zone, "\n"), "\n")

	if lines[0] != "$TTL 300" {
		t.Errorf("line 0 = %q", lines[0])
	}
	if lines[1] != "@ IN SOA localhost. hostmaster.localhost. 1700000000 3600 600 604800 300" {
		t.Errorf("SOA = %q", lines[1])
	}
	if lines[2] != "@ IN NS localhost." {
		t.Errorf("NS = %q", lines[2])
	}
	// Records are sorted.
	if lines[3] != "a.example.com. CNAME ." || lines[4] != "b.example.com. CNAME ." {
		t.Errorf("records = %v", lines[3:])
	}
}

func TestRenderZonePassthru(t *testing.T) {
	zone := RenderZone([]string{"ok.example.com"}, ActionPassthru, 1)
	if !strings.Contains(zone, "ok.example.com. CNAME rpz-passthru.\n") {
		t.Errorf("missing passthru record:\n%s", zone)
	}
}

func TestRenderEmptyZone(t *testing.T) {
	zone := RenderEmptyZone(42)
	if strings.Contains(zone, "CNAME") {
		t.Errorf("empty zone carries rules:\n%s", zone)
	}
	if count := strings.Count(zone, " SOA "); count != 1 {
		t.Errorf("SOA count = %d", count)
	}
	if count := strings.Count(zone, " NS "); count != 1 {
		t.Errorf("NS count = %d", count)
	}
}

func TestStripSerialStabilizesContent(t *testing.T) {
	z1 := RenderZone([]string{"a.example.com"}, ActionBlock, 100)
	z2 := RenderZone([]string{"a.example.com"}, ActionBlock, 200)
	if z1 == z2 {
		t.Fatal("serials should differ")
	}
	if StripSerial(z1) != StripSerial(z2) {
		t.Errorf("stripped zones differ:\n%s\n---\n%s", StripSerial(z1), StripSerial(z2))
	}
}
