package rpz

import (
	"fmt"
	"sort"
	"strings"
)

// Action is the RPZ rewrite applied to every domain in a zone.
type Action string

const (
	// ActionBlock rewrites the answer to NXDOMAIN.
	ActionBlock Action = "."
	// ActionPassthru exempts the domain from later policy zones.
	ActionPassthru Action = "rpz-passthru."
)

// RenderZone produces a complete RPZ zone file body for the given domains.
// Domains are emitted sorted so the output is deterministic for a given set;
// only the SOA serial varies between renders.
func RenderZone(domains []string, action Action, serial int64) string {
	sorted := make([]string, len(domains))
	copy(sorted, domains)
	sort.Strings(sorted)

	var b strings.Builder
	b.WriteString("$TTL 300\n")
	fmt.Fprintf(&b, "@ IN SOA localhost. hostmaster.localhost. %d 3600 600 604800 300\n", serial)
	b.WriteString("@ IN NS localhost.\n")
	for _, d := range sorted {
		fmt.Fprintf(&b, "%s. CNAME %s\n", d, action)
	}
	return b.String()
}

// RenderEmptyZone produces a valid zone with an SOA and NS but no rules.
// Served while blocking is disabled or paused.
func RenderEmptyZone(serial int64) string {
	return "$TTL 300\n" +
		fmt.Sprintf("@ IN SOA localhost. hostmaster.localhost. %d 3600 600 604800 300\n", serial) +
		"@ IN NS localhost.\n" +
		"; blocking disabled\n"
}

// StripSerial replaces the SOA serial with a fixed token so zone content can
// be hashed independently of render time.
func StripSerial(zone string) string {
	lines := strings.Split(zone, "\n")
	for i, line := range lines {
		if strings.Contains(line, " SOA ") {
			fields := strings.Fields(line)
			// @ IN SOA mname rname serial refresh retry expire minimum
			if len(fields) >= 9 {
				fields[5] = "SERIAL"
				lines[i] = strings.Join(fields, " ")
			}
		}
	}
	return strings.Join(lines, "\n")
}
