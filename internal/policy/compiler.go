// Package policy compiles the stored blocklist state into the RPZ and
// forward-zone artifacts served to nodes, and derives the bundle version
// nodes use to detect change.
package policy

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/powerblockade/powerblockade/internal/model"
	"github.com/powerblockade/powerblockade/internal/netutil"
	"github.com/powerblockade/powerblockade/internal/rpz"
	"github.com/powerblockade/powerblockade/internal/store"
)

// Output file names under the shared directory.
const (
	CombinedZoneFile  = "rpz/blocklist-combined.rpz"
	WhitelistZoneFile = "rpz/whitelist.rpz"
	ForwardZonesFile  = "forward-zones.conf"
)

// Compiler owns the shared directory and rebuilds its artifacts from the
// database.
type Compiler struct {
	Store      *store.Store
	SharedDir  string
	Downloader netutil.Downloader
	Now        func() time.Time
}

func (c *Compiler) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// RefreshLists fetches every enabled blocklist that is due per its
// update_frequency_hours, parses it and replaces its stored entries. A
// failing list keeps its previous entries and records the error. Returns
// true when at least one list changed, meaning a recompile is warranted.
func (c *Compiler) RefreshLists(ctx context.Context, force bool) (bool, error) {
	lists, err := c.Store.ListBlocklists()
	if err != nil {
		return false, err
	}

	now := c.now()
	changed := false
	for _, bl := range lists {
		if !bl.Enabled {
			continue
		}
		if !force && bl.LastUpdated != nil {
			due := bl.LastUpdated.Add(time.Duration(bl.UpdateFrequencyHours) * time.Hour)
			if now.Before(due) {
				continue
			}
		}
		if err := ctx.Err(); err != nil {
			return changed, err
		}

		res, err := c.Downloader.Fetch(ctx, bl.URL, netutil.Validators{
			ETag:         bl.ETag,
			LastModified: bl.LastModified,
		})
		if err != nil {
			log.Printf("[policy] blocklist %q fetch failed: %v", bl.Name, err)
			if rerr := c.Store.RecordBlocklistFetch(bl.ID, now, "error", err.Error(), bl.ETag, bl.LastModified, bl.EntryCount); rerr != nil {
				log.Printf("[policy] blocklist %q record error: %v", bl.Name, rerr)
			}
			continue
		}
		if res.NotModified {
			if rerr := c.Store.RecordBlocklistFetch(bl.ID, now, "not_modified", "", bl.ETag, bl.LastModified, bl.EntryCount); rerr != nil {
				log.Printf("[policy] blocklist %q record not-modified: %v", bl.Name, rerr)
			}
			continue
		}

		domains := rpz.ParseList(res.Body, bl.Format)
		if err := c.Store.ReplaceBlocklistEntries(bl.ID, domains); err != nil {
			log.Printf("[policy] blocklist %q store failed: %v", bl.Name, err)
			continue
		}
		if err := c.Store.RecordBlocklistFetch(bl.ID, now, "success", "",
			res.Validators.ETag, res.Validators.LastModified, len(domains)); err != nil {
			log.Printf("[policy] blocklist %q record success: %v", bl.Name, err)
		}
		log.Printf("[policy] blocklist %q refreshed: %d entries", bl.Name, len(domains))
		changed = true
	}
	return changed, nil
}

// CompiledBundle is the result of one compile: the rendered zone bodies and
// the bundle version derived from them.
type CompiledBundle struct {
	CombinedZone  string
	WhitelistZone string
	ForwardConf   string
	Version       string
}

// Compile merges enabled block lists, allow lists and manual entries into
// the two RPZ zones, renders the forward-zones file, writes all three to the
// shared directory atomically and stores the new bundle version.
//
// When blocking is inactive the combined zone is rendered empty. The empty
// zone is hashed like any other, so disabling or re-enabling blocking moves
// the version and secondaries re-pull.
func (c *Compiler) Compile(blockingActive bool) (*CompiledBundle, error) {
	block, allow, err := c.effectiveSets()
	if err != nil {
		return nil, err
	}

	serial := c.now().Unix()
	bundle := &CompiledBundle{
		WhitelistZone: rpz.RenderZone(allow, rpz.ActionPassthru, serial),
	}
	if blockingActive {
		bundle.CombinedZone = rpz.RenderZone(subtract(block, allow), rpz.ActionBlock, serial)
	} else {
		bundle.CombinedZone = rpz.RenderEmptyZone(serial)
	}

	zones, err := c.Store.ListForwardZones()
	if err != nil {
		return nil, err
	}
	bundle.ForwardConf = RenderForwardConf(globalOnly(zones))
	bundle.Version = BundleVersion(
		[]string{bundle.CombinedZone, bundle.WhitelistZone},
		zones,
	)

	if err := c.writeArtifacts(bundle); err != nil {
		return nil, err
	}
	if err := c.Store.SetSetting(store.SettingConfigVersion, bundle.Version); err != nil {
		return nil, err
	}
	log.Printf("[policy] compiled bundle %s: %d blocked, %d allowed", bundle.Version, len(block), len(allow))
	return bundle, nil
}

func (c *Compiler) effectiveSets() (block, allow []string, err error) {
	lists, err := c.Store.ListBlocklists()
	if err != nil {
		return nil, nil, err
	}
	var blockIDs, allowIDs []int64
	for _, bl := range lists {
		if !bl.Enabled {
			continue
		}
		if bl.ListType == model.ListTypeAllow {
			allowIDs = append(allowIDs, bl.ID)
		} else {
			blockIDs = append(blockIDs, bl.ID)
		}
	}
	block, err = c.Store.DomainsForLists(blockIDs)
	if err != nil {
		return nil, nil, err
	}
	allow, err = c.Store.DomainsForLists(allowIDs)
	if err != nil {
		return nil, nil, err
	}

	manual, err := c.Store.ListManualEntries("")
	if err != nil {
		return nil, nil, err
	}
	for _, e := range manual {
		d := rpz.NormalizeDomain(e.Domain)
		if d == "" {
			continue
		}
		if e.EntryType == model.ManualAllow {
			allow = append(allow, d)
		} else {
			block = append(block, d)
		}
	}
	return dedupe(block), dedupe(allow), nil
}

func (c *Compiler) writeArtifacts(b *CompiledBundle) error {
	rpzDir := filepath.Join(c.SharedDir, "rpz")
	if err := os.MkdirAll(rpzDir, 0o755); err != nil {
		return fmt.Errorf("policy: mkdir %s: %w", rpzDir, err)
	}
	files := map[string]string{
		CombinedZoneFile:  b.CombinedZone,
		WhitelistZoneFile: b.WhitelistZone,
		ForwardZonesFile:  b.ForwardConf,
	}
	for name, content := range files {
		path := filepath.Join(c.SharedDir, name)
		if err := renameio.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("policy: write %s: %w", path, err)
		}
	}
	return nil
}

// WriteCombinedOverride atomically replaces the combined zone with an empty
// one. Used by the blocking state machine to stop blocking synchronously.
func WriteCombinedOverride(sharedDir string, serial int64) error {
	path := filepath.Join(sharedDir, CombinedZoneFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("policy: mkdir for override: %w", err)
	}
	if err := renameio.WriteFile(path, []byte(rpz.RenderEmptyZone(serial)), 0o644); err != nil {
		return fmt.Errorf("policy: write override: %w", err)
	}
	return nil
}

// RenderForwardConf renders zones in the resolver's forward-zones format:
// one domain=server[;server...] per line.
func RenderForwardConf(zones []*model.ForwardZone) string {
	var b strings.Builder
	b.WriteString("# generated by powerblockade\n")
	lines := make([]string, 0, len(zones))
	for _, z := range zones {
		if !z.Enabled {
			continue
		}
		lines = append(lines, z.Domain+"="+z.Servers)
	}
	sort.Strings(lines)
	for _, l := range lines {
		b.WriteString(l)
		b.WriteString("\n")
	}
	return b.String()
}

// FileChecksum is the short content hash served with each bundle file.
func FileChecksum(content string) string {
	sum := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%x", sum)[:16]
}

// BundleVersion derives the 12-hex bundle token from the rendered zone
// bodies (serial excluded, so wall clock does not perturb it) and every
// forward-zone rule, per-node overrides included.
func BundleVersion(zoneBodies []string, zones []*model.ForwardZone) string {
	hashes := make([]string, 0, len(zoneBodies))
	for _, body := range zoneBodies {
		sum := sha256.Sum256([]byte(rpz.StripSerial(body)))
		hashes = append(hashes, fmt.Sprintf("%x", sum))
	}
	sort.Strings(hashes)

	rules := make([]string, 0, len(zones))
	for _, z := range zones {
		if !z.Enabled {
			continue
		}
		rule := z.Domain + "=" + z.Servers
		if z.NodeID != nil {
			rule = fmt.Sprintf("node/%d/%s", *z.NodeID, rule)
		}
		rules = append(rules, rule)
	}
	sort.Strings(rules)

	payload, _ := json.Marshal([][]string{hashes, rules})
	sum := sha256.Sum256(payload)
	return fmt.Sprintf("%x", sum)[:12]
}

func subtract(set, minus []string) []string {
	drop := make(map[string]struct{}, len(minus))
	for _, d := range minus {
		drop[d] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for _, d := range set {
		if _, skip := drop[d]; !skip {
			out = append(out, d)
		}
	}
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, d := range in {
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}

func globalOnly(zones []*model.ForwardZone) []*model.ForwardZone {
	out := make([]*model.ForwardZone, 0, len(zones))
	for _, z := range zones {
		if z.NodeID == nil {
			out = append(out, z)
		}
	}
	return out
}
