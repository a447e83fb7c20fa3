// Package precache keeps the local resolver's cache warm by re-querying the
// most popular domains shortly before their records expire.
package precache

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/miekg/dns"
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/time/rate"

	"github.com/powerblockade/powerblockade/internal/store"
)

// minRefreshLead is the floor on how early a domain is re-warmed before its
// TTL runs out.
const minRefreshLead = 30 * time.Second

// entry tracks one warmed domain. Process-local; lost on restart, the warmer
// simply reconverges.
type entry struct {
	TTL        time.Duration
	LastWarmed time.Time
}

// Warmer drives the precache job.
type Warmer struct {
	Store       *store.Store
	ResolverDNS string // host:port of the local resolver
	Timeout     time.Duration
	Now         func() time.Time

	// Exchange performs one DNS round trip; injectable for tests.
	Exchange func(ctx context.Context, msg *dns.Msg, server string) (*dns.Msg, error)

	seen    *xsync.Map[string, entry]
	limiter *rate.Limiter
}

// NewWarmer builds a warmer querying the resolver at resolverDNS.
func NewWarmer(s *store.Store, resolverDNS string, timeout time.Duration) *Warmer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	w := &Warmer{
		Store:       s,
		ResolverDNS: resolverDNS,
		Timeout:     timeout,
		seen:        xsync.NewMap[string, entry](),
	}
	w.Exchange = w.udpExchange
	return w
}

func (w *Warmer) udpExchange(ctx context.Context, msg *dns.Msg, server string) (*dns.Msg, error) {
	c := &dns.Client{Timeout: w.Timeout}
	resp, _, err := c.ExchangeContext(ctx, msg, server)
	return resp, err
}

func (w *Warmer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// refreshPolicy controls eligibility for re-warming a known domain.
type refreshPolicy struct {
	IgnoreTTL      bool
	RefreshMinutes int
}

// needsRefresh implements the eligibility rule: unknown domains always
// qualify; in ignore-TTL mode a fixed refresh interval applies; otherwise a
// domain qualifies once its TTL has mostly elapsed, keeping at least a 30 s
// (or 20% of TTL) lead.
func needsRefresh(e entry, known bool, now time.Time, pol refreshPolicy) bool {
	if !known || e.LastWarmed.IsZero() {
		return true
	}
	age := now.Sub(e.LastWarmed)
	if pol.IgnoreTTL {
		return age >= time.Duration(pol.RefreshMinutes)*time.Minute
	}
	lead := e.TTL / 5
	if lead < minRefreshLead {
		lead = minRefreshLead
	}
	return age >= e.TTL-lead
}

// Run executes one warming pass: select the top-N unblocked NOERROR names
// from the last window, warm the eligible ones against the local resolver
// under the configured rate, and record observed TTLs.
func (w *Warmer) Run(ctx context.Context) error {
	enabled, err := w.Store.SettingBool(store.SettingPrecacheEnabled)
	if err != nil {
		return err
	}
	if !enabled {
		return nil
	}

	topN, err := w.Store.SettingInt(store.SettingPrecacheTopN)
	if err != nil {
		return err
	}
	minTTL, err := w.Store.SettingInt(store.SettingPrecacheMinTTL)
	if err != nil {
		return err
	}
	perSec, err := w.Store.SettingInt(store.SettingPrecacheRatePerSec)
	if err != nil {
		return err
	}
	windowHours, err := w.Store.SettingInt(store.SettingPrecacheWindowHours)
	if err != nil {
		return err
	}
	ignoreTTL, err := w.Store.SettingBool(store.SettingPrecacheIgnoreTTL)
	if err != nil {
		return err
	}
	refreshMinutes, err := w.Store.SettingInt(store.SettingPrecacheRefreshMinutes)
	if err != nil {
		return err
	}
	pol := refreshPolicy{IgnoreTTL: ignoreTTL, RefreshMinutes: refreshMinutes}
	if w.limiter == nil || w.limiter.Limit() != rate.Limit(perSec) {
		w.limiter = rate.NewLimiter(rate.Limit(perSec), perSec)
	}

	now := w.now()
	domains, err := w.popularDomains(now.Add(-time.Duration(windowHours)*time.Hour), topN)
	if err != nil {
		return err
	}

	warmed := 0
	for _, domain := range domains {
		if err := ctx.Err(); err != nil {
			return err
		}
		e, known := w.seen.Load(domain)
		if !needsRefresh(e, known, now, pol) {
			continue
		}
		if err := w.limiter.Wait(ctx); err != nil {
			return err
		}

		ttl, err := w.warm(ctx, domain)
		if err != nil {
			log.Printf("[precache] warm %q: %v", domain, err)
			continue
		}
		if ttl < time.Duration(minTTL)*time.Second {
			ttl = time.Duration(minTTL) * time.Second
		}
		w.seen.Store(domain, entry{TTL: ttl, LastWarmed: now})
		warmed++
	}
	if warmed > 0 {
		log.Printf("[precache] warmed %d of %d candidates", warmed, len(domains))
	}
	return nil
}

// popularDomains returns the top-N unblocked, NOERROR names since the cutoff.
func (w *Warmer) popularDomains(since time.Time, limit int) ([]string, error) {
	rows, err := w.Store.DB().Query(`SELECT qname, COUNT(*) AS n
		FROM dns_query_events
		WHERE ts_ns >= ? AND blocked = 0 AND rcode = 0
		GROUP BY qname ORDER BY n DESC LIMIT ?`, since.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("precache: popular domains: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		var n int64
		if err := rows.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("precache: scan: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// warm issues one A query and returns the smallest answer TTL.
func (w *Warmer) warm(ctx context.Context, domain string) (time.Duration, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), dns.TypeA)

	ctx, cancel := context.WithTimeout(ctx, w.Timeout)
	defer cancel()
	resp, err := w.Exchange(ctx, msg, w.ResolverDNS)
	if err != nil {
		return 0, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return 0, fmt.Errorf("rcode %s", dns.RcodeToString[resp.Rcode])
	}

	var ttl time.Duration
	for _, rr := range resp.Answer {
		t := time.Duration(rr.Header().Ttl) * time.Second
		if ttl == 0 || t < ttl {
			ttl = t
		}
	}
	return ttl, nil
}

// Known reports the tracked state for a domain. Exposed for observability.
func (w *Warmer) Known(domain string) (ttl time.Duration, lastWarmed time.Time, ok bool) {
	e, ok := w.seen.Load(domain)
	return e.TTL, e.LastWarmed, ok
}
