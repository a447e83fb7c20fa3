// Package ptr resolves client IPs to hostnames via rule-routed reverse DNS.
// Lookups run on the shared background pool with short per-call timeouts and
// an in-process result cache so repeated ingests do not hammer resolvers.
package ptr

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/maypok86/otter"
	"github.com/miekg/dns"

	"github.com/powerblockade/powerblockade/internal/model"
	"github.com/powerblockade/powerblockade/internal/store"
	"github.com/powerblockade/powerblockade/internal/worker"
)

// Cache lifetimes for lookup outcomes.
const (
	successTTL = time.Hour
	errorTTL   = 5 * time.Minute
)

// DefaultTimeout bounds one PTR exchange.
const DefaultTimeout = 2 * time.Second

type cached struct {
	name string
	err  string
}

// Resolver performs PTR lookups for client IPs.
type Resolver struct {
	Store   *store.Store
	Pool    *worker.Pool
	Timeout time.Duration

	// Exchange performs one DNS round trip; injectable for tests. Defaults
	// to a UDP exchange via miekg/dns.
	Exchange func(ctx context.Context, msg *dns.Msg, server string) (*dns.Msg, error)

	cache otter.CacheWithVariableTTL[string, cached]
}

// NewResolver builds a resolver with a bounded in-process cache.
func NewResolver(s *store.Store, pool *worker.Pool, timeout time.Duration) *Resolver {
	cache, err := otter.MustBuilder[string, cached](16384).
		WithVariableTTL().
		Build()
	if err != nil {
		panic("ptr: cache build: " + err.Error())
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	r := &Resolver{
		Store:   s,
		Pool:    pool,
		Timeout: timeout,
		cache:   cache,
	}
	r.Exchange = r.udpExchange
	return r
}

func (r *Resolver) udpExchange(ctx context.Context, msg *dns.Msg, server string) (*dns.Msg, error) {
	c := &dns.Client{Timeout: r.Timeout}
	resp, _, err := c.ExchangeContext(ctx, msg, server)
	return resp, err
}

// MatchRule returns the nameserver for an IP per the enabled rules: ascending
// priority, first subnet containing the IP wins. Returns "" when no rule
// matches, meaning no lookup should happen.
func MatchRule(ip net.IP, rules []*model.ResolverRule) string {
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		_, subnet, err := net.ParseCIDR(rule.Subnet)
		if err != nil {
			continue
		}
		if subnet.Contains(ip) {
			return withDefaultPort(rule.Nameserver)
		}
	}
	return ""
}

func withDefaultPort(server string) string {
	if _, _, err := net.SplitHostPort(server); err == nil {
		return server
	}
	return net.JoinHostPort(server, "53")
}

// Lookup resolves one IP through the matching rule's nameserver. The empty
// string with nil error means no rule matched.
func (r *Resolver) Lookup(ctx context.Context, ipStr string) (string, error) {
	if entry, hit := r.cache.Get(ipStr); hit {
		if entry.err != "" {
			return "", fmt.Errorf("ptr: %s", entry.err)
		}
		return entry.name, nil
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return "", fmt.Errorf("ptr: bad ip %q", ipStr)
	}
	rules, err := r.Store.ListResolverRules(true)
	if err != nil {
		return "", err
	}
	server := MatchRule(ip, rules)
	if server == "" {
		return "", nil
	}

	name, err := r.query(ctx, ipStr, server)
	if err != nil {
		r.cache.Set(ipStr, cached{err: err.Error()}, errorTTL)
		return "", err
	}
	r.cache.Set(ipStr, cached{name: name}, successTTL)
	return name, nil
}

func (r *Resolver) query(ctx context.Context, ipStr, server string) (string, error) {
	arpa, err := dns.ReverseAddr(ipStr)
	if err != nil {
		return "", fmt.Errorf("ptr: reverse addr %q: %w", ipStr, err)
	}
	msg := new(dns.Msg)
	msg.SetQuestion(arpa, dns.TypePTR)

	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()
	resp, err := r.Exchange(ctx, msg, server)
	if err != nil {
		return "", fmt.Errorf("ptr: exchange with %s: %w", server, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return "", fmt.Errorf("ptr: %s answered %s", server, dns.RcodeToString[resp.Rcode])
	}
	for _, rr := range resp.Answer {
		if p, ok := rr.(*dns.PTR); ok {
			return strings.TrimSuffix(p.Ptr, "."), nil
		}
	}
	return "", fmt.Errorf("ptr: no PTR record from %s", server)
}

// ScheduleClients enqueues best-effort lookups for the given client ids.
// Overflow is dropped by the pool; results land on the Client row.
func (r *Resolver) ScheduleClients(clientIDs []int64) {
	for _, id := range clientIDs {
		clientID := id
		r.Pool.Submit(worker.Task{
			Name: "ptr-lookup",
			Run: func(ctx context.Context) {
				r.resolveClient(ctx, clientID)
			},
		})
	}
}

func (r *Resolver) resolveClient(ctx context.Context, clientID int64) {
	c, err := r.Store.ClientByID(clientID)
	if err != nil {
		log.Printf("[ptr] client %d load failed: %v", clientID, err)
		return
	}
	// Fresh successes are left alone until the success TTL elapses.
	if c.RDNSName != "" && c.RDNSLastResolvedAt != nil && time.Since(*c.RDNSLastResolvedAt) < successTTL {
		return
	}

	name, err := r.Lookup(ctx, c.IP)
	now := time.Now()
	switch {
	case err != nil:
		if uerr := r.Store.UpdateClientRDNS(c.ID, c.RDNSName, err.Error(), now); uerr != nil {
			log.Printf("[ptr] client %d record error: %v", c.ID, uerr)
		}
	case name == "":
		// No rule matched; nothing to record.
	default:
		if uerr := r.Store.UpdateClientRDNS(c.ID, name, "", now); uerr != nil {
			log.Printf("[ptr] client %d record name: %v", c.ID, uerr)
		}
	}
}
