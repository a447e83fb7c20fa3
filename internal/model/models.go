// Package model defines the entities shared across the control plane:
// nodes, clients, policy rows, query events and their aggregates.
package model

import "time"

// NodeStatus is the lifecycle state of a resolver node.
type NodeStatus string

const (
	NodeStatusPending NodeStatus = "pending"
	NodeStatusActive  NodeStatus = "active"
	NodeStatusError   NodeStatus = "error"
)

// PrimaryNodeName is the reserved name of the control-plane's own node row.
// The primary node always exists and cannot be deleted.
const PrimaryNodeName = "primary"

// Node is a resolver node known to the primary. APIKey is an opaque bearer
// token; ConfigVersion is the bundle version last served to the node.
type Node struct {
	ID            int64
	Name          string
	APIKey        string
	Status        NodeStatus
	LastSeen      *time.Time
	LastError     string
	ConfigVersion string
	QueriesTotal  int64
	QueriesBlocked int64
	IPAddress     string
	Version       string
	CreatedAt     time.Time
}

// Client is a DNS client observed in query events, created lazily on first
// event for its IP.
type Client struct {
	ID                 int64
	IP                 string
	DisplayName        string
	RDNSName           string
	RDNSLastResolvedAt *time.Time
	RDNSLastError      string
	LastSeen           *time.Time
	GroupID            *int64
}

// ClientGroup groups clients, optionally auto-assigning by CIDR.
type ClientGroup struct {
	ID    int64
	Name  string
	CIDR  string
	Color string
}

// BlocklistFormat is the on-the-wire format of a blocklist body.
type BlocklistFormat string

const (
	FormatHosts   BlocklistFormat = "hosts"
	FormatDomains BlocklistFormat = "domains"
	FormatAdblock BlocklistFormat = "adblock"
)

// ListType distinguishes blocking lists from allow lists.
type ListType string

const (
	ListTypeBlock ListType = "block"
	ListTypeAllow ListType = "allow"
)

// Blocklist is a remote domain list with fetch state and an optional
// time-of-day activation schedule.
type Blocklist struct {
	ID                   int64
	Name                 string
	URL                  string
	Format               BlocklistFormat
	ListType             ListType
	Enabled              bool
	UpdateFrequencyHours int
	LastUpdated          *time.Time
	LastUpdateStatus     string
	LastError            string
	EntryCount           int
	ETag                 string
	LastModified         string

	ScheduleEnabled bool
	ScheduleStart   string // HH:MM
	ScheduleEnd     string // HH:MM
	ScheduleDays    string // comma list of mon..sun; empty = all days
}

// ManualEntryType is the kind of a manual policy entry.
type ManualEntryType string

const (
	ManualAllow ManualEntryType = "allow"
	ManualBlock ManualEntryType = "block"
)

// ManualEntry is an operator-added allow or block domain.
type ManualEntry struct {
	ID        int64
	Domain    string
	EntryType ManualEntryType
	CreatedAt time.Time
}

// ForwardZone routes a domain to explicit upstream servers. NodeID nil means
// the zone applies globally; a per-node row overrides the global one.
type ForwardZone struct {
	ID          int64
	NodeID      *int64
	Domain      string
	Servers     string // semicolon/comma-separated server list
	Description string
	Enabled     bool
}

// QueryEvent is one raw DNS query observation shipped by a node.
// EventID, when present, is the client-supplied dedup key.
type QueryEvent struct {
	ID            int64
	EventID       string
	TS            time.Time
	NodeID        int64
	ClientIP      string
	ClientID      int64
	QName         string // normalized: lowercase, no trailing dot
	QType         uint16
	RCode         uint8
	Blocked       bool
	BlockReason   string
	BlocklistName string
	LatencyMS     *int64
}

// Granularity is the bucket width of a rollup row.
type Granularity string

const (
	GranularityHourly Granularity = "hourly"
	GranularityDaily  Granularity = "daily"
)

// Rollup is a pre-aggregated summary keyed by (bucket, granularity, client, node).
type Rollup struct {
	BucketStart    time.Time
	Granularity    Granularity
	ClientID       int64
	NodeID         int64
	TotalQueries   int64
	BlockedQueries int64
	NXDomainCount  int64
	ServfailCount  int64
	CacheHits      int64
	AvgLatencyMS   *int64
	UniqueDomains  int64
}

// NodeMetrics is one snapshot of resolver counters pushed by (or scraped
// from) a node.
type NodeMetrics struct {
	ID     int64
	NodeID int64
	TS     time.Time

	CacheHits    int64
	CacheMisses  int64
	CacheEntries int64

	PacketcacheHits   int64
	PacketcacheMisses int64

	Answers01      int64
	Answers110     int64
	Answers10100   int64
	Answers1001000 int64
	AnswersSlow    int64

	ConcurrentQueries int64
	OutgoingTimeouts  int64
	ServfailAnswers   int64
	NXDomainAnswers   int64
	Questions         int64
	AllOutqueries     int64
	UptimeSeconds     int64
}

// ResolverRule selects the nameserver used for PTR lookups of client IPs in
// a subnet. Rules are evaluated in ascending Priority order; first match wins.
type ResolverRule struct {
	ID         int64
	Subnet     string
	Nameserver string // host or host:port
	Priority   int
	Enabled    bool
}

// NodeCommand is pending work for a node. NodeID nil broadcasts to all nodes.
type NodeCommand struct {
	ID         string // uuid
	NodeID     *int64
	Command    string
	Params     string // JSON object, may be empty
	CreatedAt  time.Time
	ExecutedAt *time.Time
	Result     string // JSON {success, result}, empty until executed
}

// CommandClearCache asks a node to flush its local resolver cache.
const CommandClearCache = "clear_cache"

// ConfigChange is one audit row with JSON before/after snapshots.
type ConfigChange struct {
	ID          int64
	EntityType  string
	EntityID    *int64
	Action      string
	ActorUserID *int64
	BeforeData  string // JSON, empty if none
	AfterData   string // JSON, empty if none
	Comment     string
	CreatedAt   time.Time
}
