// Package ingest accepts raw query-event batches from nodes: validation,
// client upsert, deduplicated batch insert, then best-effort PTR scheduling.
package ingest

import (
	"database/sql"
	"log"
	"net"
	"strings"
	"time"

	"github.com/powerblockade/powerblockade/internal/model"
	"github.com/powerblockade/powerblockade/internal/rpz"
	"github.com/powerblockade/powerblockade/internal/store"
)

// Event is the wire shape of one query observation. A zero TS means
// "server now".
type Event struct {
	TS            *time.Time `json:"ts,omitempty"`
	ClientIP      string     `json:"client_ip"`
	QName         string     `json:"qname"`
	QType         uint16     `json:"qtype"`
	RCode         uint8      `json:"rcode"`
	Blocked       bool       `json:"blocked"`
	BlockReason   string     `json:"block_reason,omitempty"`
	BlocklistName string     `json:"blocklist_name,omitempty"`
	LatencyMS     *int64     `json:"latency_ms,omitempty"`
	EventID       string     `json:"event_id,omitempty"`
}

// Pipeline processes batches for one primary instance.
type Pipeline struct {
	Store *store.Store
	Now   func() time.Time

	// OnNewClients is invoked after commit with the client ids of the batch,
	// so PTR resolution can be scheduled. May be nil.
	OnNewClients func(clientIDs []int64)
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Result summarizes one processed batch.
type Result struct {
	Received int64 // rows actually written
	Dropped  int   // events discarded as invalid
}

// Process validates and stores a batch from nodeID in one transaction.
// Invalid events are dropped silently; Received counts only rows the insert
// actually created, so redelivered event_ids do not inflate it.
func (p *Pipeline) Process(nodeID int64, events []Event) (Result, error) {
	now := p.now()

	rows := make([]*model.QueryEvent, 0, len(events))
	ipSet := make(map[string]struct{})
	var dropped int
	for i := range events {
		ev, ok := p.validate(&events[i], nodeID, now)
		if !ok {
			dropped++
			continue
		}
		rows = append(rows, ev)
		ipSet[ev.ClientIP] = struct{}{}
	}
	if len(rows) == 0 {
		return Result{Dropped: dropped}, nil
	}

	ips := make([]string, 0, len(ipSet))
	for ip := range ipSet {
		ips = append(ips, ip)
	}

	var (
		inserted  int64
		clientIDs []int64
	)
	err := p.Store.WithTx(func(tx *sql.Tx) error {
		ids, err := store.UpsertClientsByIP(tx, ips, now)
		if err != nil {
			return err
		}
		for _, ev := range rows {
			ev.ClientID = ids[ev.ClientIP]
		}
		for _, id := range ids {
			clientIDs = append(clientIDs, id)
		}
		inserted, err = store.InsertEventsBatch(tx, rows)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	if p.OnNewClients != nil {
		p.OnNewClients(clientIDs)
	}
	if dropped > 0 {
		log.Printf("[ingest] node %d: dropped %d invalid events", nodeID, dropped)
	}
	return Result{Received: inserted, Dropped: dropped}, nil
}

// validate checks and normalizes one event. Bad IPs or empty names fail.
func (p *Pipeline) validate(in *Event, nodeID int64, now time.Time) (*model.QueryEvent, bool) {
	ip := strings.TrimSpace(in.ClientIP)
	if net.ParseIP(ip) == nil {
		return nil, false
	}
	qname := rpz.NormalizeDomain(in.QName)
	if qname == "" {
		return nil, false
	}

	ts := now
	if in.TS != nil && !in.TS.IsZero() {
		ts = *in.TS
	}
	return &model.QueryEvent{
		EventID:       strings.TrimSpace(in.EventID),
		TS:            ts,
		NodeID:        nodeID,
		ClientIP:      ip,
		QName:         qname,
		QType:         in.QType,
		RCode:         in.RCode,
		Blocked:       in.Blocked,
		BlockReason:   in.BlockReason,
		BlocklistName: in.BlocklistName,
		LatencyMS:     in.LatencyMS,
	}, true
}
