package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/powerblockade/powerblockade/internal/ingest"
	"github.com/powerblockade/powerblockade/internal/model"
	"github.com/powerblockade/powerblockade/internal/policy"
	"github.com/powerblockade/powerblockade/internal/store"
)

type registerRequest struct {
	Name      string `json:"name"`
	Version   string `json:"version,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
}

// HandleRegister binds the caller's name/ip/version to its key and activates
// the node.
func HandleRegister(s *store.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		node := callingNode(r)
		var req registerRequest
		if !decodeBodyOrWriteInvalid(w, r, &req) {
			return
		}
		if req.Name != "" && req.Name != node.Name {
			writeInvalidArgument(w, "name: does not match the key's node")
			return
		}
		ip := req.IPAddress
		if ip == "" {
			ip, _, _ = net.SplitHostPort(r.RemoteAddr)
		}
		empty := ""
		up := store.HeartbeatUpdate{Status: model.NodeStatusActive, LastError: &empty, IPAddress: ip}
		if req.Version != "" {
			up.Version = &req.Version
		}
		if err := s.TouchNode(node.ID, time.Now(), up); err != nil {
			writeInternal(w, err)
			return
		}
		version, err := s.Setting(store.SettingConfigVersion)
		if err != nil {
			writeInternal(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "config_version": version})
	})
}

type heartbeatRequest struct {
	QueriesTotal   *int64  `json:"queries_total,omitempty"`
	QueriesBlocked *int64  `json:"queries_blocked,omitempty"`
	Version        *string `json:"version,omitempty"`
}

// HandleHeartbeat updates liveness and accepts the node's counters. The
// response carries the current bundle version so the caller can diff.
func HandleHeartbeat(s *store.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		node := callingNode(r)
		var req heartbeatRequest
		if !decodeBodyOrWriteInvalid(w, r, &req) {
			return
		}
		up := store.HeartbeatUpdate{
			Status:         model.NodeStatusActive,
			QueriesTotal:   req.QueriesTotal,
			QueriesBlocked: req.QueriesBlocked,
			Version:        req.Version,
		}
		if err := s.TouchNode(node.ID, time.Now(), up); err != nil {
			writeInternal(w, err)
			return
		}
		version, err := s.Setting(store.SettingConfigVersion)
		if err != nil {
			writeInternal(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "config_version": version})
	})
}

type rpzFileView struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
	Checksum string `json:"checksum"`
}

type forwardZoneView struct {
	Domain     string `json:"domain"`
	Servers    string `json:"servers"`
	IsOverride bool   `json:"is_override"`
}

type blocklistSummary struct {
	Name             string `json:"name"`
	ListType         string `json:"list_type"`
	Enabled          bool   `json:"enabled"`
	EntryCount       int    `json:"entry_count"`
	LastUpdateStatus string `json:"last_update_status"`
}

// HandleNodeConfig serves the calling node's bundle view: zone files with
// checksums, its effective forward zones, operational settings and a
// blocklist summary.
func HandleNodeConfig(s *store.Store, sharedDir string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		node := callingNode(r)

		var files []rpzFileView
		for _, rel := range []string{policy.CombinedZoneFile, policy.WhitelistZoneFile} {
			body, err := os.ReadFile(filepath.Join(sharedDir, rel))
			if err != nil {
				if os.IsNotExist(err) {
					continue // no compile has happened yet
				}
				writeInternal(w, err)
				return
			}
			files = append(files, rpzFileView{
				Filename: filepath.Base(rel),
				Content:  string(body),
				Checksum: policy.FileChecksum(string(body)),
			})
		}

		zones, err := s.EffectiveForwardZones(node.ID)
		if err != nil {
			writeInternal(w, err)
			return
		}
		zoneViews := make([]forwardZoneView, 0, len(zones))
		for _, z := range zones {
			zoneViews = append(zoneViews, forwardZoneView{
				Domain:     z.Domain,
				Servers:    z.Servers,
				IsOverride: z.NodeID != nil,
			})
		}

		lists, err := s.ListBlocklists()
		if err != nil {
			writeInternal(w, err)
			return
		}
		summaries := make([]blocklistSummary, 0, len(lists))
		for _, bl := range lists {
			summaries = append(summaries, blocklistSummary{
				Name:             bl.Name,
				ListType:         string(bl.ListType),
				Enabled:          bl.Enabled,
				EntryCount:       bl.EntryCount,
				LastUpdateStatus: bl.LastUpdateStatus,
			})
		}

		settings := map[string]string{}
		for _, key := range []string{
			store.SettingRetentionRawDays,
			store.SettingRetentionHourlyDays,
			store.SettingRetentionDailyDays,
			store.SettingPTRResolutionEnabled,
		} {
			v, err := s.Setting(key)
			if err != nil {
				writeInternal(w, err)
				return
			}
			settings[key] = v
		}

		version, err := s.Setting(store.SettingConfigVersion)
		if err != nil {
			writeInternal(w, err)
			return
		}
		if err := s.SetNodeConfigVersion(node.ID, version); err != nil {
			writeInternal(w, err)
			return
		}

		WriteJSON(w, http.StatusOK, map[string]any{
			"ok":             true,
			"config_version": version,
			"rpz_files":      files,
			"forward_zones":  zoneViews,
			"settings":       settings,
			"blocklists":     summaries,
		})
	})
}

type ingestRequest struct {
	Events []ingest.Event `json:"events"`
}

// HandleIngest feeds a node's event batch through the pipeline.
func HandleIngest(p *ingest.Pipeline) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		node := callingNode(r)
		var req ingestRequest
		if !decodeBodyOrWriteInvalid(w, r, &req) {
			return
		}
		res, err := p.Process(node.ID, req.Events)
		if err != nil {
			writeInternal(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"ok":       true,
			"received": res.Received,
			"node":     node.Name,
		})
	})
}

type nodeMetricsRequest struct {
	CacheHits    int64 `json:"cache_hits"`
	CacheMisses  int64 `json:"cache_misses"`
	CacheEntries int64 `json:"cache_entries"`

	PacketcacheHits   int64 `json:"packetcache_hits"`
	PacketcacheMisses int64 `json:"packetcache_misses"`

	Answers01      int64 `json:"answers_0_1"`
	Answers110     int64 `json:"answers_1_10"`
	Answers10100   int64 `json:"answers_10_100"`
	Answers1001000 int64 `json:"answers_100_1000"`
	AnswersSlow    int64 `json:"answers_slow"`

	ConcurrentQueries int64 `json:"concurrent_queries"`
	OutgoingTimeouts  int64 `json:"outgoing_timeouts"`
	ServfailAnswers   int64 `json:"servfail_answers"`
	NXDomainAnswers   int64 `json:"nxdomain_answers"`
	Questions         int64 `json:"questions"`
	AllOutqueries     int64 `json:"all_outqueries"`
	UptimeSeconds     int64 `json:"uptime_seconds"`
}

// HandleNodeMetrics records one resolver counter snapshot for the caller.
func HandleNodeMetrics(s *store.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		node := callingNode(r)
		var req nodeMetricsRequest
		if !decodeBodyOrWriteInvalid(w, r, &req) {
			return
		}
		m := &model.NodeMetrics{
			NodeID: node.ID, TS: time.Now(),
			CacheHits: req.CacheHits, CacheMisses: req.CacheMisses, CacheEntries: req.CacheEntries,
			PacketcacheHits: req.PacketcacheHits, PacketcacheMisses: req.PacketcacheMisses,
			Answers01: req.Answers01, Answers110: req.Answers110,
			Answers10100: req.Answers10100, Answers1001000: req.Answers1001000, AnswersSlow: req.AnswersSlow,
			ConcurrentQueries: req.ConcurrentQueries, OutgoingTimeouts: req.OutgoingTimeouts,
			ServfailAnswers: req.ServfailAnswers, NXDomainAnswers: req.NXDomainAnswers,
			Questions: req.Questions, AllOutqueries: req.AllOutqueries, UptimeSeconds: req.UptimeSeconds,
		}
		if err := s.InsertNodeMetrics(m); err != nil {
			writeInternal(w, err)
			return
		}
		if err := s.TouchNode(node.ID, time.Now(), store.HeartbeatUpdate{Status: model.NodeStatusActive}); err != nil {
			writeInternal(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "node": node.Name})
	})
}

type commandView struct {
	ID      string `json:"id"`
	Command string `json:"command"`
	Params  string `json:"params"`
}

// HandleCommands returns the caller's pending commands, oldest first.
func HandleCommands(s *store.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		node := callingNode(r)
		cmds, err := s.PendingCommands(node.ID)
		if err != nil {
			writeInternal(w, err)
			return
		}
		views := make([]commandView, 0, len(cmds))
		for _, c := range cmds {
			views = append(views, commandView{ID: c.ID, Command: c.Command, Params: c.Params})
		}
		WriteJSON(w, http.StatusOK, map[string]any{"commands": views})
	})
}

type commandResultRequest struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Result  string `json:"result,omitempty"`
}

// HandleCommandResult marks a command executed and stores its outcome.
func HandleCommandResult(s *store.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		node := callingNode(r)
		var req commandResultRequest
		if !decodeBodyOrWriteInvalid(w, r, &req) {
			return
		}
		if req.ID == "" {
			writeInvalidArgument(w, "id: required")
			return
		}
		result, _ := json.Marshal(map[string]any{"success": req.Success, "result": req.Result})
		if err := s.CompleteCommand(req.ID, node.ID, string(result), time.Now()); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeNotFound(w, "command not pending for this node")
				return
			}
			writeInternal(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
}
