package api

import (
	"errors"
	"log"
	"net/http"

	"github.com/powerblockade/powerblockade/internal/audit"
	"github.com/powerblockade/powerblockade/internal/model"
	"github.com/powerblockade/powerblockade/internal/rpz"
	"github.com/powerblockade/powerblockade/internal/store"
)

// PolicyHandlers groups the operator endpoints that mutate policy. Every
// mutation is audited and followed by an async recompile request.
type PolicyHandlers struct {
	Store          *store.Store
	RequestCompile func()
}

func (h *PolicyHandlers) recompile() {
	if h.RequestCompile != nil {
		h.RequestCompile()
	}
}

func (h *PolicyHandlers) recordChange(entityType string, entityID int64, action, before, after string) {
	err := h.Store.RecordChange(&model.ConfigChange{
		EntityType: entityType,
		EntityID:   &entityID,
		Action:     action,
		BeforeData: before,
		AfterData:  after,
	})
	if err != nil {
		// The mutation already committed; the request still succeeds.
		log.Printf("[api] record %s change: %v", entityType, err)
	}
}

// --- Blocklists ---

type blocklistRequest struct {
	Name                 string `json:"name"`
	URL                  string `json:"url"`
	Format               string `json:"format,omitempty"`
	ListType             string `json:"list_type,omitempty"`
	Enabled              *bool  `json:"enabled,omitempty"`
	UpdateFrequencyHours *int   `json:"update_frequency_hours,omitempty"`
	ScheduleEnabled      *bool  `json:"schedule_enabled,omitempty"`
	ScheduleStart        string `json:"schedule_start,omitempty"`
	ScheduleEnd          string `json:"schedule_end,omitempty"`
	ScheduleDays         string `json:"schedule_days,omitempty"`
}

func (h *PolicyHandlers) ListBlocklists(w http.ResponseWriter, r *http.Request) {
	lists, err := h.Store.ListBlocklists()
	if err != nil {
		writeInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"blocklists": lists})
}

func (h *PolicyHandlers) CreateBlocklist(w http.ResponseWriter, r *http.Request) {
	var req blocklistRequest
	if !decodeBodyOrWriteInvalid(w, r, &req) {
		return
	}
	if req.Name == "" || req.URL == "" {
		writeInvalidArgument(w, "name and url are required")
		return
	}
	bl := &model.Blocklist{
		Name:     req.Name,
		URL:      req.URL,
		Format:   model.BlocklistFormat(req.Format),
		ListType: model.ListType(req.ListType),
	}
	if req.UpdateFrequencyHours != nil {
		bl.UpdateFrequencyHours = *req.UpdateFrequencyHours
	}
	applyBlocklistSchedule(bl, &req)
	if err := h.Store.CreateBlocklist(bl); err != nil {
		writeConflict(w, err.Error())
		return
	}
	// Creation always yields an enabled list; an explicit enabled:false is
	// applied as a follow-up update.
	if req.Enabled != nil && !*req.Enabled {
		bl.Enabled = false
		if err := h.Store.UpdateBlocklist(bl); err != nil {
			writeInternal(w, err)
			return
		}
	}
	h.recordChange(audit.EntityBlocklist, bl.ID, "create", "", audit.SnapshotBlocklist(bl))
	h.recompile()
	WriteJSON(w, http.StatusCreated, bl)
}

func (h *PolicyHandlers) UpdateBlocklist(w http.ResponseWriter, r *http.Request) {
	id, ok := idPathParam(w, r)
	if !ok {
		return
	}
	bl, err := h.Store.BlocklistByID(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeNotFound(w, "blocklist not found")
			return
		}
		writeInternal(w, err)
		return
	}
	before := audit.SnapshotBlocklist(bl)

	var req blocklistRequest
	if !decodeBodyOrWriteInvalid(w, r, &req) {
		return
	}
	action := "update"
	if req.Name != "" {
		bl.Name = req.Name
	}
	if req.URL != "" {
		bl.URL = req.URL
	}
	if req.Format != "" {
		bl.Format = model.BlocklistFormat(req.Format)
	}
	if req.ListType != "" {
		bl.ListType = model.ListType(req.ListType)
	}
	if req.Enabled != nil && *req.Enabled != bl.Enabled {
		bl.Enabled = *req.Enabled
		action = "toggle"
	}
	if req.UpdateFrequencyHours != nil {
		bl.UpdateFrequencyHours = *req.UpdateFrequencyHours
		action = "update_frequency"
	}
	if req.ScheduleEnabled != nil || req.ScheduleStart != "" || req.ScheduleEnd != "" || req.ScheduleDays != "" {
		applyBlocklistSchedule(bl, &req)
		action = "update_schedule"
	}

	if err := h.Store.UpdateBlocklist(bl); err != nil {
		writeInternal(w, err)
		return
	}
	h.recordChange(audit.EntityBlocklist, bl.ID, action, before, audit.SnapshotBlocklist(bl))
	h.recompile()
	WriteJSON(w, http.StatusOK, bl)
}

func (h *PolicyHandlers) DeleteBlocklist(w http.ResponseWriter, r *http.Request) {
	id, ok := idPathParam(w, r)
	if !ok {
		return
	}
	bl, err := h.Store.BlocklistByID(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeNotFound(w, "blocklist not found")
			return
		}
		writeInternal(w, err)
		return
	}
	if err := h.Store.DeleteBlocklist(id); err != nil {
		writeInternal(w, err)
		return
	}
	h.recordChange(audit.EntityBlocklist, id, "delete", audit.SnapshotBlocklist(bl), "")
	h.recompile()
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func applyBlocklistSchedule(bl *model.Blocklist, req *blocklistRequest) {
	if req.ScheduleEnabled != nil {
		bl.ScheduleEnabled = *req.ScheduleEnabled
	}
	if req.ScheduleStart != "" {
		bl.ScheduleStart = req.ScheduleStart
	}
	if req.ScheduleEnd != "" {
		bl.ScheduleEnd = req.ScheduleEnd
	}
	if req.ScheduleDays != "" {
		bl.ScheduleDays = req.ScheduleDays
	}
}

// --- Forward zones ---

type forwardZoneRequest struct {
	NodeID      *int64 `json:"node_id,omitempty"`
	Domain      string `json:"domain"`
	Servers     string `json:"servers"`
	Description string `json:"description,omitempty"`
	Enabled     *bool  `json:"enabled,omitempty"`
}

func (h *PolicyHandlers) ListForwardZones(w http.ResponseWriter, r *http.Request) {
	zones, err := h.Store.ListForwardZones()
	if err != nil {
		writeInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"forward_zones": zones})
}

func (h *PolicyHandlers) CreateForwardZone(w http.ResponseWriter, r *http.Request) {
	var req forwardZoneRequest
	if !decodeBodyOrWriteInvalid(w, r, &req) {
		return
	}
	domain := rpz.NormalizeDomain(req.Domain)
	if domain == "" || req.Servers == "" {
		writeInvalidArgument(w, "domain and servers are required")
		return
	}
	z := &model.ForwardZone{
		NodeID:      req.NodeID,
		Domain:      domain,
		Servers:     req.Servers,
		Description: req.Description,
		Enabled:     true,
	}
	if req.Enabled != nil {
		z.Enabled = *req.Enabled
	}
	if err := h.Store.CreateForwardZone(z); err != nil {
		writeConflict(w, err.Error())
		return
	}
	h.recordChange(audit.EntityForwardZone, z.ID, "create", "", audit.SnapshotForwardZone(z))
	h.recompile()
	WriteJSON(w, http.StatusCreated, z)
}

func (h *PolicyHandlers) UpdateForwardZone(w http.ResponseWriter, r *http.Request) {
	id, ok := idPathParam(w, r)
	if !ok {
		return
	}
	z, err := h.Store.ForwardZoneByID(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeNotFound(w, "forward zone not found")
			return
		}
		writeInternal(w, err)
		return
	}
	before := audit.SnapshotForwardZone(z)

	var req forwardZoneRequest
	if !decodeBodyOrWriteInvalid(w, r, &req) {
		return
	}
	if req.Domain != "" {
		z.Domain = rpz.NormalizeDomain(req.Domain)
	}
	if req.Servers != "" {
		z.Servers = req.Servers
	}
	if req.Description != "" {
		z.Description = req.Description
	}
	if req.Enabled != nil {
		z.Enabled = *req.Enabled
	}
	if err := h.Store.UpdateForwardZone(z); err != nil {
		writeInternal(w, err)
		return
	}
	h.recordChange(audit.EntityForwardZone, z.ID, "update", before, audit.SnapshotForwardZone(z))
	h.recompile()
	WriteJSON(w, http.StatusOK, z)
}

func (h *PolicyHandlers) DeleteForwardZone(w http.ResponseWriter, r *http.Request) {
	id, ok := idPathParam(w, r)
	if !ok {
		return
	}
	z, err := h.Store.ForwardZoneByID(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeNotFound(w, "forward zone not found")
			return
		}
		writeInternal(w, err)
		return
	}
	if err := h.Store.DeleteForwardZone(id); err != nil {
		writeInternal(w, err)
		return
	}
	h.recordChange(audit.EntityForwardZone, id, "delete", audit.SnapshotForwardZone(z), "")
	h.recompile()
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// --- Manual entries ---

type manualEntryRequest struct {
	Domain    string `json:"domain"`
	EntryType string `json:"entry_type"`
}

func (h *PolicyHandlers) ListManualEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Store.ListManualEntries(model.ManualEntryType(r.URL.Query().Get("type")))
	if err != nil {
		writeInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *PolicyHandlers) CreateManualEntry(w http.ResponseWriter, r *http.Request) {
	var req manualEntryRequest
	if !decodeBodyOrWriteInvalid(w, r, &req) {
		return
	}
	domain := rpz.NormalizeDomain(req.Domain)
	if domain == "" {
		writeInvalidArgument(w, "domain: invalid")
		return
	}
	t := model.ManualEntryType(req.EntryType)
	if t != model.ManualAllow && t != model.ManualBlock {
		writeInvalidArgument(w, "entry_type: must be allow or block")
		return
	}
	e := &model.ManualEntry{Domain: domain, EntryType: t}
	if err := h.Store.CreateManualEntry(e); err != nil {
		writeConflict(w, err.Error())
		return
	}
	h.recordChange(audit.EntityManualEntry, e.ID, "create", "", `{"domain":"`+domain+`","entry_type":"`+string(t)+`"}`)
	h.recompile()
	WriteJSON(w, http.StatusCreated, e)
}

func (h *PolicyHandlers) DeleteManualEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := idPathParam(w, r)
	if !ok {
		return
	}
	if err := h.Store.DeleteManualEntry(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeNotFound(w, "manual entry not found")
			return
		}
		writeInternal(w, err)
		return
	}
	h.recordChange(audit.EntityManualEntry, id, "delete", "", "")
	h.recompile()
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// --- Why-blocked lookup ---

func (h *PolicyHandlers) SearchEntries(w http.ResponseWriter, r *http.Request) {
	domain := rpz.NormalizeDomain(r.URL.Query().Get("domain"))
	if domain == "" {
		writeInvalidArgument(w, "domain: required")
		return
	}
	lists, err := h.Store.SearchEntries(domain)
	if err != nil {
		writeInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"domain": domain, "blocklists": lists})
}

// --- Resolver rules ---

type resolverRuleRequest struct {
	Subnet     string `json:"subnet"`
	Nameserver string `json:"nameserver"`
	Priority   *int   `json:"priority,omitempty"`
	Enabled    *bool  `json:"enabled,omitempty"`
}

func (h *PolicyHandlers) ListResolverRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.Store.ListResolverRules(false)
	if err != nil {
		writeInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

func (h *PolicyHandlers) CreateResolverRule(w http.ResponseWriter, r *http.Request) {
	var req resolverRuleRequest
	if !decodeBodyOrWriteInvalid(w, r, &req) {
		return
	}
	if req.Subnet == "" || req.Nameserver == "" {
		writeInvalidArgument(w, "subnet and nameserver are required")
		return
	}
	rule := &model.ResolverRule{Subnet: req.Subnet, Nameserver: req.Nameserver, Enabled: true}
	if req.Priority != nil {
		rule.Priority = *req.Priority
	}
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	if err := h.Store.CreateResolverRule(rule); err != nil {
		writeInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, rule)
}

func (h *PolicyHandlers) UpdateResolverRule(w http.ResponseWriter, r *http.Request) {
	id, ok := idPathParam(w, r)
	if !ok {
		return
	}
	rule, err := h.Store.ResolverRuleByID(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeNotFound(w, "resolver rule not found")
			return
		}
		writeInternal(w, err)
		return
	}
	var req resolverRuleRequest
	if !decodeBodyOrWriteInvalid(w, r, &req) {
		return
	}
	if req.Subnet != "" {
		rule.Subnet = req.Subnet
	}
	if req.Nameserver != "" {
		rule.Nameserver = req.Nameserver
	}
	if req.Priority != nil {
		rule.Priority = *req.Priority
	}
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	if err := h.Store.UpdateResolverRule(rule); err != nil {
		writeInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, rule)
}

func (h *PolicyHandlers) DeleteResolverRule(w http.ResponseWriter, r *http.Request) {
	id, ok := idPathParam(w, r)
	if !ok {
		return
	}
	if err := h.Store.DeleteResolverRule(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeNotFound(w, "resolver rule not found")
			return
		}
		writeInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}
