package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/powerblockade/powerblockade/internal/audit"
	"github.com/powerblockade/powerblockade/internal/model"
	"github.com/powerblockade/powerblockade/internal/nodepkg"
	"github.com/powerblockade/powerblockade/internal/scheduler"
	"github.com/powerblockade/powerblockade/internal/store"
)

// --- Nodes ---

// nodeView is the operator-facing node shape; the API key is never listed.
type nodeView struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	Status         string     `json:"status"`
	LastSeen       *time.Time `json:"last_seen,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	ConfigVersion  string     `json:"config_version,omitempty"`
	QueriesTotal   int64      `json:"queries_total"`
	QueriesBlocked int64      `json:"queries_blocked"`
	IPAddress      string     `json:"ip_address,omitempty"`
	Version        string     `json:"version,omitempty"`
}

func viewNode(n *model.Node) nodeView {
	return nodeView{
		ID: n.ID, Name: n.Name, Status: string(n.Status),
		LastSeen: n.LastSeen, LastError: n.LastError, ConfigVersion: n.ConfigVersion,
		QueriesTotal: n.QueriesTotal, QueriesBlocked: n.QueriesBlocked,
		IPAddress: n.IPAddress, Version: n.Version,
	}
}

// HandleListNodes lists all nodes without their keys.
func HandleListNodes(s *store.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nodes, err := s.ListNodes()
		if err != nil {
			writeInternal(w, err)
			return
		}
		views := make([]nodeView, 0, len(nodes))
		for _, n := range nodes {
			views = append(views, viewNode(n))
		}
		WriteJSON(w, http.StatusOK, map[string]any{"nodes": views})
	})
}

type createNodeRequest struct {
	Name string `json:"name"`
}

// HandleCreateNode creates a node with a generated key. Idempotent on name.
func HandleCreateNode(b *nodepkg.Builder) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req createNodeRequest
		if !decodeBodyOrWriteInvalid(w, r, &req) {
			return
		}
		if req.Name == "" || req.Name == model.PrimaryNodeName {
			writeInvalidArgument(w, "name: required, must not be the primary")
			return
		}
		node, err := b.EnsureNode(req.Name)
		if err != nil {
			writeInternal(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, viewNode(node))
	})
}

// HandleDeleteNode removes a node; the primary row is protected.
func HandleDeleteNode(s *store.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := idPathParam(w, r)
		if !ok {
			return
		}
		if err := s.DeleteNode(id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeNotFound(w, "node not found")
				return
			}
			writeConflict(w, err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
}

// HandleNodePackage streams the node's deployment ZIP.
func HandleNodePackage(b *nodepkg.Builder) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		if name == "" || name == model.PrimaryNodeName {
			writeInvalidArgument(w, "name: required, must not be the primary")
			return
		}
		blob, err := b.Build(name)
		if err != nil {
			writeInternal(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+"-package.zip"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(blob)
	})
}

// HandleEnqueueCommand queues a command for one node (or all when node_id is
// absent).
func HandleEnqueueCommand(s *store.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			NodeID  *int64 `json:"node_id,omitempty"`
			Command string `json:"command"`
			Params  string `json:"params,omitempty"`
		}
		if !decodeBodyOrWriteInvalid(w, r, &req) {
			return
		}
		if req.Command == "" {
			writeInvalidArgument(w, "command: required")
			return
		}
		ids, err := s.EnqueueCommand(&model.NodeCommand{NodeID: req.NodeID, Command: req.Command, Params: req.Params})
		if err != nil {
			writeInternal(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, map[string]any{"ids": ids})
	})
}

// --- Audit ---

// HandleListChanges lists audit rows, newest first.
func HandleListChanges(s *store.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit, err := intQuery(r, "limit", 100)
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		offset, err := intQuery(r, "offset", 0)
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		changes, err := s.ListChanges(store.ChangeFilter{
			EntityType: r.URL.Query().Get("entity_type"),
			Limit:      limit,
			Offset:     offset,
		})
		if err != nil {
			writeInternal(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"changes": changes})
	})
}

// HandleRollback undoes a supported change.
func HandleRollback(svc *audit.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := idPathParam(w, r)
		if !ok {
			return
		}
		err := svc.Rollback(id)
		switch {
		case err == nil:
			WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
		case errors.Is(err, store.ErrNotFound):
			writeNotFound(w, "change not found")
		case errors.Is(err, audit.ErrNotRollbackable):
			writeInvalidArgument(w, err.Error())
		case errors.Is(err, audit.ErrConflict):
			writeConflict(w, err.Error())
		default:
			writeInternal(w, err)
		}
	})
}

// --- Jobs ---

// HandleListJobs lists registered scheduler jobs.
func HandleListJobs(sched *scheduler.Scheduler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"jobs": sched.JobNames()})
	})
}

// HandleRunJob triggers one scheduler job immediately.
func HandleRunJob(sched *scheduler.Scheduler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		if err := sched.RunNow(name); err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "job": name})
	})
}

// --- Settings ---

// HandleGetSettings returns defaults overlaid with stored values.
func HandleGetSettings(s *store.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		settings, err := s.AllSettings()
		if err != nil {
			writeInternal(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"settings": settings})
	})
}

// HandlePutSettings stores the submitted key/value pairs.
func HandlePutSettings(s *store.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		if !decodeBodyOrWriteInvalid(w, r, &req) {
			return
		}
		if len(req) == 0 {
			writeInvalidArgument(w, "at least one setting is required")
			return
		}
		for k, v := range req {
			if k == store.SettingConfigVersion {
				writeInvalidArgument(w, "config_version is managed by the compiler")
				return
			}
			if err := s.SetSetting(k, v); err != nil {
				writeInternal(w, err)
				return
			}
		}
		settings, err := s.AllSettings()
		if err != nil {
			writeInternal(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"settings": settings})
	})
}

// --- Clients ---

// HandleListClients lists observed DNS clients.
func HandleListClients(s *store.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clients, err := s.ListClients()
		if err != nil {
			writeInternal(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"clients": clients})
	})
}

type clientUpdateRequest struct {
	DisplayName *string `json:"display_name,omitempty"`
	GroupID     *int64  `json:"group_id,omitempty"`
	ClearGroup  bool    `json:"clear_group,omitempty"`
}

// HandleUpdateClient sets a client's display name or group.
func HandleUpdateClient(s *store.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := idPathParam(w, r)
		if !ok {
			return
		}
		var req clientUpdateRequest
		if !decodeBodyOrWriteInvalid(w, r, &req) {
			return
		}
		if req.DisplayName != nil {
			if err := s.SetClientName(id, *req.DisplayName); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					writeNotFound(w, "client not found")
					return
				}
				writeInternal(w, err)
				return
			}
		}
		if req.GroupID != nil || req.ClearGroup {
			gid := req.GroupID
			if req.ClearGroup {
				gid = nil
			}
			if err := s.SetClientGroup(id, gid); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					writeNotFound(w, "client not found")
					return
				}
				writeInternal(w, err)
				return
			}
		}
		client, err := s.ClientByID(id)
		if err != nil {
			writeInternal(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, client)
	})
}

// --- System ---

// HandleBackup writes a backup archive and reports its path.
func HandleBackup(s *store.Store, backupDir, sharedDir string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path, err := s.BackupArchive(backupDir, sharedDir)
		if err != nil {
			writeInternal(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "path": path})
	})
}

// HandleVersion reports build information.
func HandleVersion(version, commit string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"version": version, "commit": commit})
	})
}

// HandleHealth is the unauthenticated liveness probe.
func HandleHealth() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
}
