package api

import (
	"context"
	"net"
	"net/http"
	"strconv"

	"github.com/powerblockade/powerblockade/internal/audit"
	"github.com/powerblockade/powerblockade/internal/blocking"
	"github.com/powerblockade/powerblockade/internal/ingest"
	"github.com/powerblockade/powerblockade/internal/nodepkg"
	"github.com/powerblockade/powerblockade/internal/promexport"
	"github.com/powerblockade/powerblockade/internal/scheduler"
	"github.com/powerblockade/powerblockade/internal/store"
)

// Deps carries everything the server routes to.
type Deps struct {
	Store      *store.Store
	Blocking   *blocking.Controller
	Ingest     *ingest.Pipeline
	Audit      *audit.Service
	PkgBuilder *nodepkg.Builder
	Scheduler  *scheduler.Scheduler

	SharedDir  string
	BackupDir  string
	AdminToken string
	Version    string
	Commit     string

	// RequestCompile schedules an async policy recompile.
	RequestCompile func()

	MaxBodyBytes int64
}

// Server wraps the HTTP server and mux.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer wires all routes.
func NewServer(listenAddress string, port int, d Deps) *Server {
	mux := http.NewServeMux()

	// Public (no auth)
	mux.Handle("GET /health", HandleHealth())
	mux.Handle("GET /metrics", promexport.Handler(d.Store))

	// Node-sync protocol, authenticated by the node key header.
	nodeSync := http.NewServeMux()
	nodeSync.Handle("POST /api/node-sync/register", HandleRegister(d.Store))
	nodeSync.Handle("POST /api/node-sync/heartbeat", HandleHeartbeat(d.Store))
	nodeSync.Handle("GET /api/node-sync/config", HandleNodeConfig(d.Store, d.SharedDir))
	nodeSync.Handle("POST /api/node-sync/ingest", HandleIngest(d.Ingest))
	nodeSync.Handle("POST /api/node-sync/metrics", HandleNodeMetrics(d.Store))
	nodeSync.Handle("GET /api/node-sync/commands", HandleCommands(d.Store))
	nodeSync.Handle("POST /api/node-sync/commands/result", HandleCommandResult(d.Store))
	mux.Handle("/api/node-sync/", NodeAuthMiddleware(d.Store,
		RequestBodyLimitMiddleware(d.MaxBodyBytes, nodeSync)))

	// Operator endpoints, admin bearer token.
	authed := http.NewServeMux()

	authed.Handle("GET /api/blocking", HandleBlockingStatus(d.Blocking))
	authed.Handle("POST /api/blocking/enable", HandleBlockingEnable(d.Blocking))
	authed.Handle("POST /api/blocking/disable", HandleBlockingDisable(d.Blocking))
	authed.Handle("POST /api/blocking/pause", HandleBlockingPause(d.Blocking))

	policy := &PolicyHandlers{Store: d.Store, RequestCompile: d.RequestCompile}
	authed.HandleFunc("GET /api/blocklists", policy.ListBlocklists)
	authed.HandleFunc("POST /api/blocklists", policy.CreateBlocklist)
	authed.HandleFunc("PATCH /api/blocklists/{id}", policy.UpdateBlocklist)
	authed.HandleFunc("DELETE /api/blocklists/{id}", policy.DeleteBlocklist)
	authed.HandleFunc("GET /api/forward-zones", policy.ListForwardZones)
	authed.HandleFunc("POST /api/forward-zones", policy.CreateForwardZone)
	authed.HandleFunc("PATCH /api/forward-zones/{id}", policy.UpdateForwardZone)
	authed.HandleFunc("DELETE /api/forward-zones/{id}", policy.DeleteForwardZone)
	authed.HandleFunc("GET /api/manual-entries", policy.ListManualEntries)
	authed.HandleFunc("POST /api/manual-entries", policy.CreateManualEntry)
	authed.HandleFunc("DELETE /api/manual-entries/{id}", policy.DeleteManualEntry)
	authed.HandleFunc("GET /api/entries/search", policy.SearchEntries)
	authed.HandleFunc("GET /api/resolver-rules", policy.ListResolverRules)
	authed.HandleFunc("POST /api/resolver-rules", policy.CreateResolverRule)
	authed.HandleFunc("PATCH /api/resolver-rules/{id}", policy.UpdateResolverRule)
	authed.HandleFunc("DELETE /api/resolver-rules/{id}", policy.DeleteResolverRule)

	authed.Handle("GET /api/audit", HandleListChanges(d.Store))
	authed.Handle("POST /api/audit/{id}/rollback", HandleRollback(d.Audit))

	authed.Handle("GET /api/nodes", HandleListNodes(d.Store))
	authed.Handle("POST /api/nodes", HandleCreateNode(d.PkgBuilder))
	authed.Handle("DELETE /api/nodes/{id}", HandleDeleteNode(d.Store))
	authed.Handle("GET /api/nodes/{name}/package", HandleNodePackage(d.PkgBuilder))
	authed.Handle("POST /api/commands", HandleEnqueueCommand(d.Store))

	authed.Handle("GET /api/jobs", HandleListJobs(d.Scheduler))
	authed.Handle("POST /api/jobs/{name}/run", HandleRunJob(d.Scheduler))

	authed.Handle("GET /api/settings", HandleGetSettings(d.Store))
	authed.Handle("PUT /api/settings", HandlePutSettings(d.Store))

	authed.Handle("GET /api/clients", HandleListClients(d.Store))
	authed.Handle("PATCH /api/clients/{id}", HandleUpdateClient(d.Store))

	authed.Handle("GET /api/stats/summary", HandleStatsSummary(d.Store))
	authed.Handle("GET /api/stats/top-domains", HandleTopDomains(d.Store))
	authed.Handle("GET /api/stats/history", HandleQueryHistory(d.Store))
	authed.Handle("GET /api/stats/query-log", HandleQueryLog(d.Store))

	authed.Handle("POST /api/system/backup", HandleBackup(d.Store, d.BackupDir, d.SharedDir))
	authed.Handle("GET /api/version", HandleVersion(d.Version, d.Commit))

	mux.Handle("/api/", AuthMiddleware(d.AdminToken,
		RequestBodyLimitMiddleware(d.MaxBodyBytes, authed)))

	srv := &http.Server{
		Addr:    net.JoinHostPort(listenAddress, strconv.Itoa(port)),
		Handler: mux,
	}
	return &Server{httpServer: srv, mux: mux}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}
