package scheduler

// Job names and cadences of the standard maintenance table. Registration
// happens in the main wiring; names are shared with the manual-run API.
const (
	JobBlocklistRefresh = "blocklist-refresh"
	JobScheduleCheck    = "schedule-check"
	JobRollup           = "rollup"
	JobRetention        = "retention"
	JobPrecache         = "precache"
	JobLocalMetrics     = "local-metrics"
	JobBlockingResume   = "blocking-resume"
	JobClientRDNS       = "client-rdns"
)

// Cron specs for the standard table.
const (
	SpecBlocklistRefresh = "*/15 * * * *"
	SpecScheduleCheck    = "*/5 * * * *"
	SpecRollup           = "5 * * * *"
	SpecRetention        = "0 3 * * *"
	SpecPrecache         = "*/5 * * * *"
	SpecLocalMetrics     = "@every 60s"
	SpecBlockingResume   = "* * * * *"
	SpecClientRDNS       = "*/10 * * * *"
)
