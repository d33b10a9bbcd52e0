package enforce

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var actionsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vigil_actions_applied_total",
	Help: "Number of enforcement actions applied upstream",
}, []string{"action"})

var actionsDryRun = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vigil_actions_dry_run_total",
	Help: "Number of enforcement actions suppressed by dry-run",
}, []string{"action"})

var reportsFiled = promauto.NewCounter(prometheus.CounterOpts{
	Name: "vigil_reports_filed_total",
	Help: "Number of reports submitted upstream",
})

var reportsDeduped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "vigil_reports_deduped_total",
	Help: "Number of report attempts dropped by the dedupe key",
})

var reversalsProcessed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "vigil_reversals_processed_total",
	Help: "Number of expired timed actions reversed",
})
