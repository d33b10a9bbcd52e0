package scanner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var accountsScanned = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vigil_accounts_scanned_total",
	Help: "Number of accounts evaluated against the rule set",
}, []string{"origin"})

var scansSkipped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "vigil_scans_skipped_total",
	Help: "Number of scans skipped by the content-hash cache",
})

var pagesPolled = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vigil_pages_polled_total",
	Help: "Number of admin account pages fetched",
}, []string{"origin"})

var violationsFound = promauto.NewCounter(prometheus.CounterOpts{
	Name: "vigil_violations_found_total",
	Help: "Number of rule violations produced by scans",
})

var domainsDefederated = promauto.NewCounter(prometheus.CounterOpts{
	Name: "vigil_domains_defederated_total",
	Help: "Number of domains automatically defederated",
})
