package evidence

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var evidenceStoreCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sieve_evidence_stores",
	Help: "Number of evidence bundle store attempts, by outcome",
}, []string{"status"})

var redactionCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sieve_redactions",
	Help: "Number of PII values redacted from persisted text, by kind",
}, []string{"kind"})

var auditAppendCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sieve_audit_appends",
	Help: "Number of audit log entries appended, by action type",
}, []string{"action"})
