package approval

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/org/secretapproval/internal/apperr"
)

var (
	requestsSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "secretapproval_requests_submitted_total",
		Help: "Approval requests persisted, by mode.",
	}, []string{"mode"})

	reviewsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "secretapproval_reviews_total",
		Help: "Reviewer votes recorded, by vote.",
	}, []string{"status"})

	mergesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "secretapproval_merges_total",
		Help: "Merge attempts, by outcome.",
	}, []string{"outcome"})

	mergeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "secretapproval_merge_duration_seconds",
		Help:    "Time spent applying a merge transaction.",
		Buckets: prometheus.DefBuckets,
	})

	commitsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "secretapproval_commits_applied_total",
		Help: "Commits applied to the secret store, by operation.",
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(requestsSubmitted, reviewsTotal, mergesTotal, mergeDuration, commitsApplied)
}

// outcomeLabel buckets an error into a low-cardinality label.
func outcomeLabel(err error) string {
	if err == nil {
		return "merged"
	}
	return string(apperr.KindOf(err))
}
