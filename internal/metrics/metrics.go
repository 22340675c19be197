// Package metrics holds the prometheus collectors shared by the pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WorkflowRuns counts workflow runs by workflow and result.
	WorkflowRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "holonet_workflow_runs_total",
		Help: "Workflow runs by workflow and result",
	}, []string{"workflow", "result"})

	// WorkflowDuration tracks how long one workflow run takes.
	WorkflowDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "holonet_workflow_duration_seconds",
		Help:    "Workflow run duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"workflow"})

	// OpsValidated counts validation outcomes by stage (sys, app) and outcome.
	OpsValidated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "holonet_ops_validated_total",
		Help: "Validation outcomes by stage and outcome",
	}, []string{"stage", "outcome"})

	// OpsIntegrated counts ops made visible to the DHT.
	OpsIntegrated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "holonet_ops_integrated_total",
		Help: "Ops integrated",
	})

	// OpsIncoming counts ops received from peers by outcome.
	OpsIncoming = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "holonet_ops_incoming_total",
		Help: "Ops received from peers by outcome",
	}, []string{"outcome"})

	// OpsPublished counts publish sends by result.
	OpsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "holonet_ops_published_total",
		Help: "Op publish sends by result",
	}, []string{"result"})

	// ReceiptsSent counts validation receipt sends by result.
	ReceiptsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "holonet_receipts_sent_total",
		Help: "Validation receipt sends by result",
	}, []string{"result"})

	// FetchPoolBytes is the summed size of ops waiting to be fetched.
	FetchPoolBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "holonet_fetch_pool_bytes",
		Help: "Bytes of ops waiting in the fetch pool",
	})

	// CascadeLookups counts must_get lookups by where they were answered.
	CascadeLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "holonet_cascade_lookups_total",
		Help: "Cascade lookups by source",
	}, []string{"source"})

	// GossipRounds counts gossip rounds by loop, role and outcome.
	GossipRounds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "holonet_gossip_rounds_total",
		Help: "Gossip rounds by loop, role and outcome",
	}, []string{"loop", "role", "outcome"})

	// GossipOps counts ops moved by gossip by direction.
	GossipOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "holonet_gossip_ops_total",
		Help: "Ops exchanged through gossip by direction",
	}, []string{"direction"})

	// GossipBytes counts gossip payload bytes by direction.
	GossipBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "holonet_gossip_bytes_total",
		Help: "Gossip bytes by direction",
	}, []string{"direction"})

	// GossipRoundDuration tracks round duration.
	GossipRoundDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "holonet_gossip_round_duration_seconds",
		Help:    "Gossip round duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
	}, []string{"loop"})

	// ZomeCalls counts zome calls by result.
	ZomeCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "holonet_zome_calls_total",
		Help: "Zome calls by result",
	}, []string{"result"})

	// APIRequests counts admin and app API requests by interface, request
	// type and response type.
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "holonet_api_requests_total",
		Help: "Admin and app API requests by interface, request and response type",
	}, []string{"interface", "request", "response"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
