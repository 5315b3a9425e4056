package discovery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rcourtman/pulse-collector/internal/models"
)

var (
	discoveryCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulse_collector_discovery_cycles_total",
		Help: "Completed discovery cycles.",
	})
	discoveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pulse_collector_discovery_duration_seconds",
		Help:    "Wall time of one discovery cycle.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})
	inventorySize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pulse_collector_inventory_objects",
		Help: "Objects in the last aggregate snapshot by kind.",
	}, []string{"kind"})
	endpointUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pulse_collector_endpoint_up",
		Help: "Whether an endpoint yielded data in the last cycle.",
	}, []string{"endpoint"})
	backupRuns = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pulse_collector_backup_runs",
		Help: "Synthesized backup runs in the last cycle by status.",
	}, []string{"instance", "status"})
	metricsPolled = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pulse_collector_guest_metrics_polled",
		Help: "Guests successfully polled in the last metrics cycle.",
	})
)

func recordDiscoveryCycle(snapshot *models.Snapshot) {
	discoveryCycles.Inc()
	discoveryDuration.Observe(snapshot.Stats.Duration.Seconds())

	inventorySize.WithLabelValues("nodes").Set(float64(len(snapshot.Nodes)))
	inventorySize.WithLabelValues("vms").Set(float64(len(snapshot.VMs)))
	inventorySize.WithLabelValues("containers").Set(float64(len(snapshot.Containers)))
	inventorySize.WithLabelValues("storage").Set(float64(len(snapshot.Storage)))
	inventorySize.WithLabelValues("pbs_instances").Set(float64(len(snapshot.PBSInstances)))

	for endpoint, up := range snapshot.ConnectionHealth {
		value := 0.0
		if up {
			value = 1.0
		}
		endpointUp.WithLabelValues(endpoint).Set(value)
	}

	for _, instance := range snapshot.PBSInstances {
		counts := map[string]int{"completed": 0, "failed": 0}
		for _, run := range instance.BackupRuns {
			counts[run.Status]++
		}
		for status, count := range counts {
			backupRuns.WithLabelValues(instance.Name, status).Set(float64(count))
		}
	}
}

func recordMetricsCycle(polled int) {
	metricsPolled.Set(float64(polled))
}
