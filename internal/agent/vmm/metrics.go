package vmm

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	vmsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vulcan_agent_vms_active",
		Help: "MicroVMs currently tracked by this Agent.",
	})

	vmBootDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "vulcan_agent_vm_boot_duration_seconds",
		Help:    "Time from create_vm dispatch to the Firecracker process starting.",
		Buckets: prometheus.DefBuckets,
	})

	vmOperationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vulcan_agent_vm_operations_total",
		Help: "VM lifecycle operations handled by this Agent, by operation and outcome.",
	}, []string{"operation", "outcome"})

	snapshotDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "vulcan_agent_snapshot_duration_seconds",
		Help:    "Time taken to create a VM snapshot.",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(vmsActive, vmBootDuration, vmOperationsTotal, snapshotDuration)
}

func recordOperation(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	vmOperationsTotal.WithLabelValues(op, outcome).Inc()
}
