package flowcontrol

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics mirroring the checker's internal signals. Gauges are
// safe to update before registration, so the checker always writes them and
// RegisterMetrics wires them to a registry when the host process wants them.
var flowMetrics = struct {
	throttleFlow      prometheus.Gauge
	discardRatio      prometheus.Gauge
	writeFlow         prometheus.Gauge
	l0TargetFlow      prometheus.Gauge
	upFlow            prometheus.Gauge
	throttleCF        *prometheus.GaugeVec
	memtables         *prometheus.GaugeVec
	l0Files           *prometheus.GaugeVec
	l0AvgFiles        *prometheus.GaugeVec
	flushL0Files      *prometheus.GaugeVec
	flushFlow         *prometheus.GaugeVec
	longTermFlushFlow *prometheus.GaugeVec
	l0Flow            *prometheus.GaugeVec
	pendingBytes      *prometheus.GaugeVec
	throttleActions   *prometheus.CounterVec
}{
	throttleFlow: prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flowgate_throttle_flow_bytes",
		Help: "Current speed limit in bytes/sec (0 when unlimited)",
	}),
	discardRatio: prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flowgate_discard_ratio",
		Help: "Discard ratio scaled by 1e7",
	}),
	writeFlow: prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flowgate_write_flow_bytes",
		Help: "Observed foreground write flow in bytes/sec",
	}),
	l0TargetFlow: prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flowgate_l0_target_flow_bytes",
		Help: "L0 target production flow in bytes/sec",
	}),
	upFlow: prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flowgate_up_flow_correction",
		Help: "Last PID correction applied when raising the limit, scaled by 1e7",
	}),
	throttleCF: prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flowgate_throttle_cf",
		Help: "1 for the CF currently driving throttling, 0 otherwise",
	}, []string{"cf"}),
	memtables: prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flowgate_memtables",
		Help: "Immutable memtables per CF",
	}, []string{"cf"}),
	l0Files: prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flowgate_l0_files",
		Help: "L0 files per CF after the last L0 compaction",
	}, []string{"cf"}),
	l0AvgFiles: prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flowgate_l0_files_avg",
		Help: "Long-term average of post-compaction L0 file counts per CF",
	}, []string{"cf"}),
	flushL0Files: prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flowgate_flush_l0_files",
		Help: "L0 files per CF after the last flush",
	}, []string{"cf"}),
	flushFlow: prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flowgate_flush_flow_bytes",
		Help: "Short-term average flush flow per CF in bytes/sec",
	}, []string{"cf"}),
	longTermFlushFlow: prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flowgate_long_term_flush_flow_bytes",
		Help: "Long-term average flush flow per CF in bytes/sec",
	}, []string{"cf"}),
	l0Flow: prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flowgate_l0_flow_bytes",
		Help: "Short-term average L0 consumption flow per CF in bytes/sec",
	}, []string{"cf"}),
	pendingBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flowgate_pending_compaction_bytes_log2",
		Help: "Long-term average of log2(pending compaction bytes) per CF",
	}, []string{"cf"}),
	throttleActions: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowgate_throttle_action_total",
		Help: "Throttle decisions taken, by CF and action",
	}, []string{"cf", "action"}),
}

// RegisterMetrics registers the controller's collectors with r. Call at most
// once per registry, typically from the host process's main.
func RegisterMetrics(r prometheus.Registerer) {
	r.MustRegister(
		flowMetrics.throttleFlow,
		flowMetrics.discardRatio,
		flowMetrics.writeFlow,
		flowMetrics.l0TargetFlow,
		flowMetrics.upFlow,
		flowMetrics.throttleCF,
		flowMetrics.memtables,
		flowMetrics.l0Files,
		flowMetrics.l0AvgFiles,
		flowMetrics.flushL0Files,
		flowMetrics.flushFlow,
		flowMetrics.longTermFlushFlow,
		flowMetrics.l0Flow,
		flowMetrics.pendingBytes,
		flowMetrics.throttleActions,
	)
}
