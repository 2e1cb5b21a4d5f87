// Package telemetry names the metrics emitted by both engines.
package telemetry

import (
	"github.com/hashicorp/go-metrics"
)

var (
	MetricFramesInCount         = []string{"vdesk", "frames", "in", "count"}
	MetricFramesInBytes         = []string{"vdesk", "frames", "in", "bytes"}
	MetricFramesOutCount        = []string{"vdesk", "frames", "out", "count"}
	MetricFramesOutBytes        = []string{"vdesk", "frames", "out", "bytes"}
	MetricFramesRejectedCount   = []string{"vdesk", "frames", "rejected", "count"}
	MetricDroppedRequestCount   = []string{"vdesk", "requests", "dropped", "count"}
	MetricCanceledRequestCount  = []string{"vdesk", "requests", "canceled", "count"}
	MetricUnknownResponseCount  = []string{"vdesk", "responses", "unknown", "count"}
	MetricSubstitutedWriteCount = []string{"vdesk", "writes", "substituted", "count"}
	MetricHandlerDuration       = []string{"vdesk", "handler", "duration"}
	MetricHandlerErrorCount     = []string{"vdesk", "handler", "error", "count"}
	MetricInFlightRequests      = []string{"vdesk", "requests", "inflight"}
	MetricOutstandingRequests   = []string{"vdesk", "requests", "outstanding"}
	MetricConnectionClosedCount = []string{"vdesk", "connection", "closed", "count"}
	MetricKeepaliveSentCount    = []string{"vdesk", "keepalive", "sent", "count"}
)

const (
	LabelSide   = "side"
	LabelKind   = "kind"
	LabelReason = "reason"
	LabelError  = "error"
)

// Side labels which engine emitted a metric.
func Side(side string) metrics.Label {
	return metrics.Label{Name: LabelSide, Value: side}
}

// With returns base extended by extra without aliasing base's backing array.
func With(base []metrics.Label, extra ...metrics.Label) []metrics.Label {
	labels := make([]metrics.Label, 0, len(base)+len(extra))
	labels = append(labels, base...)
	return append(labels, extra...)
}

// Sink returns sink, or the process-wide default when sink is nil.
func Sink(sink metrics.MetricSink) metrics.MetricSink {
	if sink == nil {
		return metrics.Default()
	}
	return sink
}
