package middleware

import (
	"context"
	"time"

	"github.com/hashicorp/go-metrics"

	"vdesk-rpc/message"
	"vdesk-rpc/telemetry"
)

// MetricsMiddleware records handler durations and failures per kind.
func MetricsMiddleware(sink metrics.MetricSink, labels []metrics.Label) Middleware {
	sink = telemetry.Sink(sink)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request, out Sender) (*message.Response, error) {
			start := time.Now()
			resp, err := next(ctx, req, out)

			mLabels := telemetry.With(labels, metrics.Label{Name: telemetry.LabelKind, Value: string(req.Kind)})
			elapsed := float32(time.Since(start).Seconds() * 1000)
			sink.AddSampleWithLabels(telemetry.MetricHandlerDuration, elapsed, mLabels)
			if err != nil {
				sink.IncrCounterWithLabels(telemetry.MetricHandlerErrorCount, 1, mLabels)
			}
			return resp, err
		}
	}
}
