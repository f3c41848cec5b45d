package middleware

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	callbackMeter       = otel.Meter("banksync/http")
	callbackDuration, _ = callbackMeter.Float64Histogram("banksync.callback.duration",
		metric.WithDescription("Time spent answering consent callbacks"),
		metric.WithUnit("s"),
	)
	callbackOutcomes, _ = callbackMeter.Int64Counter("banksync.callback.outcomes",
		metric.WithDescription("Consent callbacks by outcome"),
	)
)

// Outcome names the result of a callback request from its status code.
func Outcome(status int) string {
	switch {
	case status >= 500:
		return "error"
	case status == http.StatusNotFound:
		return "unknown_ref"
	case status >= 400:
		return "bad_request"
	case status >= 300:
		return "redirected"
	default:
		return "rendered"
	}
}

// Outcomes tags the request span with the callback outcome and records
// outcome metrics. Apply it inside Telemetry so a server span exists.
func Outcomes(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := recordStatus(w)
		next.ServeHTTP(rec, r)

		status := rec.Status()
		outcome := Outcome(status)

		span := trace.SpanFromContext(r.Context())
		span.SetAttributes(attribute.String("banksync.callback.outcome", outcome))
		if status >= 500 {
			span.SetStatus(codes.Error, http.StatusText(status))
		}

		attrs := metric.WithAttributes(attribute.String("outcome", outcome))
		callbackDuration.Record(r.Context(), time.Since(start).Seconds(), attrs)
		callbackOutcomes.Add(r.Context(), 1, attrs)
	})
}
