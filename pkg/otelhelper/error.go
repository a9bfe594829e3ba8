package otelhelper

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SetError marks span as failed. The error kind, when known, is attached to
// the error event so failed steps can be grouped by cause.
func SetError(span trace.Span, err error, kind string, attrs ...attribute.KeyValue) {
	if kind != "" {
		attrs = append(attrs, attribute.String("autoflow.error.kind", kind))
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.AddEvent("error_occurred", trace.WithAttributes(
		attrs...,
	))
}
