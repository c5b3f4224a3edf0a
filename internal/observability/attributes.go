// Package observability provides metrics for the client session.
package observability

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys
const (
	attrSuccess = "success"
	attrStatus  = "status"
)

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

func statusAttr(status string) attribute.KeyValue {
	return attribute.String(attrStatus, status)
}

// WithSuccess returns a metric option with the success attribute.
func WithSuccess(success bool) metric.MeasurementOption {
	return metric.WithAttributes(successAttr(success))
}

// WithStatus returns a metric option with the job status attribute.
func WithStatus(status string) metric.MeasurementOption {
	return metric.WithAttributes(statusAttr(status))
}
