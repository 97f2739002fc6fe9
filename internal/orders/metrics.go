package orders

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("orders")

var ordersCreated, _ = meter.Int64Counter("orders_created_total",
	metric.WithDescription("Orders committed by checkout"),
	metric.WithUnit("{order}"),
)
