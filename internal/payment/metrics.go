package payment

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("payment")
	meter  = otel.Meter("payment")
)

var settlementsCounter, _ = meter.Int64Counter("payment_settlements_total",
	metric.WithDescription("Gateway notifications processed, by outcome"),
	metric.WithUnit("{notification}"),
)

var decrementCounter, _ = meter.Int64Counter("inventory_decrements_total",
	metric.WithDescription("Units removed from variation stock by committed settlements"),
	metric.WithUnit("{unit}"),
)
