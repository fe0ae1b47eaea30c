package compare

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/lapsync/engine/internal/compare"

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}
