package broker

import (
	"github.com/instalpay/pcnplan/spec"
)

// Producer defines a producer sending plan events via message broker
type Producer interface {
	Close()
	SendPlanEvent(e *spec.PlanEvent) error
}
