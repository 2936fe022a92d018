package spec

import "time"

// EventType labels a plan lifecycle event
type EventType string

// Defining event types published to downstream consumers
const (
	PlanProvisioned EventType = "plan.provisioned"
)

// PlanEvent is published after a provisioning request reaches its terminal
// success state. Consumers use it for audit and out-of-band reconciliation;
// it is not a source of truth for local state.
type PlanEvent struct {
	Type                EventType `json:"type"`
	CustomerID          string    `json:"customerId"`
	ProcessorCustomerID string    `json:"processorCustomerId"`
	SubscriptionID      string    `json:"subscriptionId"`
	Mode                string    `json:"mode"`
	PCNNumber           string    `json:"pcnNumber"`
	OccurredAt          time.Time `json:"occurredAt"`
}
