package customer

import (
	"errors"
	"time"
)

// Defining sentinel errors for registry invariants
var (
	// ErrConflict signals that a concurrent Create for the same email already won.
	// Callers should re-fetch and proceed with the winner's record.
	ErrConflict = errors.New("customer with this email already exists")
	// ErrProcessorIDMismatch signals an attempt to attach a processor customer ID
	// different from the one already on record. The stored ID is never replaced.
	ErrProcessorIDMismatch = errors.New("customer already has a different processor customer id")
)

// Customer describes a PCN debtor enrolled (or enrolling) in an instalment plan
type Customer struct {
	ID                      string    `json:"id" gorm:"primaryKey"`
	Email                   string    `json:"email" gorm:"uniqueIndex"` // Registry key, exact-match comparison
	PCNNumber               string    `json:"pcnNumber"`
	VehicleRegistration     string    `json:"vehicleRegistration"`
	ProcessorCustomerID     string    `json:"processorCustomerId" gorm:"index"` // Corresponds to Stripe's Customer ID, set once
	ProcessorSubscriptionID string    `json:"processorSubscriptionId"`          // Corresponds to Stripe's Subscription/Schedule ID
	CreatedAt               time.Time `json:"createdAt"`
}
