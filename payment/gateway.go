package payment

import (
	"context"

	"github.com/stripe/stripe-go/v72"
)

// PlanMode selects how the recurring charge scheme is provisioned on the processor
type PlanMode string

const (
	// ModeDirectSubscription creates the subscription directly and returns a
	// client-side confirmation secret for the first off-session charge
	ModeDirectSubscription PlanMode = "direct"
	// ModeScheduledCheckout creates a subscription schedule with a fixed
	// iteration count and wraps it in a hosted checkout redirect
	ModeScheduledCheckout PlanMode = "checkout"
)

// CustomerRef points at a customer object owned by the processor
type CustomerRef struct {
	ID    string
	Email string
}

// ChargeOptions describes the recurring charge scheme to provision
type ChargeOptions struct {
	Customer        CustomerRef
	Description     string
	Currency        string
	FirstInstalment int64 // minor units, carries the rounding remainder
	Instalment      int64 // minor units, billed per interval
	InstalmentCount int64
	Metadata        map[string]string
	Mode            PlanMode
	IdempotencyKey  string
}

// ChargeScheme references the processor-side object graph of a provisioned plan
type ChargeScheme struct {
	ProductID      string
	PriceID        string
	SubscriptionID string // subscription ID (direct) or schedule ID (checkout)
	ClientSecret   string // populated in direct mode only
}

// RedirectOptions describes the hosted checkout session wrapping a charge scheme
type RedirectOptions struct {
	Customer       CustomerRef
	Scheme         ChargeScheme
	SuccessURL     string
	CancelURL      string
	Metadata       map[string]string
	IdempotencyKey string
}

// RedirectSession is a hosted-page reference the client is sent to
type RedirectSession struct {
	ID  string
	URL string
}

// Gateway is the capability surface over the processor consumed by the plan
// provisioner. Implementations make remote calls and classify failures into
// ErrNotFound/ErrTransient where possible.
type Gateway interface {
	// GetOrCreateCustomer retrieves the processor customer when an ID is given,
	// and creates one otherwise. Retrieval of an unknown ID fails with
	// ErrNotFound; it never falls back to creating a second customer.
	GetOrCreateCustomer(ctx context.Context, processorCustomerID, email string, metadata map[string]string) (CustomerRef, error)
	CreateRecurringCharge(ctx context.Context, opt ChargeOptions) (ChargeScheme, error)
	CreateCheckoutRedirect(ctx context.Context, opt RedirectOptions) (RedirectSession, error)
	GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	GetCheckoutSession(ctx context.Context, id string) (*stripe.CheckoutSession, error)
}
