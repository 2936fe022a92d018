package plan

import (
	"errors"
	"math"

	"github.com/go-playground/validator/v10"
	extErrors "github.com/pkg/errors"
)

// Defining plan-wide constants
const (
	// InstalmentCount is fixed: every plan is three monthly instalments
	InstalmentCount int64 = 3
	// DefaultPenaltyAmount applies when the request omits the amount
	DefaultPenaltyAmount float64 = 90.0
	// Currency is the ISO code all plans are billed in
	Currency string = "gbp"
)

var validate *validator.Validate = validator.New()

// ErrValidation signals a malformed provisioning request; the caller must
// correct and resubmit
var ErrValidation = errors.New("invalid provisioning request")

// ProvisionRequest is the model of a request to set up an instalment plan
type ProvisionRequest struct {
	Email               string   `json:"email" validate:"required,email"`
	PCNNumber           string   `json:"pcnNumber" validate:"required"`
	VehicleRegistration string   `json:"vehicleRegistration" validate:"required"`
	PenaltyAmount       *float64 `json:"penaltyAmount" validate:"omitempty,gt=0"`
	RequestNonce        string   `json:"requestNonce"`
}

// Validate checks the request before the provisioning sequence starts
func (r *ProvisionRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return extErrors.Wrap(ErrValidation, err.Error())
	}
	return nil
}

// EffectiveAmount returns the penalty amount with the default applied
func (r *ProvisionRequest) EffectiveAmount() float64 {
	if r.PenaltyAmount == nil {
		return DefaultPenaltyAmount
	}
	return *r.PenaltyAmount
}

// ProvisionResult is returned to the caller on successful provisioning.
// Direct mode populates SubscriptionID/ClientSecret, checkout mode populates
// SessionID/RedirectURL.
type ProvisionResult struct {
	CustomerID     string `json:"customerId"`
	SubscriptionID string `json:"subscriptionId,omitempty"`
	ClientSecret   string `json:"clientSecret,omitempty"`
	SessionID      string `json:"sessionId,omitempty"`
	RedirectURL    string `json:"redirectUrl,omitempty"`
}

// splitInstalments divides the penalty into three instalments in minor units.
// The major-to-minor conversion rounds half-up, and the division remainder
// lands on the first instalment so the three always sum to the total.
func splitInstalments(amount float64) (first, recurring int64) {
	total := int64(math.Floor(amount*100 + 0.5))
	recurring = total / InstalmentCount
	first = recurring + (total - recurring*InstalmentCount)
	return first, recurring
}
