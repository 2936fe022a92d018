package plan

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/instalpay/pcnplan/customer"
	"github.com/instalpay/pcnplan/payment"
	"github.com/instalpay/pcnplan/spec"
	specBroker "github.com/instalpay/pcnplan/spec/broker"

	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap"
)

// errInternal marks failures of our own collaborators (registry, invariants),
// as opposed to processor-reported errors which surface to the caller
var errInternal = errors.New("internal provisioning failure")

// Registry is the customer identity contract the provisioner consumes
type Registry interface {
	GetByEmail(ctx context.Context, email string) (*customer.Customer, error)
	Create(ctx context.Context, email, pcnNumber, vehicleRegistration string) (*customer.Customer, error)
	AttachProcessorIDs(ctx context.Context, customerID, processorCustomerID, processorSubscriptionID string) (*customer.Customer, error)
}

// ManagerOptions contains the collaborators and configuration of the Manager
type ManagerOptions struct {
	Registry   Registry
	Gateway    payment.Gateway
	NonceStore *NonceStore         // optional, duplicate-nonce visibility
	Producer   specBroker.Producer // optional, plan lifecycle events
	Logger     *zap.Logger
	Mode       payment.PlanMode
	BaseURL    string // redirect targets derive from this
}

// Manager drives the provisioning sequence: resolve identity, ensure the
// processor customer, create the charge scheme, finalize the plan
type Manager struct {
	ManagerOptions
}

// NewManager validates the options and returns a plan Manager
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.Registry == nil {
		return nil, fmt.Errorf("nil Registry is invalid")
	}
	if option.Gateway == nil {
		return nil, fmt.Errorf("nil Gateway is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if len(option.BaseURL) == 0 {
		return nil, fmt.Errorf("empty BaseURL is invalid")
	}
	if len(option.Mode) == 0 {
		option.Mode = payment.ModeDirectSubscription
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

// Provision runs the full sequence for one request. Identity resolution and
// processor-customer attachment are idempotent; the charge scheme step leans
// on the processor idempotency key, so a caller retry with the same nonce
// does not create a second billing obligation.
func (m *Manager) Provision(ctx context.Context, req ProvisionRequest) (*ProvisionResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	amount := req.EffectiveAmount()

	cust, err := m.resolveIdentity(ctx, req)
	if err != nil {
		return nil, err
	}

	logger := m.Logger.With(
		zap.String("CustomerID", cust.ID),
		zap.String("PCNNumber", req.PCNNumber),
	)

	metadata := map[string]string{
		"pcnNumber":           req.PCNNumber,
		"vehicleRegistration": req.VehicleRegistration,
		"totalPayments":       strconv.FormatInt(InstalmentCount, 10),
	}

	procRef, err := m.ensureProcessorCustomer(ctx, cust, metadata)
	if err != nil {
		return nil, err
	}

	nonce := req.RequestNonce
	if len(nonce) == 0 {
		nonce = uuid.New().String()
	}
	idemKey := fmt.Sprintf("plan:%s:%s", cust.ID, nonce)

	if m.NonceStore != nil && len(req.RequestNonce) > 0 {
		seen, err := m.NonceStore.Lookup(cust.ID, nonce)
		if err != nil {
			logger.Warn("Nonce store lookup failed",
				zap.Error(err),
			)
		} else if len(seen) > 0 {
			logger.Warn("Duplicate provisioning nonce, processor idempotency key will dedupe",
				zap.String("SubscriptionID", seen),
			)
		}
	}

	first, recurring := splitInstalments(amount)
	chargeMeta := metadata
	if m.Mode == payment.ModeScheduledCheckout {
		chargeMeta = map[string]string{
			"pcnNumber":           req.PCNNumber,
			"vehicleRegistration": req.VehicleRegistration,
			"totalPayments":       strconv.FormatInt(InstalmentCount, 10),
			"penaltyAmount":       strconv.FormatFloat(amount, 'f', 2, 64),
			"monthlyAmount":       strconv.FormatFloat(float64(recurring)/100, 'f', 2, 64),
		}
	}

	scheme, err := m.Gateway.CreateRecurringCharge(ctx, payment.ChargeOptions{
		Customer:        procRef,
		Description:     fmt.Sprintf("PCN %s instalment plan", req.PCNNumber),
		Currency:        Currency,
		FirstInstalment: first,
		Instalment:      recurring,
		InstalmentCount: InstalmentCount,
		Metadata:        chargeMeta,
		Mode:            m.Mode,
		IdempotencyKey:  idemKey,
	})
	if err != nil {
		return nil, err
	}

	if _, err := m.Registry.AttachProcessorIDs(ctx, cust.ID, procRef.ID, scheme.SubscriptionID); err != nil {
		return nil, asInternal(err)
	}

	if m.NonceStore != nil {
		if err := m.NonceStore.Record(cust.ID, nonce, scheme.SubscriptionID); err != nil {
			logger.Warn("Nonce store record failed",
				zap.Error(err),
			)
		}
	}

	result := &ProvisionResult{
		CustomerID: cust.ID,
	}
	switch m.Mode {
	case payment.ModeScheduledCheckout:
		session, err := m.Gateway.CreateCheckoutRedirect(ctx, payment.RedirectOptions{
			Customer:       procRef,
			Scheme:         scheme,
			SuccessURL:     fmt.Sprintf("%s/payment/success?session_id={CHECKOUT_SESSION_ID}", m.BaseURL),
			CancelURL:      fmt.Sprintf("%s/payment/cancelled", m.BaseURL),
			Metadata:       chargeMeta,
			IdempotencyKey: idemKey + ":session",
		})
		if err != nil {
			return nil, err
		}
		result.SessionID = session.ID
		// the client completes payment-method entry on our checkout page,
		// which hands the session ID to the processor's hosted flow
		result.RedirectURL = fmt.Sprintf("%s/checkout/%s", m.BaseURL, session.ID)
	default:
		result.SubscriptionID = scheme.SubscriptionID
		result.ClientSecret = scheme.ClientSecret
	}

	m.publishProvisioned(cust, procRef, scheme, req)

	logger.Info("Plan provisioned",
		zap.String("ProcessorCustomerID", procRef.ID),
		zap.String("SubscriptionID", scheme.SubscriptionID),
		zap.String("Mode", string(m.Mode)),
	)

	return result, nil
}

// resolveIdentity finds or creates the local customer record. A create
// conflict means another request won the race; the winner's record is used.
func (m *Manager) resolveIdentity(ctx context.Context, req ProvisionRequest) (*customer.Customer, error) {
	cust, err := m.Registry.GetByEmail(ctx, req.Email)
	if err != nil {
		return nil, asInternal(err)
	}
	if cust != nil {
		return cust, nil
	}

	cust, err = m.Registry.Create(ctx, req.Email, req.PCNNumber, req.VehicleRegistration)
	if errors.Is(err, customer.ErrConflict) {
		cust, err = m.Registry.GetByEmail(ctx, req.Email)
		if err != nil {
			return nil, asInternal(err)
		}
		if cust == nil {
			return nil, asInternal(fmt.Errorf("customer not found after create conflict for %s", req.Email))
		}
		return cust, nil
	}
	if err != nil {
		return nil, asInternal(err)
	}
	return cust, nil
}

// ensureProcessorCustomer retrieves the attached processor customer, or
// creates one and persists its ID before proceeding. Persist-before-proceed
// is what keeps a retried request on the retrieve path.
func (m *Manager) ensureProcessorCustomer(ctx context.Context, cust *customer.Customer, metadata map[string]string) (payment.CustomerRef, error) {
	if len(cust.ProcessorCustomerID) > 0 {
		ref, err := m.Gateway.GetOrCreateCustomer(ctx, cust.ProcessorCustomerID, cust.Email, metadata)
		if err != nil {
			return payment.CustomerRef{}, err
		}
		return ref, nil
	}

	ref, err := m.Gateway.GetOrCreateCustomer(ctx, "", cust.Email, metadata)
	if err != nil {
		return payment.CustomerRef{}, err
	}
	if _, err := m.Registry.AttachProcessorIDs(ctx, cust.ID, ref.ID, ""); err != nil {
		return payment.CustomerRef{}, asInternal(err)
	}
	cust.ProcessorCustomerID = ref.ID
	return ref, nil
}

// GetSubscriptionStatus returns the processor's view of the subscription
func (m *Manager) GetSubscriptionStatus(ctx context.Context, id string) (*stripe.Subscription, error) {
	return m.Gateway.GetSubscription(ctx, id)
}

// GetCheckoutSession returns the processor's view of the checkout session
func (m *Manager) GetCheckoutSession(ctx context.Context, id string) (*stripe.CheckoutSession, error) {
	return m.Gateway.GetCheckoutSession(ctx, id)
}

func (m *Manager) publishProvisioned(cust *customer.Customer, procRef payment.CustomerRef, scheme payment.ChargeScheme, req ProvisionRequest) {
	if m.Producer == nil {
		return
	}
	e := &spec.PlanEvent{
		Type:                spec.PlanProvisioned,
		CustomerID:          cust.ID,
		ProcessorCustomerID: procRef.ID,
		SubscriptionID:      scheme.SubscriptionID,
		Mode:                string(m.Mode),
		PCNNumber:           req.PCNNumber,
		OccurredAt:          time.Now(),
	}
	if err := m.Producer.SendPlanEvent(e); err != nil {
		m.Logger.Error("Unable to publish plan event",
			zap.String("CustomerID", cust.ID),
			zap.Error(err),
		)
	}
}

func asInternal(err error) error {
	if errors.Is(err, customer.ErrProcessorIDMismatch) {
		return err
	}
	return extErrors.Wrap(errInternal, err.Error())
}
