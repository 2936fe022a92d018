package plan

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/instalpay/pcnplan/customer"
	"github.com/instalpay/pcnplan/payment"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap/zaptest"
)

const testBaseURL = "https://pay.example.gov.uk"

// fakeRegistry is an in-memory Registry honoring the email uniqueness and
// attach-once invariants
type fakeRegistry struct {
	mu         sync.Mutex
	byEmail    map[string]*customer.Customer
	creates    int
	conflictOn int // fail the nth Create with ErrConflict, simulating a lost race
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		byEmail: make(map[string]*customer.Customer),
	}
}

func (f *fakeRegistry) GetByEmail(ctx context.Context, email string) (*customer.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cust, ok := f.byEmail[email]
	if !ok {
		return nil, nil
	}
	clone := *cust
	return &clone, nil
}

func (f *fakeRegistry) Create(ctx context.Context, email, pcnNumber, vehicleRegistration string) (*customer.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.conflictOn == f.creates {
		// the racing winner's record is visible on re-fetch
		f.byEmail[email] = &customer.Customer{
			ID:                  "cust-winner",
			Email:               email,
			PCNNumber:           pcnNumber,
			VehicleRegistration: vehicleRegistration,
		}
		return nil, customer.ErrConflict
	}
	if _, ok := f.byEmail[email]; ok {
		return nil, customer.ErrConflict
	}
	cust := &customer.Customer{
		ID:                  fmt.Sprintf("cust-%03d", len(f.byEmail)+1),
		Email:               email,
		PCNNumber:           pcnNumber,
		VehicleRegistration: vehicleRegistration,
	}
	f.byEmail[email] = cust
	clone := *cust
	return &clone, nil
}

func (f *fakeRegistry) AttachProcessorIDs(ctx context.Context, customerID, processorCustomerID, processorSubscriptionID string) (*customer.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cust := range f.byEmail {
		if cust.ID != customerID {
			continue
		}
		if len(cust.ProcessorCustomerID) > 0 && cust.ProcessorCustomerID != processorCustomerID {
			return nil, customer.ErrProcessorIDMismatch
		}
		cust.ProcessorCustomerID = processorCustomerID
		if len(processorSubscriptionID) > 0 {
			cust.ProcessorSubscriptionID = processorSubscriptionID
		}
		clone := *cust
		return &clone, nil
	}
	return nil, fmt.Errorf("no customer with id %s", customerID)
}

// fakeGateway records calls and simulates each failure kind
type fakeGateway struct {
	mu          sync.Mutex
	created     int
	retrieved   int
	charges     []payment.ChargeOptions
	redirects   []payment.RedirectOptions
	customerErr error
	chargeErr   error
	redirectErr error
	subs        map[string]*stripe.Subscription
	sessions    map[string]*stripe.CheckoutSession
}

func (f *fakeGateway) GetOrCreateCustomer(ctx context.Context, processorCustomerID, email string, metadata map[string]string) (payment.CustomerRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.customerErr != nil {
		return payment.CustomerRef{}, f.customerErr
	}
	if len(processorCustomerID) > 0 {
		f.retrieved++
		return payment.CustomerRef{ID: processorCustomerID, Email: email}, nil
	}
	f.created++
	return payment.CustomerRef{ID: fmt.Sprintf("cus_%03d", f.created), Email: email}, nil
}

func (f *fakeGateway) CreateRecurringCharge(ctx context.Context, opt payment.ChargeOptions) (payment.ChargeScheme, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chargeErr != nil {
		return payment.ChargeScheme{}, f.chargeErr
	}
	f.charges = append(f.charges, opt)
	scheme := payment.ChargeScheme{
		ProductID:      fmt.Sprintf("prod_%03d", len(f.charges)),
		PriceID:        fmt.Sprintf("price_%03d", len(f.charges)),
		SubscriptionID: fmt.Sprintf("sub_%03d", len(f.charges)),
	}
	if opt.Mode != payment.ModeScheduledCheckout {
		scheme.ClientSecret = fmt.Sprintf("pi_%03d_secret", len(f.charges))
	}
	return scheme, nil
}

func (f *fakeGateway) CreateCheckoutRedirect(ctx context.Context, opt payment.RedirectOptions) (payment.RedirectSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.redirectErr != nil {
		return payment.RedirectSession{}, f.redirectErr
	}
	f.redirects = append(f.redirects, opt)
	id := fmt.Sprintf("cs_test_%03d", len(f.redirects))
	return payment.RedirectSession{ID: id, URL: "https://checkout.stripe.com/pay/" + id}, nil
}

func (f *fakeGateway) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[id]
	if !ok {
		return nil, payment.ErrNotFound
	}
	return sub, nil
}

func (f *fakeGateway) GetCheckoutSession(ctx context.Context, id string) (*stripe.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[id]
	if !ok {
		return nil, payment.ErrNotFound
	}
	return session, nil
}

func newTestManager(t *testing.T, registry Registry, gateway payment.Gateway, mode payment.PlanMode) *Manager {
	t.Helper()
	m, err := NewManager(ManagerOptions{
		Registry: registry,
		Gateway:  gateway,
		Logger:   zaptest.NewLogger(t),
		Mode:     mode,
		BaseURL:  testBaseURL,
	})
	require.NoError(t, err)
	return m
}

func testRequest() ProvisionRequest {
	ninety := float64(90)
	return ProvisionRequest{
		Email:               "a@x.com",
		PCNNumber:           "PCN1",
		VehicleRegistration: "AB12CDE",
		PenaltyAmount:       &ninety,
	}
}

func TestProvisionDirectMode(t *testing.T) {
	registry := newFakeRegistry()
	gateway := &fakeGateway{}
	m := newTestManager(t, registry, gateway, payment.ModeDirectSubscription)

	result, err := m.Provision(context.Background(), testRequest())
	require.NoError(t, err)

	assert.NotEmpty(t, result.CustomerID)
	assert.NotEmpty(t, result.SubscriptionID)
	assert.NotEmpty(t, result.ClientSecret)
	assert.Empty(t, result.SessionID)
	assert.Empty(t, result.RedirectURL)

	cust, err := registry.GetByEmail(context.Background(), "a@x.com")
	require.NoError(t, err)
	require.NotNil(t, cust)
	assert.Equal(t, result.CustomerID, cust.ID)
	assert.Equal(t, "cus_001", cust.ProcessorCustomerID)
	assert.Equal(t, result.SubscriptionID, cust.ProcessorSubscriptionID)

	require.Len(t, gateway.charges, 1)
	opt := gateway.charges[0]
	assert.Equal(t, int64(3000), opt.FirstInstalment)
	assert.Equal(t, int64(3000), opt.Instalment)
	assert.Equal(t, int64(3), opt.InstalmentCount)
	assert.Equal(t, "gbp", opt.Currency)
	assert.Equal(t, "PCN1", opt.Metadata["pcnNumber"])
	assert.Equal(t, "AB12CDE", opt.Metadata["vehicleRegistration"])
	assert.Equal(t, "3", opt.Metadata["totalPayments"])
	assert.NotEmpty(t, opt.IdempotencyKey)
}

func TestProvisionSecondRequestReusesIdentity(t *testing.T) {
	registry := newFakeRegistry()
	gateway := &fakeGateway{}
	m := newTestManager(t, registry, gateway, payment.ModeDirectSubscription)

	first, err := m.Provision(context.Background(), testRequest())
	require.NoError(t, err)
	second, err := m.Provision(context.Background(), testRequest())
	require.NoError(t, err)

	// one local record, one processor customer; the second run retrieves
	assert.Equal(t, first.CustomerID, second.CustomerID)
	assert.Equal(t, 1, len(registry.byEmail))
	assert.Equal(t, 1, gateway.created)
	assert.Equal(t, 1, gateway.retrieved)

	// a second charge scheme is created; duplicate-charge protection for this
	// step is the caller's nonce plus the processor idempotency key
	assert.NotEqual(t, first.SubscriptionID, second.SubscriptionID)
	assert.Len(t, gateway.charges, 2)
}

func TestProvisionCreateConflictRecovered(t *testing.T) {
	registry := newFakeRegistry()
	registry.conflictOn = 1
	gateway := &fakeGateway{}
	m := newTestManager(t, registry, gateway, payment.ModeDirectSubscription)

	result, err := m.Provision(context.Background(), testRequest())
	require.NoError(t, err)

	// the conflicting create is recovered by re-fetching the winner
	assert.Equal(t, "cust-winner", result.CustomerID)
	assert.Equal(t, 1, gateway.created)
}

func TestProvisionCheckoutMode(t *testing.T) {
	registry := newFakeRegistry()
	gateway := &fakeGateway{}
	m := newTestManager(t, registry, gateway, payment.ModeScheduledCheckout)

	result, err := m.Provision(context.Background(), testRequest())
	require.NoError(t, err)

	assert.NotEmpty(t, result.SessionID)
	assert.True(t, strings.HasPrefix(result.RedirectURL, testBaseURL), "redirect url %q should start with base url", result.RedirectURL)
	assert.Empty(t, result.ClientSecret)

	require.Len(t, gateway.charges, 1)
	opt := gateway.charges[0]
	assert.Equal(t, payment.ModeScheduledCheckout, opt.Mode)
	assert.Equal(t, "90.00", opt.Metadata["penaltyAmount"])
	assert.Equal(t, "30.00", opt.Metadata["monthlyAmount"])

	require.Len(t, gateway.redirects, 1)
	redirect := gateway.redirects[0]
	assert.True(t, strings.HasPrefix(redirect.SuccessURL, testBaseURL))
	assert.True(t, strings.HasPrefix(redirect.CancelURL, testBaseURL))
}

func TestProvisionPersistsCustomerBeforeChargeScheme(t *testing.T) {
	registry := newFakeRegistry()
	gateway := &fakeGateway{chargeErr: fmt.Errorf("processor exploded")}
	m := newTestManager(t, registry, gateway, payment.ModeDirectSubscription)

	_, err := m.Provision(context.Background(), testRequest())
	require.Error(t, err)

	// the processor customer ID was persisted before the failing step, so the
	// partial state is resumable
	cust, err := registry.GetByEmail(context.Background(), "a@x.com")
	require.NoError(t, err)
	require.NotNil(t, cust)
	assert.Equal(t, "cus_001", cust.ProcessorCustomerID)
	assert.Empty(t, cust.ProcessorSubscriptionID)

	// a retry takes the retrieve path instead of creating a second customer
	gateway.chargeErr = nil
	result, err := m.Provision(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, cust.ID, result.CustomerID)
	assert.Equal(t, 1, gateway.created)
	assert.Equal(t, 1, gateway.retrieved)
}

func TestConcurrentFirstAttachKeepsOriginalProcessorCustomer(t *testing.T) {
	registry := newFakeRegistry()
	gateway := &fakeGateway{}
	m := newTestManager(t, registry, gateway, payment.ModeDirectSubscription)

	cust, err := registry.Create(context.Background(), "a@x.com", "PCN1", "AB12CDE")
	require.NoError(t, err)

	// two double-submitted requests resolve the same identity before either
	// has attached a processor customer
	stale := *cust
	metadata := map[string]string{"pcnNumber": "PCN1"}

	ref, err := m.ensureProcessorCustomer(context.Background(), cust, metadata)
	require.NoError(t, err)

	// the second request creates its own processor customer, but the attach
	// must reject it rather than overwrite the first
	_, err = m.ensureProcessorCustomer(context.Background(), &stale, metadata)
	assert.ErrorIs(t, err, customer.ErrProcessorIDMismatch)
	assert.Equal(t, 2, gateway.created)

	stored, err := registry.GetByEmail(context.Background(), "a@x.com")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, ref.ID, stored.ProcessorCustomerID)
}

func TestProvisionMissingProcessorCustomerIsFatal(t *testing.T) {
	registry := newFakeRegistry()
	registry.byEmail["a@x.com"] = &customer.Customer{
		ID:                  "cust-001",
		Email:               "a@x.com",
		ProcessorCustomerID: "cus_gone",
	}
	gateway := &fakeGateway{customerErr: payment.ErrNotFound}
	m := newTestManager(t, registry, gateway, payment.ModeDirectSubscription)

	_, err := m.Provision(context.Background(), testRequest())
	assert.ErrorIs(t, err, payment.ErrNotFound)
	// no silent fallback to creating a second processor customer
	assert.Equal(t, 0, gateway.created)
	assert.Len(t, gateway.charges, 0)
}

func TestProvisionTransientGatewayFailureSurfaces(t *testing.T) {
	registry := newFakeRegistry()
	gateway := &fakeGateway{customerErr: payment.ErrTransient}
	m := newTestManager(t, registry, gateway, payment.ModeDirectSubscription)

	_, err := m.Provision(context.Background(), testRequest())
	assert.ErrorIs(t, err, payment.ErrTransient)
}

func TestProvisionValidationFailsFast(t *testing.T) {
	registry := newFakeRegistry()
	gateway := &fakeGateway{}
	m := newTestManager(t, registry, gateway, payment.ModeDirectSubscription)

	zero := float64(0)
	req := testRequest()
	req.PenaltyAmount = &zero

	_, err := m.Provision(context.Background(), req)
	assert.ErrorIs(t, err, ErrValidation)
	// nothing touched the registry or the processor
	assert.Equal(t, 0, registry.creates)
	assert.Equal(t, 0, gateway.created)
}

func TestProvisionRemainderOnFirstInstalment(t *testing.T) {
	registry := newFakeRegistry()
	gateway := &fakeGateway{}
	m := newTestManager(t, registry, gateway, payment.ModeDirectSubscription)

	amount := float64(91)
	req := testRequest()
	req.PenaltyAmount = &amount

	_, err := m.Provision(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, gateway.charges, 1)
	assert.Equal(t, int64(3034), gateway.charges[0].FirstInstalment)
	assert.Equal(t, int64(3033), gateway.charges[0].Instalment)
}

func TestGetSubscriptionStatus(t *testing.T) {
	registry := newFakeRegistry()
	gateway := &fakeGateway{
		subs: map[string]*stripe.Subscription{
			"sub_001": {ID: "sub_001", Status: stripe.SubscriptionStatusActive},
		},
	}
	m := newTestManager(t, registry, gateway, payment.ModeDirectSubscription)

	sub, err := m.GetSubscriptionStatus(context.Background(), "sub_001")
	require.NoError(t, err)
	assert.Equal(t, stripe.SubscriptionStatusActive, sub.Status)

	_, err = m.GetSubscriptionStatus(context.Background(), "sub_missing")
	assert.ErrorIs(t, err, payment.ErrNotFound)
}
