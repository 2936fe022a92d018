package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
	"go.uber.org/zap"
)

const defaultCallTimeout = time.Second * 15

// StripeGatewayOptions contains the configuration for the Stripe-backed Gateway
type StripeGatewayOptions struct {
	StripeClient *client.API
	Logger       *zap.Logger
	CallTimeout  time.Duration // per remote call; defaults to 15s
}

// StripeGateway implements Gateway on top of Stripe's customer, product, price,
// subscription, subscription schedule, and checkout session objects
type StripeGateway struct {
	StripeGatewayOptions
}

var _ Gateway = (*StripeGateway)(nil)

// NewStripeGateway returns a Gateway backed by Stripe
func NewStripeGateway(option StripeGatewayOptions) (*StripeGateway, error) {
	if option.StripeClient == nil {
		return nil, fmt.Errorf("nil StripeClient is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.CallTimeout == 0 {
		option.CallTimeout = defaultCallTimeout
	}
	return &StripeGateway{
		StripeGatewayOptions: option,
	}, nil
}

func (g *StripeGateway) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.CallTimeout)
}

// GetOrCreateCustomer retrieves the Stripe customer by ID, or creates one when
// no ID is given. A missing ID is a hard ErrNotFound, never a silent re-create.
func (g *StripeGateway) GetOrCreateCustomer(ctx context.Context, processorCustomerID, email string, metadata map[string]string) (CustomerRef, error) {
	ctx, cancel := g.callContext(ctx)
	defer cancel()

	if len(processorCustomerID) > 0 {
		params := &stripe.CustomerParams{
			Params: stripe.Params{
				Context: ctx,
			},
		}
		c, err := g.StripeClient.Customers.Get(processorCustomerID, params)
		if err != nil {
			g.Logger.Error("Stripe returned error on customer retrieval",
				zap.String("ProcessorCustomerID", processorCustomerID),
				zap.Error(err),
			)
			return CustomerRef{}, wrapProcessorErr(err)
		}
		return CustomerRef{ID: c.ID, Email: email}, nil
	}

	params := &stripe.CustomerParams{
		Params: stripe.Params{
			Context:  ctx,
			Metadata: metadata,
		},
		Email: stripe.String(email),
	}
	c, err := g.StripeClient.Customers.New(params)
	if err != nil {
		g.Logger.Error("Stripe returned error on customer creation",
			zap.Error(err),
		)
		return CustomerRef{}, wrapProcessorErr(err)
	}
	return CustomerRef{ID: c.ID, Email: email}, nil
}

// CreateRecurringCharge provisions the product/price pair and then either a
// subscription (direct mode) or a subscription schedule (checkout mode).
// The idempotency key is forwarded to Stripe per sub-object so an exact retry
// returns the originally created objects instead of duplicating them.
func (g *StripeGateway) CreateRecurringCharge(ctx context.Context, opt ChargeOptions) (ChargeScheme, error) {
	ctx, cancel := g.callContext(ctx)
	defer cancel()

	var scheme ChargeScheme

	prodParams := &stripe.ProductParams{
		Params: stripe.Params{
			Context:  ctx,
			Metadata: opt.Metadata,
		},
		Active: stripe.Bool(true),
		Name:   stripe.String(opt.Description),
	}
	if len(opt.IdempotencyKey) > 0 {
		prodParams.IdempotencyKey = stripe.String(opt.IdempotencyKey + ":product")
	}
	product, err := g.StripeClient.Products.New(prodParams)
	if err != nil {
		g.Logger.Error("Stripe returned error on product creation",
			zap.Error(err),
		)
		return scheme, wrapProcessorErr(err)
	}
	scheme.ProductID = product.ID

	priceParams := &stripe.PriceParams{
		Params: stripe.Params{
			Context:  ctx,
			Metadata: opt.Metadata,
		},
		Active:     stripe.Bool(true),
		Nickname:   stripe.String("Monthly instalment"),
		Currency:   stripe.String(opt.Currency),
		Product:    stripe.String(product.ID),
		UnitAmount: stripe.Int64(opt.Instalment),
		Recurring: &stripe.PriceRecurringParams{
			Interval:      stripe.String("month"),
			IntervalCount: stripe.Int64(1),
		},
	}
	if len(opt.IdempotencyKey) > 0 {
		priceParams.IdempotencyKey = stripe.String(opt.IdempotencyKey + ":price")
	}
	price, err := g.StripeClient.Prices.New(priceParams)
	if err != nil {
		g.Logger.Error("Stripe returned error on price creation",
			zap.String("ProductID", product.ID),
			zap.Error(err),
		)
		return scheme, wrapProcessorErr(err)
	}
	scheme.PriceID = price.ID

	switch opt.Mode {
	case ModeScheduledCheckout:
		return g.createSchedule(ctx, opt, scheme)
	default:
		return g.createSubscription(ctx, opt, scheme)
	}
}

// createSubscription creates the direct subscription. The first charge is
// confirmed client-side via the returned PaymentIntent client secret, and the
// subscription cancels itself after the three billing cycles have elapsed.
func (g *StripeGateway) createSubscription(ctx context.Context, opt ChargeOptions, scheme ChargeScheme) (ChargeScheme, error) {
	subParams := &stripe.SubscriptionParams{
		Params: stripe.Params{
			Context:  ctx,
			Metadata: opt.Metadata,
		},
		Customer: stripe.String(opt.Customer.ID),
		Items: []*stripe.SubscriptionItemsParams{
			{
				Price:    stripe.String(scheme.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		PaymentBehavior: stripe.String("default_incomplete"),
		CancelAt:        stripe.Int64(time.Now().AddDate(0, int(opt.InstalmentCount), 0).Unix()),
	}
	if remainder := opt.FirstInstalment - opt.Instalment; remainder > 0 {
		subParams.AddInvoiceItems = []*stripe.SubscriptionAddInvoiceItemParams{
			{
				PriceData: &stripe.InvoiceItemPriceDataParams{
					Currency:   stripe.String(opt.Currency),
					Product:    stripe.String(scheme.ProductID),
					UnitAmount: stripe.Int64(remainder),
				},
				Quantity: stripe.Int64(1),
			},
		}
	}
	if len(opt.IdempotencyKey) > 0 {
		subParams.IdempotencyKey = stripe.String(opt.IdempotencyKey + ":subscription")
	}
	subParams.AddExpand("latest_invoice.payment_intent")

	sub, err := g.StripeClient.Subscriptions.New(subParams)
	if err != nil {
		g.Logger.Error("Stripe returned error on subscription creation",
			zap.String("ProcessorCustomerID", opt.Customer.ID),
			zap.Error(err),
		)
		return scheme, wrapProcessorErr(err)
	}
	scheme.SubscriptionID = sub.ID
	if sub.LatestInvoice != nil && sub.LatestInvoice.PaymentIntent != nil {
		scheme.ClientSecret = sub.LatestInvoice.PaymentIntent.ClientSecret
	}
	return scheme, nil
}

// createSchedule creates the subscription schedule variant: a single phase
// iterated once per instalment, cancelling itself at the end of the schedule.
func (g *StripeGateway) createSchedule(ctx context.Context, opt ChargeOptions, scheme ChargeScheme) (ChargeScheme, error) {
	phase := &stripe.SubscriptionSchedulePhaseParams{
		Items: []*stripe.SubscriptionSchedulePhaseItemParams{
			{
				Price:    stripe.String(scheme.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		Iterations: stripe.Int64(opt.InstalmentCount),
	}
	if remainder := opt.FirstInstalment - opt.Instalment; remainder > 0 {
		phase.AddInvoiceItems = []*stripe.SubscriptionSchedulePhaseAddInvoiceItemParams{
			{
				PriceData: &stripe.InvoiceItemPriceDataParams{
					Currency:   stripe.String(opt.Currency),
					Product:    stripe.String(scheme.ProductID),
					UnitAmount: stripe.Int64(remainder),
				},
				Quantity: stripe.Int64(1),
			},
		}
	}

	scheduleParams := &stripe.SubscriptionScheduleParams{
		Params: stripe.Params{
			Context:  ctx,
			Metadata: opt.Metadata,
		},
		Customer:     stripe.String(opt.Customer.ID),
		StartDateNow: stripe.Bool(true),
		EndBehavior:  stripe.String("cancel"),
		Phases:       []*stripe.SubscriptionSchedulePhaseParams{phase},
	}
	if len(opt.IdempotencyKey) > 0 {
		scheduleParams.IdempotencyKey = stripe.String(opt.IdempotencyKey + ":schedule")
	}

	schedule, err := g.StripeClient.SubscriptionSchedules.New(scheduleParams)
	if err != nil {
		g.Logger.Error("Stripe returned error on subscription schedule creation",
			zap.String("ProcessorCustomerID", opt.Customer.ID),
			zap.Error(err),
		)
		return scheme, wrapProcessorErr(err)
	}
	scheme.SubscriptionID = schedule.ID
	return scheme, nil
}

// CreateCheckoutRedirect wraps an already-created charge scheme in a hosted
// checkout session. The session runs in setup mode: it collects the payment
// method the schedule's invoices will charge against.
func (g *StripeGateway) CreateCheckoutRedirect(ctx context.Context, opt RedirectOptions) (RedirectSession, error) {
	ctx, cancel := g.callContext(ctx)
	defer cancel()

	params := &stripe.CheckoutSessionParams{
		Params: stripe.Params{
			Context:  ctx,
			Metadata: opt.Metadata,
		},
		Customer:   stripe.String(opt.Customer.ID),
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSetup)),
		SuccessURL: stripe.String(opt.SuccessURL),
		CancelURL:  stripe.String(opt.CancelURL),
		PaymentMethodTypes: stripe.StringSlice([]string{
			"card",
		}),
	}
	if len(opt.IdempotencyKey) > 0 {
		params.IdempotencyKey = stripe.String(opt.IdempotencyKey)
	}

	session, err := g.StripeClient.CheckoutSessions.New(params)
	if err != nil {
		g.Logger.Error("Stripe returned error on checkout session creation",
			zap.String("ProcessorCustomerID", opt.Customer.ID),
			zap.Error(err),
		)
		return RedirectSession{}, wrapProcessorErr(err)
	}
	return RedirectSession{ID: session.ID, URL: session.URL}, nil
}

// GetSubscription returns Stripe's view of the subscription verbatim
func (g *StripeGateway) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	ctx, cancel := g.callContext(ctx)
	defer cancel()

	params := &stripe.SubscriptionParams{
		Params: stripe.Params{
			Context: ctx,
		},
	}
	params.AddExpand("latest_invoice.payment_intent")

	sub, err := g.StripeClient.Subscriptions.Get(id, params)
	if err != nil {
		return nil, wrapProcessorErr(err)
	}
	return sub, nil
}

// GetCheckoutSession returns Stripe's view of the checkout session verbatim
func (g *StripeGateway) GetCheckoutSession(ctx context.Context, id string) (*stripe.CheckoutSession, error) {
	ctx, cancel := g.callContext(ctx)
	defer cancel()

	params := &stripe.CheckoutSessionParams{
		Params: stripe.Params{
			Context: ctx,
		},
	}

	session, err := g.StripeClient.CheckoutSessions.Get(id, params)
	if err != nil {
		return nil, wrapProcessorErr(err)
	}
	return session, nil
}
