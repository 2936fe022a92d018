package external

import "github.com/stripe/stripe-go/v72/client"

// NewStripeClient returns a scoped Stripe API client instead of relying on the sdk global
func NewStripeClient(key string) *client.API {
	sc := &client.API{}
	sc.Init(key, nil)
	return sc
}
