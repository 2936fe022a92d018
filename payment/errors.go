package payment

import (
	"context"
	"errors"
	"net"
	"net/http"

	extErrors "github.com/pkg/errors"
	"github.com/stripe/stripe-go/v72"
)

// Defining sentinel errors for the gateway taxonomy
var (
	// ErrNotFound signals that the referenced processor object does not exist
	ErrNotFound = errors.New("processor object not found")
	// ErrTransient signals a network/timeout/rate-limit condition; the caller
	// may retry, the gateway itself does not
	ErrTransient = errors.New("processor temporarily unavailable")
)

// wrapProcessorErr classifies an error from the processor SDK into the gateway
// taxonomy. Errors that fit neither sentinel are returned as-is so their
// message surfaces to the caller unaltered.
func wrapProcessorErr(err error) error {
	if err == nil {
		return nil
	}

	var sErr *stripe.Error
	if errors.As(err, &sErr) {
		switch {
		case sErr.Code == stripe.ErrorCodeResourceMissing,
			sErr.HTTPStatusCode == http.StatusNotFound:
			return extErrors.Wrap(ErrNotFound, sErr.Msg)
		case sErr.Code == stripe.ErrorCodeRateLimit,
			sErr.Type == stripe.ErrorTypeAPIConnection,
			sErr.HTTPStatusCode == http.StatusTooManyRequests,
			sErr.HTTPStatusCode >= http.StatusInternalServerError:
			return extErrors.Wrap(ErrTransient, sErr.Msg)
		}
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return extErrors.Wrap(ErrTransient, "processor call timed out")
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return extErrors.Wrap(ErrTransient, netErr.Error())
	}

	return err
}
