package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/instalpay/pcnplan/customer"
	"github.com/instalpay/pcnplan/payment"
	resp "github.com/instalpay/pcnplan/response"

	"github.com/go-chi/chi"
	"go.uber.org/zap"
)

// ServiceOptions contains the configuration for Service router
type ServiceOptions struct {
	PlanManager *Manager
	Logger      *zap.Logger
}

// Service is the plan API router
type Service struct {
	ServiceOptions
}

// NewService will create an instance of the plan API router
func NewService(option ServiceOptions) (*Service, error) {
	if option.PlanManager == nil {
		return nil, fmt.Errorf("nil PlanManager is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

func (s *Service) provision(w http.ResponseWriter, r *http.Request) {
	var req ProvisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}

	logger := s.Logger.With(
		zap.String("Email", req.Email),
		zap.String("PCNNumber", req.PCNNumber),
	)

	result, err := s.PlanManager.Provision(r.Context(), req)
	if err != nil {
		s.writePlanError(w, r, logger, err)
		return
	}

	resp.WriteResponse(w, r, result)
}

func (s *Service) getSubscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sub, err := s.PlanManager.GetSubscriptionStatus(r.Context(), id)
	if err != nil {
		s.writePlanError(w, r, s.Logger.With(zap.String("SubscriptionID", id)), err)
		return
	}

	resp.WriteResponse(w, r, sub)
}

func (s *Service) getCheckoutSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	session, err := s.PlanManager.GetCheckoutSession(r.Context(), id)
	if err != nil {
		s.writePlanError(w, r, s.Logger.With(zap.String("SessionID", id)), err)
		return
	}

	resp.WriteResponse(w, r, session)
}

// writePlanError maps the provisioning error taxonomy onto HTTP responses
func (s *Service) writePlanError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, ErrValidation):
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(err.Error()))
	case errors.Is(err, payment.ErrNotFound):
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages(err.Error()))
	case errors.Is(err, payment.ErrTransient):
		resp.WriteError(w, r, resp.ErrRetryLater().AddMessages(err.Error()))
	case errors.Is(err, customer.ErrProcessorIDMismatch), errors.Is(err, errInternal):
		logger.Error("Provisioning failed",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
	default:
		// remaining processor-reported errors surface with their message,
		// for the caller to correct and resubmit
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(err.Error()))
	}
}

// Router will return the routes under plan API
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/", s.provision)
	r.Get("/subscription/{id}", s.getSubscription)
	r.Get("/session/{id}", s.getCheckoutSession)

	return r
}
