package customer

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Manager handles the database operations relating to Customers
type Manager struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewManager returns a new Manager for customers
func NewManager(logger *zap.Logger, db *gorm.DB) (*Manager, error) {
	if err := db.AutoMigrate(&Customer{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize customer.Manager")
	}
	return &Manager{
		db:     db,
		logger: logger,
	}, nil
}

// GetByEmail will try to return the customer in the database by email address.
// Returns (nil, nil) when no customer exists for the email.
func (m *Manager) GetByEmail(ctx context.Context, email string) (*Customer, error) {
	var cust Customer

	result := m.db.WithContext(ctx).First(&cust, "email = ?", email)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get customer by email")
	}

	return &cust, nil
}

// GetByID will try to return the customer in the database by id
func (m *Manager) GetByID(ctx context.Context, id string) (*Customer, error) {
	var cust Customer

	result := m.db.WithContext(ctx).First(&cust, "id = ?", id)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get customer by id")
	}

	return &cust, nil
}

// Create will insert a new customer record. If a concurrent Create for the same
// email already succeeded, ErrConflict is returned and the caller should GetByEmail
// to observe the winning record.
func (m *Manager) Create(ctx context.Context, email, pcnNumber, vehicleRegistration string) (*Customer, error) {
	newCustomer := &Customer{
		ID:                  uuid.New().String(),
		Email:               email,
		PCNNumber:           pcnNumber,
		VehicleRegistration: vehicleRegistration,
	}

	result := m.db.WithContext(ctx).Create(newCustomer)
	if result.Error != nil {
		// the unique index on email serializes concurrent creates; if the email
		// now resolves, the insert lost the race
		existing, lookupErr := m.GetByEmail(ctx, email)
		if lookupErr == nil && existing != nil {
			return nil, ErrConflict
		}
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot create a new Customer")
	}

	return newCustomer, nil
}

// AttachProcessorIDs records the processor-side identifiers on the customer.
// The processor customer ID is attach-once: re-attaching the same value is a
// no-op, attaching a different value fails with ErrProcessorIDMismatch. The
// subscription ID tracks the most recently provisioned charge scheme.
func (m *Manager) AttachProcessorIDs(ctx context.Context, customerID, processorCustomerID, processorSubscriptionID string) (*Customer, error) {
	if len(processorCustomerID) == 0 {
		return nil, fmt.Errorf("empty processorCustomerID is invalid")
	}

	updates := map[string]interface{}{
		"processor_customer_id": processorCustomerID,
	}
	if len(processorSubscriptionID) > 0 {
		updates["processor_subscription_id"] = processorSubscriptionID
	}

	// the guard rides the UPDATE itself so two racing first-time attaches
	// cannot both pass a read-then-write check; the loser matches no row
	result := m.db.WithContext(ctx).Model(&Customer{}).
		Where("id = ?", customerID).
		Where("processor_customer_id = '' OR processor_customer_id = ?", processorCustomerID).
		Updates(updates)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot attach processor IDs")
	}

	if result.RowsAffected == 0 {
		cust, err := m.GetByID(ctx, customerID)
		if err != nil {
			return nil, err
		}
		if cust == nil {
			return nil, fmt.Errorf("no customer with id %s", customerID)
		}
		m.logger.Error("Refusing to overwrite processor customer ID",
			zap.String("CustomerID", customerID),
			zap.String("Stored", cust.ProcessorCustomerID),
			zap.String("Attaching", processorCustomerID),
		)
		return nil, ErrProcessorIDMismatch
	}

	return m.GetByID(ctx, customerID)
}
