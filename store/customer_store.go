package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"reviewflow/apperrors"
	"reviewflow/models"
)

// CustomerDirectory resolves customers from the identity fields external
// systems send.
type CustomerDirectory interface {
	Resolve(ctx context.Context, businessID uint, identity models.CustomerIdentity) (*models.Customer, error)
	Find(ctx context.Context, businessID uint, identity models.CustomerIdentity) (*models.Customer, error)
	Get(ctx context.Context, id uint) (*models.Customer, error)
	GetForBusiness(ctx context.Context, businessID, id uint) (*models.Customer, error)
	MarkUnsubscribed(ctx context.Context, id uint, at time.Time) error
	MarkBounced(ctx context.Context, id uint, at time.Time) error
	MarkStopped(ctx context.Context, id uint, at time.Time) error
}

type CustomerRepository struct {
	DB *gorm.DB
}

var _ CustomerDirectory = (*CustomerRepository)(nil)

func NewCustomerRepository(db *gorm.DB) *CustomerRepository {
	return &CustomerRepository{DB: db}
}

// Find looks a customer up by external id, then email, then phone.
func (r *CustomerRepository) Find(ctx context.Context, businessID uint, identity models.CustomerIdentity) (*models.Customer, error) {
	identity = identity.Normalized()
	lookups := []struct {
		column string
		value  string
	}{
		{"external_id", identity.ExternalID},
		{"email", identity.Email},
		{"phone", identity.Phone},
	}
	for _, l := range lookups {
		if l.value == "" {
			continue
		}
		var customer models.Customer
		err := r.DB.WithContext(ctx).
			Where("business_id = ? AND "+l.column+" = ?", businessID, l.value).
			Order("id ASC").
			First(&customer).Error
		if err == nil {
			return &customer, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	return nil, apperrors.NewNotFound("customer", 0)
}

// Resolve finds the customer or creates one. Missing contact fields on an
// existing record are filled in from the identity.
func (r *CustomerRepository) Resolve(ctx context.Context, businessID uint, identity models.CustomerIdentity) (*models.Customer, error) {
	identity = identity.Normalized()
	if identity.Empty() {
		return nil, apperrors.Invalid("customer", "customer identity needs an email, phone or external id")
	}

	customer, err := r.Find(ctx, businessID, identity)
	if err != nil && !apperrors.IsNotFound(err) {
		return nil, err
	}

	if customer == nil {
		customer = &models.Customer{
			BusinessID: businessID,
			ExternalID: identity.ExternalID,
			Email:      identity.Email,
			Phone:      identity.Phone,
			FirstName:  identity.FirstName,
			LastName:   identity.LastName,
		}
		if err := r.DB.WithContext(ctx).Create(customer).Error; err != nil {
			return nil, fmt.Errorf("create customer: %w", err)
		}
		return customer, nil
	}

	updates := map[string]interface{}{}
	fill := func(column, current, incoming string) {
		if current == "" && incoming != "" {
			updates[column] = incoming
		}
	}
	fill("external_id", customer.ExternalID, identity.ExternalID)
	fill("email", customer.Email, identity.Email)
	fill("phone", customer.Phone, identity.Phone)
	fill("first_name", customer.FirstName, identity.FirstName)
	fill("last_name", customer.LastName, identity.LastName)
	if len(updates) > 0 {
		if err := r.DB.WithContext(ctx).Model(customer).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("update customer: %w", err)
		}
	}
	return customer, nil
}

func (r *CustomerRepository) Get(ctx context.Context, id uint) (*models.Customer, error) {
	var customer models.Customer
	if err := r.DB.WithContext(ctx).First(&customer, id).Error; err != nil {
		return nil, notFound(err, "customer", id)
	}
	return &customer, nil
}

func (r *CustomerRepository) GetForBusiness(ctx context.Context, businessID, id uint) (*models.Customer, error) {
	var customer models.Customer
	if err := r.DB.WithContext(ctx).Where("business_id = ?", businessID).First(&customer, id).Error; err != nil {
		return nil, notFound(err, "customer", id)
	}
	return &customer, nil
}

func (r *CustomerRepository) MarkUnsubscribed(ctx context.Context, id uint, at time.Time) error {
	return r.markOnce(ctx, id, "unsubscribed_at", at)
}

func (r *CustomerRepository) MarkBounced(ctx context.Context, id uint, at time.Time) error {
	return r.markOnce(ctx, id, "bounced_at", at)
}

func (r *CustomerRepository) MarkStopped(ctx context.Context, id uint, at time.Time) error {
	return r.markOnce(ctx, id, "stopped_at", at)
}

// markOnce keeps the first timestamp of an exit signal.
func (r *CustomerRepository) markOnce(ctx context.Context, id uint, column string, at time.Time) error {
	return r.DB.WithContext(ctx).
		Model(&models.Customer{}).
		Where("id = ? AND "+column+" IS NULL", id).
		Update(column, at.UTC()).Error
}
