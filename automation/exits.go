package automation

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"reviewflow/logging"
	"reviewflow/models"
	"reviewflow/store"
)

// Exits records the signals that end enrollments early. It only marks the
// customer or enrollment and makes the affected runs due; the scheduler
// performs the stop transition and writes its events.
type Exits struct {
	Customers   store.CustomerDirectory
	Enrollments store.EnrollmentStore
	Logger      *logrus.Entry
	Now         func() time.Time
}

func NewExits(customers store.CustomerDirectory, enrollments store.EnrollmentStore) *Exits {
	return &Exits{
		Customers:   customers,
		Enrollments: enrollments,
		Logger:      logging.Component("exits"),
		Now:         time.Now,
	}
}

func (x *Exits) mark(ctx context.Context, businessID, customerID uint, signal string, fn func(context.Context, uint, time.Time) error) (*models.Customer, error) {
	customer, err := x.Customers.GetForBusiness(ctx, businessID, customerID)
	if err != nil {
		return nil, err
	}
	now := x.Now().UTC()
	if err := fn(ctx, customer.ID, now); err != nil {
		return nil, err
	}
	n, err := x.Enrollments.NudgeCustomer(ctx, customer.ID, now)
	if err != nil {
		// the mark is stored; enrollments still stop when their next step comes due
		logging.LogError("exit_nudge_failed", err, map[string]interface{}{"customer_id": customer.ID, "signal": signal})
	}
	x.Logger.WithFields(logrus.Fields{
		"business_id": businessID,
		"customer_id": customer.ID,
		"signal":      signal,
		"enrollments": n,
	}).Info("customer exit signal recorded")
	return x.Customers.Get(ctx, customer.ID)
}

func (x *Exits) Unsubscribe(ctx context.Context, businessID, customerID uint) (*models.Customer, error) {
	return x.mark(ctx, businessID, customerID, "unsubscribed", x.Customers.MarkUnsubscribed)
}

func (x *Exits) Bounce(ctx context.Context, businessID, customerID uint) (*models.Customer, error) {
	return x.mark(ctx, businessID, customerID, "bounced", x.Customers.MarkBounced)
}

// StopCustomer is the manual do-not-contact switch.
func (x *Exits) StopCustomer(ctx context.Context, businessID, customerID uint) (*models.Customer, error) {
	return x.mark(ctx, businessID, customerID, "customer_stopped", x.Customers.MarkStopped)
}

// UnsubscribeIdentity resolves an external identity before unsubscribing.
func (x *Exits) UnsubscribeIdentity(ctx context.Context, businessID uint, identity models.CustomerIdentity) (*models.Customer, error) {
	identity = identity.Normalized()
	if err := checkIdentity(identity); err != nil {
		return nil, err
	}
	customer, err := x.Customers.Find(ctx, businessID, identity)
	if err != nil {
		return nil, err
	}
	return x.Unsubscribe(ctx, businessID, customer.ID)
}

// StopEnrollment asks the scheduler to stop one enrollment.
func (x *Exits) StopEnrollment(ctx context.Context, businessID, enrollmentID uint) (*models.Enrollment, error) {
	e, err := x.Enrollments.RequestStop(ctx, businessID, enrollmentID, x.Now().UTC())
	if err != nil {
		return nil, err
	}
	x.Logger.WithFields(logrus.Fields{"business_id": businessID, "enrollment_id": enrollmentID}).Info("enrollment stop requested")
	return e, nil
}
