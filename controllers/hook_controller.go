package controller

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"reviewflow/activity"
	"reviewflow/apperrors"
	"reviewflow/automation"
	"reviewflow/logging"
	"reviewflow/middleware"
	"reviewflow/models"
	"reviewflow/store"
	"reviewflow/utils"
)

// Delivery statuses that end the customer's outreach instead of feeding the funnel.
const (
	deliveryBounced      activity.DeliveryStatus = "bounced"
	deliveryUnsubscribed activity.DeliveryStatus = "unsubscribed"
)

// HookController serves the token-authenticated endpoints external systems call.
type HookController struct {
	Matcher   *automation.Matcher
	Exits     *automation.Exits
	Activity  *activity.Log
	Customers   store.CustomerDirectory
	Enrollments store.EnrollmentStore
	Logger      *logrus.Entry
}

func NewHookController(matcher *automation.Matcher, exits *automation.Exits, log *activity.Log, customers store.CustomerDirectory, enrollments store.EnrollmentStore) *HookController {
	return &HookController{
		Matcher:     matcher,
		Exits:       exits,
		Activity:    log,
		Customers:   customers,
		Enrollments: enrollments,
		Logger:      logging.Component("hooks"),
	}
}

// Trigger ingests an integration event. Event types no sequence listens to
// are accepted too.
func (hc *HookController) Trigger(c *fiber.Ctx) error {
	var ev automation.TriggerEvent
	if ok, err := parseBody(c, &ev); !ok {
		return err
	}
	result, err := hc.Matcher.Ingest(c.UserContext(), middleware.BusinessID(c), ev)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(utils.SuccessResponse(result))
}

// Delivery records a provider report about a message the scheduler sent.
func (hc *HookController) Delivery(c *fiber.Ctx) error {
	var report activity.DeliveryReport
	if ok, err := parseBody(c, &report); !ok {
		return err
	}
	businessID := middleware.BusinessID(c)
	ctx := c.UserContext()

	switch report.Status {
	case deliveryBounced, deliveryUnsubscribed:
		sent, err := hc.Activity.SentMessage(ctx, businessID, report.MessageID)
		if err != nil {
			return respondError(c, err)
		}
		var customer *models.Customer
		if report.Status == deliveryBounced {
			customer, err = hc.Exits.Bounce(ctx, businessID, sent.CustomerID)
		} else {
			customer, err = hc.Exits.Unsubscribe(ctx, businessID, sent.CustomerID)
		}
		if err != nil {
			return respondError(c, err)
		}
		hc.Logger.WithFields(logrus.Fields{
			"business_id": businessID,
			"message_id":  report.MessageID,
			"status":      report.Status,
		}).Info("delivery report ended outreach")
		return c.Status(fiber.StatusAccepted).JSON(utils.SuccessResponse(customer))
	}

	ev, err := hc.Activity.RecordDelivery(ctx, businessID, report)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(utils.SuccessResponse(ev))
}

type reviewInput struct {
	Customer models.CustomerIdentity `json:"customer"`
	Details  map[string]interface{}  `json:"details"`
}

// Review correlates a submitted review with recent sends. Reviews from
// customers the business never enrolled are acknowledged and ignored.
func (hc *HookController) Review(c *fiber.Ctx) error {
	var input reviewInput
	if ok, err := parseBody(c, &input); !ok {
		return err
	}
	identity := input.Customer.Normalized()
	if identity.Empty() {
		return respondError(c, apperrors.Invalid("customer", "customer identity needs an email, phone or external id"))
	}
	businessID := middleware.BusinessID(c)

	customer, err := hc.Customers.Find(c.UserContext(), businessID, identity)
	if apperrors.IsNotFound(err) {
		hc.Logger.WithField("business_id", businessID).Info("review from unknown customer ignored")
		return c.Status(fiber.StatusAccepted).JSON(utils.SuccessResponse(fiber.Map{"attributed": 0}))
	}
	if err != nil {
		return respondError(c, err)
	}

	events, err := hc.Activity.RecordReview(c.UserContext(), businessID, customer.ID, input.Details)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(utils.SuccessResponse(fiber.Map{
		"attributed": len(events),
		"events":     events,
	}))
}

// OptOut unsubscribes the customer from every sequence of the business. The
// response lists the enrollments the scheduler will stop on its next pass.
func (hc *HookController) OptOut(c *fiber.Ctx) error {
	var input struct {
		Customer models.CustomerIdentity `json:"customer"`
	}
	if ok, err := parseBody(c, &input); !ok {
		return err
	}
	ctx := c.UserContext()
	customer, err := hc.Exits.UnsubscribeIdentity(ctx, middleware.BusinessID(c), input.Customer)
	if err != nil {
		return respondError(c, err)
	}
	active, err := hc.Enrollments.ListActiveByCustomer(ctx, customer.ID)
	if err != nil {
		return respondError(c, err)
	}
	stopping := make([]uint, 0, len(active))
	for _, e := range active {
		stopping = append(stopping, e.ID)
	}
	return c.Status(fiber.StatusAccepted).JSON(utils.SuccessResponse(fiber.Map{
		"customer": customer,
		"stopping": stopping,
	}))
}
