package controller

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"reviewflow/activity"
	"reviewflow/automation"
	"reviewflow/logging"
	"reviewflow/middleware"
	"reviewflow/models"
	"reviewflow/store"
	"reviewflow/utils"
)

type EnrollmentController struct {
	Matcher     *automation.Matcher
	Exits       *automation.Exits
	Enrollments store.EnrollmentStore
	Activity    *activity.Log
	Logger      *logrus.Entry
}

func NewEnrollmentController(matcher *automation.Matcher, exits *automation.Exits, enrollments store.EnrollmentStore, log *activity.Log) *EnrollmentController {
	return &EnrollmentController{
		Matcher:     matcher,
		Exits:       exits,
		Enrollments: enrollments,
		Activity:    log,
		Logger:      logging.Component("enrollment_controller"),
	}
}

// EnrollCustomer enrolls one customer by hand into a sequence that allows it.
func (ec *EnrollmentController) EnrollCustomer(c *fiber.Ctx) error {
	id, err := utils.ParamID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	var identity models.CustomerIdentity
	if ok, err := parseBody(c, &identity); !ok {
		return err
	}
	e, err := ec.Matcher.EnrollManual(c.UserContext(), middleware.BusinessID(c), id, identity)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(e))
}

func (ec *EnrollmentController) GetEnrollments(c *fiber.Ctx) error {
	id, err := utils.ParamID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	page, pageSize := pagination(c)
	status := models.EnrollmentStatus(c.Query("status"))
	switch status {
	case "", models.EnrollmentActive, models.EnrollmentStopped, models.EnrollmentFinished:
	default:
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "status must be active, stopped or finished", nil)
	}

	list, total, err := ec.Enrollments.ListBySequence(c.UserContext(), middleware.BusinessID(c), id, status, page, pageSize)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(utils.PaginatedResponse{
		Data:     list,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	}))
}

// GetEnrollment returns the enrollment with its full timeline, oldest first.
func (ec *EnrollmentController) GetEnrollment(c *fiber.Ctx) error {
	id, err := utils.ParamID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	e, err := ec.Enrollments.GetForBusiness(c.UserContext(), middleware.BusinessID(c), id)
	if err != nil {
		return respondError(c, err)
	}
	timeline, err := ec.Activity.Timeline(c.UserContext(), e.ID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{
		"enrollment": e,
		"timeline":   timeline,
	}))
}

// StopEnrollment requests a manual stop. The scheduler applies it, so the
// response is 202 and the enrollment may still read as active.
func (ec *EnrollmentController) StopEnrollment(c *fiber.Ctx) error {
	id, err := utils.ParamID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	e, err := ec.Exits.StopEnrollment(c.UserContext(), middleware.BusinessID(c), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(utils.SuccessResponse(e))
}

// StopCustomer marks a customer do-not-contact across every sequence.
func (ec *EnrollmentController) StopCustomer(c *fiber.Ctx) error {
	id, err := utils.ParamID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	customer, err := ec.Exits.StopCustomer(c.UserContext(), middleware.BusinessID(c), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(utils.SuccessResponse(customer))
}
