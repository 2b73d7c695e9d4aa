package controller

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"reviewflow/automation"
	"reviewflow/logging"
	"reviewflow/middleware"
	"reviewflow/models"
	"reviewflow/utils"
)

type SequenceController struct {
	Definitions *automation.Definitions
	TestSender  *automation.TestSender
	Logger      *logrus.Entry
}

func NewSequenceController(defs *automation.Definitions, testSender *automation.TestSender) *SequenceController {
	return &SequenceController{
		Definitions: defs,
		TestSender:  testSender,
		Logger:      logging.Component("sequence_controller"),
	}
}

func (sc *SequenceController) CreateSequence(c *fiber.Ctx) error {
	var input automation.SequenceInput
	if ok, err := parseBody(c, &input); !ok {
		return err
	}
	seq, err := sc.Definitions.CreateSequence(c.UserContext(), middleware.BusinessID(c), input)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(seq))
}

func (sc *SequenceController) GetSequences(c *fiber.Ctx) error {
	page, pageSize := pagination(c)
	status := models.SequenceStatus(c.Query("status"))
	seqs, total, err := sc.Definitions.List(c.UserContext(), middleware.BusinessID(c), status, page, pageSize)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(utils.PaginatedResponse{
		Data:     seqs,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	}))
}

func (sc *SequenceController) GetSequence(c *fiber.Ctx) error {
	id, err := utils.ParamID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	seq, err := sc.Definitions.Get(c.UserContext(), middleware.BusinessID(c), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(seq))
}

// UpdateSequence edits settings only; steps have their own endpoints.
func (sc *SequenceController) UpdateSequence(c *fiber.Ctx) error {
	id, err := utils.ParamID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	var input automation.SequenceInput
	if ok, err := parseBody(c, &input); !ok {
		return err
	}
	seq, err := sc.Definitions.UpdateSequence(c.UserContext(), middleware.BusinessID(c), id, input)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(seq))
}

// ValidateSequence reports activation issues without changing anything.
func (sc *SequenceController) ValidateSequence(c *fiber.Ctx) error {
	id, err := utils.ParamID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	issues, err := sc.Definitions.Validate(c.UserContext(), middleware.BusinessID(c), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{
		"valid":  len(issues) == 0,
		"issues": issues,
	}))
}

func (sc *SequenceController) transition(c *fiber.Ctx, apply func(id uint) (*models.Sequence, error)) error {
	id, err := utils.ParamID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	seq, err := apply(id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(seq))
}

func (sc *SequenceController) ActivateSequence(c *fiber.Ctx) error {
	return sc.transition(c, func(id uint) (*models.Sequence, error) {
		return sc.Definitions.Activate(c.UserContext(), middleware.BusinessID(c), id)
	})
}

func (sc *SequenceController) PauseSequence(c *fiber.Ctx) error {
	return sc.transition(c, func(id uint) (*models.Sequence, error) {
		return sc.Definitions.Pause(c.UserContext(), middleware.BusinessID(c), id)
	})
}

func (sc *SequenceController) ResumeSequence(c *fiber.Ctx) error {
	return sc.transition(c, func(id uint) (*models.Sequence, error) {
		return sc.Definitions.Resume(c.UserContext(), middleware.BusinessID(c), id)
	})
}

func (sc *SequenceController) ArchiveSequence(c *fiber.Ctx) error {
	return sc.transition(c, func(id uint) (*models.Sequence, error) {
		return sc.Definitions.Archive(c.UserContext(), middleware.BusinessID(c), id)
	})
}

func (sc *SequenceController) DuplicateSequence(c *fiber.Ctx) error {
	id, err := utils.ParamID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	seq, err := sc.Definitions.Duplicate(c.UserContext(), middleware.BusinessID(c), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(seq))
}

// TestSendStep delivers one step to the given recipient outside any enrollment.
func (sc *SequenceController) TestSendStep(c *fiber.Ctx) error {
	id, err := utils.ParamID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	index, err := utils.ParamIndex(c, "index")
	if err != nil {
		return respondError(c, err)
	}
	var recipient models.CustomerIdentity
	if ok, err := parseBody(c, &recipient); !ok {
		return err
	}
	res, err := sc.TestSender.Send(c.UserContext(), middleware.BusinessID(c), id, index, recipient)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(res))
}

// GetTriggerEventTypes lists the event types a sequence can be triggered by.
func (sc *SequenceController) GetTriggerEventTypes(c *fiber.Ctx) error {
	return c.JSON(utils.SuccessResponse(models.TriggerEventTypes()))
}

func (sc *SequenceController) GetRecipes(c *fiber.Ctx) error {
	recipes, err := automation.Recipes()
	if err != nil {
		return respondError(c, err)
	}
	out := make([]fiber.Map, 0, len(recipes))
	for _, r := range recipes {
		out = append(out, fiber.Map{
			"key":                r.Key,
			"name":               r.Name,
			"description":        r.Description,
			"trigger_event_type": r.TriggerEventType,
			"template_slots":     r.TemplateSlots(),
			"steps":              r.Steps,
		})
	}
	return c.JSON(utils.SuccessResponse(out))
}

// InstantiateRecipe creates a draft from a preset, binding its template slots.
func (sc *SequenceController) InstantiateRecipe(c *fiber.Ctx) error {
	var input struct {
		Templates map[string]uint `json:"templates"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	seq, err := sc.Definitions.Instantiate(c.UserContext(), middleware.BusinessID(c), c.Params("key"), input.Templates)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(seq))
}
