package controller

import (
	"github.com/gofiber/fiber/v2"

	"reviewflow/automation"
	"reviewflow/middleware"
	"reviewflow/models"
	"reviewflow/utils"
)

func (sc *SequenceController) editSteps(c *fiber.Ctx, apply func(id uint) (*models.Sequence, error)) error {
	id, err := utils.ParamID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	seq, err := apply(id)
	if err != nil {
		return respondError(c, err)
	}
	sc.Logger.WithField("sequence_id", seq.ID).WithField("steps", len(seq.Steps)).Debug("steps edited")
	return c.JSON(utils.SuccessResponse(seq))
}

// ReplaceSteps rewrites the whole step list.
func (sc *SequenceController) ReplaceSteps(c *fiber.Ctx) error {
	var input struct {
		Steps []automation.StepInput `json:"steps" validate:"dive"`
	}
	if ok, err := parseBody(c, &input); !ok {
		return err
	}
	actions, err := automation.StepActions(input.Steps)
	if err != nil {
		return respondError(c, err)
	}
	return sc.editSteps(c, func(id uint) (*models.Sequence, error) {
		return sc.Definitions.ReplaceSteps(c.UserContext(), middleware.BusinessID(c), id, actions)
	})
}

func (sc *SequenceController) AddStep(c *fiber.Ctx) error {
	var input struct {
		automation.StepInput
		Position *int `json:"position"`
	}
	if ok, err := parseBody(c, &input); !ok {
		return err
	}
	action, err := automation.StepActions([]automation.StepInput{input.StepInput})
	if err != nil {
		return respondError(c, err)
	}
	return sc.editSteps(c, func(id uint) (*models.Sequence, error) {
		return sc.Definitions.AddStep(c.UserContext(), middleware.BusinessID(c), id, action[0], input.Position)
	})
}

func (sc *SequenceController) UpdateStep(c *fiber.Ctx) error {
	index, err := utils.ParamIndex(c, "index")
	if err != nil {
		return respondError(c, err)
	}
	var input automation.StepInput
	if ok, err := parseBody(c, &input); !ok {
		return err
	}
	action, err := automation.StepActions([]automation.StepInput{input})
	if err != nil {
		return respondError(c, err)
	}
	return sc.editSteps(c, func(id uint) (*models.Sequence, error) {
		return sc.Definitions.UpdateStep(c.UserContext(), middleware.BusinessID(c), id, index, action[0])
	})
}

func (sc *SequenceController) DeleteStep(c *fiber.Ctx) error {
	index, err := utils.ParamIndex(c, "index")
	if err != nil {
		return respondError(c, err)
	}
	return sc.editSteps(c, func(id uint) (*models.Sequence, error) {
		return sc.Definitions.DeleteStep(c.UserContext(), middleware.BusinessID(c), id, index)
	})
}

func (sc *SequenceController) ReorderSteps(c *fiber.Ctx) error {
	var input struct {
		Order []int `json:"order" validate:"required"`
	}
	if ok, err := parseBody(c, &input); !ok {
		return err
	}
	return sc.editSteps(c, func(id uint) (*models.Sequence, error) {
		return sc.Definitions.ReorderSteps(c.UserContext(), middleware.BusinessID(c), id, input.Order)
	})
}
