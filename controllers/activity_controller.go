package controller

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"

	"reviewflow/activity"
	"reviewflow/automation"
	"reviewflow/logging"
	"reviewflow/middleware"
	"reviewflow/models"
	"reviewflow/utils"
)

const streamPingInterval = 30 * time.Second

type ActivityController struct {
	Activity    *activity.Log
	Hub         *activity.Hub
	Definitions *automation.Definitions
	Logger      *logrus.Entry
}

func NewActivityController(log *activity.Log, hub *activity.Hub, defs *automation.Definitions) *ActivityController {
	return &ActivityController{
		Activity:    log,
		Hub:         hub,
		Definitions: defs,
		Logger:      logging.Component("activity_controller"),
	}
}

// eventView decorates an event with its display metadata.
type eventView struct {
	models.ActivityEvent
	Meta models.EventMeta `json:"meta"`
}

func views(events []models.ActivityEvent) []eventView {
	out := make([]eventView, 0, len(events))
	for _, ev := range events {
		out = append(out, eventView{ActivityEvent: ev, Meta: ev.EventType.Meta()})
	}
	return out
}

// GetActivity lists events newest first. status takes a comma-separated
// list of event types.
func (ac *ActivityController) GetActivity(c *fiber.Ctx) error {
	from, err := utils.QueryTime(c, "from")
	if err != nil {
		return respondError(c, err)
	}
	to, err := utils.QueryTime(c, "to")
	if err != nil {
		return respondError(c, err)
	}
	page, pageSize := pagination(c)

	filter := activity.Filter{
		BusinessID:   middleware.BusinessID(c),
		SequenceID:   uint(c.QueryInt("sequence_id")),
		EnrollmentID: uint(c.QueryInt("enrollment_id")),
		CustomerID:   uint(c.QueryInt("customer_id")),
		Channel:      models.Channel(c.Query("channel")),
		From:         from,
		To:           to,
		Page:         page,
		PageSize:     pageSize,
	}
	for _, t := range strings.Split(c.Query("status"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			filter.EventTypes = append(filter.EventTypes, models.EventType(t))
		}
	}

	result, err := ac.Activity.Query(c.UserContext(), filter)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(utils.PaginatedResponse{
		Data:     views(result.Events),
		Total:    result.Total,
		Page:     result.Page,
		PageSize: result.PageSize,
	}))
}

func (ac *ActivityController) GetEventTypes(c *fiber.Ctx) error {
	return c.JSON(utils.SuccessResponse(models.EventTypes()))
}

func (ac *ActivityController) GetFunnel(c *fiber.Ctx) error {
	seq, err := ac.sequence(c)
	if err != nil {
		return respondError(c, err)
	}
	funnel, err := ac.Activity.Funnel(c.UserContext(), seq.ID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(funnel))
}

func (ac *ActivityController) GetStats(c *fiber.Ctx) error {
	seq, err := ac.sequence(c)
	if err != nil {
		return respondError(c, err)
	}
	stats, err := ac.Activity.Stats(c.UserContext(), seq.ID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(stats))
}

// sequence loads the :id sequence, scoped to the caller's business.
func (ac *ActivityController) sequence(c *fiber.Ctx) (*models.Sequence, error) {
	id, err := utils.ParamID(c, "id")
	if err != nil {
		return nil, err
	}
	return ac.Definitions.Get(c.UserContext(), middleware.BusinessID(c), id)
}

// RequireUpgrade rejects plain HTTP requests to the stream endpoint.
func (ac *ActivityController) RequireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// StreamActivity pushes the business's events to a websocket as they commit.
func (ac *ActivityController) StreamActivity(conn *websocket.Conn) {
	defer conn.Close()
	businessID, _ := conn.Locals("businessID").(uint)
	if businessID == 0 {
		return
	}
	feed, cancel := ac.Hub.Subscribe(businessID)
	defer cancel()

	log := ac.Logger.WithField("business_id", businessID)
	log.Debug("activity stream opened")
	defer log.Debug("activity stream closed")

	// the read loop only notices the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case ev, ok := <-feed:
			if !ok {
				return
			}
			if err := conn.WriteJSON(eventView{ActivityEvent: ev, Meta: ev.EventType.Meta()}); err != nil {
				log.WithError(err).Debug("activity stream write failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
