package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"reviewflow/activity"
	"reviewflow/automation"
	controller "reviewflow/controllers"
	"reviewflow/logging"
	"reviewflow/middleware"
	"reviewflow/store"
)

// Dependencies are the services the HTTP layer is wired to.
type Dependencies struct {
	Stores      store.Stores
	Definitions *automation.Definitions
	Matcher     *automation.Matcher
	Exits       *automation.Exits
	TestSender  *automation.TestSender
	Activity    *activity.Log
	Hub         *activity.Hub

	JWTSecret         string
	TestSendRateLimit int
	// RateLimitStorage backs the test-send limiter; nil keeps it in memory.
	RateLimitStorage fiber.Storage
	// DisableRequestLog turns off the fiber request logger, mostly for tests.
	DisableRequestLog bool
}

func requestLogger(deps Dependencies) fiber.Handler {
	if deps.DisableRequestLog {
		return func(c *fiber.Ctx) error { return c.Next() }
	}
	return logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	})
}

// SetupHookRoutes registers the endpoints integrations call with a trigger token.
func SetupHookRoutes(app *fiber.App, deps Dependencies) {
	hookController := controller.NewHookController(deps.Matcher, deps.Exits, deps.Activity, deps.Stores.Customers, deps.Stores.Enrollments)

	hooks := app.Group("/hooks/:businessID", requestLogger(deps), middleware.Metrics(), middleware.TriggerAuth(deps.Stores.Businesses))
	hooks.Post("/triggers", hookController.Trigger)
	hooks.Post("/deliveries", hookController.Delivery)
	hooks.Post("/reviews", hookController.Review)
	hooks.Post("/opt-outs", hookController.OptOut)
}

func SetupAPIRoutes(app *fiber.App, deps Dependencies) {
	sequenceController := controller.NewSequenceController(deps.Definitions, deps.TestSender)
	enrollmentController := controller.NewEnrollmentController(deps.Matcher, deps.Exits, deps.Stores.Enrollments, deps.Activity)
	activityController := controller.NewActivityController(deps.Activity, deps.Hub, deps.Definitions)

	// API group with versioning and protection
	api := app.Group("/api/v1", middleware.Protected(deps.JWTSecret), requestLogger(deps))

	// Live activity feed; browsers pass the token as ?access_token
	api.Get("/activity/stream", activityController.RequireUpgrade, websocket.New(activityController.StreamActivity))

	api.Use(middleware.Metrics())

	// Sequence routes
	sequences := api.Group("/sequences")
	sequences.Post("/", sequenceController.CreateSequence)
	sequences.Get("/", sequenceController.GetSequences)
	sequences.Get("/:id", sequenceController.GetSequence)
	sequences.Put("/:id", sequenceController.UpdateSequence)
	sequences.Get("/:id/validate", sequenceController.ValidateSequence)
	sequences.Post("/:id/activate", sequenceController.ActivateSequence)
	sequences.Post("/:id/pause", sequenceController.PauseSequence)
	sequences.Post("/:id/resume", sequenceController.ResumeSequence)
	sequences.Post("/:id/archive", sequenceController.ArchiveSequence)
	sequences.Post("/:id/duplicate", sequenceController.DuplicateSequence)
	api.Get("/trigger-event-types", sequenceController.GetTriggerEventTypes)

	// Step routes; reorder is registered before :index
	sequences.Put("/:id/steps", sequenceController.ReplaceSteps)
	sequences.Post("/:id/steps", sequenceController.AddStep)
	sequences.Post("/:id/steps/reorder", sequenceController.ReorderSteps)
	sequences.Put("/:id/steps/:index", sequenceController.UpdateStep)
	sequences.Delete("/:id/steps/:index", sequenceController.DeleteStep)
	sequences.Post("/:id/steps/:index/test-send",
		middleware.TestSendRateLimiter(deps.TestSendRateLimit, deps.RateLimitStorage),
		sequenceController.TestSendStep)

	// Enrollment routes
	sequences.Post("/:id/enrollments", enrollmentController.EnrollCustomer)
	sequences.Get("/:id/enrollments", enrollmentController.GetEnrollments)
	api.Get("/enrollments/:id", enrollmentController.GetEnrollment)
	api.Post("/enrollments/:id/stop", enrollmentController.StopEnrollment)
	api.Post("/customers/:id/stop", enrollmentController.StopCustomer)

	// Metrics routes
	sequences.Get("/:id/funnel", activityController.GetFunnel)
	sequences.Get("/:id/stats", activityController.GetStats)

	// Activity routes
	api.Get("/activity", activityController.GetActivity)
	api.Get("/activity/event-types", activityController.GetEventTypes)

	// Recipe routes
	api.Get("/recipes", sequenceController.GetRecipes)
	api.Post("/recipes/:key", sequenceController.InstantiateRecipe)

	logging.Component("routes").Debug("API routes initialized successfully")
}

func SetupRoutes(app *fiber.App, deps Dependencies) {
	// Setup health check endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	SetupHookRoutes(app, deps)
	SetupAPIRoutes(app, deps)

	// Setup 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})
}
