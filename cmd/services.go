package cmd

import (
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"

	"reviewflow/activity"
	"reviewflow/automation"
	"reviewflow/config"
	"reviewflow/middleware"
	"reviewflow/ratelimit"
	"reviewflow/routes"
	"reviewflow/sender"
	"reviewflow/store"
	"reviewflow/worker"
)

// services is the object graph shared by serve and worker.
type services struct {
	stores      store.Stores
	hub         *activity.Hub
	activity    *activity.Log
	definitions *automation.Definitions
	matcher     *automation.Matcher
	exits       *automation.Exits
	testSender  *automation.TestSender
	sender      sender.Sender
	limiter     ratelimit.Limiter
	redis       *redis.Client
}

func newServices(db *gorm.DB, cfg config.Config) *services {
	s := &services{
		stores: store.New(db, cfg.Location()),
		hub:    activity.NewHub(),
	}
	s.activity = activity.NewLog(db, s.hub)
	s.definitions = automation.NewDefinitions(s.stores.Sequences, s.stores.Enrollments, s.stores.Templates)
	s.matcher = automation.NewMatcher(s.stores.Sequences, s.stores.Enrollments, s.stores.Customers, s.hub)
	s.exits = automation.NewExits(s.stores.Customers, s.stores.Enrollments)
	s.sender = newSender(cfg)
	s.testSender = automation.NewTestSender(s.stores.Sequences, s.stores.Templates, s.stores.Businesses, s.sender)

	if cfg.Redis.Enabled {
		s.redis = middleware.NewRedisClient(cfg.Redis)
		s.limiter = ratelimit.NewRedisLimiter(s.redis)
	} else {
		s.limiter = ratelimit.NewMemoryLimiter()
	}
	return s
}

// newSender routes each channel to its provider. A channel without
// configuration fails its sends, which the scheduler records as message_failed.
func newSender(cfg config.Config) sender.Sender {
	router := &sender.Router{}
	if cfg.SMTPHost != "" {
		router.Email = sender.NewSMTPSender(sender.SMTPConfig{
			Host:      cfg.SMTPHost,
			Port:      cfg.SMTPPort,
			Username:  cfg.SMTPUsername,
			Password:  cfg.SMTPPassword,
			FromEmail: cfg.FromEmail,
			FromName:  cfg.FromName,
		})
	}
	if cfg.SMSGatewayURL != "" {
		router.SMS = sender.NewSMSGateway(sender.SMSConfig{
			URL:   cfg.SMSGatewayURL,
			Token: cfg.SMSGatewayToken,
			From:  cfg.SMSFrom,
		})
	}
	return router
}

// sequenceWorker applies the configured scheduler tunables over the defaults.
func (s *services) sequenceWorker(cfg config.SchedulerConfig) *worker.SequenceWorker {
	wc := worker.DefaultConfig()
	if cfg.PollInterval > 0 {
		wc.PollInterval = cfg.PollInterval
	}
	if cfg.BatchSize > 0 {
		wc.BatchSize = cfg.BatchSize
	}
	if cfg.Workers > 0 {
		wc.Workers = cfg.Workers
	}
	if cfg.SendTimeout > 0 {
		wc.SendTimeout = cfg.SendTimeout
	}
	if cfg.ClaimLease > 0 {
		wc.ClaimLease = cfg.ClaimLease
	}
	if cfg.ErrorBackoff > 0 {
		wc.ErrorBackoff = cfg.ErrorBackoff
	}
	return worker.NewSequenceWorker(s.stores, s.limiter, s.sender, s.hub, wc)
}

func (s *services) routes(cfg config.Config) routes.Dependencies {
	deps := routes.Dependencies{
		Stores:            s.stores,
		Definitions:       s.definitions,
		Matcher:           s.matcher,
		Exits:             s.exits,
		TestSender:        s.testSender,
		Activity:          s.activity,
		Hub:               s.hub,
		JWTSecret:         cfg.JWTSecret,
		TestSendRateLimit: cfg.TestSendRateLimit,
	}
	if s.redis != nil {
		deps.RateLimitStorage = middleware.NewRedisStorage(s.redis)
	}
	return deps
}

func (s *services) close() {
	if s.redis != nil {
		_ = s.redis.Close()
	}
}
