package cmd

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reviewflow/apperrors"
	"reviewflow/config"
	"reviewflow/models"
	"reviewflow/ratelimit"
	"reviewflow/sender"
	"reviewflow/testutil"
)

func TestCommandsRegistered(t *testing.T) {
	for _, name := range []string{"serve", "worker", "migrate", "business"} {
		cmd, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
	setup, _, err := rootCmd.Find([]string{"business", "setup"})
	require.NoError(t, err)
	assert.NotNil(t, setup.Flags().Lookup("name"))
	assert.NotNil(t, serveCmd.Flags().Lookup("no-scheduler"))
}

func TestSenderWithoutProvidersFailsSends(t *testing.T) {
	s := newSender(config.Config{})
	_, err := s.Send(context.Background(), sender.Message{Channel: models.ChannelSMS, To: "+15550100"})
	var sf *apperrors.SendFailure
	require.True(t, errors.As(err, &sf))
	assert.Equal(t, "sms", sf.Channel)

	router := newSender(config.Config{SMTPHost: "smtp.example.com", SMTPPort: 587, SMSGatewayURL: "https://sms.example.com"}).(*sender.Router)
	assert.IsType(t, &sender.SMTPSender{}, router.Email)
	assert.IsType(t, &sender.SMSGateway{}, router.SMS)
}

func TestServicesUseMemoryLimiterWithoutRedis(t *testing.T) {
	db := testutil.NewDB(t)
	cfg := config.Config{DefaultTimezone: "UTC", TestSendRateLimit: 3}
	svc := newServices(db, cfg)
	defer svc.close()

	assert.IsType(t, &ratelimit.MemoryLimiter{}, svc.limiter)
	assert.Nil(t, svc.redis)

	deps := svc.routes(cfg)
	assert.Nil(t, deps.RateLimitStorage)
	assert.Equal(t, 3, deps.TestSendRateLimit)
	assert.NotNil(t, svc.sequenceWorker(config.SchedulerConfig{Workers: 2}))
}
