// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"reviewflow/models"
)

var dbCounter int64

// NewDB opens a private in-memory SQLite database with the full schema.
// A single connection keeps SQLite from reporting table locks under
// concurrent tests.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, atomic.AddInt64(&dbCounter, 1))

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, models.Migrate(db))
	return db
}

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(now time.Time) *Clock {
	return &Clock{now: now.UTC()}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Set(now time.Time) {
	c.mu.Lock()
	c.now = now.UTC()
	c.mu.Unlock()
}

func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Fixture is a business with one email and one SMS template.
type Fixture struct {
	Business      *models.Business
	EmailTemplate *models.Template
	SMSTemplate   *models.Template
}

func Seed(t testing.TB, db *gorm.DB, timezone string) Fixture {
	t.Helper()
	business := &models.Business{Name: "Acme Plumbing", Timezone: timezone, ReviewLink: "https://reviews.example.com/acme"}
	require.NoError(t, db.Create(business).Error)

	email := &models.Template{
		BusinessID: business.ID,
		Channel:    models.ChannelEmail,
		Name:       "Review request",
		Subject:    "How did we do, {first_name}?",
		Body:       "Hi {first_name}, thanks for choosing {business_name}. Leave a review: {review_link}",
	}
	sms := &models.Template{
		BusinessID: business.ID,
		Channel:    models.ChannelSMS,
		Name:       "Review nudge",
		Body:       "{first_name}, a quick review would help {business_name}: {review_link}",
	}
	require.NoError(t, db.Create(email).Error)
	require.NoError(t, db.Create(sms).Error)
	return Fixture{Business: business, EmailTemplate: email, SMSTemplate: sms}
}

func Customer(t testing.TB, db *gorm.DB, businessID uint, email, phone string) *models.Customer {
	t.Helper()
	c := &models.Customer{BusinessID: businessID, Email: email, Phone: phone, FirstName: "Dana"}
	require.NoError(t, db.Create(c).Error)
	return c
}
