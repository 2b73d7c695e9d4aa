package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"reviewflow/config"
	"reviewflow/logging"
)

// TestSendRateLimiter caps test sends per business and sequence. A nil
// storage keeps the counters in process memory.
func TestSendRateLimiter(max int, storage fiber.Storage) fiber.Handler {
	if max <= 0 {
		max = 5
	}
	return limiter.New(limiter.Config{
		Max:        max,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return fmt.Sprintf("reviewflow:testsend:%d:%s", BusinessID(c), c.Params("id"))
		},
		LimitReached: func(c *fiber.Ctx) error {
			logging.LogEvent("rate_limit_hit", map[string]interface{}{
				"business_id": BusinessID(c),
				"endpoint":    c.Path(),
				"ip":          c.IP(),
				"user_agent":  c.Get("User-Agent"),
			})

			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"success":     false,
				"error":       "Too many test sends. Please wait before testing again.",
				"retry_after": "1 minute",
			})
		},
		Storage: storage,
	})
}

func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// RedisStorage implements fiber.Storage for Redis
type RedisStorage struct {
	client *redis.Client
}

func NewRedisStorage(client *redis.Client) *RedisStorage {
	return &RedisStorage{client: client}
}

func (r *RedisStorage) Get(key string) ([]byte, error) {
	val, err := r.client.Get(context.Background(), key).Bytes()
	if err == redis.Nil {
		// fiber.Storage reports missing keys as nil, nil
		return nil, nil
	}
	return val, err
}

func (r *RedisStorage) Set(key string, val []byte, exp time.Duration) error {
	if len(key) == 0 || len(val) == 0 {
		return nil
	}
	return r.client.Set(context.Background(), key, val, exp).Err()
}

func (r *RedisStorage) Delete(key string) error {
	return r.client.Del(context.Background(), key).Err()
}

func (r *RedisStorage) Reset() error {
	return r.client.FlushDB(context.Background()).Err()
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}
