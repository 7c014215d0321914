package config

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

var (
	rdb    *redis.Client
	locker *redislock.Client
)

// GetRedisDB is nil when the service runs without Redis.
func GetRedisDB() *redis.Client {
	return rdb
}

func GetRedisLock() *redislock.Client {
	return locker
}

// SetRedisDB installs client and a lock client bound to it. A nil client
// clears both.
func SetRedisDB(client *redis.Client) {
	rdb, locker = client, nil
	if client != nil {
		locker = redislock.New(client)
	}
}

func redisOptions() *redis.Options {
	addr := os.Getenv("REDIS_ADDRESS")
	if addr == "" {
		addr = "localhost:6379"
	}
	return &redis.Options{
		Addr:         addr,
		Password:     os.Getenv("REDIS_PASSWORD"),
		DB:           intFromEnv("REDIS_DB", 0),
		PoolSize:     intFromEnv("REDIS_POOL_SIZE", 20),
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// ConnectRedisWithRetry pings until Redis answers and then installs the
// client. Call it after the listener is up.
func ConnectRedisWithRetry() {
	opts := redisOptions()
	ctx := context.Background()
	for attempt := 1; ; attempt++ {
		client := redis.NewClient(opts)
		err := client.Ping(ctx).Err()
		if err == nil {
			SetRedisDB(client)
			log.Printf("connected to redis (attempt=%d addr=%s)", attempt, opts.Addr)
			return
		}
		_ = client.Close()

		wait := retryBackoff(attempt)
		log.Printf("failed to connect redis (attempt=%d addr=%s): %v; retrying in %s", attempt, opts.Addr, err, wait)
		time.Sleep(wait)
	}
}
