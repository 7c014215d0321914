package config

import (
	"os"
	"strings"
)

// EnvBool reads a boolean flag; unknown or empty values fall back to def.
func EnvBool(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}

// PubSubDispatchEnabled routes background jobs through Pub/Sub instead of
// in-process goroutines.
//
// Set via env:
// - PUBSUB_ENABLED=true
func PubSubDispatchEnabled() bool {
	return EnvBool("PUBSUB_ENABLED", false)
}

// RebuildAfterSync chains a classification rebuild after every successful sync/import.
//
// Set via env:
// - REBUILD_AFTER_SYNC=false to disable
func RebuildAfterSync() bool {
	return EnvBool("REBUILD_AFTER_SYNC", true)
}

// RedisScopeLockEnabled adds a cross-instance redislock on top of the database lock.
func RedisScopeLockEnabled() bool {
	return EnvBool("REDIS_SCOPE_LOCK", true)
}
