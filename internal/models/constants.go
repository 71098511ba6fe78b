package models

const (
	// DefaultMaxRetries is the retry cap: an action is attempted at most 1 + DefaultMaxRetries times.
	DefaultMaxRetries = 3

	// DefaultCachePrefix namespaces cached resources so bulk clear only touches our keys.
	DefaultCachePrefix = "goldrock:cache:"

	// DefaultQueueKey is the redis key holding the persisted queue envelope.
	DefaultQueueKey = "goldrock:offline_queue"
)

const (
	DeliveryDelivered = "delivered"
	DeliveryRetried   = "retried"
	DeliveryDropped   = "dropped"
)

const (
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
	// StoreMemory keeps the queue only for the process lifetime; for tests and demos.
	StoreMemory = "memory"
)

const (
	CacheRedis  = "redis"
	CacheMemory = "memory"
)
