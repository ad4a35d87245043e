package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "commerce"
)

// Ключи состояния
const (
	RedisKeyOrgPaused    = RedisNamespace + ":org:paused"
	RedisKeyHaltedAgents = RedisNamespace + ":agents:halted_set"
	RedisKeyLockHalted   = RedisNamespace + ":lock:warmup:halted"
)

// Каналы Pub/Sub (события)
const (
	RedisChanPause        = RedisNamespace + ":org:pause-signal"
	RedisChanHalt         = RedisNamespace + ":agents:halt-signal"
	RedisChanPolicyUpdate = RedisNamespace + ":policy:update"
	RedisChanAuditStream  = RedisNamespace + ":audit:stream"
)
