package domain

const (
	DefaultMaxConnsPerServer          = 4
	DefaultMinConnsPerServer          = 0
	DefaultIdleSeconds                = 300
	DefaultReapIntervalSeconds        = 15
	DefaultLeaseTimeoutSeconds        = 10
	DefaultRequestTimeoutSeconds      = 30
	DefaultCacheTTLSeconds            = 60
	DefaultCacheMaxEntries            = 1024
	DefaultCacheCleanupSeconds        = 60
	DefaultMaxAttempts                = 3
	DefaultBaseDelayMillis            = 100
	DefaultBackoffMultiplier          = 2.0
	DefaultJitterRatio                = 0.2
	DefaultMinMatchScore              = 1
	DefaultHistorySize                = 256
	DefaultAPIListenAddress           = "127.0.0.1:8080"
	DefaultObservabilityListenAddress = "0.0.0.0:9090"
)
