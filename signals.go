package resilium

import "github.com/zoobzio/capitan"

// Signal constants for resilium strategy events.
// Signals follow the pattern: <strategy-type>.<event>.
const (
	// Retry signals.
	SignalRetryAttemptStart capitan.Signal = "retry.attempt-start"
	SignalRetryAttemptFail  capitan.Signal = "retry.attempt-fail"
	SignalRetryExhausted    capitan.Signal = "retry.exhausted"

	// Timeout signals.
	SignalTimeoutTriggered capitan.Signal = "timeout.triggered"

	// CircuitBreaker signals.
	SignalCircuitBreakerOpened   capitan.Signal = "circuitbreaker.opened"
	SignalCircuitBreakerClosed   capitan.Signal = "circuitbreaker.closed"
	SignalCircuitBreakerHalfOpen capitan.Signal = "circuitbreaker.half-open"
	SignalCircuitBreakerRejected capitan.Signal = "circuitbreaker.rejected"

	// Fallback signals.
	SignalFallbackAttempt capitan.Signal = "fallback.attempt"
	SignalFallbackFailed  capitan.Signal = "fallback.failed"

	// Hedging signals.
	SignalHedgingArmSpawned capitan.Signal = "hedging.arm-spawned"
	SignalHedgingArmWon     capitan.Signal = "hedging.arm-won"
	SignalHedgingExhausted  capitan.Signal = "hedging.exhausted"

	// RateLimiter signals.
	SignalRateLimiterAllowed   capitan.Signal = "ratelimiter.allowed"
	SignalRateLimiterThrottled capitan.Signal = "ratelimiter.throttled"
	SignalRateLimiterDropped   capitan.Signal = "ratelimiter.dropped"

	// Cache signals.
	SignalCacheHit  capitan.Signal = "cache.hit"
	SignalCacheMiss capitan.Signal = "cache.miss"
	SignalCacheSet  capitan.Signal = "cache.set"
)

// Common field keys using capitan primitive types.
// All keys use primitive types to avoid custom struct serialization.
var (
	// Common fields.
	FieldName      = capitan.NewStringKey("name")       // Strategy instance name
	FieldError     = capitan.NewStringKey("error")      // Error message
	FieldTimestamp = capitan.NewFloat64Key("timestamp") // Unix timestamp
	FieldDuration  = capitan.NewFloat64Key("duration")  // Elapsed duration in seconds

	// Retry fields.
	FieldAttempt     = capitan.NewIntKey("attempt")      // Current attempt number
	FieldMaxAttempts = capitan.NewIntKey("max_attempts") // Maximum attempts
	FieldDelay       = capitan.NewFloat64Key("delay")    // Delay before next attempt in seconds

	// CircuitBreaker fields.
	FieldState        = capitan.NewStringKey("state")           // Circuit state: closed/open/half-open
	FieldFailureRatio = capitan.NewFloat64Key("failure_ratio")  // Observed failure ratio in the window
	FieldSampleCount  = capitan.NewIntKey("sample_count")       // Samples in the rolling window
	FieldBreakFor     = capitan.NewFloat64Key("break_duration") // Break duration in seconds

	// Hedging fields.
	FieldArmIndex = capitan.NewIntKey("arm_index") // Index of the hedged attempt

	// RateLimiter fields.
	FieldRateLimitReason = capitan.NewStringKey("reason") // window_full or queue_full

	// Cache fields.
	FieldCacheKey = capitan.NewStringKey("key") // Cache key involved in the event
)
