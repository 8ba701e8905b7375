// Package am holds the tripmesh configuration model and loading logic.
package am

import "time"

// Config represents the core tripmesh configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Database DatabaseConfig `mapstructure:"database"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Realtime RealtimeConfig `mapstructure:"realtime"`
}

// ServerConfig configures the tripmesh HTTP/WebSocket server
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	LogJSON        bool     `mapstructure:"log_json"`
}

// RedisConfig configures the shared keyed store and pub/sub bus.
// Every cross-process coordination primitive (locks, job status,
// fan-out) goes through this store; nothing is coordinated in-process.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DatabaseConfig configures the SQLite database holding durable
// schedules, place wants, and votes
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// JobsConfig configures the recommendation job subsystem.
// Lock TTLs and throttle thresholds are deployment knobs rather than
// constants; the config watcher makes them tunable without restart.
type JobsConfig struct {
	// Worker concurrency for the recommendation pool (distinct from the
	// pool serving HTTP, so a slow gateway call cannot starve requests)
	Workers    int `mapstructure:"workers"`
	QueueDepth int `mapstructure:"queue_depth"`

	// Recommendation gateway
	GatewayURL            string `mapstructure:"gateway_url"`
	GatewayTimeoutSeconds int    `mapstructure:"gateway_timeout_seconds"`

	// Room lock TTLs per task type, sized to cover worst-case gateway latency
	ScheduleLockTTLSeconds int `mapstructure:"schedule_lock_ttl_seconds"`
	RouteLockTTLSeconds    int `mapstructure:"route_lock_ttl_seconds"`

	// Progress write throttling: write only when the delta since the last
	// stored value reaches ProgressMinDelta or ProgressMinInterval elapsed
	ProgressMinDelta      int `mapstructure:"progress_min_delta"`
	ProgressMinIntervalMS int `mapstructure:"progress_min_interval_ms"`

	// Per-job snapshot retention and the bounded recent-jobs list
	JobRetentionHours int `mapstructure:"job_retention_hours"`
	RecentJobsLimit   int `mapstructure:"recent_jobs_limit"`
}

// RealtimeConfig configures the realtime edit path
type RealtimeConfig struct {
	// Per-client inbound edit rate limit (edits per second, with burst)
	EditRatePerSecond float64 `mapstructure:"edit_rate_per_second"`
	EditBurst         int     `mapstructure:"edit_burst"`
}

// GatewayTimeout returns the gateway timeout as a duration
func (c JobsConfig) GatewayTimeout() time.Duration {
	return time.Duration(c.GatewayTimeoutSeconds) * time.Second
}

// ScheduleLockTTL returns the schedule lock TTL as a duration
func (c JobsConfig) ScheduleLockTTL() time.Duration {
	return time.Duration(c.ScheduleLockTTLSeconds) * time.Second
}

// RouteLockTTL returns the route lock TTL as a duration
func (c JobsConfig) RouteLockTTL() time.Duration {
	return time.Duration(c.RouteLockTTLSeconds) * time.Second
}

// ProgressMinInterval returns the progress throttle interval as a duration
func (c JobsConfig) ProgressMinInterval() time.Duration {
	return time.Duration(c.ProgressMinIntervalMS) * time.Millisecond
}

// JobRetention returns the per-job snapshot TTL as a duration
func (c JobsConfig) JobRetention() time.Duration {
	return time.Duration(c.JobRetentionHours) * time.Hour
}
