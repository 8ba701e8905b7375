package am

import "github.com/spf13/viper"

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8087)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})
	v.SetDefault("server.log_json", false)

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Database defaults
	v.SetDefault("database.path", "tripmesh.db")

	// Recommendation job defaults
	v.SetDefault("jobs.workers", 4)
	v.SetDefault("jobs.queue_depth", 64)
	v.SetDefault("jobs.gateway_url", "http://localhost:9090/recommend")
	v.SetDefault("jobs.gateway_timeout_seconds", 120)
	v.SetDefault("jobs.schedule_lock_ttl_seconds", 300) // covers worst-case gateway latency
	v.SetDefault("jobs.route_lock_ttl_seconds", 180)
	v.SetDefault("jobs.progress_min_delta", 5)
	v.SetDefault("jobs.progress_min_interval_ms", 2000)
	v.SetDefault("jobs.job_retention_hours", 48)
	v.SetDefault("jobs.recent_jobs_limit", 20)

	// Realtime edit defaults
	v.SetDefault("realtime.edit_rate_per_second", 20.0)
	v.SetDefault("realtime.edit_burst", 40)
}
