// Package config loads and validates application configuration.
//
// Sources, lowest precedence first: built-in defaults, a local .env file,
// the YAML file named by FLEETWISE_CONFIG_FILE, and FLEETWISE_* variables.
//
// Server settings:
//
//	FLEETWISE_HOST="0.0.0.0"
//	FLEETWISE_PORT="8080"
//	FLEETWISE_CORS_ORIGINS="https://admin.example.com,https://portal.example.com"
//
// Database and Redis:
//
//	FLEETWISE_DATABASE_URL="postgres://localhost/fleetwise?sslmode=disable"
//	FLEETWISE_REDIS_URL="redis://localhost:6379/0"
//
// Drivers:
//
//	FLEETWISE_STORAGE_TYPE="filesystem"     # filesystem, s3
//	FLEETWISE_NOTIFICATION_QUEUE="memory"   # memory, redis
//	FLEETWISE_BROADCAST_DRIVER="memory"     # memory, redis, kafka
//
// WatchLogLevel reloads observability.log_level when the YAML file changes.
package config
