// Package config loads Idios's runtime configuration from the environment,
// following the teacher's env-var-with-defaults pattern: every setting has a
// safe development default, and Validate rejects defaults that are unsafe to
// run with in production.
package config

import (
	"fmt"
	"net/url"
	"os"
)

const (
	// defaultPostgresURL carries no credential; the password half of the
	// connection is always sourced from POSTGRES_PASSWORD and injected
	// separately, so it never sits in a single copy-pasteable DSN.
	defaultPostgresURL      = "postgres://idios@localhost:5432/idios?sslmode=disable"
	defaultPostgresPassword = "idios"
	defaultKafkaGroup       = "idios-workers"
)

// Config holds every environment-configurable setting: the HTTP front-end,
// the Postgres/pgvector-backed vector store, the Kafka-backed dispatcher
// broker, and the external embedding provider services.
type Config struct {
	Port   string
	AppEnv string

	PostgresURL      string
	PostgresPassword string
	DatabaseURL      string
	MigrationsPath   string

	KafkaBrokers       string
	KafkaConsumerGroup string
	KafkaRPCTopic      string

	GlobalProviderURL    string
	GlobalProviderAPIKey string

	LocalProviderURL    string
	LocalProviderAPIKey string
}

// Load builds a Config from the environment, applying development-safe
// defaults for anything unset.
func Load() *Config {
	postgresURL := getEnv("POSTGRES_URL", defaultPostgresURL)
	postgresPassword := getEnv("POSTGRES_PASSWORD", defaultPostgresPassword)

	return &Config{
		Port:   getEnv("PORT", "8080"),
		AppEnv: getEnv("APP_ENV", "development"),

		PostgresURL:      postgresURL,
		PostgresPassword: postgresPassword,
		DatabaseURL:      withPassword(postgresURL, postgresPassword),
		MigrationsPath:   getEnv("MIGRATIONS_PATH", "migrations"),

		KafkaBrokers:       getEnv("KAFKA_BROKERS", "localhost:9092"),
		KafkaConsumerGroup: getEnv("KAFKA_CONSUMER_GROUP", defaultKafkaGroup),
		KafkaRPCTopic:      getEnv("KAFKA_RPC_TOPIC", "idios_rpc_queue"),

		GlobalProviderURL:    getEnv("GLOBAL_PROVIDER_URL", "http://localhost:8501"),
		GlobalProviderAPIKey: getEnv("GLOBAL_PROVIDER_API_KEY", ""),

		LocalProviderURL:    getEnv("LOCAL_PROVIDER_URL", "http://localhost:8502"),
		LocalProviderAPIKey: getEnv("LOCAL_PROVIDER_API_KEY", ""),
	}
}

// withPassword injects password into rawURL's userinfo, producing the DSN
// pgx actually connects with. Malformed URLs are passed through unchanged;
// pgxpool.ParseConfig surfaces the error at connection time.
func withPassword(rawURL, password string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if u.User == nil {
		return rawURL
	}
	u.User = url.UserPassword(u.User.Username(), password)
	return u.String()
}

// Validate rejects configurations that would silently run a production
// deployment against development defaults.
func (c *Config) Validate() error {
	if c.AppEnv != "production" {
		return nil
	}
	if c.PostgresURL == defaultPostgresURL && c.PostgresPassword == defaultPostgresPassword {
		return fmt.Errorf("config: POSTGRES_URL/POSTGRES_PASSWORD must not be the development defaults in production")
	}
	if c.KafkaBrokers == "" {
		return fmt.Errorf("config: KAFKA_BROKERS must be set in production")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
