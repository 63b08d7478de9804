package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the insight API
type Config struct {
	Server     ServerConfig
	CRM        DatabaseConfig
	Analytics  MariaDBConfig
	Redis      RedisConfig
	Monitoring MonitoringConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
	AllowedOrigins []string
}

// DatabaseConfig holds PostgreSQL (CRM store) configuration
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// MariaDBConfig holds the on-page analytics store configuration
type MariaDBConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	Enabled     bool
	MetricsPath string
	LogLevel    string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:    getEnvAsDuration("SERVER_READ_TIMEOUT", "30s"),
			WriteTimeout:   getEnvAsDuration("SERVER_WRITE_TIMEOUT", "30s"),
			IdleTimeout:    getEnvAsDuration("SERVER_IDLE_TIMEOUT", "120s"),
			RequestTimeout: getEnvAsDuration("SERVER_REQUEST_TIMEOUT", "30s"),
			AllowedOrigins: []string{getEnv("CORS_ALLOWED_ORIGIN", "http://localhost:3000")},
		},
		CRM: DatabaseConfig{
			Host:            getEnv("CRM_DB_HOST", "localhost"),
			Port:            getEnvAsInt("CRM_DB_PORT", 5432),
			User:            getEnv("CRM_DB_USER", "insight"),
			Password:        getEnv("CRM_DB_PASSWORD", ""),
			Database:        getEnv("CRM_DB_NAME", "insight_crm"),
			SSLMode:         getEnv("CRM_DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvAsInt("CRM_DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("CRM_DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("CRM_DB_CONN_MAX_LIFETIME", "5m"),
		},
		Analytics: MariaDBConfig{
			Host:            getEnv("ANALYTICS_DB_HOST", "localhost"),
			Port:            getEnvAsInt("ANALYTICS_DB_PORT", 3306),
			User:            getEnv("ANALYTICS_DB_USER", "insight"),
			Password:        getEnv("ANALYTICS_DB_PASSWORD", ""),
			Database:        getEnv("ANALYTICS_DB_NAME", "insight_analytics"),
			MaxOpenConns:    getEnvAsInt("ANALYTICS_DB_MAX_OPEN_CONNS", 15),
			MaxIdleConns:    getEnvAsInt("ANALYTICS_DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("ANALYTICS_DB_CONN_MAX_LIFETIME", "5m"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
		},
		Monitoring: MonitoringConfig{
			Enabled:     getEnvAsBool("MONITORING_ENABLED", true),
			MetricsPath: getEnv("METRICS_PATH", "/metrics"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
	}

	// Validate required fields
	if cfg.CRM.Password == "" {
		return nil, fmt.Errorf("CRM_DB_PASSWORD is required")
	}

	if cfg.Analytics.Password == "" {
		return nil, fmt.Errorf("ANALYTICS_DB_PASSWORD is required")
	}

	return cfg, nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ := time.ParseDuration(defaultValue)
		return duration
	}
	return value
}
