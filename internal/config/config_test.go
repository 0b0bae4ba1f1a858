package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// clearEnv blanks every variable the loader reads; viper treats empty
// variables as unset.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range envBindings {
		t.Setenv(env, "")
	}
	t.Setenv("CONFIG_FILE", "")
}

func setEnvVars(t *testing.T, vars map[string]string) {
	t.Helper()
	for k, v := range vars {
		t.Setenv(k, v)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t)

	config, err := LoadConfig()
	if err != nil {
		t.Fatalf("Expected no error with default config, got: %v", err)
	}

	if config.Server.Host != "localhost" {
		t.Errorf("Expected default host 'localhost', got %s", config.Server.Host)
	}

	if config.Server.Port != "8080" {
		t.Errorf("Expected default port '8080', got %s", config.Server.Port)
	}

	if config.Server.Environment != "development" {
		t.Errorf("Expected default environment 'development', got %s", config.Server.Environment)
	}

	if config.Database.Driver != "sqlite" {
		t.Errorf("Expected default driver 'sqlite', got %s", config.Database.Driver)
	}

	if config.Database.Path != "data/astro_demo.db" {
		t.Errorf("Expected default DB path 'data/astro_demo.db', got %s", config.Database.Path)
	}

	if config.Redis.Enabled {
		t.Error("Expected Redis to be disabled by default")
	}

	if config.Redis.PoolSize != 10 {
		t.Errorf("Expected default Redis pool size 10, got %d", config.Redis.PoolSize)
	}

	if config.Worker.Concurrency != 4 {
		t.Errorf("Expected default worker concurrency 4, got %d", config.Worker.Concurrency)
	}

	if len(config.Worker.Queues) != 2 {
		t.Errorf("Expected 2 default queues, got %d", len(config.Worker.Queues))
	}

	if config.Auth.BCryptCost != 10 {
		t.Errorf("Expected default bcrypt cost 10, got %d", config.Auth.BCryptCost)
	}

	if !config.RateLimit.Enabled {
		t.Error("Expected rate limiting to be enabled by default")
	}

	if !config.Scheduler.Enabled {
		t.Error("Expected scheduler to be enabled by default")
	}

	if config.Scheduler.ExecutionTimeout != 5*time.Minute {
		t.Errorf("Expected execution timeout 5m, got %v", config.Scheduler.ExecutionTimeout)
	}

	if config.Scheduler.LogRetention != 30*24*time.Hour {
		t.Errorf("Expected log retention 720h, got %v", config.Scheduler.LogRetention)
	}

	if config.Log.Level != "info" {
		t.Errorf("Expected log level 'info', got %s", config.Log.Level)
	}
}

func TestLoadConfig_CustomEnvironment(t *testing.T) {
	clearEnv(t)
	setEnvVars(t, map[string]string{
		"HOST":                        "0.0.0.0",
		"PORT":                        "9000",
		"ENVIRONMENT":                 "production",
		"DB_DRIVER":                   "postgres",
		"DB_HOST":                     "db.example.com",
		"DB_PASSWORD":                 "secure_password",
		"DB_MAX_OPEN_CONNS":           "50",
		"REDIS_ENABLED":               "true",
		"REDIS_HOST":                  "redis.example.com",
		"REDIS_DB":                    "1",
		"WORKER_CONCURRENCY":          "8",
		"WORKER_QUEUES":               "a,b,c",
		"JWT_SECRET":                  "super-secret-key",
		"RATE_LIMIT_ENABLED":          "false",
		"READ_TIMEOUT":                "45s",
		"ACCESS_TOKEN_TTL":            "30m",
		"SCHEDULER_EXECUTION_TIMEOUT": "10s",
		"CORS_ORIGINS":                "http://localhost:4321,http://example.com",
	})

	config, err := LoadConfig()
	if err != nil {
		t.Fatalf("Expected no error with custom config, got: %v", err)
	}

	if config.Server.Host != "0.0.0.0" {
		t.Errorf("Expected host '0.0.0.0', got %s", config.Server.Host)
	}

	if config.Server.Port != "9000" {
		t.Errorf("Expected port '9000', got %s", config.Server.Port)
	}

	if config.Database.Driver != "postgres" {
		t.Errorf("Expected driver 'postgres', got %s", config.Database.Driver)
	}

	if config.Database.MaxOpenConns != 50 {
		t.Errorf("Expected max open conns 50, got %d", config.Database.MaxOpenConns)
	}

	if !config.Redis.Enabled {
		t.Error("Expected Redis to be enabled")
	}

	if config.Redis.DB != 1 {
		t.Errorf("Expected Redis DB 1, got %d", config.Redis.DB)
	}

	if config.Worker.Concurrency != 8 {
		t.Errorf("Expected worker concurrency 8, got %d", config.Worker.Concurrency)
	}

	if len(config.Worker.Queues) != 3 {
		t.Errorf("Expected 3 queues, got %v", config.Worker.Queues)
	}

	if config.RateLimit.Enabled {
		t.Error("Expected rate limiting to be disabled")
	}

	if config.Server.ReadTimeout != 45*time.Second {
		t.Errorf("Expected read timeout 45s, got %v", config.Server.ReadTimeout)
	}

	if config.Auth.AccessTokenTTL != 30*time.Minute {
		t.Errorf("Expected access token TTL 30m, got %v", config.Auth.AccessTokenTTL)
	}

	if config.Scheduler.ExecutionTimeout != 10*time.Second {
		t.Errorf("Expected execution timeout 10s, got %v", config.Scheduler.ExecutionTimeout)
	}

	if len(config.Server.CORSOrigins) != 2 {
		t.Errorf("Expected 2 CORS origins, got %v", config.Server.CORSOrigins)
	}
}

func TestLoadConfig_ConfigFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte("server:\n  port: \"7070\"\nscheduler:\n  handler_pace: 0s\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("HOST", "127.0.0.1")

	config, err := LoadConfig()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if config.Server.Port != "7070" {
		t.Errorf("Expected port from file '7070', got %s", config.Server.Port)
	}

	if config.Server.Host != "127.0.0.1" {
		t.Errorf("Expected host from env '127.0.0.1', got %s", config.Server.Host)
	}

	if config.Scheduler.HandlerPace != 0 {
		t.Errorf("Expected handler pace 0, got %v", config.Scheduler.HandlerPace)
	}
}

func TestLoadConfig_ProductionValidation(t *testing.T) {
	clearEnv(t)
	setEnvVars(t, map[string]string{
		"ENVIRONMENT": "production",
		"DB_DRIVER":   "postgres",
		"JWT_SECRET":  "secure-jwt-secret",
	})

	_, err := LoadConfig()
	if err == nil {
		t.Fatal("Expected error for missing database password in production")
	}

	if err.Error() != "database password is required in production" {
		t.Errorf("Expected specific error message, got: %v", err)
	}
}

func TestLoadConfig_ProductionJWTValidation(t *testing.T) {
	clearEnv(t)
	setEnvVars(t, map[string]string{
		"ENVIRONMENT": "production",
	})

	_, err := LoadConfig()
	if err == nil {
		t.Fatal("Expected error for default JWT secret in production")
	}

	if err.Error() != "JWT secret must be set in production" {
		t.Errorf("Expected specific error message, got: %v", err)
	}
}

func TestLoadConfig_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown driver", map[string]string{"DB_DRIVER": "mysql"}},
		{"unknown log level", map[string]string{"LOG_LEVEL": "verbose"}},
		{"bcrypt cost too low", map[string]string{"BCRYPT_COST": "2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			setEnvVars(t, tt.env)

			if _, err := LoadConfig(); err == nil {
				t.Errorf("Expected error for %s", tt.name)
			}
		})
	}
}

func TestConfig_GetDatabaseDSN(t *testing.T) {
	config := &Config{
		Database: DatabaseConfig{
			Driver:   "postgres",
			Host:     "localhost",
			Port:     "5432",
			User:     "testuser",
			Password: "testpass",
			Name:     "testdb",
			SSLMode:  "require",
		},
	}

	expected := "host=localhost port=5432 user=testuser password=testpass dbname=testdb sslmode=require"
	if actual := config.GetDatabaseDSN(); actual != expected {
		t.Errorf("Expected DSN '%s', got '%s'", expected, actual)
	}

	config.Database.Driver = "sqlite"
	config.Database.Path = "data/test.db"
	if actual := config.GetDatabaseDSN(); actual != "data/test.db" {
		t.Errorf("Expected sqlite DSN 'data/test.db', got '%s'", actual)
	}
}

func TestConfig_GetRedisAddr(t *testing.T) {
	config := &Config{
		Redis: RedisConfig{
			Host: "redis.example.com",
			Port: "6380",
		},
	}

	expected := "redis.example.com:6380"
	if actual := config.GetRedisAddr(); actual != expected {
		t.Errorf("Expected Redis addr '%s', got '%s'", expected, actual)
	}
}

func TestConfig_GetServerAddr(t *testing.T) {
	config := &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: "9000",
		},
	}

	expected := "0.0.0.0:9000"
	if actual := config.GetServerAddr(); actual != expected {
		t.Errorf("Expected server addr '%s', got '%s'", expected, actual)
	}
}

func TestConfig_IsProduction(t *testing.T) {
	tests := []struct {
		environment string
		expected    bool
	}{
		{"production", true},
		{"development", false},
		{"staging", false},
		{"", false},
	}

	for _, test := range tests {
		config := &Config{Server: ServerConfig{Environment: test.environment}}

		if actual := config.IsProduction(); actual != test.expected {
			t.Errorf("Environment %q: expected %v, got %v", test.environment, test.expected, actual)
		}
	}
}
