// =============================================================================
// fedrun defaults
// =============================================================================
package config

import "time"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Central:   DefaultCentralConfig(),
		Node:      DefaultNodeConfig(),
		Reconnect: DefaultReconnectConfig(),
		Shutdown:  ShutdownConfig{GracePeriod: 10 * time.Second},
		Transfer:  DefaultTransferConfig(),
		Storage:   DefaultStorageConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig returns the default HTTP server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    5 * time.Minute,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
		MaxUploadBytes:  2 << 30,
	}
}

// DefaultCentralConfig returns the default central authority configuration.
func DefaultCentralConfig() CentralConfig {
	return CentralConfig{
		JWTIssuer:        "fedrun",
		SessionTTL:       24 * time.Hour,
		DownloadTokenTTL: 15 * time.Minute,
		FileStorageURL:   "http://localhost:8080",
		SubscriberBuffer: 64,
	}
}

// DefaultNodeConfig returns the default node configuration.
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		Role:               "edge",
		EventStreamURL:     "ws://localhost:8080/events",
		CentralURL:         "http://localhost:8080",
		FileStorageURL:     "http://localhost:8080",
		BaseDir:            "/var/lib/fedrun",
		HostIdentifier:     "localhost",
		PortRangeMin:       30000,
		PortRangeMax:       30100,
		ContainerHostAlias: "host.docker.internal",
		DockerBinary:       "docker",
		ProvisionImage:     "fedrun/provision:latest",
		Python: PythonConfig{
			Interpreter:    "python3",
			Package:        "nvflare",
			PackageVersion: "2.4.0",
			Entrypoint:     "startup/start.py",
		},
		ProgressInterval: 5 * time.Second,
		ProgressDedupe:   30 * time.Second,
	}
}

// DefaultReconnectConfig returns the default event-stream reconnect policy.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		BaseDelay:    time.Second,
		Multiplier:   2,
		MaxDelay:     60 * time.Second,
		Jitter:       0.2,
		PingInterval: 15 * time.Second,
	}
}

// DefaultTransferConfig returns the default transfer retry policy.
func DefaultTransferConfig() TransferConfig {
	return TransferConfig{
		Attempts: 10,
		Delay:    3 * time.Second,
		Timeout:  10 * time.Minute,
	}
}

// DefaultStorageConfig returns the default storage backend.
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		Backend: "disk",
		DiskDir: "/var/lib/fedrun/storage",
		MinIO: MinIOConfig{
			Endpoint: "localhost:9000",
			Bucket:   "fedrun-artifacts",
			Region:   "us-east-1",
		},
	}
}

// DefaultRedisConfig returns the default redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		PoolSize:     10,
		MinIdleConns: 2,
		Channel:      "fedrun:events",
	}
}

// DefaultDatabaseConfig returns the default database configuration.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "fedrun",
		Name:            "fedrun",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns the default telemetry configuration.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "fedrun",
		SampleRate:   0.1,
	}
}
