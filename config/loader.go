// =============================================================================
// fedrun configuration loader
// =============================================================================
// YAML file + environment variable overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("fedrun.yaml").
//	    WithEnvPrefix("FEDRUN").
//	    Load()
//
// Precedence: defaults → YAML file → environment
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Configuration structure
// =============================================================================

// Config is the complete fedrun configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	Central   CentralConfig   `yaml:"central" env:"CENTRAL"`
	Node      NodeConfig      `yaml:"node" env:"NODE"`
	Reconnect ReconnectConfig `yaml:"reconnect" env:"RECONNECT"`
	Shutdown  ShutdownConfig  `yaml:"shutdown" env:"SHUTDOWN"`
	Transfer  TransferConfig  `yaml:"transfer" env:"TRANSFER"`
	Storage   StorageConfig   `yaml:"storage" env:"STORAGE"`
	Redis     RedisConfig     `yaml:"redis" env:"REDIS"`
	Database  DatabaseConfig  `yaml:"database" env:"DATABASE"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig configures the HTTP listeners of the central authority and
// the file-storage service.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" env:"HTTP_PORT"`
	MetricsPort     int           `yaml:"metrics_port" env:"METRICS_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// Requests per second per client IP, 0 disables limiting.
	RateLimitRPS   int      `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	CORSOrigins    []string `yaml:"cors_origins" env:"CORS_ORIGINS"`
	// Upper bound for multipart uploads accepted by the file-storage service.
	MaxUploadBytes int64 `yaml:"max_upload_bytes" env:"MAX_UPLOAD_BYTES"`
	// Serve HTTPS when both are set.
	TLSCertFile string `yaml:"tls_cert_file" env:"TLS_CERT_FILE"`
	TLSKeyFile  string `yaml:"tls_key_file" env:"TLS_KEY_FILE"`
}

// CentralConfig configures the central authority.
type CentralConfig struct {
	JWTSecret        string        `yaml:"jwt_secret" env:"JWT_SECRET"`
	JWTIssuer        string        `yaml:"jwt_issuer" env:"JWT_ISSUER"`
	SessionTTL       time.Duration `yaml:"session_ttl" env:"SESSION_TTL"`
	DownloadTokenTTL time.Duration `yaml:"download_token_ttl" env:"DOWNLOAD_TOKEN_TTL"`
	// YAML file with the consortia loaded into the store at startup.
	ConsortiaFile string `yaml:"consortia_file" env:"CONSORTIA_FILE"`
	// Public base URL of the file-storage service, used to build per-member
	// download URLs.
	FileStorageURL string `yaml:"file_storage_url" env:"FILE_STORAGE_URL"`
	// Fan events out across central replicas through redis pub/sub.
	RedisFanout bool `yaml:"redis_fanout" env:"REDIS_FANOUT"`
	// Per-subscriber event queue length.
	SubscriberBuffer int `yaml:"subscriber_buffer" env:"SUBSCRIBER_BUFFER"`
}

// NodeConfig configures a participant or central-launcher node.
type NodeConfig struct {
	// central, edge or vault
	Role           string `yaml:"role" env:"ROLE"`
	UserID         string `yaml:"user_id" env:"USER_ID"`
	EventStreamURL string `yaml:"event_stream_url" env:"EVENT_STREAM_URL"`
	CentralURL     string `yaml:"central_url" env:"CENTRAL_URL"`
	AccessToken    string `yaml:"access_token" env:"ACCESS_TOKEN"`
	FileStorageURL string `yaml:"file_storage_url" env:"FILE_STORAGE_URL"`
	BaseDir        string `yaml:"base_dir" env:"BASE_DIR"`
	// Address participants use to reach the FL server, for NAT traversal.
	HostIdentifier string `yaml:"host_identifier" env:"HOST_IDENTIFIER"`
	PortRangeMin   int    `yaml:"port_range_min" env:"PORT_RANGE_MIN"`
	PortRangeMax   int    `yaml:"port_range_max" env:"PORT_RANGE_MAX"`
	// Host name containers use to reach services published on the host.
	ContainerHostAlias string        `yaml:"container_host_alias" env:"CONTAINER_HOST_ALIAS"`
	DockerBinary       string        `yaml:"docker_binary" env:"DOCKER_BINARY"`
	ProvisionImage     string        `yaml:"provision_image" env:"PROVISION_IMAGE"`
	Python             PythonConfig  `yaml:"python" env:"PYTHON"`
	ProgressInterval   time.Duration `yaml:"progress_interval" env:"PROGRESS_INTERVAL"`
	ProgressDedupe     time.Duration `yaml:"progress_dedupe" env:"PROGRESS_DEDUPE"`
	// Command printing the FL admin status as JSON; empty disables the watcher.
	StatusCommand []string `yaml:"status_command" env:"STATUS_COMMAND"`
	// PEM bundle trusted in addition to the system roots when talking to central.
	CAFile string `yaml:"ca_file" env:"CA_FILE"`
}

// PythonConfig configures the interpreter used by observer processes.
type PythonConfig struct {
	Interpreter    string `yaml:"interpreter" env:"INTERPRETER"`
	VenvDir        string `yaml:"venv_dir" env:"VENV_DIR"`
	Package        string `yaml:"package" env:"PACKAGE"`
	PackageVersion string `yaml:"package_version" env:"PACKAGE_VERSION"`
	// Entry script relative to the run kit.
	Entrypoint string `yaml:"entrypoint" env:"ENTRYPOINT"`
}

// ReconnectConfig configures the event-stream resilience policy.
type ReconnectConfig struct {
	BaseDelay    time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
	Multiplier   float64       `yaml:"multiplier" env:"MULTIPLIER"`
	MaxDelay     time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	Jitter       float64       `yaml:"jitter" env:"JITTER"`
	PingInterval time.Duration `yaml:"ping_interval" env:"PING_INTERVAL"`
}

// ShutdownConfig configures node shutdown.
type ShutdownConfig struct {
	GracePeriod time.Duration `yaml:"grace_period" env:"GRACE_PERIOD"`
}

// TransferConfig configures result transfer retries.
type TransferConfig struct {
	Attempts int           `yaml:"attempts" env:"ATTEMPTS"`
	Delay    time.Duration `yaml:"delay" env:"DELAY"`
	Timeout  time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// StorageConfig selects the file-storage backend.
type StorageConfig struct {
	// disk or minio
	Backend string      `yaml:"backend" env:"BACKEND"`
	DiskDir string      `yaml:"disk_dir" env:"DISK_DIR"`
	MinIO   MinIOConfig `yaml:"minio" env:"MINIO"`
}

// MinIOConfig configures the S3-compatible backend.
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint" env:"ENDPOINT"`
	AccessKey string `yaml:"access_key" env:"ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"SECRET_KEY"`
	Bucket    string `yaml:"bucket" env:"BUCKET"`
	Region    string `yaml:"region" env:"REGION"`
	UseSSL    bool   `yaml:"use_ssl" env:"USE_SSL"`
}

// RedisConfig configures the redis client used for event fan-out.
type RedisConfig struct {
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	PoolSize     int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	Channel      string `yaml:"channel" env:"CHANNEL"`
}

// DatabaseConfig configures the run/consortium store.
type DatabaseConfig struct {
	// postgres, mysql, sqlite
	Driver          string        `yaml:"driver" env:"DRIVER"`
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	Name            string        `yaml:"name" env:"NAME"`
	SSLMode         string        `yaml:"ssl_mode" env:"SSL_MODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// LogConfig configures the root zap logger.
type LogConfig struct {
	// debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// json, console
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// Loader
// =============================================================================

// Loader builds a Config (builder pattern).
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the FEDRUN env prefix.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "FEDRUN",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a validator run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load loads the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// missing file: keep defaults
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv walks struct fields recursively, building keys from the
// env tags: FEDRUN_NODE_PYTHON_INTERPRETER.
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// comma separated string slices
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// MustLoad loads configuration and panics on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate checks the settings shared by every command.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Reconnect.Multiplier < 1 {
		errs = append(errs, "reconnect.multiplier must be >= 1")
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter >= 1 {
		errs = append(errs, "reconnect.jitter must be in [0, 1)")
	}
	if c.Reconnect.BaseDelay <= 0 || c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		errs = append(errs, "reconnect delays must satisfy 0 < base_delay <= max_delay")
	}
	if c.Transfer.Attempts <= 0 {
		errs = append(errs, "transfer.attempts must be positive")
	}
	if c.Node.PortRangeMin > c.Node.PortRangeMax {
		errs = append(errs, "node.port_range_min must not exceed node.port_range_max")
	}
	switch c.Storage.Backend {
	case "disk", "minio":
	default:
		errs = append(errs, fmt.Sprintf("unknown storage backend %q", c.Storage.Backend))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ValidateCentral checks settings required by the central authority.
func (c *Config) ValidateCentral() error {
	if c.Central.JWTSecret == "" {
		return fmt.Errorf("central.jwt_secret is required")
	}
	if c.Central.FileStorageURL == "" {
		return fmt.Errorf("central.file_storage_url is required")
	}
	return nil
}

// ValidateNode checks settings required by a node.
func (c *Config) ValidateNode() error {
	var errs []string
	switch c.Node.Role {
	case "central", "edge", "vault":
	default:
		errs = append(errs, fmt.Sprintf("unknown node role %q", c.Node.Role))
	}
	if c.Node.EventStreamURL == "" {
		errs = append(errs, "node.event_stream_url is required")
	}
	if c.Node.AccessToken == "" {
		errs = append(errs, "node.access_token is required")
	}
	if c.Node.BaseDir == "" {
		errs = append(errs, "node.base_dir is required")
	}
	if len(errs) > 0 {
		return fmt.Errorf("node config errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// DSN returns the database connection string.
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
