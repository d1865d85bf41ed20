package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/KevinKickass/OpenBenchCore/internal/controller"
	"github.com/KevinKickass/OpenBenchCore/internal/devices"
	"github.com/KevinKickass/OpenBenchCore/internal/logging"
	"github.com/spf13/viper"
)

const devJWTSecret = "dev-secret-change-in-production-min-32-chars"

type Config struct {
	Server     ServerConfig      `mapstructure:"server"`
	Controller controller.Config `mapstructure:"controller"`
	Serial     SerialConfig      `mapstructure:"serial"`
	Benches    BenchesConfig     `mapstructure:"benches"`
	Database   DatabaseConfig    `mapstructure:"database"`
	MQTT       MQTTConfig        `mapstructure:"mqtt"`
	Auth       AuthConfig        `mapstructure:"auth"`
	Logging    logging.Config    `mapstructure:"logging"`
}

type ServerConfig struct {
	GRPCPort        int           `mapstructure:"grpc_port"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type SerialConfig struct {
	ModbusTimeout time.Duration `mapstructure:"modbus_timeout"`
	ASCIITimeout  time.Duration `mapstructure:"ascii_timeout"`
}

func (s SerialConfig) Timeouts() devices.Timeouts {
	return devices.Timeouts{Modbus: s.ModbusTimeout, SCPI: s.ASCIITimeout}
}

// BenchesConfig points at the descriptor table. An empty Start list starts
// every bench in the file.
type BenchesConfig struct {
	File  string   `mapstructure:"file"`
	Start []string `mapstructure:"start"`
}

type DatabaseConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

type MQTTConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Broker         string        `mapstructure:"broker"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	QoS            byte          `mapstructure:"qos"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// Auth Configuration
type AuthConfig struct {
	Enabled                bool                 `mapstructure:"enabled"`
	JWTSecretEnv           string               `mapstructure:"jwt_secret_env"`
	AccessTokenTTL         time.Duration        `mapstructure:"access_token_ttl"`
	RefreshTokenTTL        time.Duration        `mapstructure:"refresh_token_ttl"`
	MaxFailedLoginAttempts int                  `mapstructure:"max_failed_login_attempts"`
	AccountLockDuration    time.Duration        `mapstructure:"account_lock_duration"`
	Users                  []UserConfig         `mapstructure:"users"`
	MachineTokens          []MachineTokenConfig `mapstructure:"machine_tokens"`
}

// UserConfig is an operator account. PasswordHash is an argon2id hash as
// printed by `benchctl hash-password`.
type UserConfig struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
	Role         string `mapstructure:"role"`
}

// MachineTokenConfig admits an automation client by the sha256 hash of its
// token, as printed by `benchctl machine-token`.
type MachineTokenConfig struct {
	Name        string   `mapstructure:"name"`
	TokenHash   string   `mapstructure:"token_hash"`
	Permissions []string `mapstructure:"permissions"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")

	ctl := controller.DefaultConfig()
	v.SetDefault("controller.quantum", ctl.Quantum)
	v.SetDefault("controller.live_interval", ctl.LiveInterval)
	v.SetDefault("controller.durable_interval", ctl.DurableInterval)
	v.SetDefault("controller.command_buffer", ctl.CommandBuffer)
	v.SetDefault("controller.status_buffer", ctl.StatusBuffer)
	v.SetDefault("controller.outbox_limit", ctl.OutboxLimit)
	v.SetDefault("controller.log_buffer", 0)
	v.SetDefault("controller.log_level", ctl.LogLevel)
	v.SetDefault("controller.shutdown_timeout", ctl.ShutdownTimeout)

	v.SetDefault("serial.modbus_timeout", "1s")
	v.SetDefault("serial.ascii_timeout", "2s")

	v.SetDefault("benches.file", "configs/benches.yaml")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.max_connections", 4)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.client_id", "openbenchcore")
	v.SetDefault("mqtt.topic_prefix", "openbenchcore")
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.connect_timeout", "10s")

	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.jwt_secret_env", "JWT_SECRET")
	v.SetDefault("auth.access_token_ttl", "60m")
	v.SetDefault("auth.refresh_token_ttl", "168h")
	v.SetDefault("auth.max_failed_login_attempts", 5)
	v.SetDefault("auth.account_lock_duration", "15m")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
}

// Load reads the YAML file at path. Every key can be overridden from the
// environment with the OBC_ prefix, e.g. OBC_SERVER_HTTP_PORT.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix("OBC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// GetJWTSecret reads the signing secret from the configured environment
// variable and falls back to a development secret.
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "JWT_SECRET"
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		return devJWTSecret
	}
	return secret
}

func (a *AuthConfig) IsProductionReady() bool {
	secret := a.GetJWTSecret()
	return secret != devJWTSecret && len(secret) >= 32
}
