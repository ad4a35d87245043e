package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации шлюза.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Policy     PolicyConfig     `mapstructure:"policy"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Logger     LoggerConfig     `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP и gRPC (health) серверов.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	GRPCPort     int           `mapstructure:"grpc_port"`
	MetricsPort  int           `mapstructure:"metrics_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig описывает подключение к хранилищу: pgx (PostgreSQL) или sqlite.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (сигналы паузы/остановки, поток аудита).
// Пустой Addr отключает Redis: сигналы остаются локальными для инстанса.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит пути к RSA ключам консоли.
type AuthConfig struct {
	PublicKeyPath  string        `mapstructure:"public_key_path"`
	PrivateKeyPath string        `mapstructure:"private_key_path"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	BcryptCost     int           `mapstructure:"bcrypt_cost"`
	// Операторы, которые создаются при старте (пароль берется из ENV по PasswordEnv)
	Operators  []OperatorSeed `mapstructure:"operators"`
	PublicKey  []byte
	PrivateKey []byte
}

type OperatorSeed struct {
	Username    string   `mapstructure:"username"`
	PasswordEnv string   `mapstructure:"password_env"`
	Scopes      []string `mapstructure:"scopes"`
}

// EngineConfig — пул исполнения и политика повторов при отправке в сеть расчетов.
type EngineConfig struct {
	Workers        int           `mapstructure:"workers"`
	QueueSize      int           `mapstructure:"queue_size"`
	QueueTimeout   time.Duration `mapstructure:"queue_timeout"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	SubmitDeadline time.Duration `mapstructure:"submit_deadline"`
	MaxAttempts    uint          `mapstructure:"max_attempts"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateBurst      int           `mapstructure:"rate_burst"`

	// Circuit Breaker сети расчетов
	CBFailures uint32        `mapstructure:"cb_failures"`
	CBTimeout  time.Duration `mapstructure:"cb_timeout"`

	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`

	AuditStreamBuffer  int           `mapstructure:"audit_stream_buffer"`
	AuditFlushInterval time.Duration `mapstructure:"audit_flush_interval"`
}

// PolicyConfig — документ, которым засевается пустое хранилище.
type PolicyConfig struct {
	File string `mapstructure:"file"`
}

// SettlementConfig — адаптер сети расчетов. Пустой RPCURL включает встроенный mock.
type SettlementConfig struct {
	RPCURL        string            `mapstructure:"rpc_url"`
	TokenAddress  string            `mapstructure:"token_address"`
	TokenDecimals int               `mapstructure:"token_decimals"`
	Wallets       map[string]string `mapstructure:"wallets"`
	ConfirmPoll   time.Duration     `mapstructure:"confirm_poll"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// ENGINE_WORKERS=16 перекроет engine.workers
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// PEM-ключ может лежать прямо в ENV (Docker/K8s), иначе читаем файл
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 50052)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 90*time.Second)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.url", "commerce-gate.db")
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("auth.token_ttl", 12*time.Hour)
	v.SetDefault("auth.bcrypt_cost", 12)
	v.SetDefault("engine.workers", 8)
	v.SetDefault("engine.queue_size", 256)
	v.SetDefault("engine.queue_timeout", 5*time.Second)
	v.SetDefault("engine.attempt_timeout", 10*time.Second)
	v.SetDefault("engine.submit_deadline", 60*time.Second)
	v.SetDefault("engine.max_attempts", 5)
	v.SetDefault("engine.base_delay", 200*time.Millisecond)
	v.SetDefault("engine.max_delay", 5*time.Second)
	v.SetDefault("engine.rate_limit", 100)
	v.SetDefault("engine.rate_burst", 20)
	v.SetDefault("engine.cb_failures", 5)
	v.SetDefault("engine.cb_timeout", 30*time.Second)
	v.SetDefault("engine.reconcile_interval", time.Minute)
	v.SetDefault("engine.audit_stream_buffer", 10000)
	v.SetDefault("engine.audit_flush_interval", 500*time.Millisecond)
	v.SetDefault("policy.file", "configs/policy.yaml")
	v.SetDefault("settlement.token_decimals", 6)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// Validate отсекает конфигурации, при которых шлюз не может гарантировать завершение отправки.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "pgx", "sqlite":
	default:
		return fmt.Errorf("config: unsupported database driver %q", c.Database.Driver)
	}
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("config: engine.workers must be positive")
	}
	if c.Engine.AttemptTimeout > c.Engine.SubmitDeadline {
		return fmt.Errorf("config: engine.attempt_timeout %s exceeds submit_deadline %s",
			c.Engine.AttemptTimeout, c.Engine.SubmitDeadline)
	}
	return nil
}

func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
