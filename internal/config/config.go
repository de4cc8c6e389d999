// Package config предоставляет структуры и функцию для парсинга и загрузки конфига
package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config общая структура для хранения настроек всех сервисов
type Config struct {
	Env                     string `yaml:"env" env-default:"local"`
	StorageConnectionString string `yaml:"storage_connection_string" env:"STORAGE_CONNECTION_STRING"`
	MigrationsPath          string `yaml:"migrations_path" env-default:"file://migrations"`
	RedisConnection         `yaml:"redis_connection"`
	HTTPServer              `yaml:"http_server"`
	JWTToken                `yaml:"jwttoken"`
	RabbitMQ                `yaml:"rabbitmq"`
	SMTP                    `yaml:"smtp"`
	Refresh                 `yaml:"refresh"`
	Reminder                `yaml:"reminder"`
	Delivery                `yaml:"delivery"`
	Crypto                  `yaml:"crypto"`
}

// HTTPServer структура для настройки сервера
type HTTPServer struct {
	AddressHTTP string        `yaml:"addresshttp" env-default:":8080"`
	TimeoutHTTP time.Duration `yaml:"timeouthttp" env-default:"5s"`
	IdleTimeout time.Duration `yaml:"idle_timeout" env-default:"60s"`
	RateLimit   float64       `yaml:"rate_limit" env-default:"5"`
	RateBurst   int           `yaml:"rate_burst" env-default:"10"`
}

// RedisConnection структура для настройки подключения к redis
type RedisConnection struct {
	RedisAddress     string        `yaml:"addressredis"`
	RedisPassword    string        `yaml:"password"`
	RedisUser        string        `yaml:"user"`
	RedisDB          int           `yaml:"db"`
	RedisMaxRetries  int           `yaml:"max_retries" env-default:"3"`
	RedisDialTimeout time.Duration `yaml:"dial_timeout" env-default:"5s"`
	RedisTimeout     time.Duration `yaml:"timeoutredis" env-default:"3s"`
}

// JWTToken структура для работы с jwt-токеном
type JWTToken struct {
	JWTSecretKey string        `yaml:"jwt_secret_key" env:"JWT_SECRET_KEY"`
	TokenTTL     time.Duration `yaml:"token_ttl" env-default:"24h"`
}

// RabbitMQ структура для подключения к брокеру сообщений
type RabbitMQ struct {
	RabbitMQURL        string        `yaml:"url" env:"RABBITMQ_URL"`
	RabbitMQMaxRetries int           `yaml:"max_retries" env-default:"10"`
	RabbitMQRetryDelay time.Duration `yaml:"retry_delay" env-default:"3s"`
}

// SMTP структура для отправки писем
type SMTP struct {
	SMTPHost string `yaml:"host"`
	SMTPPort string `yaml:"port" env-default:"587"`
	SMTPUser string `yaml:"user"`
	SMTPPass string `yaml:"password" env:"SMTP_PASSWORD"`
	SMTPFrom string `yaml:"from"`
}

// Refresh настройки обновления данных карт
type Refresh struct {
	RefreshInterval    time.Duration `yaml:"interval" env-default:"30m"`
	StaleThreshold     time.Duration `yaml:"stale_threshold" env-default:"10m"`
	SweepInterval      time.Duration `yaml:"sweep_interval" env-default:"5m"`
	FetchTimeout       time.Duration `yaml:"fetch_timeout" env-default:"60s"`
	CycleTimeout       time.Duration `yaml:"cycle_timeout" env-default:"90s"`
	RetryDelay         time.Duration `yaml:"retry_delay" env-default:"15m"`
	Workers            int           `yaml:"workers" env-default:"4"`
	FetchEndpoint      string        `yaml:"fetch_endpoint"`
	FetchMaxRetries    uint64        `yaml:"fetch_max_retries" env-default:"3"`
	FetchRatePerMinute int           `yaml:"fetch_rate_per_minute" env-default:"10"`
	MockFile           string        `yaml:"mock_file"`
	RefresherMetrics   string        `yaml:"metrics_address" env-default:":9101"`
}

// Reminder настройки планировщика напоминаний
type Reminder struct {
	SuppressionWindow time.Duration `yaml:"suppression_window" env-default:"24h"`
	SenderAddress     string        `yaml:"sender_address" env-default:"noreply@breezeminder.com"`
	Timezone          string        `yaml:"timezone" env-default:"America/New_York"`
	LockTTL           time.Duration `yaml:"lock_ttl" env-default:"2m"`
}

// Delivery настройки сервиса отправки сообщений
type Delivery struct {
	DeferredInterval time.Duration `yaml:"deferred_interval" env-default:"5m"`
	WindowStartHour  int           `yaml:"window_start_hour" env-default:"7"`
	WindowEndHour    int           `yaml:"window_end_hour" env-default:"22"`
	BatchSize        int           `yaml:"batch_size" env-default:"100"`
	SenderMetrics    string        `yaml:"metrics_address" env-default:":9102"`
}

// Crypto настройки шифрования номеров карт
type Crypto struct {
	CryptoSecret    string        `yaml:"secret" env:"CRYPTO_SECRET"`
	CryptoSalt      string        `yaml:"salt" env:"CRYPTO_SALT"`
	DecryptCacheTTL time.Duration `yaml:"decrypt_cache_ttl" env-default:"1h"`
}

// Location возвращает часовой пояс сервиса; при ошибке используется UTC.
func (r Reminder) Location() *time.Location {
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// MustLoad функция для загрузки конфига по пути из CONFIG_PATH
func MustLoad() *Config {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		log.Fatal("CONFIG_PATH is not set")
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		log.Fatalf("file: %s - does not exist", configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		log.Fatalf("cannot read config: %s", err)
	}
	return cfg
}

// Load читает конфиг из файла и переменных окружения
func Load(path string) (*Config, error) {
	const op = "config.Load"

	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if cfg.WindowStartHour < 0 || cfg.WindowEndHour > 24 || cfg.WindowStartHour >= cfg.WindowEndHour {
		return nil, fmt.Errorf("%s: invalid delivery window %d-%d", op, cfg.WindowStartHour, cfg.WindowEndHour)
	}
	// Блокировка карты не должна истечь раньше, чем завершится цикл обновления.
	if cfg.CycleTimeout >= cfg.LockTTL {
		return nil, fmt.Errorf("%s: cycle_timeout %s must be shorter than lock_ttl %s", op, cfg.CycleTimeout, cfg.LockTTL)
	}
	return &cfg, nil
}

func (c *Config) String() string {
	return fmt.Sprintf(
		"Env: %s\n"+
			"Redis: %s db=%d\n"+
			"HTTPServer: %s timeout=%s idle=%s\n"+
			"RabbitMQ: retries=%d delay=%s\n"+
			"SMTP: %s:%s user=%s\n"+
			"Refresh: interval=%s stale=%s sweep=%s workers=%d cycle=%s lock=%s\n"+
			"Delivery: window=%02d-%02d batch=%d every=%s\n",
		c.Env,
		c.RedisAddress, c.RedisDB,
		c.AddressHTTP, c.TimeoutHTTP, c.IdleTimeout,
		c.RabbitMQMaxRetries, c.RabbitMQRetryDelay,
		c.SMTPHost, c.SMTPPort, c.SMTPUser,
		c.RefreshInterval, c.StaleThreshold, c.SweepInterval, c.Workers, c.CycleTimeout, c.LockTTL,
		c.WindowStartHour, c.WindowEndHour, c.BatchSize, c.DeferredInterval,
	)
}
