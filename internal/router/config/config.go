package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config - структура для хранения конфигураций приложения
type Config struct {
	ServerAddress string `mapstructure:"SERVER_ADDRESS"`
	PostgresConn  string `mapstructure:"POSTGRES_CONN"`
	PostgresUser  string `mapstructure:"POSTGRES_USERNAME"`
	PostgresPass  string `mapstructure:"POSTGRES_PASSWORD"`
	PostgresHost  string `mapstructure:"POSTGRES_HOST"`
	PostgresPort  string `mapstructure:"POSTGRES_PORT"`
	PostgresDB    string `mapstructure:"POSTGRES_DATABASE"`
	MigrationURL  string `mapstructure:"MIGRATION_URL"`

	MasterKey           string        `mapstructure:"MASTER_KEY"`
	KeyTTL              time.Duration `mapstructure:"KEY_TTL"`
	KeyCacheTTL         time.Duration `mapstructure:"KEY_CACHE_TTL"`
	KeyRotationSchedule string        `mapstructure:"KEY_ROTATION_SCHEDULE"`
	JWTSecret           string        `mapstructure:"JWT_SECRET"`

	DBTimeout      time.Duration `mapstructure:"DB_TIMEOUT"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
}

var defaults = map[string]any{
	"SERVER_ADDRESS":        "0.0.0.0:8080",
	"POSTGRES_CONN":         "",
	"POSTGRES_USERNAME":     "",
	"POSTGRES_PASSWORD":     "",
	"POSTGRES_HOST":         "",
	"POSTGRES_PORT":         "5432",
	"POSTGRES_DATABASE":     "",
	"MIGRATION_URL":         "file://migrations",
	"MASTER_KEY":            "",
	"KEY_TTL":               "720h",
	"KEY_CACHE_TTL":         "10m",
	"KEY_ROTATION_SCHEDULE": "0 3 * * *",
	"JWT_SECRET":            "",
	"DB_TIMEOUT":            "5s",
	"REQUEST_TIMEOUT":       "10s",
	"DB_MAX_CONNS":          10,
}

// LoadConfig загружает конфигурацию из файла app.env. Переменные окружения имеют приоритет.
func LoadConfig(path string) (cfg Config, err error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("app")
	v.SetConfigType("env")
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if err = v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
	}
	if err = v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Validate проверяет параметры, без которых сервис не запускается.
func (c Config) Validate() error {
	var errs []error
	if c.PostgresConn == "" {
		errs = append(errs, errors.New("POSTGRES_CONN is required"))
	}
	if c.MasterKey == "" {
		errs = append(errs, errors.New("MASTER_KEY is required"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.KeyTTL <= 0 {
		errs = append(errs, errors.New("KEY_TTL must be positive"))
	}
	if c.DBTimeout <= 0 || c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("DB_TIMEOUT and REQUEST_TIMEOUT must be positive"))
	}
	if c.DBMaxConns < 1 {
		errs = append(errs, errors.New("DB_MAX_CONNS must be at least 1"))
	}
	return errors.Join(errs...)
}
