/**
 * @description
 * Configuration management for the referral service.
 */
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	ServerPort               string  `mapstructure:"SERVER_PORT"`
	DatabaseURL              string  `mapstructure:"DATABASE_URL"`
	ClerkJWKSURL             string  `mapstructure:"CLERK_JWKS_URL"`
	ClerkAudience            string  `mapstructure:"CLERK_AUDIENCE"`
	ClerkIssuer              string  `mapstructure:"CLERK_ISSUER"`
	InternalAPIKey           string  `mapstructure:"INTERNAL_API_KEY"`
	RabbitMQURL              string  `mapstructure:"RABBITMQ_URL"`
	RedisURL                 string  `mapstructure:"REDIS_URL"`
	EventsExchange           string  `mapstructure:"EVENTS_EXCHANGE"`
	BusinessTimezone         string  `mapstructure:"BUSINESS_TIMEZONE"`
	DefaultScoutSharePercent float64 `mapstructure:"DEFAULT_SCOUT_SHARE_PERCENT"`
	SalaryToSalesRatio       float64 `mapstructure:"SALARY_TO_SALES_RATIO"`
	PayoutDigestSchedule     string  `mapstructure:"PAYOUT_DIGEST_SCHEDULE"`
}

// LoadConfig reads configuration from an optional .env file and the environment.
func LoadConfig() (config Config, err error) {
	if loadErr := godotenv.Load(); loadErr != nil && !errors.Is(loadErr, os.ErrNotExist) {
		return config, fmt.Errorf("failed to read .env: %w", loadErr)
	}

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("EVENTS_EXCHANGE", "scoutlink.events")
	viper.SetDefault("BUSINESS_TIMEZONE", "Asia/Tokyo")
	viper.SetDefault("DEFAULT_SCOUT_SHARE_PERCENT", 70)
	viper.SetDefault("SALARY_TO_SALES_RATIO", 0.5)
	viper.SetDefault("PAYOUT_DIGEST_SCHEDULE", "0 9 * * 1") // Mondays at 09:00.
	viper.AutomaticEnv()

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("CLERK_JWKS_URL")
	_ = viper.BindEnv("CLERK_AUDIENCE")
	_ = viper.BindEnv("CLERK_ISSUER")
	_ = viper.BindEnv("INTERNAL_API_KEY")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("BUSINESS_TIMEZONE")
	_ = viper.BindEnv("DEFAULT_SCOUT_SHARE_PERCENT")
	_ = viper.BindEnv("SALARY_TO_SALES_RATIO")
	_ = viper.BindEnv("PAYOUT_DIGEST_SCHEDULE")

	if err = viper.Unmarshal(&config); err != nil {
		return config, err
	}
	if port := os.Getenv("PORT"); port != "" {
		config.ServerPort = port
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)

	if strings.TrimSpace(config.DatabaseURL) == "" {
		return config, errors.New("DATABASE_URL is required")
	}
	if config.DefaultScoutSharePercent < 0 || config.DefaultScoutSharePercent > 100 {
		return config, fmt.Errorf("DEFAULT_SCOUT_SHARE_PERCENT must be between 0 and 100, got %v", config.DefaultScoutSharePercent)
	}
	if config.SalaryToSalesRatio <= 0 || config.SalaryToSalesRatio > 1 {
		return config, fmt.Errorf("SALARY_TO_SALES_RATIO must be in (0, 1], got %v", config.SalaryToSalesRatio)
	}
	return config, nil
}
