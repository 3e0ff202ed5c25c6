// Package config содержит логику чтения конфигурации сервиса.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации коммерс-движка.
type Config struct {
	RunAddress     string        `env:"RUN_ADDRESS"`
	DatabaseURI    string        `env:"DATABASE_URI"`
	GatewayAddress string        `env:"GATEWAY_ADDRESS"`
	GatewayTimeout time.Duration `env:"GATEWAY_TIMEOUT"`

	AutoConfirmInterval time.Duration `env:"AUTO_CONFIRM_INTERVAL"`
	AutoConfirmGrace    time.Duration `env:"AUTO_CONFIRM_GRACE"`
	PointSweepInterval  time.Duration `env:"POINT_SWEEP_INTERVAL"`
	PointValidity       time.Duration `env:"POINT_VALIDITY"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных
// окружения. Значение из окружения имеет приоритет над флагом.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envCfg := *cfg

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.GatewayAddress, "g", "", "payment gateway address")
	flag.DurationVar(&cfg.GatewayTimeout, "gateway-timeout", 5*time.Second, "payment gateway call timeout")
	flag.DurationVar(&cfg.AutoConfirmInterval, "confirm-interval", time.Minute, "auto-confirm sweep interval")
	flag.DurationVar(&cfg.AutoConfirmGrace, "confirm-grace", time.Minute, "grace window before auto-confirm")
	flag.DurationVar(&cfg.PointSweepInterval, "point-sweep-interval", 24*time.Hour, "point expiry and balance sync interval")
	flag.DurationVar(&cfg.PointValidity, "point-validity", 365*24*time.Hour, "validity window of earned points")

	flag.Parse()

	if envCfg.RunAddress != "" {
		cfg.RunAddress = envCfg.RunAddress
	}
	if envCfg.DatabaseURI != "" {
		cfg.DatabaseURI = envCfg.DatabaseURI
	}
	if envCfg.GatewayAddress != "" {
		cfg.GatewayAddress = envCfg.GatewayAddress
	}
	if envCfg.GatewayTimeout != 0 {
		cfg.GatewayTimeout = envCfg.GatewayTimeout
	}
	if envCfg.AutoConfirmInterval != 0 {
		cfg.AutoConfirmInterval = envCfg.AutoConfirmInterval
	}
	if envCfg.AutoConfirmGrace != 0 {
		cfg.AutoConfirmGrace = envCfg.AutoConfirmGrace
	}
	if envCfg.PointSweepInterval != 0 {
		cfg.PointSweepInterval = envCfg.PointSweepInterval
	}
	if envCfg.PointValidity != 0 {
		cfg.PointValidity = envCfg.PointValidity
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
