package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Control   ControlConfig   `mapstructure:"control"`
	Profiles  ProfilesConfig  `mapstructure:"profiles"`
	Sequences SequencesConfig `mapstructure:"sequences"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int    `mapstructure:"max_conns"`
}

// Auth Configuration
type AuthConfig struct {
	JWTSecret       string        `mapstructure:"jwt_secret"`
	AccessTokenTTL  time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL time.Duration `mapstructure:"refresh_token_ttl"`
	DevMode         bool          `mapstructure:"dev_mode"`
}

// ControlConfig covers the service-side control defaults; per-supply
// values in the profile documents win over these.
type ControlConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	ScopeFrameSize int           `mapstructure:"scope_frame_size"`
	Sim            SimConfig     `mapstructure:"sim"`
}

// SimConfig parameterizes the bench rig backing supplies without
// hardware.
type SimConfig struct {
	BusVoltage float64 `mapstructure:"bus_voltage"`
	LoadR      float64 `mapstructure:"load_r"`
	LoadL      float64 `mapstructure:"load_l"`
}

type ProfilesConfig struct {
	Dir string `mapstructure:"dir"`
}

type SequencesConfig struct {
	Dir string `mapstructure:"dir"`
}

func Load(path string) (*Config, error) {
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")

	// Defaults setzen
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.shutdown_timeout", "30s")

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.name", "opensupply")
	viper.SetDefault("database.user", "opensupply")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.max_conns", 10)

	// Auth Defaults
	viper.SetDefault("auth.access_token_ttl", "60m")
	viper.SetDefault("auth.refresh_token_ttl", "168h")

	viper.SetDefault("control.poll_interval", "10ms")
	viper.SetDefault("control.scope_frame_size", 256)
	viper.SetDefault("control.sim.bus_voltage", 100)
	viper.SetDefault("control.sim.load_r", 1)
	viper.SetDefault("control.sim.load_l", 0.01)

	viper.SetDefault("profiles.dir", "profiles")
	viper.SetDefault("sequences.dir", "sequences")

	// Environment Variables automatisch binden (Viper Feature)
	viper.AutomaticEnv()
	viper.SetEnvPrefix("OSC") // Environment Variables mit Prefix OSC_

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

// JWT Secret mit Development Fallback (MIT WARNING im Log!)
func (a *AuthConfig) GetJWTSecret() string {
	if a.JWTSecret != "" {
		return a.JWTSecret
	}
	return "dev-secret-change-in-production-min-32-chars"
}

// Helper um zu prüfen ob Production-Ready
func (a *AuthConfig) IsProductionReady() bool {
	secret := a.GetJWTSecret()
	return secret != "dev-secret-change-in-production-min-32-chars" && len(secret) >= 32
}
