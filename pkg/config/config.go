package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// AppConfig is the process configuration
type AppConfig struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required,min=1,max=65535"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	LogFile  string `mapstructure:"log_file"`

	PostgresConfig  PostgresConfig  `mapstructure:"postgres" validate:"required"`
	TelephonyConfig TelephonyConfig `mapstructure:"telephony" validate:"required"`
	RealtimeConfig  RealtimeConfig  `mapstructure:"realtime" validate:"required"`
	BridgeConfig    BridgeConfig    `mapstructure:"bridge" validate:"required"`
}

// PostgresConfig locates the call database
type PostgresConfig struct {
	DSN            string `mapstructure:"dsn" validate:"required"`
	MaxConnections int32  `mapstructure:"max_connections" validate:"min=1"`
}

// TelephonyConfig holds carrier call control credentials
type TelephonyConfig struct {
	APIKey  string `mapstructure:"api_key" validate:"required"`
	BaseURL string `mapstructure:"base_url" validate:"required,url"`

	// Media stream URL handed to the carrier when answering; empty leaves
	// answering to another service
	StreamURL string `mapstructure:"stream_url" validate:"omitempty,url"`
}

// RealtimeConfig holds the AI realtime endpoint
type RealtimeConfig struct {
	APIKey string `mapstructure:"api_key" validate:"required"`
	URL    string `mapstructure:"url" validate:"required,url"`
	Model  string `mapstructure:"model" validate:"required"`
}

// BridgeConfig tunes per-call timing
type BridgeConfig struct {
	GreetingDelayMs int `mapstructure:"greeting_delay_ms" validate:"min=0"`
	EndCallGraceMs  int `mapstructure:"end_call_grace_ms" validate:"min=0"`
	StartTimeoutMs  int `mapstructure:"start_timeout_ms" validate:"min=1"`
	MinChunkBytes   int `mapstructure:"min_chunk_bytes" validate:"min=1"`
}

// GreetingDelay is the pause between both peers being ready and the greeting
func (b BridgeConfig) GreetingDelay() time.Duration {
	return time.Duration(b.GreetingDelayMs) * time.Millisecond
}

// EndCallGrace lets the goodbye play out before hangup
func (b BridgeConfig) EndCallGrace() time.Duration {
	return time.Duration(b.EndCallGraceMs) * time.Millisecond
}

// StartTimeout bounds the wait for the media stream start event
func (b BridgeConfig) StartTimeout() time.Duration {
	return time.Duration(b.StartTimeoutMs) * time.Millisecond
}

// Addr is the listen address
func (c *AppConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// InitConfig reads an optional .env file (ENV_PATH overrides its location)
// and the process environment
func InitConfig() (*viper.Viper, error) {
	vConfig := viper.NewWithOptions(viper.KeyDelimiter("__"))

	vConfig.AddConfigPath(".")
	vConfig.SetConfigName(".env")
	if path := os.Getenv("ENV_PATH"); path != "" {
		vConfig.SetConfigFile(path)
	}
	vConfig.SetConfigType("env")
	vConfig.AutomaticEnv()

	setDefault(vConfig)

	if err := vConfig.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return vConfig, nil
}

func setDefault(v *viper.Viper) {
	// every key must have a default for AutomaticEnv to reach Unmarshal
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FILE", "")

	v.SetDefault("POSTGRES__DSN", "")
	v.SetDefault("POSTGRES__MAX_CONNECTIONS", 10)

	v.SetDefault("TELEPHONY__API_KEY", "")
	v.SetDefault("TELEPHONY__BASE_URL", "https://api.telnyx.com/v2")
	v.SetDefault("TELEPHONY__STREAM_URL", "")

	v.SetDefault("REALTIME__API_KEY", "")
	v.SetDefault("REALTIME__URL", "wss://api.openai.com/v1/realtime")
	v.SetDefault("REALTIME__MODEL", "gpt-4o-realtime-preview")

	v.SetDefault("BRIDGE__GREETING_DELAY_MS", 300)
	v.SetDefault("BRIDGE__END_CALL_GRACE_MS", 3000)
	v.SetDefault("BRIDGE__START_TIMEOUT_MS", 10000)
	v.SetDefault("BRIDGE__MIN_CHUNK_BYTES", 160)
}

// GetApplicationConfig unmarshals and validates the configuration
func GetApplicationConfig(v *viper.Viper) (*AppConfig, error) {
	var config AppConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(&config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}
