package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/tetherhq/tetherd/internal/api/http"
)

type Config struct {
	Log     LogConfig
	Http    http.Config
	Auth    AuthConfig    `mapstructure:"auth"`
	Pairing PairingConfig `mapstructure:"pairing"`
	Hub     HubConfig     `mapstructure:"hub"`
	State   StateConfig   `mapstructure:"state"`
}

type AuthConfig struct {
	// Secret signs session tokens and derives the server fingerprint.
	// When empty a random secret is generated at startup; sessions then
	// do not survive a restart.
	Secret       string        `mapstructure:"secret"`
	SessionTTL   time.Duration `mapstructure:"session_ttl"`
	SkewWindow   time.Duration `mapstructure:"skew_window"`
	JoinTokenTTL time.Duration `mapstructure:"join_token_ttl"`
}

type PairingConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type HubConfig struct {
	MaxPayloadBytes   int64         `mapstructure:"max_payload_bytes"`
	PendingRequestTTL time.Duration `mapstructure:"pending_request_ttl"`
}

type StateConfig struct {
	Path string `mapstructure:"path"`
}

var config Config

func InitConfig() {
	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/tetherd")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("http.port", 8080)
	viper.SetDefault("log.level", "INFO")
	viper.SetDefault("auth.session_ttl", 12*time.Hour)
	viper.SetDefault("auth.skew_window", time.Minute)
	viper.SetDefault("auth.join_token_ttl", 10*time.Minute)
	viper.SetDefault("pairing.ttl", 5*time.Minute)
	viper.SetDefault("hub.max_payload_bytes", 10*1024*1024)
	viper.SetDefault("hub.pending_request_ttl", 10*time.Minute)
	viper.SetDefault("state.path", "tetherd-state.json")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(err)
		}
	}

	if err := viper.Unmarshal(&config); err != nil {
		panic(err)
	}

	initLogger(config.Log.Level)

	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		redacted := config
		redacted.Auth.Secret = ""
		configJSON, err := json.MarshalIndent(redacted, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}
