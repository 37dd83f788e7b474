package config

import (
	"fmt"
	"log"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Database struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	SSLMode  string `mapstructure:"ssl-mode"`
}

type Gateway struct {
	AccessCode         string `mapstructure:"access-code"`
	MerchantIdentifier string `mapstructure:"merchant-identifier"`
	RequestShaPhrase   string `mapstructure:"request-sha-phrase"`
	ResponseShaPhrase  string `mapstructure:"response-sha-phrase"`
	ShaMethod          string `mapstructure:"sha-method"`
	RedirectURL        string `mapstructure:"redirect-url"`
	ReturnURL          string `mapstructure:"return-url"`
}

type KafkaWriter struct {
	BatchSize      int `mapstructure:"batch-size"`
	BatchTimeoutMs int `mapstructure:"batch-timeout-ms"`
}

type KafkaBroker struct {
	URL string `mapstructure:"url"`
}

type KafkaTopic struct {
	AuditEvents string `mapstructure:"audit-events"`
}

type Kafka struct {
	Writer KafkaWriter `mapstructure:"writer"`
	Broker KafkaBroker `mapstructure:"broker"`
	Topic  KafkaTopic  `mapstructure:"topic"`
}

type Fulfillment struct {
	URL       string `mapstructure:"url"`
	TimeoutMs int    `mapstructure:"timeout-ms"`
}

type Server struct {
	Port        string `mapstructure:"port"`
	StatusToken string `mapstructure:"status-token"`
}

type Metrics struct {
	URL          string `mapstructure:"url"`
	IntervalMs   int    `mapstructure:"interval-ms"`
	CommonLabels string `mapstructure:"common-labels"`
}

type Logs struct {
	URL string `mapstructure:"url"`
}

type Config struct {
	Database    Database    `mapstructure:"database"`
	Gateway     Gateway     `mapstructure:"gateway"`
	Kafka       Kafka       `mapstructure:"kafka"`
	Fulfillment Fulfillment `mapstructure:"fulfillment"`
	Server      Server      `mapstructure:"server"`
	Metrics     Metrics     `mapstructure:"metrics"`
	Logs        Logs        `mapstructure:"logs"`
}

func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.Gateway.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func MustLoadConfig(path string) *Config {
	config, err := LoadConfig(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return config
}

// Validate fails fast on missing gateway credentials so that a misconfigured
// instance never starts accepting callbacks it cannot verify.
func (g Gateway) Validate() error {
	required := []struct {
		key   string
		value string
	}{
		{"gateway.access-code", g.AccessCode},
		{"gateway.merchant-identifier", g.MerchantIdentifier},
		{"gateway.request-sha-phrase", g.RequestShaPhrase},
		{"gateway.response-sha-phrase", g.ResponseShaPhrase},
		{"gateway.sha-method", g.ShaMethod},
		{"gateway.redirect-url", g.RedirectURL},
		{"gateway.return-url", g.ReturnURL},
	}

	var missing []string
	for _, entry := range required {
		if entry.value == "" {
			missing = append(missing, entry.key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required gateway settings: %s", strings.Join(missing, ", "))
	}

	if g.ShaMethod != "SHA-256" && g.ShaMethod != "SHA-512" {
		return fmt.Errorf("unsupported gateway.sha-method: %s", g.ShaMethod)
	}

	return nil
}
