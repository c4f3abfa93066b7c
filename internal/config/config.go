package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "EXCHANGE"

type Config struct {
	// listen address of the REST and websocket server
	HTTPAddr string
	// listen address of the gRPC server
	GRPCAddr string
	// quote asset every book trades against
	QuoteAsset string
	// books created at startup
	Symbols []string
	// how often GTD orders are swept
	ExpiryInterval time.Duration
	// levels kept in the depth cache
	DepthLevels int
	// minimum gap between two requests of one client
	RateLimit time.Duration
	// buffer of each event subscriber
	SubscriberBuffer int

	LogLevel       string
	LogDevelopment bool

	// empty disables the postgres audit sink
	PostgresDSN string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration

	// empty disables the kafka export
	KafkaBrokers []string
	KafkaTopic   string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("grpc_addr", ":9090")
	v.SetDefault("quote_asset", "USDT")
	v.SetDefault("symbols", []string{"BTCUSDT"})
	v.SetDefault("expiry_interval", "100ms")
	v.SetDefault("depth_levels", 100)
	v.SetDefault("rate_limit", "10ms")
	v.SetDefault("subscriber_buffer", 256)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", "5m")
	v.SetDefault("kafka.topic", "exchange.events")
}

// Load reads the config file at path, when given, and overlays
// EXCHANGE_* environment variables (EXCHANGE_REDIS_ADDR for redis.addr).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return NewConfig(v)
}

func NewConfig(v *viper.Viper) (*Config, error) {
	if v.GetString("http_addr") == "" {
		return nil, errors.New("http address is missing")
	}
	if v.GetString("quote_asset") == "" {
		return nil, errors.New("quote asset is missing")
	}
	if v.GetDuration("expiry_interval") <= 0 {
		return nil, errors.New("expiry interval must be positive")
	}
	if v.GetInt("depth_levels") <= 0 {
		return nil, errors.New("depth levels must be positive")
	}
	if v.GetInt("subscriber_buffer") <= 0 {
		return nil, errors.New("subscriber buffer must be positive")
	}

	quote := strings.ToUpper(v.GetString("quote_asset"))
	symbols := v.GetStringSlice("symbols")
	for i, s := range symbols {
		s = strings.ToUpper(s)
		if !strings.HasSuffix(s, quote) || s == quote {
			return nil, fmt.Errorf("symbol %q does not trade against %s", s, quote)
		}
		symbols[i] = s
	}

	brokers := v.GetStringSlice("kafka.brokers")
	if len(brokers) > 0 && v.GetString("kafka.topic") == "" {
		return nil, errors.New("kafka topic is missing")
	}

	c := Config{
		HTTPAddr:         v.GetString("http_addr"),
		GRPCAddr:         v.GetString("grpc_addr"),
		QuoteAsset:       quote,
		Symbols:          symbols,
		ExpiryInterval:   v.GetDuration("expiry_interval"),
		DepthLevels:      v.GetInt("depth_levels"),
		RateLimit:        v.GetDuration("rate_limit"),
		SubscriberBuffer: v.GetInt("subscriber_buffer"),
		LogLevel:         v.GetString("log.level"),
		LogDevelopment:   v.GetBool("log.development"),
		PostgresDSN:      v.GetString("postgres.dsn"),
		RedisAddr:        v.GetString("redis.addr"),
		RedisPassword:    v.GetString("redis.password"),
		RedisDB:          v.GetInt("redis.db"),
		RedisTTL:         v.GetDuration("redis.ttl"),
		KafkaBrokers:     brokers,
		KafkaTopic:       v.GetString("kafka.topic"),
	}
	return &c, nil
}
