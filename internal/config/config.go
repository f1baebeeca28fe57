package config

import (
	"log"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Pricing  PricingConfig  `mapstructure:"pricing"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	MeteringEvents string `mapstructure:"metering_events"`
	BalanceAlerts  string `mapstructure:"balance_alerts"`
}

// PricingConfig 计费参数
// 费率单位：美元 / 1000 token；credits_per_dollar 决定美元到额度的换算倍率
type PricingConfig struct {
	InputRatePer1K   float64 `mapstructure:"input_rate_per_1k"`
	OutputRatePer1K  float64 `mapstructure:"output_rate_per_1k"`
	MarkupPercent    float64 `mapstructure:"markup_percent"`
	CreditsPerDollar float64 `mapstructure:"credits_per_dollar"`
}

type BusinessConfig struct {
	StarterCredits         int64 `mapstructure:"starter_credits"`          // 新账户初始额度
	ReservationTTLSeconds  int   `mapstructure:"reservation_ttl_seconds"`  // 预留额度存活时间
	InactivityDays         int   `mapstructure:"inactivity_days"`          // 账户不活跃判定阈值（天）
	BalanceCacheTTLSeconds int   `mapstructure:"balance_cache_ttl_seconds"`
	DeltaMaxRetries        int   `mapstructure:"delta_max_retries"` // 乐观锁冲突重试次数
	MaxRetryCount          int   `mapstructure:"max_retry_count"`   // outbox 消息最大重试次数
}

func (c *BusinessConfig) ReservationTTL() time.Duration {
	return time.Duration(c.ReservationTTLSeconds) * time.Second
}

func (c *BusinessConfig) InactivityThreshold() time.Duration {
	return time.Duration(c.InactivityDays) * 24 * time.Hour
}

func (c *BusinessConfig) BalanceCacheTTL() time.Duration {
	return time.Duration(c.BalanceCacheTTLSeconds) * time.Second
}

var GlobalConfig *Config

// LoadConfig 加载配置文件
func LoadConfig(configPath string) *Config {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("读取配置文件失败: %v", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("解析配置文件失败: %v", err)
	}

	GlobalConfig = config
	return config
}
