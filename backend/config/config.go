package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port int    `mapstructure:"port"`
		Mode string `mapstructure:"mode"` // gin 模式：debug / release / test
	} `mapstructure:"running"`
	Mysql struct {
		// 为空时使用进程内存存储
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Redis struct {
		// 为空时不启用 agent 状态缓存
		Addrs     []string      `mapstructure:"addrs"`
		Password  string        `mapstructure:"password"`
		StatusTTL time.Duration `mapstructure:"statusTTL"`
	} `mapstructure:"redis"`
	Kafka struct {
		// 为空时不发提交事件
		Brokers     []string      `mapstructure:"brokers"`
		Topic       string        `mapstructure:"topic"`
		QueueSize   int           `mapstructure:"queueSize"`
		Workers     int           `mapstructure:"workers"`
		MaxRetry    int           `mapstructure:"maxRetry"`
		BaseBackoff time.Duration `mapstructure:"baseBackoff"`
		MaxBackoff  time.Duration `mapstructure:"maxBackoff"`
	} `mapstructure:"kafka"`
	Relay struct {
		SendBuffer        int           `mapstructure:"sendBuffer"`
		MaxConcurrentOps  int           `mapstructure:"maxConcurrentOps"`
		AcquireTimeout    time.Duration `mapstructure:"acquireTimeout"`
		AllowedOrigins    []string      `mapstructure:"allowedOrigins"`
		// 命名空间时钟闲置多久后回收
		ClockIdleEviction time.Duration `mapstructure:"clockIdleEviction"`
	} `mapstructure:"relay"`
	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`
}

// 每个 key 都要有默认值，否则 AutomaticEnv 在 Unmarshal 时读不到环境变量
func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 3000)
	v.SetDefault("running.mode", "release")
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("redis.addrs", []string{})
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.statusTTL", 10*time.Minute)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "link-commits")
	v.SetDefault("kafka.queueSize", 10_000)
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.maxRetry", 3)
	v.SetDefault("kafka.baseBackoff", 50*time.Millisecond)
	v.SetDefault("kafka.maxBackoff", time.Second)
	v.SetDefault("relay.sendBuffer", 256)
	v.SetDefault("relay.maxConcurrentOps", 100)
	v.SetDefault("relay.acquireTimeout", 2*time.Second)
	v.SetDefault("relay.allowedOrigins", []string{})
	v.SetDefault("relay.clockIdleEviction", 10*time.Minute)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Load 读取 relayConfig.yaml；找不到文件时只用默认值和环境变量。
// 环境变量前缀 RELAY_，层级用下划线，例如 RELAY_MYSQL_DSN、RELAY_RUNNING_PORT。
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("relayConfig")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		// 兼容从项目根目录或 backend 目录启动
		paths = []string{"./backend/config", "./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
