package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
		// EnableCORS 直连本服务调试时打开；经网关转发时网关已经加了 CORS
		EnableCORS bool   `mapstructure:"enableCors"`
		LogLevel   string `mapstructure:"logLevel"`
	} `mapstructure:"running"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
		// CacheSize 单键读缓存条数，0 关闭
		CacheSize int `mapstructure:"cacheSize"`
	} `mapstructure:"redis"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Auth struct {
		Secret string `mapstructure:"secret"`
	} `mapstructure:"auth"`
	Coord struct {
		HeartbeatInterval  time.Duration `mapstructure:"heartbeatInterval"`
		SweepInterval      time.Duration `mapstructure:"sweepInterval"`
		StalenessThreshold time.Duration `mapstructure:"stalenessThreshold"`
		CheckTimeout       time.Duration `mapstructure:"checkTimeout"`
		HealthInterval     time.Duration `mapstructure:"healthInterval"`
		BackoffBase        time.Duration `mapstructure:"backoffBase"`
		BackoffCap         time.Duration `mapstructure:"backoffCap"`
		TeardownTimeout    time.Duration `mapstructure:"teardownTimeout"`
	} `mapstructure:"coord"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 3002)
	v.SetDefault("running.enableCors", false)
	v.SetDefault("running.logLevel", "info")
	v.SetDefault("redis.addrs", []string{})
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.cacheSize", 1024)
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "coord-events")
	v.SetDefault("auth.secret", "")
	v.SetDefault("coord.heartbeatInterval", 30*time.Second)
	v.SetDefault("coord.sweepInterval", 60*time.Second)
	v.SetDefault("coord.stalenessThreshold", 90*time.Second)
	v.SetDefault("coord.checkTimeout", 5*time.Second)
	v.SetDefault("coord.healthInterval", 30*time.Second)
	v.SetDefault("coord.backoffBase", time.Second)
	v.SetDefault("coord.backoffCap", 30*time.Second)
	v.SetDefault("coord.teardownTimeout", 5*time.Second)
}

// Load 先读 .env，再读 coordConfig.yaml，COORD_ 前缀的环境变量优先。
// file 为空时按目录查找，找不到配置文件就只用默认值和环境变量
func Load(file string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("COORD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("coordConfig")
		v.SetConfigType("yaml")
		// 兼容从项目根目录或 backend 目录启动
		v.AddConfigPath("./backend/config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 时长必须为正；staleness 至少是两倍心跳
func (c *Config) Validate() error {
	d := c.Coord
	named := []struct {
		name string
		v    time.Duration
	}{
		{"heartbeatInterval", d.HeartbeatInterval},
		{"sweepInterval", d.SweepInterval},
		{"stalenessThreshold", d.StalenessThreshold},
		{"checkTimeout", d.CheckTimeout},
		{"healthInterval", d.HealthInterval},
		{"backoffBase", d.BackoffBase},
		{"backoffCap", d.BackoffCap},
		{"teardownTimeout", d.TeardownTimeout},
	}
	for _, n := range named {
		if n.v <= 0 {
			return fmt.Errorf("config: coord.%s must be positive, got %s", n.name, n.v)
		}
	}
	if d.StalenessThreshold < 2*d.HeartbeatInterval {
		return fmt.Errorf("config: coord.stalenessThreshold %s is less than twice heartbeatInterval %s",
			d.StalenessThreshold, d.HeartbeatInterval)
	}
	if d.BackoffCap < d.BackoffBase {
		return fmt.Errorf("config: coord.backoffCap %s is less than backoffBase %s", d.BackoffCap, d.BackoffBase)
	}
	if c.Running.Port <= 0 {
		return fmt.Errorf("config: running.port must be positive, got %d", c.Running.Port)
	}
	return nil
}

// StoreConfigured 配了 Redis 才有远程同步
func (c *Config) StoreConfigured() bool { return len(c.Redis.Addrs) > 0 }
