// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Debate   DebateConfig   `mapstructure:"debate"`
	Lock     LockConfig     `mapstructure:"lock"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 存储所有数据库连接的配置。
// Driver 取值 mysql 或 sqlite。
type DatabaseConfig struct {
	Driver string       `mapstructure:"driver"`
	MySQL  MySQLConfig  `mapstructure:"mysql"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
	Redis  RedisConfig  `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN                    string        `mapstructure:"dsn"`
	MaxIdleConns           int           `mapstructure:"max_idle_conns"`
	MaxOpenConns           int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime        time.Duration `mapstructure:"conn_max_lifetime"`
	LockWaitTimeoutSeconds int           `mapstructure:"lock_wait_timeout_seconds"`
}

// SQLiteConfig 用于本地开发和测试。
type SQLiteConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// LLMConfig 存储大语言模型相关的配置。
type LLMConfig struct {
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Model      string              `mapstructure:"model"`
	Timeout    time.Duration       `mapstructure:"timeout"`
	Generation LLMGenerationConfig `mapstructure:"generation"`
	Inference  LLMGenerationConfig `mapstructure:"inference"`
	Prompt     LLMPromptConfig     `mapstructure:"prompt"`
	Languages  []string            `mapstructure:"languages"`
}

// LLMGenerationConfig 配置生成相关参数。
type LLMGenerationConfig struct {
	// Temperature 为 0 时客户端发送最小正浮点数，见 llm.wireTemperature。
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// LLMPromptConfig 覆盖内置的系统提示（可选）。
type LLMPromptConfig struct {
	InferRules  string `mapstructure:"infer_rules"`
	DebateRules string `mapstructure:"debate_rules"`
}

// DebateConfig 存储对话编排相关的配置。
type DebateConfig struct {
	HistoryWindow    int           `mapstructure:"history_window"`
	MaxMessageLength int           `mapstructure:"max_message_length"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
}

// LockConfig 配置按会话串行化的锁。Backend 取值 none、local 或 redis。
type LockConfig struct {
	Backend     string        `mapstructure:"backend"`
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`
	LeaseTTL    time.Duration `mapstructure:"lease_ttl"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "release")

	// AutomaticEnv 只对已知的 key 生效，因此每个 key 都需要默认值
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.mysql.dsn", "")
	v.SetDefault("database.mysql.max_idle_conns", 10)
	v.SetDefault("database.mysql.max_open_conns", 100)
	v.SetDefault("database.mysql.conn_max_lifetime", time.Hour)
	v.SetDefault("database.mysql.lock_wait_timeout_seconds", 10)
	v.SetDefault("database.sqlite.dsn", "file:debate.db?_foreign_keys=on")
	v.SetDefault("database.redis.addr", "localhost:6379")
	v.SetDefault("database.redis.password", "")
	v.SetDefault("database.redis.db", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output_path", "")

	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.timeout", 30*time.Second)
	v.SetDefault("llm.generation.temperature", 0.7)
	v.SetDefault("llm.generation.max_tokens", 400)
	v.SetDefault("llm.inference.temperature", 0)
	v.SetDefault("llm.inference.max_tokens", 120)
	v.SetDefault("llm.prompt.infer_rules", "")
	v.SetDefault("llm.prompt.debate_rules", "")
	v.SetDefault("llm.languages", []string{"english", "spanish", "portuguese", "french", "german", "italian"})

	v.SetDefault("debate.history_window", 5)
	v.SetDefault("debate.max_message_length", 500)
	v.SetDefault("debate.request_timeout", 60*time.Second)

	v.SetDefault("lock.backend", "none")
	v.SetDefault("lock.wait_timeout", 15*time.Second)
	v.SetDefault("lock.lease_ttl", 90*time.Second)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.topic", "debate.exchanges")
}

// Load 读取 .env（若存在）与 YAML 配置文件，并允许环境变量覆盖，例如 DEBATE_LLM_API_KEY。
// configPath 为空时仅使用默认值和环境变量。
func Load(configPath string) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("DEBATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate 检查配置中会导致运行期错误的取值。
func (c Config) Validate() error {
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		return fmt.Errorf("config: unsupported database.driver %q", c.Database.Driver)
	}
	switch c.Lock.Backend {
	case "none", "local", "redis":
	default:
		return fmt.Errorf("config: unsupported lock.backend %q", c.Lock.Backend)
	}
	if c.Debate.HistoryWindow < 0 {
		return fmt.Errorf("config: debate.history_window must be >= 0, got %d", c.Debate.HistoryWindow)
	}
	if c.Debate.MaxMessageLength <= 0 {
		return fmt.Errorf("config: debate.max_message_length must be > 0, got %d", c.Debate.MaxMessageLength)
	}
	return nil
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = cfg
}
