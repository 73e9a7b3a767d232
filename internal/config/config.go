package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 描述守护进程启动时加载的全部配置。
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	LLM        LLMConfig        `yaml:"llm"`
	Agents     AgentsConfig     `yaml:"agents"`
	StateStore StateStoreConfig `yaml:"state_store"`
	Events     EventsConfig     `yaml:"events"`
	Alerting   AlertingConfig   `yaml:"alerting"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig 控制 API 服务的监听地址。
type ServerConfig struct {
	Address string `yaml:"address"`
}

// LLMConfig 配置协调与合成两个调用所用的大模型。
// APIKeyEnv 指定承载密钥的环境变量名，优先于明文 APIKey。
type LLMConfig struct {
	APIKey         string `yaml:"api_key"`
	APIKeyEnv      string `yaml:"api_key_env"`
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// ResolveAPIKey 返回生效的 API 密钥。
func (c LLMConfig) ResolveAPIKey() string {
	if c.APIKeyEnv != "" {
		if v := os.Getenv(c.APIKeyEnv); v != "" {
			return v
		}
	}
	return c.APIKey
}

// Timeout 返回调用超时时长。
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// AgentsConfig 描述两个后端智能体的接入地址。
type AgentsConfig struct {
	GPA AgentEndpoint `yaml:"gpa"`
	UMS AgentEndpoint `yaml:"ums"`
}

// AgentEndpoint 是单个后端智能体的连接信息。
// 委托调用是流式的，生命周期由请求上下文控制，不设总超时。
type AgentEndpoint struct {
	Endpoint string `yaml:"endpoint"`
}

// StateStoreConfig 选择托管会话状态的存储后端。
type StateStoreConfig struct {
	Driver string           `yaml:"driver"`
	Redis  RedisStoreConfig `yaml:"redis"`
	MySQL  MySQLStoreConfig `yaml:"mysql"`
}

// RedisStoreConfig 是 Redis 状态存储的连接参数。
type RedisStoreConfig struct {
	Address    string `yaml:"address"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	KeyPrefix  string `yaml:"key_prefix"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

// MySQLStoreConfig 是 MySQL 状态存储的连接参数。
type MySQLStoreConfig struct {
	DSN string `yaml:"dsn"`
}

// EventsConfig 选择审计事件的发布后端。
type EventsConfig struct {
	Driver   string         `yaml:"driver"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RabbitMQConfig 是 RabbitMQ 发布器的连接参数。
type RabbitMQConfig struct {
	URL     string `yaml:"url"`
	Queue   string `yaml:"queue"`
	Durable bool   `yaml:"durable"`
}

// AlertingConfig 配置告警通知渠道。日志渠道始终开启。
type AlertingConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

// CatalogConfig 指向自定义的智能体画像文件，为空时使用内置画像。
type CatalogConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level   string      `yaml:"level"`
	Format  string      `yaml:"format"`
	Outputs []string    `yaml:"outputs"`
	Audit   AuditConfig `yaml:"audit"`
}

// AuditConfig 控制独立的审计日志文件。
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load 解析指定路径的 YAML 配置文件并填充默认值。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o"
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = 60
	}

	if c.StateStore.Driver == "" {
		c.StateStore.Driver = "memory"
	}
	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}

	if c.Catalog.Path != "" && !filepath.IsAbs(c.Catalog.Path) {
		c.Catalog.Path = filepath.Join(baseDir, c.Catalog.Path)
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}
}

func (c *Config) validate() error {
	if c.Agents.GPA.Endpoint == "" {
		return errors.New("agents.gpa.endpoint 不能为空")
	}
	switch c.StateStore.Driver {
	case "memory":
	case "redis":
		if c.StateStore.Redis.Address == "" {
			return errors.New("state_store.redis.address 不能为空")
		}
	case "mysql":
		if c.StateStore.MySQL.DSN == "" {
			return errors.New("state_store.mysql.dsn 不能为空")
		}
	default:
		return fmt.Errorf("未知的状态存储驱动: %s", c.StateStore.Driver)
	}
	switch c.Events.Driver {
	case "memory":
	case "rabbitmq":
		if c.Events.RabbitMQ.URL == "" {
			return errors.New("events.rabbitmq.url 不能为空")
		}
	default:
		return fmt.Errorf("未知的事件发布驱动: %s", c.Events.Driver)
	}
	return nil
}
