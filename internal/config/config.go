package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// EnvConfigPath 指定配置文件路径的环境变量，命令行参数缺省时生效。
const EnvConfigPath = "AUTOAGENT_CONFIG"

// Config 描述进程启动阶段需要加载的全部配置。
type Config struct {
	Server       ServerConfig       `json:"server"`
	Storage      StorageConfig      `json:"storage"`
	Queue        QueueConfig        `json:"queue"`
	LLM          LLMConfig          `json:"llm"`
	Agent        AgentConfig        `json:"agent"`
	Capabilities CapabilitiesConfig `json:"capabilities"`
	Logging      LoggingConfig      `json:"logging"`
	Auth         AuthConfig         `json:"auth"`
	Alerting     AlertingConfig     `json:"alerting"`
}

// AlertingConfig 配置额外的告警渠道。审计日志渠道始终开启,
// WebhookURL 非空时追加 webhook 渠道。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 描述任务与记忆两类存储的后端选择。
type StorageConfig struct {
	TaskStore   BackendConfig `json:"task_store"`
	MemoryStore BackendConfig `json:"memory_store"`
}

// BackendConfig 选择 memory 或 mysql 后端。
type BackendConfig struct {
	Driver          string `json:"driver"`
	DSN             string `json:"dsn"`
	MaxOpenConns    int    `json:"max_open_conns"`
	MaxIdleConns    int    `json:"max_idle_conns"`
	ConnMaxLifetime string `json:"conn_max_lifetime"`
}

// QueueConfig 选择任务队列实现：memory、redis 或 rabbitmq。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Buffer   int            `json:"buffer"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Queue    string `json:"queue"`
}

// RabbitMQConfig 描述 RabbitMQ 队列连接参数。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
}

// LLMConfig 配置大模型推理的调用方式。
type LLMConfig struct {
	Provider    string  `json:"provider"`
	APIKey      string  `json:"api_key"`
	BaseURL     string  `json:"base_url"`
	Model       string  `json:"model"`
	Timeout     string  `json:"timeout"`
	Temperature float64 `json:"temperature"`
}

// AgentConfig 控制编排器的决策与重试行为。
type AgentConfig struct {
	Decider     string        `json:"decider"`
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   string        `json:"base_delay"`
	TaskBudget  string        `json:"task_budget"`
	MemoryTopN  int           `json:"memory_top_n"`
	WindowSize  int           `json:"window_size"`
	Workers     int           `json:"workers"`
	Weights     WeightsConfig `json:"weights"`
	Prune       PruneConfig   `json:"prune"`
}

// WeightsConfig 覆盖记忆重要度取值，零值字段沿用编排器默认值。
type WeightsConfig struct {
	Step    float64 `json:"step"`
	Failure float64 `json:"failure"`
	Final   float64 `json:"final"`
}

// PruneConfig 控制短期记忆清理: 容量上限与重要度下限。
// 清理在进程启动时和每个任务完结后各执行一次。
type PruneConfig struct {
	Capacity      int     `json:"capacity"`
	MinImportance float64 `json:"min_importance"`
}

// CapabilitiesConfig 指向能力清单文件。
type CapabilitiesConfig struct {
	Manifest string `json:"manifest"`
}

// LoggingConfig 对应 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
}

// AuthConfig 控制 API Key 认证。
type AuthConfig struct {
	Mode string          `json:"mode"`
	Keys []AuthKeyConfig `json:"keys"`
}

// AuthKeyConfig 注册一个 API Key 与调用方名称。
type AuthKeyConfig struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

// Load 解析指定路径的 JSON 配置文件。路径为空时回退到
// AUTOAGENT_CONFIG 环境变量。
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
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
	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}
	if c.Storage.MemoryStore.Driver == "" {
		c.Storage.MemoryStore.Driver = c.Storage.TaskStore.Driver
	}
	if c.Storage.MemoryStore.DSN == "" {
		c.Storage.MemoryStore.DSN = c.Storage.TaskStore.DSN
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 64
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "rule"
	}
	if c.Agent.Decider == "" {
		if c.LLM.Provider == "openai" {
			c.Agent.Decider = "llm"
		} else {
			c.Agent.Decider = "rule"
		}
	}
	if c.Capabilities.Manifest != "" && !filepath.IsAbs(c.Capabilities.Manifest) {
		c.Capabilities.Manifest = filepath.Join(baseDir, c.Capabilities.Manifest)
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}
}

// validate 拦截明显不可用的组合，避免启动后才暴露问题。
func (c *Config) validate() error {
	switch c.Storage.TaskStore.Driver {
	case "memory":
	case "mysql":
		if c.Storage.TaskStore.DSN == "" {
			return errors.New("storage.task_store: mysql 后端需要 dsn")
		}
	default:
		return fmt.Errorf("storage.task_store: 未知驱动 %q", c.Storage.TaskStore.Driver)
	}
	switch c.Storage.MemoryStore.Driver {
	case "memory":
	case "mysql":
		if c.Storage.MemoryStore.DSN == "" {
			return errors.New("storage.memory_store: mysql 后端需要 dsn")
		}
	default:
		return fmt.Errorf("storage.memory_store: 未知驱动 %q", c.Storage.MemoryStore.Driver)
	}

	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if c.Queue.Redis.Address == "" {
			return errors.New("queue.redis: 缺少 address")
		}
	case "rabbitmq":
		if c.Queue.RabbitMQ.URL == "" {
			return errors.New("queue.rabbitmq: 缺少 url")
		}
	default:
		return fmt.Errorf("queue: 未知驱动 %q", c.Queue.Driver)
	}

	switch c.Agent.Decider {
	case "rule":
	case "llm":
		if c.LLM.APIKey == "" {
			return errors.New("agent.decider=llm 需要 llm.api_key")
		}
	default:
		return fmt.Errorf("agent.decider: 未知取值 %q", c.Agent.Decider)
	}

	switch c.Auth.Mode {
	case "disabled":
	case "api_key":
		if len(c.Auth.Keys) == 0 {
			return errors.New("auth.mode=api_key 需要至少一个 keys 条目")
		}
	default:
		return fmt.Errorf("auth.mode: 未知取值 %q", c.Auth.Mode)
	}

	if _, err := parseOptionalDuration(c.Agent.BaseDelay); err != nil {
		return fmt.Errorf("agent.base_delay: %w", err)
	}
	if _, err := parseOptionalDuration(c.Agent.TaskBudget); err != nil {
		return fmt.Errorf("agent.task_budget: %w", err)
	}

	for name, value := range map[string]float64{
		"agent.weights.step":         c.Agent.Weights.Step,
		"agent.weights.failure":      c.Agent.Weights.Failure,
		"agent.weights.final":        c.Agent.Weights.Final,
		"agent.prune.min_importance": c.Agent.Prune.MinImportance,
	} {
		if value < 0 || value > 1 {
			return fmt.Errorf("%s: 取值 %v 超出 [0,1]", name, value)
		}
	}
	if c.Agent.Prune.Capacity < 0 {
		return fmt.Errorf("agent.prune.capacity: 取值 %d 不能为负", c.Agent.Prune.Capacity)
	}
	if _, err := parseOptionalDuration(c.LLM.Timeout); err != nil {
		return fmt.Errorf("llm.timeout: %w", err)
	}
	return nil
}

// BaseDelayDuration 返回解析后的重试基准间隔，未配置时为零值。
func (c *AgentConfig) BaseDelayDuration() time.Duration {
	d, _ := parseOptionalDuration(c.BaseDelay)
	return d
}

// TaskBudgetDuration 返回解析后的任务时间预算，未配置时为零值。
func (c *AgentConfig) TaskBudgetDuration() time.Duration {
	d, _ := parseOptionalDuration(c.TaskBudget)
	return d
}

// TimeoutDuration 返回解析后的请求超时，未配置时为零值。
func (c *LLMConfig) TimeoutDuration() time.Duration {
	d, _ := parseOptionalDuration(c.Timeout)
	return d
}

// ConnMaxLifetimeDuration 返回解析后的连接最大存活时间。
func (c *BackendConfig) ConnMaxLifetimeDuration() time.Duration {
	d, _ := parseOptionalDuration(c.ConnMaxLifetime)
	return d
}

func parseOptionalDuration(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	return time.ParseDuration(raw)
}
