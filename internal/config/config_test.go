package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "autoagent.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入配置文件失败: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("默认监听地址错误: %q", cfg.Server.Address)
	}
	if cfg.Storage.TaskStore.Driver != "memory" || cfg.Storage.MemoryStore.Driver != "memory" {
		t.Fatalf("默认存储驱动错误: %+v", cfg.Storage)
	}
	if cfg.Queue.Driver != "memory" || cfg.Queue.Buffer != 64 {
		t.Fatalf("默认队列配置错误: %+v", cfg.Queue)
	}
	if cfg.Agent.Decider != "rule" {
		t.Fatalf("默认决策器错误: %q", cfg.Agent.Decider)
	}
	if cfg.Auth.Mode != "disabled" {
		t.Fatalf("默认认证模式错误: %q", cfg.Auth.Mode)
	}
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `{
		"server": {"address": ":9090"},
		"storage": {"task_store": {"driver": "mysql", "dsn": "user:pass@tcp(127.0.0.1:3306)/autoagent"}},
		"queue": {"driver": "redis", "redis": {"address": "127.0.0.1:6379", "queue": "jobs"}},
		"llm": {"provider": "openai", "api_key": "sk-test", "model": "gpt-4o-mini", "timeout": "30s"},
		"agent": {"decider": "llm", "max_attempts": 5, "base_delay": "1s", "task_budget": "2m",
			"weights": {"step": 0.3, "failure": 0.7, "final": 0.95},
			"prune": {"capacity": 200, "min_importance": 0.2}},
		"auth": {"mode": "api_key", "keys": [{"key": "sk-local", "name": "cli"}]}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	// memory_store 未显式配置时继承 task_store。
	if cfg.Storage.MemoryStore.Driver != "mysql" || cfg.Storage.MemoryStore.DSN == "" {
		t.Fatalf("memory_store 继承失败: %+v", cfg.Storage.MemoryStore)
	}
	if cfg.Agent.BaseDelayDuration() != time.Second {
		t.Fatalf("base_delay 解析错误: %v", cfg.Agent.BaseDelayDuration())
	}
	if cfg.Agent.TaskBudgetDuration() != 2*time.Minute {
		t.Fatalf("task_budget 解析错误: %v", cfg.Agent.TaskBudgetDuration())
	}
	if cfg.LLM.TimeoutDuration() != 30*time.Second {
		t.Fatalf("llm.timeout 解析错误: %v", cfg.LLM.TimeoutDuration())
	}
	if w := cfg.Agent.Weights; w.Step != 0.3 || w.Failure != 0.7 || w.Final != 0.95 {
		t.Fatalf("weights 解析错误: %+v", w)
	}
	if p := cfg.Agent.Prune; p.Capacity != 200 || p.MinImportance != 0.2 {
		t.Fatalf("prune 解析错误: %+v", p)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"mysql 缺 DSN":   `{"storage": {"task_store": {"driver": "mysql"}}}`,
		"未知队列驱动":        `{"queue": {"driver": "kafka"}}`,
		"redis 缺地址":     `{"queue": {"driver": "redis"}}`,
		"llm 决策器缺 key":  `{"agent": {"decider": "llm"}}`,
		"时间格式错误":        `{"agent": {"base_delay": "fast"}}`,
		"未知决策器":         `{"agent": {"decider": "random"}}`,
		"重要度权重越界":       `{"agent": {"weights": {"final": 1.5}}}`,
		"清理容量为负":        `{"agent": {"prune": {"capacity": -1}}}`,
	}
	for name, content := range cases {
		path := writeConfig(t, content)
		if _, err := Load(path); err == nil {
			t.Errorf("%s: 应当返回错误", name)
		}
	}
}

func TestLoadFallsBackToEnv(t *testing.T) {
	path := writeConfig(t, `{}`)
	t.Setenv(EnvConfigPath, path)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("环境变量回退失败: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("配置内容不符: %+v", cfg.Server)
	}
}
