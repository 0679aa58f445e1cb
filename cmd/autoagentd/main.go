package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"AutoAgent/internal/agent"
	"AutoAgent/internal/api"
	"AutoAgent/internal/auth"
	"AutoAgent/internal/capability"
	"AutoAgent/internal/capability/chainquery"
	"AutoAgent/internal/config"
	"AutoAgent/internal/cost"
	"AutoAgent/internal/decider"
	"AutoAgent/internal/llm/openai"
	"AutoAgent/internal/memory"
	"AutoAgent/internal/observability/alerting"
	storage "AutoAgent/internal/storage/mysql"
	"AutoAgent/internal/task"
	"AutoAgent/pkg/logger"
)

// main 是 autoagentd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configPath := flag.String("config", "", "配置文件路径，缺省时读取 AUTOAGENT_CONFIG 或 configs/autoagent.json")
	flag.Parse()

	if err := run(ctx, *configPath); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("autoagentd 运行失败: %v", err)
	}
}

func run(ctx context.Context, configPath string) error {
	if configPath == "" && os.Getenv(config.EnvConfigPath) == "" {
		configPath = filepath.Join("configs", "autoagent.json")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	taskStore, err := buildTaskStore(ctx, cfg.Storage.TaskStore)
	if err != nil {
		return err
	}
	defer taskStore.Close()

	memoryStore, err := buildMemoryStore(ctx, cfg.Storage.MemoryStore)
	if err != nil {
		return err
	}
	defer memoryStore.Close()

	queue, err := buildQueue(cfg.Queue)
	if err != nil {
		return err
	}
	defer queue.Close()

	registry, closeCapabilities, err := buildRegistry(ctx, cfg.Capabilities)
	if err != nil {
		return err
	}
	defer closeCapabilities()

	planner, err := buildDecider(cfg)
	if err != nil {
		return err
	}

	// 启动时先收敛一轮短期记忆，任务完结后编排器沿用同一策略。
	pruneCapacity := cfg.Agent.Prune.Capacity
	if pruneCapacity <= 0 {
		pruneCapacity = 100
	}
	pruneFloor := cfg.Agent.Prune.MinImportance
	if pruneFloor <= 0 {
		pruneFloor = 0.1
	}
	if _, err := memoryStore.Prune(ctx, pruneCapacity, pruneFloor); err != nil {
		logger.L().Warn("启动清理短期记忆失败", "error", err)
	}

	costs := cost.NewTracker(memoryStore)
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.Alerting.WebhookURL))
	}
	alerts := alerting.NewFanout(notifiers...)

	orchestratorOpts := []agent.Option{agent.WithAlertDispatcher(alerts)}
	if d := cfg.Agent.BaseDelayDuration(); d > 0 {
		orchestratorOpts = append(orchestratorOpts, agent.WithBaseDelay(d))
	}
	if d := cfg.Agent.TaskBudgetDuration(); d > 0 {
		orchestratorOpts = append(orchestratorOpts, agent.WithBudget(d))
	}
	if cfg.Agent.MemoryTopN > 0 {
		orchestratorOpts = append(orchestratorOpts, agent.WithMemoryTopN(cfg.Agent.MemoryTopN))
	}
	weights := agent.DefaultWeights()
	if w := cfg.Agent.Weights; w.Step > 0 || w.Failure > 0 || w.Final > 0 {
		if w.Step > 0 {
			weights.Step = w.Step
		}
		if w.Failure > 0 {
			weights.Failure = w.Failure
		}
		if w.Final > 0 {
			weights.Final = w.Final
		}
		orchestratorOpts = append(orchestratorOpts, agent.WithWeights(weights))
	}
	orchestratorOpts = append(orchestratorOpts, agent.WithPrunePolicy(pruneCapacity, pruneFloor))
	orchestrator := agent.NewOrchestrator(
		taskStore,
		memoryStore,
		costs,
		registry,
		planner,
		agent.NewWindow(cfg.Agent.WindowSize),
		orchestratorOpts...,
	)

	serviceOpts := []task.ServiceOption{}
	if cfg.Agent.MaxAttempts > 0 {
		serviceOpts = append(serviceOpts, task.WithMaxAttempts(cfg.Agent.MaxAttempts))
	}
	service := task.NewService(taskStore, queue, costs, serviceOpts...)

	processor := task.NewProcessor(orchestrator, taskStore, queue,
		task.WithWorkerCount(cfg.Agent.Workers),
		task.WithAlertDispatcher(alerts),
	)
	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("任务处理器异常退出", "error", err)
		}
	}()

	authSvc, err := buildAuth(cfg.Auth)
	if err != nil {
		return err
	}

	return api.NewServer(cfg.Server.Address, service, authSvc).Start(ctx)
}

func buildTaskStore(ctx context.Context, cfg config.BackendConfig) (task.Store, error) {
	switch cfg.Driver {
	case "mysql":
		return task.NewMySQLStore(ctx, storage.Config{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetimeDuration(),
		})
	default:
		return task.NewMemoryStore(), nil
	}
}

func buildMemoryStore(ctx context.Context, cfg config.BackendConfig) (memory.Store, error) {
	switch cfg.Driver {
	case "mysql":
		return memory.NewMySQLStore(ctx, storage.Config{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetimeDuration(),
		})
	default:
		return memory.NewMemoryStore(), nil
	}
}

func buildQueue(cfg config.QueueConfig) (task.Queue, error) {
	switch cfg.Driver {
	case "redis":
		return task.NewRedisQueue(task.RedisQueueConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Queue:    cfg.Redis.Queue,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  true,
		})
	default:
		return task.NewMemoryQueue(cfg.Buffer), nil
	}
}

// buildRegistry 按能力清单装配内置能力。返回的清理函数负责
// 断开链上节点连接。
func buildRegistry(ctx context.Context, cfg config.CapabilitiesConfig) (*capability.Registry, func(), error) {
	manifest := capability.Manifest{}
	if cfg.Manifest != "" {
		loaded, err := capability.LoadManifest(cfg.Manifest)
		if err != nil {
			return nil, nil, err
		}
		manifest = loaded
	}

	registry := capability.NewRegistry()
	cleanup := func() {}

	workspace := manifest.WorkspaceRoot
	if workspace == "" {
		workspace = "."
	}
	files, err := capability.NewFileTools(workspace)
	if err != nil {
		return nil, nil, err
	}

	var httpOpts []capability.HTTPOption
	if manifest.SearchEndpoint != "" {
		httpOpts = append(httpOpts, capability.WithSearchEndpoint(manifest.SearchEndpoint))
	}
	web := capability.NewHTTPTools(httpOpts...)

	if err := manifest.Assemble(registry, files, web); err != nil {
		return nil, nil, err
	}

	if manifest.Chain != nil && manifest.Chain.RPCURL != "" && manifest.Allows("chain_query") {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		probe, err := chainquery.NewProbe(dialCtx, chainquery.Config{RPCURL: manifest.Chain.RPCURL})
		cancel()
		if err != nil {
			return nil, nil, err
		}
		if err := registry.Register(probe); err != nil {
			probe.Close()
			return nil, nil, err
		}
		cleanup = probe.Close
	}
	return registry, cleanup, nil
}

func buildDecider(cfg *config.Config) (decider.Decider, error) {
	if cfg.Agent.Decider != "llm" {
		return decider.NewRuleDecider(), nil
	}
	client, err := openai.NewClient(openai.Config{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Timeout:     cfg.LLM.TimeoutDuration(),
		Temperature: cfg.LLM.Temperature,
	})
	if err != nil {
		return nil, err
	}
	return decider.NewLLMDecider(client)
}

func buildAuth(cfg config.AuthConfig) (*auth.Service, error) {
	if cfg.Mode != string(auth.ModeAPIKey) {
		return auth.NewService(auth.ModeDisabled, nil)
	}
	keys := auth.NewMemoryKeyStore()
	for _, key := range cfg.Keys {
		keys.Register(key.Key, key.Name)
	}
	return auth.NewService(auth.ModeAPIKey, keys)
}
