package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"AutoAgent/internal/cost"
	xerrors "AutoAgent/internal/errors"
	"AutoAgent/internal/memory"
	"AutoAgent/pkg/logger"
)

const (
	defaultMaxAttempts  = 3
	defaultWaitInterval = 200 * time.Millisecond
	maxPriority         = 10
	recentTaskCount     = 10
)

// Service 是任务的对外入口，负责创建、查询与同步执行。
type Service struct {
	store        Store
	producer     Producer
	costs        *cost.Tracker
	maxAttempts  int
	waitInterval time.Duration
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithMaxAttempts 设置新任务的最大尝试次数。
func WithMaxAttempts(attempts int) ServiceOption {
	return func(s *Service) {
		if attempts > 0 {
			s.maxAttempts = attempts
		}
	}
}

// WithWaitInterval 设置同步执行时的轮询间隔。
func WithWaitInterval(interval time.Duration) ServiceOption {
	return func(s *Service) {
		if interval > 0 {
			s.waitInterval = interval
		}
	}
}

// NewService 构造任务服务。costs 可为空，此时状态汇总不含成本。
func NewService(store Store, producer Producer, costs *cost.Tracker, opts ...ServiceOption) *Service {
	s := &Service{
		store:        store,
		producer:     producer,
		costs:        costs,
		maxAttempts:  defaultMaxAttempts,
		waitInterval: defaultWaitInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit 创建一个新的任务并推送到队列，立即返回。
func (s *Service) Submit(ctx context.Context, description string, priority int) (*Task, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, xerrors.New(CodeTaskValidation, "任务描述不能为空")
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}
	if priority < 1 {
		priority = 1
	}
	if priority > maxPriority {
		priority = maxPriority
	}

	task := &Task{
		ID:          uuid.NewString(),
		Description: description,
		Priority:    priority,
		Status:      StatusPending,
		Attempts:    0,
		MaxAttempts: s.maxAttempts,
	}
	if err := s.store.Create(ctx, task); err != nil {
		return nil, err
	}
	if err := s.producer.Publish(ctx, task.ID); err != nil {
		logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("task_id", task.ID))
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败")
		_ = s.store.MarkFailed(ctx, task.ID, wrapped.Error(), string(CodeTaskPublish))
		return nil, wrapped
	}
	logger.Audit().Info("任务入队成功",
		slog.String("task_id", task.ID),
		slog.String("description", task.Description),
		slog.Int("priority", task.Priority),
		slog.Int("max_attempts", task.MaxAttempts),
	)
	return task, nil
}

// Execute 同步执行: 创建任务并阻塞等待终态。
func (s *Service) Execute(ctx context.Context, description string, priority int) (*Task, error) {
	task, err := s.Submit(ctx, description, priority)
	if err != nil {
		return nil, err
	}
	return s.WaitUntilTerminal(ctx, task.ID, s.waitInterval)
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// Cancel 请求取消任务。已完成的任务返回 ErrTaskCompleted。
func (s *Service) Cancel(ctx context.Context, id string) error {
	if s.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	if err := s.store.RequestCancel(ctx, id); err != nil {
		return err
	}
	logger.Audit().Info("任务取消请求已记录", slog.String("task_id", id))
	return nil
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.Stats(ctx, options)
}

// StatusReport 汇总任务统计、成本账本与最近任务，供状态查询接口使用。
type StatusReport struct {
	Tasks  TaskStats                    `json:"tasks"`
	Costs  map[string]memory.CostRecord `json:"costs,omitempty"`
	Recent []*Task                      `json:"recent_tasks"`
}

// Status 返回系统状态快照。两次写入之间的读取结果一致。
func (s *Service) Status(ctx context.Context) (*StatusReport, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return nil, err
	}
	recent, err := s.List(ctx, WithLimit(recentTaskCount))
	if err != nil {
		return nil, err
	}
	report := &StatusReport{Tasks: stats, Recent: recent}
	if s.costs != nil {
		costs, err := s.costs.Summary(ctx)
		if err != nil {
			return nil, err
		}
		report.Costs = costs
	}
	return report, nil
}

// WaitUntilTerminal 在上下文允许的时间内轮询任务状态直至终态。
func (s *Service) WaitUntilTerminal(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = defaultWaitInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Terminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 释放资源。
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.producer != nil {
		if err := s.producer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return stdErrors.Join(errs...)
}
