package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "AutoAgent/internal/errors"
	"AutoAgent/internal/observability/alerting"
	"AutoAgent/pkg/logger"
)

// Executor 把一个任务推进到终态。重试与退避由实现负责。
type Executor interface {
	Run(ctx context.Context, taskID string) error
}

// Processor 负责从队列消费任务 ID 并交给执行器。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动任务处理循环，阻塞直到上下文取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	err := p.executor.Run(ctx, taskID)
	if err == nil {
		return nil
	}
	// 重复投递或并发认领造成的哨兵错误不算失败。
	if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) ||
		stdErrors.Is(err, ErrTaskConflict) || stdErrors.Is(err, ErrTaskExhausted) {
		p.logDebug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
		return nil
	}
	logger.L().Error("任务执行循环出错", slog.Any("error", err), slog.String("task_id", taskID))
	p.emitAlert(ctx, taskID, err)
	return err
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, taskID string, cause error) {
	if p == nil || p.alerter == nil {
		return
	}
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	if !xerrors.AttributesOf(code).Alert {
		return
	}
	event := alerting.Event{
		Code:       code,
		Message:    cause.Error(),
		Severity:   xerrors.SeverityOf(cause),
		TaskID:     taskID,
		Metadata:   map[string]string{"stage": "processor"},
		OccurredAt: time.Now(),
	}
	if task, err := p.store.Get(ctx, taskID); err == nil {
		event.Attempts = task.Attempts
		event.MaxAttempts = task.MaxAttempts
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", taskID),
		)
	}
}
