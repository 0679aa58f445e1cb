package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"AutoAgent/internal/capability"
	"AutoAgent/internal/cost"
	"AutoAgent/internal/decider"
	xerrors "AutoAgent/internal/errors"
	"AutoAgent/internal/memory"
	"AutoAgent/internal/observability/alerting"
	"AutoAgent/internal/observability/metrics"
	"AutoAgent/internal/task"
	"AutoAgent/pkg/logger"
)

const (
	defaultBaseDelay     = 2 * time.Second
	defaultTaskBudget    = 5 * time.Minute
	defaultMemoryTopN    = 5
	defaultFallbackModel = "rule:local"

	defaultPruneCapacity = 100
	defaultPruneFloor    = 0.1
)

// Weights 控制编排器写入记忆时的重要度取值。
type Weights struct {
	// Step 是中间步骤成功条目的重要度。
	Step float64
	// Failure 是失败条目的重要度。
	Failure float64
	// Final 是任务终点条目重要度的下限，优先级换算值更高时取后者。
	Final float64
}

// DefaultWeights 返回默认重要度配置。
func DefaultWeights() Weights {
	return Weights{Step: 0.4, Failure: 0.8, Final: 0.9}
}

// Orchestrator 驱动单个任务完成 决策-调度-重试 的全过程。
// 一次 Run 只推进一个任务，存储层的 Begin 保证了同一任务不会被
// 两个执行器同时推进。
type Orchestrator struct {
	tasks    task.Store
	memories memory.Store
	costs    *cost.Tracker
	registry *capability.Registry
	decider  decider.Decider
	window   *Window

	baseDelay     time.Duration
	budget        time.Duration
	weights       Weights
	memoryTopN    int
	alerter       alerting.Dispatcher
	model         string
	pruneCapacity int
	pruneFloor    float64
}

// Option 定义可选配置。
type Option func(*Orchestrator)

// WithBaseDelay 设置指数退避的基准时长。
func WithBaseDelay(delay time.Duration) Option {
	return func(o *Orchestrator) {
		if delay > 0 {
			o.baseDelay = delay
		}
	}
}

// WithBudget 设置单个任务的墙钟时间预算。
func WithBudget(budget time.Duration) Option {
	return func(o *Orchestrator) {
		if budget > 0 {
			o.budget = budget
		}
	}
}

// WithWeights 覆盖记忆重要度配置。
func WithWeights(weights Weights) Option {
	return func(o *Orchestrator) {
		o.weights = weights
	}
}

// WithMemoryTopN 设置每次决策检索的长期记忆条数。
func WithMemoryTopN(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.memoryTopN = n
		}
	}
}

// WithPrunePolicy 设置任务完结后短期记忆的容量上限与重要度下限。
func WithPrunePolicy(capacity int, floor float64) Option {
	return func(o *Orchestrator) {
		if capacity > 0 {
			o.pruneCapacity = capacity
		}
		if floor >= 0 {
			o.pruneFloor = floor
		}
	}
}

// WithAlertDispatcher 配置终态失败的告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(o *Orchestrator) {
		o.alerter = dispatcher
	}
}

// NewOrchestrator 构造编排器。
func NewOrchestrator(
	tasks task.Store,
	memories memory.Store,
	costs *cost.Tracker,
	registry *capability.Registry,
	d decider.Decider,
	window *Window,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		tasks:      tasks,
		memories:   memories,
		costs:      costs,
		registry:   registry,
		decider:    d,
		window:     window,
		baseDelay:  defaultBaseDelay,
		budget:     defaultTaskBudget,
		weights:    DefaultWeights(),
		memoryTopN: defaultMemoryTopN,
		model:      defaultFallbackModel,

		pruneCapacity: defaultPruneCapacity,
		pruneFloor:    defaultPruneFloor,
	}
	if named, ok := d.(interface{ Model() string }); ok {
		o.model = named.Model()
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Run 把任务推进到终态。认领失败的哨兵错误原样返回，由消费端判定跳过。
func (o *Orchestrator) Run(ctx context.Context, taskID string) error {
	current, err := o.tasks.Begin(ctx, taskID)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(o.budget)
	if err := o.remember(ctx, memory.KindShortTerm, fmt.Sprintf("Task started: %s", current.Description),
		o.startImportance(current.Priority), memory.EntryContext{TaskID: current.ID, Stage: "start"}); err != nil {
		return err
	}

	var lastErr error
	var lastCode xerrors.Code
	for {
		// 每次决策前检查取消标记与时间预算。
		fresh, err := o.tasks.Get(ctx, current.ID)
		if err != nil {
			return err
		}
		if fresh.CancelRequested {
			return o.failTask(ctx, fresh, task.CodeTaskCancelled, "task cancelled by request")
		}
		if time.Now().After(deadline) {
			return o.failTask(ctx, fresh, xerrors.CodeBudgetExceeded,
				fmt.Sprintf("wall-clock budget %s exceeded: %s", o.budget, errText(lastErr)))
		}
		current = fresh

		result, err := o.attempt(ctx, current)
		if err == nil {
			return o.completeTask(ctx, current, result)
		}
		lastErr = err
		lastCode = xerrors.CodeOf(err)
		// 存储不可用不算业务失败，立即上抛，不消耗重试。
		if lastCode == xerrors.CodeStorageFailure {
			return err
		}
		if lastCode == xerrors.CodeUnknown {
			lastCode = task.CodeTaskProcessing
		}

		if err := o.remember(ctx, memory.KindShortTerm,
			fmt.Sprintf("Attempt %d failed: %v", current.Attempts, lastErr),
			o.weights.Failure,
			memory.EntryContext{TaskID: current.ID, Error: lastErr.Error(), Stage: "failure"}); err != nil {
			return err
		}

		if current.Attempts >= current.MaxAttempts {
			return o.failTask(ctx, current, task.CodeTaskExhausted, lastErr.Error())
		}

		// 指数退避: base_delay * 2^(attempts-1)。用定时器挂起，不阻塞其他任务。
		delay := o.baseDelay << (current.Attempts - 1)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-time.After(time.Until(deadline)):
			timer.Stop()
			return o.failTask(ctx, current, xerrors.CodeBudgetExceeded,
				fmt.Sprintf("wall-clock budget %s exceeded: %s", o.budget, lastErr.Error()))
		case <-timer.C:
		}

		current, err = o.tasks.MarkRetrying(ctx, current.ID, lastErr.Error(), string(lastCode))
		if err != nil {
			return err
		}
	}
}

// attempt 执行一轮 决策+调度，返回任务结果文本。
func (o *Orchestrator) attempt(ctx context.Context, current *task.Task) (string, error) {
	req := decider.Request{
		TaskID:       current.ID,
		Description:  current.Description,
		Attempt:      current.Attempts,
		Capabilities: o.registry.Describe(),
		Window:       o.window.Snapshot(),
	}
	if memories, err := o.memories.Retrieve(ctx, memory.KindLongTerm, o.memoryTopN, 0); err == nil {
		req.Memories = memories
	} else {
		logger.L().Warn("检索长期记忆失败", slog.Any("error", err), slog.String("task_id", current.ID))
	}

	plan, err := o.decider.Decide(ctx, req)
	if err != nil {
		return "", err
	}
	o.trackCost(ctx, current.ID, req.Description, plan)

	// 空计划带直接回答: 立即完成，不做调度也不消耗重试。
	if plan.Empty() {
		answer := strings.TrimSpace(plan.Answer)
		if answer == "" {
			return "", xerrors.New(decider.CodeDecisionFailed, "计划既无步骤也无直接回答")
		}
		return answer, nil
	}

	outputs := make([]string, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		output, err := o.registry.Dispatch(ctx, step.Capability, step.Input)
		if err != nil {
			if rememberErr := o.remember(ctx, memory.KindShortTerm,
				fmt.Sprintf("Step %s failed: %v", step.Capability, err),
				o.weights.Failure,
				memory.EntryContext{
					TaskID:     current.ID,
					Capability: step.Capability,
					Error:      err.Error(),
					Stage:      "step",
				}); rememberErr != nil {
				return "", rememberErr
			}
			return "", err
		}
		outputs = append(outputs, output)
		if err := o.remember(ctx, memory.KindShortTerm,
			fmt.Sprintf("Step %s succeeded: %s", step.Capability, truncateContent(output)),
			o.weights.Step,
			memory.EntryContext{TaskID: current.ID, Capability: step.Capability, Stage: "step"}); err != nil {
			return "", err
		}
	}

	if answer := strings.TrimSpace(plan.Answer); answer != "" {
		return answer, nil
	}
	return strings.Join(outputs, "\n"), nil
}

func (o *Orchestrator) completeTask(ctx context.Context, current *task.Task, result string) error {
	if err := o.tasks.MarkCompleted(ctx, current.ID, result); err != nil {
		return err
	}
	o.window.Append(current.Description, result)
	// 每个任务只落一条终点长期记忆。
	if err := o.remember(ctx, memory.KindLongTerm,
		fmt.Sprintf("Task completed: %s -> %s", current.Description, truncateContent(result)),
		o.finalImportance(current.Priority),
		memory.EntryContext{TaskID: current.ID, Stage: "final"}); err != nil {
		return err
	}
	logger.Audit().Info("任务执行成功",
		slog.String("task_id", current.ID),
		slog.Int("attempts", current.Attempts),
	)
	metrics.ObserveTask(string(task.StatusCompleted))
	o.pruneShortTerm(ctx, current.ID)
	return nil
}

func (o *Orchestrator) failTask(ctx context.Context, current *task.Task, code xerrors.Code, message string) error {
	if err := o.tasks.MarkFailed(ctx, current.ID, message, string(code)); err != nil {
		return err
	}
	o.window.Append(current.Description, "failed: "+message)
	if err := o.remember(ctx, memory.KindLongTerm,
		fmt.Sprintf("Task failed: %s -> %s", current.Description, message),
		o.finalImportance(current.Priority),
		memory.EntryContext{TaskID: current.ID, Error: message, Stage: "final"}); err != nil {
		return err
	}
	logger.Audit().Warn("任务进入失败终态",
		slog.String("task_id", current.ID),
		slog.String("error_code", string(code)),
		slog.Int("attempts", current.Attempts),
		slog.String("error", message),
	)
	o.emitAlert(ctx, current, code, message)
	metrics.ObserveTask(string(task.StatusFailed))
	o.pruneShortTerm(ctx, current.ID)
	return nil
}

// pruneShortTerm 在任务完结后收敛短期记忆的规模。
func (o *Orchestrator) pruneShortTerm(ctx context.Context, taskID string) {
	removed, err := o.memories.Prune(ctx, o.pruneCapacity, o.pruneFloor)
	if err != nil {
		logger.L().Warn("清理短期记忆失败", slog.Any("error", err), slog.String("task_id", taskID))
		return
	}
	if removed > 0 {
		logger.L().Debug("短期记忆已清理", slog.Int("removed", removed), slog.String("task_id", taskID))
	}
}

// remember 写入一条记忆。存储不可用对当前任务是致命的，错误原样上抛，
// 由消费端告警，不在这一层重试。
func (o *Orchestrator) remember(ctx context.Context, kind memory.Kind, content string, importance float64, entryCtx memory.EntryContext) error {
	entry := &memory.Entry{
		Kind:       kind,
		Content:    content,
		Importance: importance,
		Context:    &entryCtx,
	}
	if err := o.memories.Remember(ctx, entry); err != nil {
		logger.L().Error("写入记忆失败",
			slog.Any("error", err),
			slog.String("task_id", entryCtx.TaskID),
			slog.String("stage", entryCtx.Stage),
		)
		if _, ok := xerrors.From(err); ok {
			return err
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入记忆失败")
	}
	return nil
}

// trackCost 按决策输入输出估算并累计成本。
func (o *Orchestrator) trackCost(ctx context.Context, taskID, input string, plan *decider.Plan) {
	if o.costs == nil {
		return
	}
	var output strings.Builder
	if plan != nil {
		output.WriteString(plan.Answer)
		for _, step := range plan.Steps {
			output.WriteString(" ")
			output.WriteString(step.Capability)
		}
	}
	if _, _, err := o.costs.Track(ctx, o.model, input, output.String()); err != nil {
		logger.L().Warn("记录成本失败", slog.Any("error", err), slog.String("task_id", taskID))
	}
}

func (o *Orchestrator) startImportance(priority int) float64 {
	return memory.ClampImportance(float64(priority) / 10)
}

func (o *Orchestrator) finalImportance(priority int) float64 {
	importance := o.weights.Final
	if derived := float64(priority) / 10; derived > importance {
		importance = derived
	}
	return memory.ClampImportance(importance)
}

func (o *Orchestrator) emitAlert(ctx context.Context, current *task.Task, code xerrors.Code, message string) {
	if o.alerter == nil || !xerrors.AttributesOf(code).Alert {
		return
	}
	event := alerting.Event{
		Code:        code,
		Message:     message,
		Severity:    xerrors.AttributesOf(code).Severity,
		TaskID:      current.ID,
		Attempts:    current.Attempts,
		MaxAttempts: current.MaxAttempts,
		Metadata:    map[string]string{"stage": "terminal"},
		OccurredAt:  time.Now(),
	}
	if err := o.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败", slog.Any("error", err), slog.String("task_id", current.ID))
	}
}

func truncateContent(text string) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) > 120 {
		return string(runes[:120]) + "..."
	}
	return string(runes)
}

func errText(err error) string {
	if err == nil {
		return "no prior error"
	}
	return err.Error()
}

var _ task.Executor = (*Orchestrator)(nil)
