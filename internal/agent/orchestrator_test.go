package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"AutoAgent/internal/capability"
	"AutoAgent/internal/cost"
	"AutoAgent/internal/decider"
	xerrors "AutoAgent/internal/errors"
	"AutoAgent/internal/memory"
	"AutoAgent/internal/task"
)

// scriptedDecider 每次返回固定的计划。
type scriptedDecider struct {
	plan  *decider.Plan
	calls atomic.Int32
}

func (d *scriptedDecider) Decide(_ context.Context, _ decider.Request) (*decider.Plan, error) {
	d.calls.Add(1)
	return d.plan, nil
}

type fixture struct {
	tasks    *task.MemoryStore
	memories *memory.MemoryStore
	costs    *cost.Tracker
	registry *capability.Registry
	window   *Window
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	memories := memory.NewMemoryStore()
	return &fixture{
		tasks:    task.NewMemoryStore(),
		memories: memories,
		costs:    cost.NewTracker(memories),
		registry: capability.NewRegistry(),
		window:   NewWindow(10),
	}
}

func (f *fixture) orchestrator(t *testing.T, d decider.Decider, opts ...Option) *Orchestrator {
	t.Helper()
	base := []Option{WithBaseDelay(10 * time.Millisecond)}
	return NewOrchestrator(f.tasks, f.memories, f.costs, f.registry, d, f.window, append(base, opts...)...)
}

var taskSeq atomic.Int64

func (f *fixture) createTask(t *testing.T, description string, maxAttempts int) *task.Task {
	t.Helper()
	created := &task.Task{
		ID:          fmt.Sprintf("task-%d", taskSeq.Add(1)),
		Description: description,
		Priority:    5,
		Status:      task.StatusPending,
		MaxAttempts: maxAttempts,
	}
	if err := f.tasks.Create(context.Background(), created); err != nil {
		t.Fatalf("创建任务失败: %v", err)
	}
	return created
}

func (f *fixture) finalEntries(t *testing.T, taskID string) []memory.Entry {
	t.Helper()
	entries, err := f.memories.Retrieve(context.Background(), memory.KindLongTerm, 100, 0)
	if err != nil {
		t.Fatalf("检索长期记忆失败: %v", err)
	}
	var final []memory.Entry
	for _, entry := range entries {
		if entry.Context.TaskID == taskID && entry.Context.Stage == "final" {
			final = append(final, entry)
		}
	}
	return final
}

func TestRunCompletesSingleAttempt(t *testing.T) {
	f := newFixture(t)
	var dispatched atomic.Int32
	writeFile := capability.NewFunc("write_file", "写文件", func(_ context.Context, in capability.Input) (string, error) {
		dispatched.Add(1)
		return "wrote " + in.String("path"), nil
	})
	if err := f.registry.Register(writeFile); err != nil {
		t.Fatalf("注册能力失败: %v", err)
	}

	d := &scriptedDecider{plan: &decider.Plan{Steps: []decider.Step{
		{Capability: "write_file", Input: capability.Input{"path": "notes.txt", "content": "hi"}},
	}}}
	o := f.orchestrator(t, d)

	created := f.createTask(t, "create a file named notes.txt with content hi", 3)
	if err := o.Run(context.Background(), created.ID); err != nil {
		t.Fatalf("执行任务失败: %v", err)
	}

	got, err := f.tasks.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("查询任务失败: %v", err)
	}
	if got.Status != task.StatusCompleted {
		t.Fatalf("期望完成态, 实际 %s", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("期望一次尝试, 实际 %d", got.Attempts)
	}
	if dispatched.Load() != 1 {
		t.Fatalf("期望一次调度, 实际 %d", dispatched.Load())
	}
	if final := f.finalEntries(t, created.ID); len(final) != 1 {
		t.Fatalf("期望恰好一条终点记忆, 实际 %d", len(final))
	}

	costs, err := f.costs.Summary(context.Background())
	if err != nil {
		t.Fatalf("查询成本失败: %v", err)
	}
	record, ok := costs["rule:local"]
	if !ok || record.TotalTokens == 0 || record.Calls != 1 {
		t.Fatalf("成本账本未记录决策调用: %+v", costs)
	}
}

func TestRunRetriesWithBackoffThenSucceeds(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	flaky := capability.NewFunc("flaky", "前两次失败", func(_ context.Context, _ capability.Input) (string, error) {
		if calls.Add(1) <= 2 {
			return "", errors.New("transient failure")
		}
		return "done", nil
	})
	if err := f.registry.Register(flaky); err != nil {
		t.Fatalf("注册能力失败: %v", err)
	}

	d := &scriptedDecider{plan: &decider.Plan{Steps: []decider.Step{{Capability: "flaky", Input: capability.Input{}}}}}
	base := 20 * time.Millisecond
	o := f.orchestrator(t, d, WithBaseDelay(base))

	created := f.createTask(t, "run the flaky capability", 3)
	start := time.Now()
	if err := o.Run(context.Background(), created.ID); err != nil {
		t.Fatalf("执行任务失败: %v", err)
	}
	elapsed := time.Since(start)

	// 两次退避: base + 2*base。
	if minTotal := 3 * base; elapsed < minTotal {
		t.Fatalf("退避时长不足: 期望至少 %s, 实际 %s", minTotal, elapsed)
	}

	got, err := f.tasks.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("查询任务失败: %v", err)
	}
	if got.Status != task.StatusCompleted || got.Attempts != 3 {
		t.Fatalf("期望第 3 次尝试完成, 实际 status=%s attempts=%d", got.Status, got.Attempts)
	}

	shortTerm, err := f.memories.Retrieve(context.Background(), memory.KindShortTerm, 100, 0)
	if err != nil {
		t.Fatalf("检索短期记忆失败: %v", err)
	}
	var failures, successes int
	for _, entry := range shortTerm {
		if entry.Context.TaskID != created.ID || entry.Context.Stage == "start" {
			continue
		}
		if entry.Context.Error != "" {
			failures++
		} else {
			successes++
		}
	}
	if failures != 4 {
		// 每次失败写两条: 步骤失败 + 尝试失败。
		t.Fatalf("期望 4 条失败记忆, 实际 %d", failures)
	}
	if successes != 1 {
		t.Fatalf("期望 1 条成功步骤记忆, 实际 %d", successes)
	}
}

func TestRunExhaustsRetries(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	broken := capability.NewFunc("broken", "总是失败", func(_ context.Context, _ capability.Input) (string, error) {
		calls.Add(1)
		return "", errors.New("hard failure")
	})
	if err := f.registry.Register(broken); err != nil {
		t.Fatalf("注册能力失败: %v", err)
	}

	d := &scriptedDecider{plan: &decider.Plan{Steps: []decider.Step{{Capability: "broken", Input: capability.Input{}}}}}
	o := f.orchestrator(t, d)

	created := f.createTask(t, "run the broken capability", 2)
	if err := o.Run(context.Background(), created.ID); err != nil {
		t.Fatalf("执行任务失败: %v", err)
	}

	got, err := f.tasks.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("查询任务失败: %v", err)
	}
	if got.Status != task.StatusFailed {
		t.Fatalf("期望失败终态, 实际 %s", got.Status)
	}
	if got.Attempts != got.MaxAttempts {
		t.Fatalf("失败任务 attempts 应等于上限: %d != %d", got.Attempts, got.MaxAttempts)
	}
	if got.ErrorCode != string(task.CodeTaskExhausted) {
		t.Fatalf("期望 RETRIES_EXHAUSTED, 实际 %s", got.ErrorCode)
	}
	if !strings.Contains(got.LastError, "hard failure") {
		t.Fatalf("终态应保留最后一次错误原文: %q", got.LastError)
	}
	if calls.Load() != 2 {
		t.Fatalf("尝试耗尽后不应再调度: 调用了 %d 次", calls.Load())
	}
}

func TestRunHonorsCancellation(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	failing := capability.NewFunc("failing", "失败后任务被取消", func(_ context.Context, _ capability.Input) (string, error) {
		calls.Add(1)
		return "", errors.New("boom")
	})
	if err := f.registry.Register(failing); err != nil {
		t.Fatalf("注册能力失败: %v", err)
	}

	created := f.createTask(t, "cancel after first failure", 3)
	// 第一次失败后, 在退避期间置位取消标记。
	cancelling := &cancellingDecider{
		inner: &scriptedDecider{plan: &decider.Plan{Steps: []decider.Step{{Capability: "failing", Input: capability.Input{}}}}},
		afterFirst: func() {
			if err := f.tasks.RequestCancel(context.Background(), created.ID); err != nil {
				t.Errorf("请求取消失败: %v", err)
			}
		},
	}
	o := f.orchestrator(t, cancelling)
	if err := o.Run(context.Background(), created.ID); err != nil {
		t.Fatalf("执行任务失败: %v", err)
	}

	got, err := f.tasks.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("查询任务失败: %v", err)
	}
	if got.Status != task.StatusFailed || got.ErrorCode != string(task.CodeTaskCancelled) {
		t.Fatalf("期望取消失败态, 实际 status=%s code=%s", got.Status, got.ErrorCode)
	}
	if calls.Load() != 1 {
		t.Fatalf("取消后不应再有第二次调度: 调用了 %d 次", calls.Load())
	}
	if cancelling.inner.calls.Load() != 1 {
		t.Fatalf("取消后不应再决策: 决策了 %d 次", cancelling.inner.calls.Load())
	}
}

// cancellingDecider 在第一次决策返回后执行回调，用于模拟外部取消。
// 编排器应在下一次决策前发现取消标记。
type cancellingDecider struct {
	inner      *scriptedDecider
	afterFirst func()
	fired      atomic.Bool
}

func (d *cancellingDecider) Decide(ctx context.Context, req decider.Request) (*decider.Plan, error) {
	plan, err := d.inner.Decide(ctx, req)
	if !d.fired.Swap(true) && d.afterFirst != nil {
		d.afterFirst()
	}
	return plan, err
}

func TestRunDirectAnswerSkipsDispatch(t *testing.T) {
	f := newFixture(t)
	d := &scriptedDecider{plan: &decider.Plan{Answer: "forty-two"}}
	o := f.orchestrator(t, d)

	created := f.createTask(t, "answer the ultimate question", 3)
	if err := o.Run(context.Background(), created.ID); err != nil {
		t.Fatalf("执行任务失败: %v", err)
	}

	got, err := f.tasks.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("查询任务失败: %v", err)
	}
	if got.Status != task.StatusCompleted || got.Result != "forty-two" {
		t.Fatalf("直接回答应立即完成: status=%s result=%q", got.Status, got.Result)
	}
	if got.Attempts != 1 {
		t.Fatalf("直接回答不应消耗重试: attempts=%d", got.Attempts)
	}
	if f.window.Len() != 1 {
		t.Fatalf("完成后应写入一轮会话窗口, 实际 %d", f.window.Len())
	}
}

// faultyMemoryStore 按类别注入写入失败，其余操作委托给内存实现。
type faultyMemoryStore struct {
	*memory.MemoryStore
	failKind memory.Kind
}

func (s *faultyMemoryStore) Remember(ctx context.Context, entry *memory.Entry) error {
	if entry.Kind == s.failKind {
		return xerrors.New(xerrors.CodeStorageFailure, "memory backend unavailable")
	}
	return s.MemoryStore.Remember(ctx, entry)
}

func TestRunSurfacesShortTermWriteFailure(t *testing.T) {
	f := newFixture(t)
	memories := &faultyMemoryStore{MemoryStore: f.memories, failKind: memory.KindShortTerm}
	d := &scriptedDecider{plan: &decider.Plan{Answer: "quick"}}
	o := NewOrchestrator(f.tasks, memories, f.costs, f.registry, d, f.window, WithBaseDelay(10*time.Millisecond))

	created := f.createTask(t, "write through a broken memory store", 3)
	err := o.Run(context.Background(), created.ID)
	if err == nil {
		t.Fatal("存储不可用应让本次执行立即失败")
	}
	if xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("期望 STORAGE_FAILURE, 实际 %v", err)
	}

	got, err := f.tasks.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("查询任务失败: %v", err)
	}
	if got.Status == task.StatusCompleted {
		t.Fatalf("记忆缺失的任务不应标记完成: %s", got.Status)
	}
	if d.calls.Load() != 0 {
		t.Fatalf("起点记忆写入失败后不应再决策: 决策了 %d 次", d.calls.Load())
	}
}

func TestRunSurfacesFinalWriteFailure(t *testing.T) {
	f := newFixture(t)
	memories := &faultyMemoryStore{MemoryStore: f.memories, failKind: memory.KindLongTerm}
	d := &scriptedDecider{plan: &decider.Plan{Answer: "forty-two"}}
	o := NewOrchestrator(f.tasks, memories, f.costs, f.registry, d, f.window, WithBaseDelay(10*time.Millisecond))

	created := f.createTask(t, "fail only the final memory write", 3)
	err := o.Run(context.Background(), created.ID)
	if err == nil {
		t.Fatal("终点记忆写入失败应上抛")
	}
	if xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("期望 STORAGE_FAILURE, 实际 %v", err)
	}
	if final := f.finalEntries(t, created.ID); len(final) != 0 {
		t.Fatalf("失败的写入不应留下终点记忆: %d", len(final))
	}
}

func TestRunEnforcesWallClockBudget(t *testing.T) {
	f := newFixture(t)
	slow := capability.NewFunc("slow", "总是失败的慢能力", func(_ context.Context, _ capability.Input) (string, error) {
		return "", errors.New("still failing")
	})
	if err := f.registry.Register(slow); err != nil {
		t.Fatalf("注册能力失败: %v", err)
	}

	d := &scriptedDecider{plan: &decider.Plan{Steps: []decider.Step{{Capability: "slow", Input: capability.Input{}}}}}
	o := f.orchestrator(t, d, WithBaseDelay(50*time.Millisecond), WithBudget(30*time.Millisecond))

	created := f.createTask(t, "exceed the time budget", 10)
	if err := o.Run(context.Background(), created.ID); err != nil {
		t.Fatalf("执行任务失败: %v", err)
	}

	got, err := f.tasks.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("查询任务失败: %v", err)
	}
	if got.Status != task.StatusFailed || got.ErrorCode != string(xerrors.CodeBudgetExceeded) {
		t.Fatalf("期望预算超限失败, 实际 status=%s code=%s", got.Status, got.ErrorCode)
	}
	if got.Attempts >= got.MaxAttempts {
		t.Fatalf("预算应先于重试上限触发: attempts=%d", got.Attempts)
	}
}
