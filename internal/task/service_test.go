package task

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"AutoAgent/internal/cost"
	"AutoAgent/internal/memory"
)

// fakeExecutor 直接把任务推到终态，模拟编排器。
type fakeExecutor struct {
	store     Store
	processed atomic.Int32
	latency   time.Duration
	fail      bool
}

func (f *fakeExecutor) Run(ctx context.Context, taskID string) error {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if _, err := f.store.Begin(ctx, taskID); err != nil {
		return err
	}
	f.processed.Add(1)
	if f.fail {
		return f.store.MarkFailed(ctx, taskID, "executor failure", string(CodeTaskProcessing))
	}
	return f.store.MarkCompleted(ctx, taskID, "ok")
}

func TestServiceSubmitValidation(t *testing.T) {
	service := NewService(NewMemoryStore(), NewMemoryQueue(8), nil)
	if _, err := service.Submit(context.Background(), "   ", 1); err == nil {
		t.Fatal("空描述应当被拒绝")
	}
}

func TestServiceExecuteWaitsForTerminal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	executor := &fakeExecutor{store: store, latency: 20 * time.Millisecond}
	processor := NewProcessor(executor, store, queue, WithWorkerCount(2))
	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	service := NewService(store, queue, nil, WithWaitInterval(10*time.Millisecond))
	result, err := service.Execute(ctx, "sync task", 3)
	if err != nil {
		t.Fatalf("同步执行失败: %v", err)
	}
	if result.Status != StatusCompleted || result.Result != "ok" {
		t.Fatalf("同步执行结果不符: %+v", result)
	}
}

func TestServicePriorityClamped(t *testing.T) {
	store := NewMemoryStore()
	service := NewService(store, NewMemoryQueue(8), nil)

	low, err := service.Submit(context.Background(), "low", -4)
	if err != nil {
		t.Fatalf("提交任务失败: %v", err)
	}
	high, err := service.Submit(context.Background(), "high", 99)
	if err != nil {
		t.Fatalf("提交任务失败: %v", err)
	}
	if low.Priority != 1 || high.Priority != 10 {
		t.Fatalf("优先级应收敛到 [1,10]: low=%d high=%d", low.Priority, high.Priority)
	}
}

func TestServiceStatusIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	memories := memory.NewMemoryStore()
	tracker := cost.NewTracker(memories)
	if _, _, err := tracker.Track(ctx, "openai:gpt-4", "input words here", "output words"); err != nil {
		t.Fatalf("记录成本失败: %v", err)
	}

	service := NewService(store, queue, tracker)
	if _, err := service.Submit(ctx, "status probe", 1); err != nil {
		t.Fatalf("提交任务失败: %v", err)
	}

	first, err := service.Status(ctx)
	if err != nil {
		t.Fatalf("查询状态失败: %v", err)
	}
	second, err := service.Status(ctx)
	if err != nil {
		t.Fatalf("查询状态失败: %v", err)
	}
	if !reflect.DeepEqual(first.Costs, second.Costs) {
		t.Fatalf("无写入时成本汇总应一致: %+v vs %+v", first.Costs, second.Costs)
	}
	if first.Tasks != second.Tasks {
		t.Fatalf("无写入时任务统计应一致: %+v vs %+v", first.Tasks, second.Tasks)
	}
	if len(first.Recent) != 1 || first.Recent[0].Description != "status probe" {
		t.Fatalf("最近任务缺失: %+v", first.Recent)
	}
}

func TestServiceCancelPropagates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	service := NewService(store, NewMemoryQueue(8), nil)

	created, err := service.Submit(ctx, "cancellable", 1)
	if err != nil {
		t.Fatalf("提交任务失败: %v", err)
	}
	if err := service.Cancel(ctx, created.ID); err != nil {
		t.Fatalf("取消失败: %v", err)
	}
	got, err := service.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("查询任务失败: %v", err)
	}
	if !got.CancelRequested {
		t.Fatal("取消标记未置位")
	}
	if err := service.Cancel(ctx, "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("取消未知任务应返回 ErrTaskNotFound, 实际 %v", err)
	}
}

func TestProcessorHandlesConcurrentTasks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	executor := &fakeExecutor{store: store, latency: 5 * time.Millisecond}

	service := NewService(store, queue, nil)
	processor := NewProcessor(executor, store, queue, WithWorkerCount(8))

	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	total := 200
	for i := 0; i < total; i++ {
		if _, err := service.Submit(ctx, fmt.Sprintf("goal-%d", i), 1); err != nil {
			t.Fatalf("提交任务失败: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for {
		if int(executor.processed.Load()) >= total {
			cancel()
			break
		}
		select {
		case <-deadline:
			t.Fatalf("任务未能及时处理，已完成 %d", executor.processed.Load())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestProcessorSkipsSentinelErrors(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	executor := &fakeExecutor{store: store}
	processor := NewProcessor(executor, store, queue)

	// 任务不存在时 handle 返回 nil，消息被消化而非无限回流。
	if err := processor.handle(context.Background(), "missing"); err != nil {
		t.Fatalf("哨兵错误应被吞掉, 实际 %v", err)
	}
}
