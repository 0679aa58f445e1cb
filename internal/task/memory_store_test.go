package task

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newStoredTask(t *testing.T, store *MemoryStore, id string, maxAttempts int) *Task {
	t.Helper()
	created := &Task{
		ID:          id,
		Description: "demo task " + id,
		Priority:    5,
		Status:      StatusPending,
		MaxAttempts: maxAttempts,
	}
	if err := store.Create(context.Background(), created); err != nil {
		t.Fatalf("创建任务失败: %v", err)
	}
	return created
}

func TestMemoryStoreBeginClaims(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	newStoredTask(t, store, "t1", 3)

	claimed, err := store.Begin(ctx, "t1")
	if err != nil {
		t.Fatalf("认领任务失败: %v", err)
	}
	if claimed.Status != StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("认领后状态不符: %s attempts=%d", claimed.Status, claimed.Attempts)
	}

	// 第二个执行器不能重复认领。
	if _, err := store.Begin(ctx, "t1"); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("并发认领应返回冲突, 实际 %v", err)
	}
}

func TestMemoryStoreBeginTerminalAndExhausted(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	newStoredTask(t, store, "done", 3)
	if _, err := store.Begin(ctx, "done"); err != nil {
		t.Fatalf("认领任务失败: %v", err)
	}
	if err := store.MarkCompleted(ctx, "done", "ok"); err != nil {
		t.Fatalf("标记完成失败: %v", err)
	}
	if _, err := store.Begin(ctx, "done"); !errors.Is(err, ErrTaskCompleted) {
		t.Fatalf("已完成任务应拒绝认领, 实际 %v", err)
	}

	newStoredTask(t, store, "spent", 1)
	if _, err := store.Begin(ctx, "spent"); err != nil {
		t.Fatalf("认领任务失败: %v", err)
	}
	if err := store.MarkFailed(ctx, "spent", "boom", "RETRIES_EXHAUSTED"); err != nil {
		t.Fatalf("标记失败出错: %v", err)
	}
	if _, err := store.Begin(ctx, "spent"); !errors.Is(err, ErrTaskTerminal) {
		t.Fatalf("失败终态应拒绝认领, 实际 %v", err)
	}

	if _, err := store.Begin(ctx, "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("未知任务应返回 ErrTaskNotFound, 实际 %v", err)
	}
}

func TestMemoryStoreBeginRejectsFailedWithAttemptsLeft(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	// 取消或预算超限会在次数未耗尽时进入失败终态。
	newStoredTask(t, store, "halted", 3)
	if _, err := store.Begin(ctx, "halted"); err != nil {
		t.Fatalf("认领任务失败: %v", err)
	}
	if err := store.MarkFailed(ctx, "halted", "task cancelled by request", "TASK_CANCELLED"); err != nil {
		t.Fatalf("标记失败出错: %v", err)
	}

	// 队列重投后不能把失败终态拉回 running。
	if _, err := store.Begin(ctx, "halted"); !errors.Is(err, ErrTaskTerminal) {
		t.Fatalf("失败终态应拒绝认领, 实际 %v", err)
	}
	got, err := store.Get(ctx, "halted")
	if err != nil {
		t.Fatalf("查询任务失败: %v", err)
	}
	if got.Status != StatusFailed || got.Attempts != 1 {
		t.Fatalf("终态被篡改: status=%s attempts=%d", got.Status, got.Attempts)
	}
}

func TestMemoryStoreMarkRetrying(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	newStoredTask(t, store, "retry", 2)

	if _, err := store.MarkRetrying(ctx, "retry", "x", "Y"); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("非运行态重试应冲突, 实际 %v", err)
	}
	if _, err := store.Begin(ctx, "retry"); err != nil {
		t.Fatalf("认领任务失败: %v", err)
	}

	updated, err := store.MarkRetrying(ctx, "retry", "first failure", "TASK_PROCESSING_FAILED")
	if err != nil {
		t.Fatalf("记录重试失败: %v", err)
	}
	if updated.Attempts != 2 || updated.Status != StatusRunning {
		t.Fatalf("重试后状态不符: %s attempts=%d", updated.Status, updated.Attempts)
	}
	if updated.LastError != "first failure" {
		t.Fatalf("重试应保留失败原因: %q", updated.LastError)
	}

	// attempts 不得超过上限。
	if _, err := store.MarkRetrying(ctx, "retry", "again", "Y"); !errors.Is(err, ErrTaskExhausted) {
		t.Fatalf("超过上限应返回 ErrTaskExhausted, 实际 %v", err)
	}
}

func TestMemoryStoreTerminalStatesAreFinal(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	newStoredTask(t, store, "t", 3)

	if _, err := store.Begin(ctx, "t"); err != nil {
		t.Fatalf("认领任务失败: %v", err)
	}
	if err := store.MarkFailed(ctx, "t", "last error verbatim", "RETRIES_EXHAUSTED"); err != nil {
		t.Fatalf("标记失败出错: %v", err)
	}
	if err := store.MarkCompleted(ctx, "t", "late success"); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("终态不可回退, 实际 %v", err)
	}

	got, err := store.Get(ctx, "t")
	if err != nil {
		t.Fatalf("查询任务失败: %v", err)
	}
	if got.LastError != "last error verbatim" {
		t.Fatalf("失败原文被改写: %q", got.LastError)
	}
}

func TestMemoryStoreRequestCancel(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	newStoredTask(t, store, "c", 3)

	if err := store.RequestCancel(ctx, "c"); err != nil {
		t.Fatalf("请求取消失败: %v", err)
	}
	got, _ := store.Get(ctx, "c")
	if !got.CancelRequested {
		t.Fatal("取消标记未置位")
	}

	if _, err := store.Begin(ctx, "c"); err != nil {
		t.Fatalf("认领任务失败: %v", err)
	}
	if err := store.MarkCompleted(ctx, "c", "ok"); err != nil {
		t.Fatalf("标记完成失败: %v", err)
	}
	if err := store.RequestCancel(ctx, "c"); !errors.Is(err, ErrTaskCompleted) {
		t.Fatalf("取消已完成任务应返回 ErrTaskCompleted, 实际 %v", err)
	}
}

func TestMemoryStoreListAndStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		newStoredTask(t, store, id, 3)
	}
	if _, err := store.Begin(ctx, "a"); err != nil {
		t.Fatalf("认领任务失败: %v", err)
	}
	if err := store.MarkCompleted(ctx, "a", "file search result"); err != nil {
		t.Fatalf("标记完成失败: %v", err)
	}

	completed, err := store.List(ctx, ListOptions{Statuses: []Status{StatusCompleted}})
	if err != nil {
		t.Fatalf("查询列表失败: %v", err)
	}
	if len(completed) != 1 || completed[0].ID != "a" {
		t.Fatalf("状态过滤不符: %+v", completed)
	}

	matched, err := store.List(ctx, ListOptions{Query: "search"})
	if err != nil {
		t.Fatalf("模糊查询失败: %v", err)
	}
	if len(matched) != 1 || matched[0].ID != "a" {
		t.Fatalf("模糊查询应命中结果字段: %+v", matched)
	}

	limited, err := store.List(ctx, ListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("查询列表失败: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("limit 未生效: %d", len(limited))
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("统计失败: %v", err)
	}
	if stats.Total != 3 || stats.Completed != 1 || stats.Pending != 2 {
		t.Fatalf("统计不符: %+v", stats)
	}
	if stats.NewestUpdatedAt < stats.OldestUpdatedAt || stats.NewestUpdatedAt > time.Now().Unix() {
		t.Fatalf("时间戳区间非法: %+v", stats)
	}
}
