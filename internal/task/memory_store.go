package task

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "AutoAgent/internal/errors"
)

// MemoryStore 以内存方式保存任务状态，主要用于测试和单机部署。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if task.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return ErrTaskConflict
	}
	now := time.Now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = StatusPending
	}
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

// Get 返回任务副本。
func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(task), nil
}

// Begin 以原子方式认领任务。
func (m *MemoryStore) Begin(_ context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	// 终态不可逆: 已完成或已失败的任务一律拒绝认领。
	switch task.Status {
	case StatusCompleted:
		return cloneTask(task), ErrTaskCompleted
	case StatusFailed:
		return cloneTask(task), ErrTaskTerminal
	case StatusRunning:
		return cloneTask(task), ErrTaskConflict
	}
	if task.Attempts >= task.MaxAttempts {
		return cloneTask(task), ErrTaskExhausted
	}
	task.Status = StatusRunning
	task.Attempts++
	task.UpdatedAt = time.Now().Unix()
	return cloneTask(task), nil
}

// MarkRetrying 为同一持有者开启下一次尝试。
func (m *MemoryStore) MarkRetrying(_ context.Context, id string, lastError string, errorCode string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if task.Status != StatusRunning {
		return cloneTask(task), ErrTaskConflict
	}
	if task.Attempts >= task.MaxAttempts {
		return cloneTask(task), ErrTaskExhausted
	}
	task.Attempts++
	task.LastError = lastError
	task.ErrorCode = errorCode
	task.UpdatedAt = time.Now().Unix()
	return cloneTask(task), nil
}

// MarkCompleted 记录成功结果。
func (m *MemoryStore) MarkCompleted(_ context.Context, id string, result string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if task.Terminal() {
		return ErrTaskConflict
	}
	task.Status = StatusCompleted
	task.Result = result
	task.LastError = ""
	task.ErrorCode = ""
	task.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkFailed 标记任务失败。终态后保留最后一次错误原文。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, lastError string, errorCode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if task.Terminal() {
		return ErrTaskConflict
	}
	task.Status = StatusFailed
	task.LastError = lastError
	task.ErrorCode = errorCode
	task.UpdatedAt = time.Now().Unix()
	return nil
}

// RequestCancel 置位取消标记。
func (m *MemoryStore) RequestCancel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if task.Status == StatusCompleted {
		return ErrTaskCompleted
	}
	if task.Status == StatusFailed {
		return ErrTaskConflict
	}
	task.CancelRequested = true
	task.UpdatedAt = time.Now().Unix()
	return nil
}

// List 返回符合过滤条件的任务。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	matched := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		if matchesListFilters(task, opts) {
			matched = append(matched, task)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if opts.Order == SortByUpdatedAsc {
			if matched[i].UpdatedAt != matched[j].UpdatedAt {
				return matched[i].UpdatedAt < matched[j].UpdatedAt
			}
			return matched[i].ID < matched[j].ID
		}
		if matched[i].UpdatedAt != matched[j].UpdatedAt {
			return matched[i].UpdatedAt > matched[j].UpdatedAt
		}
		return matched[i].ID > matched[j].ID
	})

	if opts.Offset >= len(matched) {
		return []*Task{}, nil
	}
	matched = matched[opts.Offset:]
	if len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}

	results := make([]*Task, 0, len(matched))
	for _, task := range matched {
		results = append(results, cloneTask(task))
	}
	return results, nil
}

// Stats 返回符合过滤条件的任务统计。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (TaskStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	var stats TaskStats
	for _, task := range m.tasks {
		if matchesListFilters(task, opts) {
			stats.observe(task)
		}
	}
	return stats, nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
