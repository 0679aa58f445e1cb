package task

import "context"

// Store 抽象了任务状态的持久化接口。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// Begin 以原子方式认领任务: pending -> running 并递增 Attempts。
	// 终态不可逆: 已完成返回 ErrTaskCompleted，已失败返回 ErrTaskTerminal。
	// 已在运行返回冲突，次数耗尽返回 ErrTaskExhausted。
	Begin(ctx context.Context, id string) (*Task, error)
	// MarkRetrying 在一次失败后为同一持有者开启下一次尝试:
	// running -> running 并递增 Attempts，同时记录失败原因。
	MarkRetrying(ctx context.Context, id string, lastError string, errorCode string) (*Task, error)
	MarkCompleted(ctx context.Context, id string, result string) error
	MarkFailed(ctx context.Context, id string, lastError string, errorCode string) error
	// RequestCancel 置位取消标记。终态任务返回相应的终态错误。
	RequestCancel(ctx context.Context, id string) error
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Close() error
}
