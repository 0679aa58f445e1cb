package memory

import "context"

// Store 抽象了记忆与成本记录的持久化接口。
// 所有写入在调用返回前完成落盘，调用方可以依赖写入立即生效。
type Store interface {
	// Remember 持久化一条记忆。ID 与时间戳缺失时由存储补齐。
	Remember(ctx context.Context, entry *Entry) error
	// Retrieve 按重要性降序返回指定类别的记忆，重要性相同时按时间倒序，
	// 最多返回 limit 条，且过滤掉低于 minImportance 的记录。
	Retrieve(ctx context.Context, kind Kind, limit int, minImportance float64) ([]Entry, error)
	// Prune 清理短期记忆：先删除低于 minImportance 的记录，再按
	// 最旧且最不重要优先的顺序删除超出 capacity 的部分。长期记忆不受影响。
	Prune(ctx context.Context, capacity int, minImportance float64) (int, error)
	// AddCost 追加一次调用的用量到指定模型的累计记录。
	AddCost(ctx context.Context, model string, tokens int64, cost float64) error
	// CostSummary 返回当前所有模型的累计用量。
	CostSummary(ctx context.Context) (map[string]CostRecord, error)
	// Close 释放底层资源。
	Close() error
}
