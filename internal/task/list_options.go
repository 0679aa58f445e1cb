package task

import (
	"strings"
	"time"
)

// 列表分页的默认与上限，防止一次查询拖回整张表。
const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// SortOrder 指定列表结果的排序方向。
type SortOrder int

const (
	// SortByUpdatedDesc 按更新时间倒序，最近更新的在前。
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc 按更新时间正序。
	SortByUpdatedAsc
)

// ListOptions 汇总任务列表查询的过滤、分页与排序条件。
// 时间戳为 Unix 秒，零值表示不启用该过滤项。
type ListOptions struct {
	Limit      int
	Offset     int
	Statuses   []Status
	UpdatedGTE int64
	UpdatedLTE int64
	HasResult  *bool
	Order      SortOrder
	Query      string
}

// applyDefaults 收敛非法取值并补齐默认分页参数。
func (opts *ListOptions) applyDefaults() {
	switch {
	case opts.Limit <= 0:
		opts.Limit = defaultListLimit
	case opts.Limit > maxListLimit:
		opts.Limit = maxListLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	opts.Statuses = normalizeStatuses(opts.Statuses)
	if opts.Order != SortByUpdatedAsc {
		opts.Order = SortByUpdatedDesc
	}
	opts.Query = strings.TrimSpace(opts.Query)
}

// ListOption 以函数式选项修改 ListOptions。
type ListOption func(*ListOptions)

// WithLimit 限制返回的任务条数。
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset 跳过前 offset 条匹配结果。
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithStatuses 只保留指定状态的任务。
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithUpdatedSince 只保留在 ts 及之后更新过的任务。
func WithUpdatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		opts.UpdatedGTE = unixOrZero(ts)
	}
}

// WithUpdatedUntil 只保留在 ts 及之前更新过的任务。
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		opts.UpdatedLTE = unixOrZero(ts)
	}
}

// WithResultPresence 按任务是否已产出结果过滤。
func WithResultPresence(hasResult bool) ListOption {
	return func(opts *ListOptions) {
		opts.HasResult = &hasResult
	}
}

// WithSortOrder 指定结果排序方向。
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// WithQuery 对任务描述、结果和最近错误做大小写无关的子串匹配。
func WithQuery(query string) ListOption {
	return func(opts *ListOptions) {
		opts.Query = query
	}
}

// buildListOptions 在默认值之上叠加调用方给出的选项。
func buildListOptions(opts []ListOption) ListOptions {
	var options ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func unixOrZero(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.Unix()
}

// normalizeStatuses 去掉非法与重复的状态值，结果为空时返回 nil。
func normalizeStatuses(input []Status) []Status {
	var result []Status
	seen := make(map[Status]struct{}, len(input))
	for _, status := range input {
		if !IsValidStatus(status) {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		result = append(result, status)
	}
	return result
}

// matchesListFilters 判断任务是否满足除分页外的全部过滤条件。
func matchesListFilters(task *Task, opts ListOptions) bool {
	if len(opts.Statuses) > 0 && !containsStatus(opts.Statuses, task.Status) {
		return false
	}
	if opts.UpdatedGTE > 0 && task.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && task.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.HasResult != nil && (task.Result != "") != *opts.HasResult {
		return false
	}
	if opts.Query != "" {
		return matchesQuery(task, opts.Query)
	}
	return true
}

func containsStatus(statuses []Status, target Status) bool {
	for _, status := range statuses {
		if status == target {
			return true
		}
	}
	return false
}

func matchesQuery(task *Task, query string) bool {
	query = strings.ToLower(query)
	for _, field := range []string{task.Description, task.Result, task.LastError} {
		if strings.Contains(strings.ToLower(field), query) {
			return true
		}
	}
	return false
}
