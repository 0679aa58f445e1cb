package memory

import (
	xerrors "AutoAgent/internal/errors"
)

// Kind 区分记忆的保留策略。
type Kind string

const (
	// KindShortTerm 短期记忆，超出容量或重要性下限后可被清理。
	KindShortTerm Kind = "short_term"
	// KindLongTerm 长期记忆，永久保留。
	KindLongTerm Kind = "long_term"
)

// EntryContext 记录产生记忆时的结构化上下文。
type EntryContext struct {
	TaskID     string `json:"task_id,omitempty"`
	Capability string `json:"capability,omitempty"`
	Error      string `json:"error,omitempty"`
	Stage      string `json:"stage,omitempty"`
}

// Entry 是一条不可变的记忆记录。写入后不会被修改，清理时整条删除。
type Entry struct {
	ID         string        `json:"id"`
	Kind       Kind          `json:"kind"`
	Content    string        `json:"content"`
	Importance float64       `json:"importance"`
	Context    *EntryContext `json:"context,omitempty"`
	CreatedAt  int64         `json:"created_at"`
}

// CostRecord 按模型聚合的资源用量，只增不减。
type CostRecord struct {
	Model       string  `json:"model"`
	TotalTokens int64   `json:"total_tokens"`
	TotalCost   float64 `json:"total_cost"`
	Calls       int64   `json:"calls"`
}

const (
	CodeMemoryValidation xerrors.Code = "MEMORY_VALIDATION_FAILED"
)

func init() {
	xerrors.Register(CodeMemoryValidation, xerrors.Attributes{
		Message:   "memory entry validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// ClampImportance 将重要性收敛到 [0, 1] 区间。
func ClampImportance(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// IsValidKind 检查记忆类别是否受支持。
func IsValidKind(kind Kind) bool {
	switch kind {
	case KindShortTerm, KindLongTerm:
		return true
	default:
		return false
	}
}

func cloneEntry(entry *Entry) Entry {
	clone := *entry
	if entry.Context != nil {
		ctxCopy := *entry.Context
		clone.Context = &ctxCopy
	}
	return clone
}
