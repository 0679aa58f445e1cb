package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "AutoAgent/internal/errors"
)

// MemoryStore 以内存方式保存记忆与成本记录，主要用于测试与本地开发。
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	seq     map[string]int64
	nextSeq int64
	costs   map[string]*CostRecord
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*Entry),
		seq:     make(map[string]int64),
		costs:   make(map[string]*CostRecord),
	}
}

// Remember 实现 Store 接口。
func (m *MemoryStore) Remember(_ context.Context, entry *Entry) error {
	if entry == nil {
		return xerrors.New(CodeMemoryValidation, "记忆条目不能为空")
	}
	if entry.Content == "" {
		return xerrors.New(CodeMemoryValidation, "记忆内容不能为空")
	}
	if !IsValidKind(entry.Kind) {
		return xerrors.New(CodeMemoryValidation, "不支持的记忆类别")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt == 0 {
		entry.CreatedAt = time.Now().Unix()
	}
	entry.Importance = ClampImportance(entry.Importance)
	if _, ok := m.entries[entry.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "记忆 ID 已存在")
	}

	clone := cloneEntry(entry)
	m.entries[entry.ID] = &clone
	m.nextSeq++
	m.seq[entry.ID] = m.nextSeq
	return nil
}

// Retrieve 按重要性降序返回记忆。
func (m *MemoryStore) Retrieve(_ context.Context, kind Kind, limit int, minImportance float64) ([]Entry, error) {
	if !IsValidKind(kind) {
		return nil, xerrors.New(CodeMemoryValidation, "不支持的记忆类别")
	}
	if limit <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*Entry, 0, len(m.entries))
	for _, entry := range m.entries {
		if entry.Kind != kind || entry.Importance < minImportance {
			continue
		}
		matched = append(matched, entry)
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Importance != matched[j].Importance {
			return matched[i].Importance > matched[j].Importance
		}
		if matched[i].CreatedAt != matched[j].CreatedAt {
			return matched[i].CreatedAt > matched[j].CreatedAt
		}
		return m.seq[matched[i].ID] > m.seq[matched[j].ID]
	})

	if len(matched) > limit {
		matched = matched[:limit]
	}
	results := make([]Entry, 0, len(matched))
	for _, entry := range matched {
		results = append(results, cloneEntry(entry))
	}
	return results, nil
}

// Prune 清理短期记忆。
func (m *MemoryStore) Prune(_ context.Context, capacity int, minImportance float64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	shortTerm := make([]*Entry, 0)
	removed := 0
	for id, entry := range m.entries {
		if entry.Kind != KindShortTerm {
			continue
		}
		if entry.Importance < minImportance {
			delete(m.entries, id)
			delete(m.seq, id)
			removed++
			continue
		}
		shortTerm = append(shortTerm, entry)
	}

	if capacity > 0 && len(shortTerm) > capacity {
		// 最旧且最不重要的先出局。
		sort.Slice(shortTerm, func(i, j int) bool {
			if shortTerm[i].Importance != shortTerm[j].Importance {
				return shortTerm[i].Importance < shortTerm[j].Importance
			}
			if shortTerm[i].CreatedAt != shortTerm[j].CreatedAt {
				return shortTerm[i].CreatedAt < shortTerm[j].CreatedAt
			}
			return m.seq[shortTerm[i].ID] < m.seq[shortTerm[j].ID]
		})
		for _, entry := range shortTerm[:len(shortTerm)-capacity] {
			delete(m.entries, entry.ID)
			delete(m.seq, entry.ID)
			removed++
		}
	}
	return removed, nil
}

// AddCost 累加一次调用的用量。
func (m *MemoryStore) AddCost(_ context.Context, model string, tokens int64, cost float64) error {
	if model == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "模型标识不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.costs[model]
	if !ok {
		record = &CostRecord{Model: model}
		m.costs[model] = record
	}
	record.TotalTokens += tokens
	record.TotalCost += cost
	record.Calls++
	return nil
}

// CostSummary 返回所有模型的累计用量。
func (m *MemoryStore) CostSummary(_ context.Context) (map[string]CostRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summary := make(map[string]CostRecord, len(m.costs))
	for model, record := range m.costs {
		summary[model] = *record
	}
	return summary, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
