package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "AutoAgent/internal/errors"
	storage "AutoAgent/internal/storage/mysql"
)

// MySQLStore 使用 MySQL 保存记忆与成本记录。每次写入在返回前落盘。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 建立连接并应用迁移。
func NewMySQLStore(ctx context.Context, cfg storage.Config) (*MySQLStore, error) {
	db, err := storage.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := storage.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &MySQLStore{db: db}, nil
}

// Remember 插入一条记忆。
func (s *MySQLStore) Remember(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return xerrors.New(CodeMemoryValidation, "记忆条目不能为空")
	}
	if entry.Content == "" {
		return xerrors.New(CodeMemoryValidation, "记忆内容不能为空")
	}
	if !IsValidKind(entry.Kind) {
		return xerrors.New(CodeMemoryValidation, "不支持的记忆类别")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt == 0 {
		entry.CreatedAt = time.Now().Unix()
	}
	entry.Importance = ClampImportance(entry.Importance)

	contextValue, err := marshalEntryContext(entry.Context)
	if err != nil {
		return xerrors.Wrap(CodeMemoryValidation, err, "编码记忆上下文失败")
	}

	const stmt = `INSERT INTO memory_entries (id, kind, content, context, importance, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt,
		entry.ID,
		string(entry.Kind),
		entry.Content,
		contextValue,
		entry.Importance,
		entry.CreatedAt,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入记忆失败")
	}
	return nil
}

// Retrieve 按重要性降序查询记忆。
func (s *MySQLStore) Retrieve(ctx context.Context, kind Kind, limit int, minImportance float64) ([]Entry, error) {
	if !IsValidKind(kind) {
		return nil, xerrors.New(CodeMemoryValidation, "不支持的记忆类别")
	}
	if limit <= 0 {
		return nil, nil
	}

	const stmt = `SELECT id, kind, content, context, importance, created_at
        FROM memory_entries
        WHERE kind = ? AND importance >= ?
        ORDER BY importance DESC, created_at DESC, id DESC
        LIMIT ?`

	rows, err := s.db.QueryContext(ctx, stmt, string(kind), minImportance, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询记忆失败")
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var entry Entry
		var rawContext sql.NullString
		if err := rows.Scan(&entry.ID, &entry.Kind, &entry.Content, &rawContext, &entry.Importance, &entry.CreatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析记忆记录失败")
		}
		entryContext, err := unmarshalEntryContext(rawContext)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析记忆上下文失败")
		}
		entry.Context = entryContext
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历记忆失败")
	}
	return entries, nil
}

// Prune 清理短期记忆。
func (s *MySQLStore) Prune(ctx context.Context, capacity int, minImportance float64) (int, error) {
	removed := 0

	if minImportance > 0 {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM memory_entries WHERE kind = ? AND importance < ?`,
			string(KindShortTerm), minImportance,
		)
		if err != nil {
			return removed, xerrors.Wrap(xerrors.CodeStorageFailure, err, "清理低重要性记忆失败")
		}
		if rows, err := res.RowsAffected(); err == nil {
			removed += int(rows)
		}
	}

	if capacity <= 0 {
		return removed, nil
	}

	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory_entries WHERE kind = ?`, string(KindShortTerm),
	).Scan(&count); err != nil {
		return removed, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计短期记忆失败")
	}
	if count <= capacity {
		return removed, nil
	}

	// 最旧且最不重要的先出局。
	res, err := s.db.ExecContext(ctx, `DELETE FROM memory_entries
        WHERE kind = ? AND id IN (
            SELECT id FROM (
                SELECT id FROM memory_entries WHERE kind = ?
                ORDER BY importance ASC, created_at ASC, id ASC
                LIMIT ?
            ) AS victims
        )`,
		string(KindShortTerm), string(KindShortTerm), count-capacity,
	)
	if err != nil {
		return removed, xerrors.Wrap(xerrors.CodeStorageFailure, err, "按容量清理短期记忆失败")
	}
	if rows, err := res.RowsAffected(); err == nil {
		removed += int(rows)
	}
	return removed, nil
}

// AddCost 累加一次调用的用量。
func (s *MySQLStore) AddCost(ctx context.Context, model string, tokens int64, cost float64) error {
	if strings.TrimSpace(model) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "模型标识不能为空")
	}
	const stmt = `INSERT INTO cost_records (model, total_tokens, total_cost, calls, updated_at)
        VALUES (?, ?, ?, 1, ?)
        ON DUPLICATE KEY UPDATE
            total_tokens = total_tokens + VALUES(total_tokens),
            total_cost = total_cost + VALUES(total_cost),
            calls = calls + 1,
            updated_at = VALUES(updated_at)`
	if _, err := s.db.ExecContext(ctx, stmt, model, tokens, cost, time.Now().Unix()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "累加成本记录失败")
	}
	return nil
}

// CostSummary 返回所有模型的累计用量。
func (s *MySQLStore) CostSummary(ctx context.Context) (map[string]CostRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT model, total_tokens, total_cost, calls FROM cost_records`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询成本记录失败")
	}
	defer rows.Close()

	summary := make(map[string]CostRecord)
	for rows.Next() {
		var record CostRecord
		if err := rows.Scan(&record.Model, &record.TotalTokens, &record.TotalCost, &record.Calls); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析成本记录失败")
		}
		summary[record.Model] = record
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历成本记录失败")
	}
	return summary, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func marshalEntryContext(entryContext *EntryContext) (sql.NullString, error) {
	if entryContext == nil {
		return sql.NullString{}, nil
	}
	encoded, err := json.Marshal(entryContext)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(encoded), Valid: true}, nil
}

func unmarshalEntryContext(raw sql.NullString) (*EntryContext, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var entryContext EntryContext
	if err := json.Unmarshal([]byte(raw.String), &entryContext); err != nil {
		return nil, err
	}
	return &entryContext, nil
}

var _ Store = (*MySQLStore)(nil)
