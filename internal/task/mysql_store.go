package task

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "AutoAgent/internal/errors"
	storage "AutoAgent/internal/storage/mysql"
)

// MySQLStore 使用 MySQL 记录任务状态。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 打开连接池并应用迁移后返回任务存储。
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

// NewMySQLStoreWithDB 复用已有连接池，调用方负责迁移与关闭。
func NewMySQLStoreWithDB(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

// Create 插入新的任务记录。
func (s *MySQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}

	now := time.Now().Unix()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = StatusPending
	}

	const stmt = `INSERT INTO task_states
        (id, description, priority, status, attempts, max_attempts, result, last_error, error_code, cancel_requested, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, '', '', '', 0, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		task.ID,
		task.Description,
		task.Priority,
		task.Status,
		task.Attempts,
		task.MaxAttempts,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

const selectColumns = `id, description, priority, status, attempts, max_attempts,
        result, last_error, error_code, cancel_requested, created_at, updated_at`

func scanTask(scanner interface{ Scan(dest ...any) error }) (*Task, error) {
	var task Task
	var cancelRequested int
	if err := scanner.Scan(
		&task.ID,
		&task.Description,
		&task.Priority,
		&task.Status,
		&task.Attempts,
		&task.MaxAttempts,
		&task.Result,
		&task.LastError,
		&task.ErrorCode,
		&cancelRequested,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return nil, err
	}
	task.CancelRequested = cancelRequested != 0
	return &task, nil
}

// Get 查询指定任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM task_states WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return task, nil
}

// Begin 以单条带条件的 UPDATE 完成原子认领，失败时回查原因。
func (s *MySQLStore) Begin(ctx context.Context, id string) (*Task, error) {
	const stmt = `UPDATE task_states
        SET status = ?, attempts = attempts + 1, updated_at = ?
        WHERE id = ? AND status = ? AND attempts < max_attempts`

	result, err := s.db.ExecContext(ctx, stmt,
		StatusRunning, time.Now().Unix(), id, StatusPending)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "认领任务失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取认领结果失败")
	}
	task, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if affected == 0 {
		switch {
		case task.Status == StatusCompleted:
			return task, ErrTaskCompleted
		case task.Status == StatusFailed:
			return task, ErrTaskTerminal
		case task.Status == StatusRunning:
			return task, ErrTaskConflict
		case task.Attempts >= task.MaxAttempts:
			return task, ErrTaskExhausted
		default:
			return task, ErrTaskConflict
		}
	}
	return task, nil
}

// MarkRetrying 为同一持有者开启下一次尝试。
func (s *MySQLStore) MarkRetrying(ctx context.Context, id string, lastError string, errorCode string) (*Task, error) {
	const stmt = `UPDATE task_states
        SET attempts = attempts + 1, last_error = ?, error_code = ?, updated_at = ?
        WHERE id = ? AND status = ? AND attempts < max_attempts`

	result, err := s.db.ExecContext(ctx, stmt,
		lastError, errorCode, time.Now().Unix(), id, StatusRunning)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新重试状态失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取重试结果失败")
	}
	task, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if affected == 0 {
		if task.Status != StatusRunning {
			return task, ErrTaskConflict
		}
		return task, ErrTaskExhausted
	}
	return task, nil
}

// MarkCompleted 记录成功结果。
func (s *MySQLStore) MarkCompleted(ctx context.Context, id string, taskResult string) error {
	const stmt = `UPDATE task_states
        SET status = ?, result = ?, last_error = '', error_code = '', updated_at = ?
        WHERE id = ? AND status NOT IN (?, ?)`
	return s.markTerminal(ctx, stmt,
		StatusCompleted, taskResult, time.Now().Unix(), id, StatusCompleted, StatusFailed)
}

// MarkFailed 标记任务失败并保留最后一次错误原文。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, lastError string, errorCode string) error {
	const stmt = `UPDATE task_states
        SET status = ?, last_error = ?, error_code = ?, updated_at = ?
        WHERE id = ? AND status NOT IN (?, ?)`
	return s.markTerminal(ctx, stmt,
		StatusFailed, lastError, errorCode, time.Now().Unix(), id, StatusCompleted, StatusFailed)
}

func (s *MySQLStore) markTerminal(ctx context.Context, stmt string, args ...any) error {
	result, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务终态失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, args[len(args)-3].(string)); getErr != nil {
			return getErr
		}
		return ErrTaskConflict
	}
	return nil
}

// RequestCancel 置位取消标记。
func (s *MySQLStore) RequestCancel(ctx context.Context, id string) error {
	const stmt = `UPDATE task_states SET cancel_requested = 1, updated_at = ?
        WHERE id = ? AND status NOT IN (?, ?)`

	result, err := s.db.ExecContext(ctx, stmt, time.Now().Unix(), id, StatusCompleted, StatusFailed)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新取消标记失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
	}
	if affected == 0 {
		task, getErr := s.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		if task.Status == StatusCompleted {
			return ErrTaskCompleted
		}
		return ErrTaskConflict
	}
	return nil
}

// List 返回符合过滤条件的任务。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	where, args := buildListWhere(opts)
	order := "updated_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = "updated_at ASC, id ASC"
	}
	query := fmt.Sprintf(
		`SELECT %s FROM task_states %s ORDER BY %s LIMIT ? OFFSET ?`,
		selectColumns, where, order)
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务行失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务行失败")
	}
	return tasks, nil
}

// Stats 返回符合过滤条件的任务统计。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()

	where, args := buildListWhere(opts)
	query := fmt.Sprintf(`SELECT
        COUNT(*),
        COALESCE(SUM(status = '%s'), 0),
        COALESCE(SUM(status = '%s'), 0),
        COALESCE(SUM(status = '%s'), 0),
        COALESCE(SUM(status = '%s'), 0),
        COALESCE(MIN(updated_at), 0),
        COALESCE(MAX(updated_at), 0)
        FROM task_states %s`,
		StatusPending, StatusRunning, StatusCompleted, StatusFailed, where)

	var stats TaskStats
	row := s.db.QueryRowContext(ctx, query, args...)
	if err := row.Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Completed,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计任务失败")
	}
	return stats, nil
}

// buildListWhere 把过滤条件翻译成 WHERE 子句。
func buildListWhere(opts ListOptions) (string, []any) {
	var clauses []string
	var args []any

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, status)
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if opts.UpdatedGTE > 0 {
		clauses = append(clauses, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		clauses = append(clauses, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.HasResult != nil {
		if *opts.HasResult {
			clauses = append(clauses, "result <> ''")
		} else {
			clauses = append(clauses, "result = ''")
		}
	}
	if opts.Query != "" {
		like := "%" + opts.Query + "%"
		clauses = append(clauses, "(description LIKE ? OR result LIKE ? OR last_error LIKE ?)")
		args = append(args, like, like, like)
	}

	if len(clauses) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

// Close 关闭连接池。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Store = (*MySQLStore)(nil)
