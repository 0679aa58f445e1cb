package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"AutoAgent/internal/auth"
	xerrors "AutoAgent/internal/errors"
	"AutoAgent/internal/observability/metrics"
	"AutoAgent/internal/task"
	"AutoAgent/pkg/logger"
)

// Server 负责暴露 REST 接口，供外部提交与管理任务。
type Server struct {
	addr  string
	tasks *task.Service
	auth  *auth.Service
}

// NewServer 构造 API 服务实例。authSvc 可以为 nil，表示不启用认证。
func NewServer(addr string, tasks *task.Service, authSvc *auth.Service) *Server {
	return &Server{addr: addr, tasks: tasks, auth: authSvc}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	logger.L().Info("API 服务已启动", "addr", s.addr)
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handler 组装全部路由与中间件，便于测试直接驱动。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/tasks", s.protect(s.instrument("tasks", http.HandlerFunc(s.handleTasks))))
	mux.Handle("/api/v1/tasks/", s.protect(s.instrument("task_detail", http.HandlerFunc(s.handleTaskByID))))
	mux.Handle("/api/v1/status", s.protect(s.instrument("status", http.HandlerFunc(s.handleStatus))))
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func (s *Server) protect(next http.Handler) http.Handler {
	if s.auth == nil || !s.auth.Enabled() {
		return next
	}
	return s.auth.Middleware()(next)
}

// instrument 记录每个请求的状态码与耗时指标。
func (s *Server) instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateTask(w, r)
	case http.MethodGet:
		s.handleListTasks(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, xerrors.CodeUnknown, "仅支持 GET/POST")
	}
}

type createTaskRequest struct {
	Description string `json:"description"`
	Priority    int    `json:"priority"`
}

// handleCreateTask 默认同步执行任务直到终态；携带 ?async=1 时
// 只入队并立即返回 202。
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, task.CodeTaskValidation, "请求体解析失败")
		return
	}

	if isAsync(r) {
		created, err := s.tasks.Submit(r.Context(), req.Description, req.Priority)
		if err != nil {
			writeTaskError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, created)
		return
	}

	result, err := s.tasks.Execute(r.Context(), req.Description, req.Priority)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	opts := make([]task.ListOption, 0, 4)
	query := r.URL.Query()
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			opts = append(opts, task.WithLimit(parsed))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			opts = append(opts, task.WithOffset(parsed))
		}
	}
	if raw := query.Get("status"); raw != "" {
		statuses := make([]task.Status, 0, 2)
		for _, part := range strings.Split(raw, ",") {
			statuses = append(statuses, task.Status(strings.TrimSpace(part)))
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if raw := query.Get("q"); raw != "" {
		opts = append(opts, task.WithQuery(raw))
	}
	if raw := query.Get("since"); raw != "" {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			opts = append(opts, task.WithUpdatedSince(parsed))
		}
	}
	if raw := query.Get("until"); raw != "" {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			opts = append(opts, task.WithUpdatedUntil(parsed))
		}
	}
	if raw := query.Get("has_result"); raw != "" {
		if parsed, err := strconv.ParseBool(raw); err == nil {
			opts = append(opts, task.WithResultPresence(parsed))
		}
	}
	if query.Get("order") == "asc" {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	}

	results, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": results})
}

// handleTaskByID 处理 GET /api/v1/tasks/{id} 与 POST /api/v1/tasks/{id}/cancel。
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusNotFound, task.CodeTaskNotFound, "缺少任务 ID")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		result, err := s.tasks.Get(r.Context(), id)
		if err != nil {
			writeTaskError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	case action == "cancel" && r.Method == http.MethodPost:
		if err := s.tasks.Cancel(r.Context(), id); err != nil {
			writeTaskError(w, err)
			return
		}
		result, err := s.tasks.Get(r.Context(), id)
		if err != nil {
			writeTaskError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	default:
		writeError(w, http.StatusMethodNotAllowed, xerrors.CodeUnknown, "不支持的操作")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, xerrors.CodeUnknown, "仅支持 GET")
		return
	}
	report, err := s.tasks.Status(r.Context())
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func isAsync(r *http.Request) bool {
	switch r.URL.Query().Get("async") {
	case "1", "true":
		return true
	}
	return false
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code xerrors.Code, message string) {
	writeJSON(w, status, errorResponse{Error: errorBody{Code: string(code), Message: message}})
}

// writeTaskError 把业务错误映射为 HTTP 状态码。响应只携带
// 错误码与消息，不暴露内部堆栈。
func writeTaskError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case stdErrors.Is(err, task.ErrTaskNotFound):
		status = http.StatusNotFound
	case stdErrors.Is(err, task.ErrTaskConflict), stdErrors.Is(err, task.ErrTaskCompleted):
		status = http.StatusConflict
	case xerrors.CodeOf(err) == task.CodeTaskValidation:
		status = http.StatusBadRequest
	}
	writeError(w, status, xerrors.CodeOf(err), err.Error())
}

// statusRecorder 捕获响应状态码，供指标上报使用。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, http.StatusServiceUnavailable, xerrors.CodeUnknown, "服务已关闭")
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
