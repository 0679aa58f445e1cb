package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMemoryKeyStoreLookup(t *testing.T) {
	store := NewMemoryKeyStore()
	store.Register("secret-key", "ci-bot")
	store.Register("", "ignored")

	subject, err := store.Lookup(context.Background(), "secret-key")
	if err != nil {
		t.Fatalf("查询已注册 Key 失败: %v", err)
	}
	if subject.Name != "ci-bot" {
		t.Fatalf("主体名称错误: %q", subject.Name)
	}

	if _, err := store.Lookup(context.Background(), "wrong"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
	if _, err := store.Lookup(context.Background(), ""); !errors.Is(err, ErrMissingKey) {
		t.Fatalf("expected ErrMissingKey, got %v", err)
	}
}

func TestServiceDisabledAllowsAnonymous(t *testing.T) {
	svc, err := NewService(ModeDisabled, nil)
	if err != nil {
		t.Fatalf("构建服务失败: %v", err)
	}
	subject, err := svc.Authenticate(context.Background(), "")
	if err != nil {
		t.Fatalf("disabled 模式不应拒绝请求: %v", err)
	}
	if subject.Name != "anonymous" {
		t.Fatalf("匿名主体名称错误: %q", subject.Name)
	}
}

func TestServiceAPIKeyMode(t *testing.T) {
	if _, err := NewService(ModeAPIKey, nil); err == nil {
		t.Fatal("api_key 模式缺少存储时应当报错")
	}
	if _, err := NewService(Mode("basic"), nil); err == nil {
		t.Fatal("未知模式应当报错")
	}

	store := NewMemoryKeyStore()
	store.Register("token-1", "dashboard")
	svc, err := NewService(ModeAPIKey, store)
	if err != nil {
		t.Fatalf("构建服务失败: %v", err)
	}

	subject, err := svc.Authenticate(context.Background(), "Bearer token-1")
	if err != nil {
		t.Fatalf("Bearer 凭证应当通过: %v", err)
	}
	if subject.Name != "dashboard" {
		t.Fatalf("主体名称错误: %q", subject.Name)
	}

	if _, err := svc.Authenticate(context.Background(), "token-2"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
	if _, err := svc.Authenticate(context.Background(), ""); !errors.Is(err, ErrMissingKey) {
		t.Fatalf("expected ErrMissingKey, got %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	store := NewMemoryKeyStore()
	store.Register("token-1", "dashboard")
	svc, err := NewService(ModeAPIKey, store)
	if err != nil {
		t.Fatalf("构建服务失败: %v", err)
	}

	var seen *Subject
	handler := svc.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	// 没有凭证 -> 401。
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("无凭证应返回 401，实际 %d", rec.Code)
	}

	// 错误凭证 -> 403。
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("X-API-Key", "bogus")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("错误凭证应返回 403，实际 %d", rec.Code)
	}

	// 正确凭证 -> 放行并注入主体。
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer token-1")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("正确凭证应放行，实际 %d", rec.Code)
	}
	if seen == nil || seen.Name != "dashboard" {
		t.Fatalf("上下文主体错误: %+v", seen)
	}
}
