// Package auth 提供基于 API Key 的访问控制。
//
// 支持两种模式：disabled（放行所有请求）与 api_key（校验
// Authorization: Bearer 或 X-API-Key 头）。Key 的比较使用
// 常量时间算法，避免时序侧信道。
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"sync"

	xerrors "AutoAgent/internal/errors"
)

// Mode 表示认证模式。
type Mode string

const (
	// ModeDisabled 关闭认证，所有请求直接放行。
	ModeDisabled Mode = "disabled"
	// ModeAPIKey 要求请求携带已注册的 API Key。
	ModeAPIKey Mode = "api_key"
)

// CodeUnauthorized 表示请求未通过认证。
const CodeUnauthorized xerrors.Code = "UNAUTHORIZED"

func init() {
	xerrors.Register(CodeUnauthorized, xerrors.Attributes{
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
	})
}

var (
	// ErrMissingKey 表示请求没有携带任何凭证。
	ErrMissingKey = errors.New("auth: missing api key")
	// ErrInvalidKey 表示凭证不在注册表中。
	ErrInvalidKey = errors.New("auth: invalid api key")
)

// Subject 描述一个通过认证的调用方。
type Subject struct {
	// Name 是调用方的标识，用于审计日志。
	Name string
}

// KeyStore 保存已注册的 API Key。
type KeyStore interface {
	// Lookup 根据凭证返回对应的主体，不存在时返回 ErrInvalidKey。
	Lookup(ctx context.Context, key string) (*Subject, error)
}

// MemoryKeyStore 是进程内的 KeyStore 实现。
type MemoryKeyStore struct {
	mu   sync.RWMutex
	keys map[string]string
}

// NewMemoryKeyStore 构建一个空的内存 Key 存储。
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string]string)}
}

// Register 注册一个 Key 及其调用方名称。空 Key 会被忽略。
func (s *MemoryKeyStore) Register(key, name string) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	if name == "" {
		name = "anonymous"
	}
	s.mu.Lock()
	s.keys[key] = name
	s.mu.Unlock()
}

// Lookup 实现 KeyStore。遍历全部 Key 做常量时间比较，
// 保证命中与未命中的耗时一致。
func (s *MemoryKeyStore) Lookup(_ context.Context, key string) (*Subject, error) {
	if key == "" {
		return nil, ErrMissingKey
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched string
	found := false
	for candidate, name := range s.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			matched = name
			found = true
		}
	}
	if !found {
		return nil, ErrInvalidKey
	}
	return &Subject{Name: matched}, nil
}

var _ KeyStore = (*MemoryKeyStore)(nil)

// Service 按配置的模式校验请求凭证。
type Service struct {
	mode  Mode
	store KeyStore
}

// NewService 构建认证服务。mode 为空时默认关闭认证；
// api_key 模式下 store 不能为空。
func NewService(mode Mode, store KeyStore) (*Service, error) {
	switch mode {
	case "", ModeDisabled:
		return &Service{mode: ModeDisabled}, nil
	case ModeAPIKey:
		if store == nil {
			return nil, errors.New("auth: api_key mode requires a key store")
		}
		return &Service{mode: ModeAPIKey, store: store}, nil
	default:
		return nil, xerrors.New(CodeUnauthorized, "unknown auth mode: "+string(mode))
	}
}

// Enabled 返回认证是否启用。
func (s *Service) Enabled() bool {
	return s != nil && s.mode == ModeAPIKey
}

// Authenticate 解析凭证字符串并返回对应的主体。
// 接受 "Bearer <key>" 形式或裸 Key。
func (s *Service) Authenticate(ctx context.Context, credential string) (*Subject, error) {
	if !s.Enabled() {
		return &Subject{Name: "anonymous"}, nil
	}
	credential = strings.TrimSpace(credential)
	if after, ok := strings.CutPrefix(credential, "Bearer "); ok {
		credential = strings.TrimSpace(after)
	}
	if credential == "" {
		return nil, ErrMissingKey
	}
	return s.store.Lookup(ctx, credential)
}
