package capability

import (
	"context"
	"fmt"

	xerrors "AutoAgent/internal/errors"
)

// Input 是一次能力调用的结构化入参。
type Input map[string]any

// String 读取字符串字段，缺失时返回空串。
func (in Input) String(key string) string {
	if in == nil {
		return ""
	}
	if value, ok := in[key].(string); ok {
		return value
	}
	return ""
}

// StringOr 读取字符串字段，缺失时返回默认值。
func (in Input) StringOr(key, fallback string) string {
	if value := in.String(key); value != "" {
		return value
	}
	return fallback
}

// Map 读取嵌套的字典字段。
func (in Input) Map(key string) map[string]any {
	if in == nil {
		return nil
	}
	if value, ok := in[key].(map[string]any); ok {
		return value
	}
	return nil
}

// Clone 返回入参的浅拷贝，能力实现可以安全修改。
func (in Input) Clone() Input {
	if in == nil {
		return Input{}
	}
	clone := make(Input, len(in))
	for k, v := range in {
		clone[k] = v
	}
	return clone
}

// Capability 定义了可被编排器调用的能力。实现必须可安全地用相同入参
// 重复调用，因为重试会再次分发同一步骤。
type Capability interface {
	// Name 返回注册名。
	Name() string
	// Description 返回供决策器选择能力时阅读的自然语言描述。
	Description() string
	// Execute 以单个结构化入参执行能力，返回结果文本或错误。
	Execute(ctx context.Context, input Input) (string, error)
}

// Descriptor 是注册表对外暴露的能力摘要。
type Descriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

var (
	// ErrNotFound 表示请求的能力未注册。
	ErrNotFound = xerrors.New(CodeNotFound, "capability not found")
)

const (
	CodeNotFound        xerrors.Code = "CAPABILITY_NOT_FOUND"
	CodeExecutionFailed xerrors.Code = "CAPABILITY_EXECUTION_FAILED"
)

func init() {
	// 决策器可能在下一次尝试选择其他能力，因此两类错误都可重试。
	xerrors.Register(CodeNotFound, xerrors.Attributes{
		Message:   "capability not found",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeExecutionFailed, xerrors.Attributes{
		Message:   "capability execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
}

// Func 将普通函数适配为 Capability。
type Func struct {
	name        string
	description string
	fn          func(ctx context.Context, input Input) (string, error)
}

// NewFunc 构造一个基于函数的能力。
func NewFunc(name, description string, fn func(ctx context.Context, input Input) (string, error)) *Func {
	return &Func{name: name, description: description, fn: fn}
}

// Name 实现 Capability 接口。
func (f *Func) Name() string { return f.name }

// Description 实现 Capability 接口。
func (f *Func) Description() string { return f.description }

// Execute 实现 Capability 接口。
func (f *Func) Execute(ctx context.Context, input Input) (string, error) {
	if f.fn == nil {
		return "", xerrors.New(CodeExecutionFailed, fmt.Sprintf("能力 %s 未绑定实现", f.name))
	}
	return f.fn(ctx, input)
}
