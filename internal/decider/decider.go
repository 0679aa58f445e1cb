package decider

import (
	"context"
	"strings"

	"AutoAgent/internal/capability"
	xerrors "AutoAgent/internal/errors"
	"AutoAgent/internal/memory"
)

// Exchange 是会话窗口中的一轮输入与输出。
type Exchange struct {
	Input  string
	Output string
}

// Request 汇总一次决策所需的全部上下文。
type Request struct {
	// TaskID 是正在推进的任务标识。
	TaskID string
	// Description 是任务的自然语言目标。
	Description string
	// Attempt 是当前的尝试序号，从 1 开始。
	Attempt int
	// Capabilities 列出可供调度的能力摘要。
	Capabilities []capability.Descriptor
	// Memories 是按重要度检索出的记忆条目。
	Memories []memory.Entry
	// Window 是最近的会话轮次，旧轮在前。
	Window []Exchange
}

// Step 是计划中的一次能力调用。
type Step struct {
	Capability string           `json:"capability"`
	Input      capability.Input `json:"input"`
}

// Plan 是决策结果。Steps 为空且 Answer 非空时任务直接完成。
type Plan struct {
	Steps  []Step `json:"steps"`
	Answer string `json:"answer"`
}

// Empty 判断计划是否不含任何步骤。
func (p *Plan) Empty() bool {
	return p == nil || len(p.Steps) == 0
}

// Decider 为任务生成执行计划。
type Decider interface {
	Decide(ctx context.Context, req Request) (*Plan, error)
}

// CodeDecisionFailed 表示决策器未能产出可执行计划。
const CodeDecisionFailed xerrors.Code = "DECISION_FAILED"

func init() {
	// 下一次尝试可能给出不同计划，决策失败默认可重试。
	xerrors.Register(CodeDecisionFailed, xerrors.Attributes{
		Message:   "decider failed to produce a plan",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
}

// Validate 确认计划引用的能力都在给定集合内。
func (p *Plan) Validate(capabilities []capability.Descriptor) error {
	if p == nil {
		return xerrors.New(CodeDecisionFailed, "计划为空")
	}
	if len(p.Steps) == 0 && strings.TrimSpace(p.Answer) == "" {
		return xerrors.New(CodeDecisionFailed, "计划既无步骤也无直接回答")
	}
	known := make(map[string]struct{}, len(capabilities))
	for _, descriptor := range capabilities {
		known[descriptor.Name] = struct{}{}
	}
	for _, step := range p.Steps {
		if _, ok := known[step.Capability]; !ok {
			return xerrors.New(CodeDecisionFailed, "计划引用了未注册的能力: "+step.Capability)
		}
	}
	return nil
}
