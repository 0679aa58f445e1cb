package decider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	xerrors "AutoAgent/internal/errors"
	"AutoAgent/internal/llm"
)

const (
	// maxPromptMemories 限制注入提示词的记忆条数。
	maxPromptMemories = 5
	// maxPromptWindow 限制注入提示词的会话轮数。
	maxPromptWindow = 10
	// maxPromptFieldRunes 截断单条上下文，避免提示词失控。
	maxPromptFieldRunes = 200
)

const systemPrompt = "" +
	"You are an autonomous task planner. " +
	"Respond with a compact JSON object only: " +
	`{"steps":[{"capability":string,"input":object}],"answer":string}. ` +
	"Use only the listed capabilities. " +
	"If the task needs no capability, return empty steps and put the final result in \"answer\"."

// LLMDecider 借助大模型生成计划。
type LLMDecider struct {
	client llm.Client
}

// NewLLMDecider 创建基于大模型的决策器。
func NewLLMDecider(client llm.Client) (*LLMDecider, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "大模型客户端不能为空")
	}
	return &LLMDecider{client: client}, nil
}

// Model 返回底层模型标识，供成本统计使用。
func (d *LLMDecider) Model() string {
	return d.client.Model()
}

// Decide 实现 Decider 接口。
func (d *LLMDecider) Decide(ctx context.Context, req Request) (*Plan, error) {
	prompt := buildPrompt(req)
	resp, err := d.client.Complete(ctx, llm.Request{System: systemPrompt, Prompt: prompt})
	if err != nil {
		return nil, xerrors.Wrap(CodeDecisionFailed, err, "调用大模型失败")
	}

	plan, err := parsePlan(resp.Content)
	if err != nil {
		return nil, err
	}
	if err := plan.Validate(req.Capabilities); err != nil {
		return nil, err
	}
	return plan, nil
}

// Prompt 返回与 Decide 相同的提示词，供成本估算复用。
func (d *LLMDecider) Prompt(req Request) string {
	return buildPrompt(req)
}

func buildPrompt(req Request) string {
	var builder strings.Builder
	builder.WriteString("## Task\n")
	builder.WriteString(strings.TrimSpace(req.Description))
	builder.WriteString(fmt.Sprintf("\nAttempt: %d\n", req.Attempt))

	if len(req.Capabilities) > 0 {
		builder.WriteString("\n## Capabilities\n")
		for _, descriptor := range req.Capabilities {
			builder.WriteString(fmt.Sprintf("- %s: %s\n", descriptor.Name, descriptor.Description))
		}
	}

	if len(req.Memories) > 0 {
		builder.WriteString("\n## Memories\n")
		for idx, entry := range req.Memories {
			builder.WriteString(fmt.Sprintf("[%d] (%s, importance %.2f) %s\n",
				idx+1, entry.Kind, entry.Importance, truncateRunes(entry.Content, maxPromptFieldRunes)))
			if idx+1 >= maxPromptMemories {
				break
			}
		}
	}

	if len(req.Window) > 0 {
		builder.WriteString("\n## Recent exchanges\n")
		start := 0
		if len(req.Window) > maxPromptWindow {
			start = len(req.Window) - maxPromptWindow
		}
		for _, exchange := range req.Window[start:] {
			builder.WriteString(fmt.Sprintf("> %s\n< %s\n",
				truncateRunes(exchange.Input, maxPromptFieldRunes),
				truncateRunes(exchange.Output, maxPromptFieldRunes)))
		}
	}

	builder.WriteString("\nProduce the JSON plan now.")
	return builder.String()
}

// parsePlan 解析模型输出。容忍 Markdown 代码块包裹。
func parsePlan(content string) (*Plan, error) {
	content = strings.TrimSpace(content)
	if idx := strings.Index(content, "{"); idx > 0 {
		content = content[idx:]
	}
	if idx := strings.LastIndex(content, "}"); idx >= 0 && idx < len(content)-1 {
		content = content[:idx+1]
	}

	var plan Plan
	if err := json.Unmarshal([]byte(content), &plan); err != nil {
		return nil, xerrors.Wrap(CodeDecisionFailed, err, "模型输出不是合法的计划 JSON")
	}
	return &plan, nil
}

func truncateRunes(text string, limit int) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}

var _ Decider = (*LLMDecider)(nil)
