package decider

import (
	"context"
	"fmt"
	"strings"

	"AutoAgent/internal/capability"
)

// rulePattern 把任务描述中的关键词映射到一条能力调用。
type rulePattern struct {
	keywords   []string
	capability string
	buildInput func(description string) capability.Input
}

// defaultRules 覆盖内置能力包的常见用法。匹配按声明顺序进行，
// 命中即停，未命中任何规则时退化为直接回答。
var defaultRules = []rulePattern{
	{
		keywords:   []string{"search", "搜索", "research", "查询资料"},
		capability: "web_search",
		buildInput: func(description string) capability.Input {
			return capability.Input{"query": description}
		},
	},
	{
		keywords:   []string{"read file", "读取文件", "open file"},
		capability: "read_file",
		buildInput: func(description string) capability.Input {
			return capability.Input{"path": lastField(description)}
		},
	},
	{
		keywords:   []string{"list", "目录", "directory"},
		capability: "list_directory",
		buildInput: func(description string) capability.Input {
			return capability.Input{"path": "."}
		},
	},
	{
		keywords:   []string{"chain", "区块", "block", "balance", "余额"},
		capability: "chain_query",
		buildInput: func(description string) capability.Input {
			return capability.Input{}
		},
	},
}

// RuleDecider 通过关键词匹配生成计划，不依赖任何外部服务。
type RuleDecider struct {
	rules []rulePattern
}

// NewRuleDecider 创建使用默认规则集的决策器。
func NewRuleDecider() *RuleDecider {
	return &RuleDecider{rules: defaultRules}
}

// Decide 实现 Decider 接口。
func (d *RuleDecider) Decide(_ context.Context, req Request) (*Plan, error) {
	description := strings.ToLower(strings.TrimSpace(req.Description))

	available := make(map[string]struct{}, len(req.Capabilities))
	for _, descriptor := range req.Capabilities {
		available[descriptor.Name] = struct{}{}
	}

	for _, rule := range d.rules {
		if _, ok := available[rule.capability]; !ok {
			continue
		}
		for _, keyword := range rule.keywords {
			if strings.Contains(description, keyword) {
				return &Plan{
					Steps: []Step{{
						Capability: rule.capability,
						Input:      rule.buildInput(req.Description),
					}},
				}, nil
			}
		}
	}

	// 没有可用能力匹配时直接作答，任务进入完成态。
	return &Plan{
		Answer: fmt.Sprintf("已受理任务: %s。没有匹配的能力，按通用流程处理并归档。", strings.TrimSpace(req.Description)),
	}, nil
}

// lastField 取描述中最后一个空白分隔字段，粗略提取路径类参数。
func lastField(description string) string {
	fields := strings.Fields(description)
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}

var _ Decider = (*RuleDecider)(nil)
