// Package cost estimates token usage and monetary cost per model invocation
// and accumulates the totals in the memory store. Estimates are an accounting
// aid, not a billing-accurate ledger.
package cost

import (
	"context"
	"strings"
	"sync"

	"AutoAgent/internal/memory"
)

// 默认费率表，单位为每千 token 的美元价格。
var defaultRates = map[string]float64{
	"openai:gpt-4":         0.03,
	"openai:gpt-4o-mini":   0.0006,
	"openai:gpt-3.5-turbo": 0.002,
	"rule:local":           0,
	"ollama":               0,
}

const defaultRatePer1K = 0.01

// tokensPerWord 是按词数换算 token 的经验系数。
const tokensPerWord = 1.3

// Sink 是成本记录的落地端，由 Memory Store 提供。
type Sink interface {
	AddCost(ctx context.Context, model string, tokens int64, cost float64) error
	CostSummary(ctx context.Context) (map[string]memory.CostRecord, error)
}

// Tracker 按模型累计估算的 token 与成本。
type Tracker struct {
	mu    sync.RWMutex
	rates map[string]float64
	sink  Sink
}

// Option 定义可选配置。
type Option func(*Tracker)

// WithRate 覆盖或新增指定模型的费率。
func WithRate(model string, per1K float64) Option {
	return func(t *Tracker) {
		t.rates[model] = per1K
	}
}

// NewTracker 构造 Tracker。
func NewTracker(sink Sink, opts ...Option) *Tracker {
	t := &Tracker{
		rates: make(map[string]float64, len(defaultRates)),
		sink:  sink,
	}
	for model, rate := range defaultRates {
		t.rates[model] = rate
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// EstimateTokens 按输入输出的词数粗略估算 token 数量。
func EstimateTokens(input, output string) int64 {
	words := len(strings.Fields(input)) + len(strings.Fields(output))
	return int64(float64(words) * tokensPerWord)
}

// Rate 返回指定模型的费率，未登记时使用默认费率。
func (t *Tracker) Rate(model string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if rate, ok := t.rates[model]; ok {
		return rate
	}
	// 前缀匹配兜底，例如 ollama:llama3 命中 ollama。
	for prefix, rate := range t.rates {
		if strings.HasPrefix(model, prefix) {
			return rate
		}
	}
	return defaultRatePer1K
}

// Estimate 返回一次调用的估算 token 与成本。
func (t *Tracker) Estimate(model, input, output string) (int64, float64) {
	tokens := EstimateTokens(input, output)
	cost := float64(tokens) / 1000 * t.Rate(model)
	return tokens, cost
}

// Track 估算一次调用并写入累计记录。
func (t *Tracker) Track(ctx context.Context, model, input, output string) (int64, float64, error) {
	tokens, estimated := t.Estimate(model, input, output)
	if t.sink == nil {
		return tokens, estimated, nil
	}
	if err := t.sink.AddCost(ctx, model, tokens, estimated); err != nil {
		return tokens, estimated, err
	}
	return tokens, estimated, nil
}

// Summary 返回当前累计用量。
func (t *Tracker) Summary(ctx context.Context) (map[string]memory.CostRecord, error) {
	if t.sink == nil {
		return map[string]memory.CostRecord{}, nil
	}
	return t.sink.CostSummary(ctx)
}
