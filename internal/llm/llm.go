package llm

import "context"

// Request 描述一次补全调用。System 为空时由适配器使用默认系统提示。
type Request struct {
	System string
	Prompt string
}

// Response 是大模型返回的原始文本，由调用方自行解析结构。
type Response struct {
	Content string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	// Complete 发起一次补全调用。
	Complete(ctx context.Context, req Request) (*Response, error)
	// Model 返回计费用的模型标识，形如 provider:model。
	Model() string
}
