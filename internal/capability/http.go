package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	xerrors "AutoAgent/internal/errors"
)

const (
	// defaultHTTPTimeout 是出站 HTTP 请求的兜底超时。
	defaultHTTPTimeout = 10 * time.Second
	// maxResponseBytes 限制读取的响应体大小。
	maxResponseBytes = 1 << 20 // 1 MiB
	// defaultSearchEndpoint 是 DuckDuckGo 即时应答接口，无需 API key。
	defaultSearchEndpoint = "https://api.duckduckgo.com/"
	// maxRelatedTopics 限制搜索结果中附带的相关主题数量。
	maxRelatedTopics = 3
)

// HTTPTools 提供出站 HTTP 调用与网页搜索能力。
type HTTPTools struct {
	client         *http.Client
	searchEndpoint string
}

// HTTPOption 配置 HTTPTools。
type HTTPOption func(*HTTPTools)

// WithHTTPClient 替换默认 HTTP 客户端，测试时注入。
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(t *HTTPTools) {
		if client != nil {
			t.client = client
		}
	}
}

// WithSearchEndpoint 替换搜索服务地址。
func WithSearchEndpoint(endpoint string) HTTPOption {
	return func(t *HTTPTools) {
		if strings.TrimSpace(endpoint) != "" {
			t.searchEndpoint = endpoint
		}
	}
}

// NewHTTPTools 创建 HTTP 能力包。
func NewHTTPTools(opts ...HTTPOption) *HTTPTools {
	t := &HTTPTools{
		client:         &http.Client{Timeout: defaultHTTPTimeout},
		searchEndpoint: defaultSearchEndpoint,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// capabilities 是 HTTP 能力包对外暴露的能力全集，注册入口都从这里取。
func (t *HTTPTools) capabilities() []Capability {
	return []Capability{
		NewFunc("api_call", "对外部 HTTP API 发起 GET/POST/PUT 请求", t.apiCall),
		NewFunc("web_search", "通过即时应答接口搜索网页并返回摘要", t.webSearch),
	}
}

// RegisterAll 将 HTTP 能力批量注册到注册表。
func (t *HTTPTools) RegisterAll(registry *Registry) error {
	for _, cap := range t.capabilities() {
		if err := registry.Register(cap); err != nil {
			return err
		}
	}
	return nil
}

func (t *HTTPTools) apiCall(ctx context.Context, input Input) (string, error) {
	rawURL := strings.TrimSpace(input.String("url"))
	if rawURL == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "url 不能为空")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("非法的 URL: %s", rawURL))
	}

	method := strings.ToUpper(input.StringOr("method", http.MethodGet))
	var body io.Reader
	switch method {
	case http.MethodGet:
	case http.MethodPost, http.MethodPut:
		if payload := input.Map("body"); payload != nil {
			encoded, err := json.Marshal(payload)
			if err != nil {
				return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化请求体失败")
			}
			body = bytes.NewReader(encoded)
		}
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的 HTTP 方法: %s", method))
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造 HTTP 请求失败")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range input.Map("headers") {
		if s, ok := value.(string); ok {
			req.Header.Set(key, s)
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", xerrors.Wrap(CodeExecutionFailed, err, "HTTP 请求失败")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", xerrors.Wrap(CodeExecutionFailed, err, "读取响应体失败")
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return "", xerrors.New(CodeExecutionFailed,
			fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(string(data), 256)))
	}
	return fmt.Sprintf("API Response (%d):\n%s", resp.StatusCode, string(data)), nil
}

// searchAnswer 对应即时应答接口的响应字段。
type searchAnswer struct {
	Abstract      string `json:"Abstract"`
	Answer        string `json:"Answer"`
	RelatedTopics []struct {
		Text string `json:"Text"`
	} `json:"RelatedTopics"`
}

func (t *HTTPTools) webSearch(ctx context.Context, input Input) (string, error) {
	query := strings.TrimSpace(input.String("query"))
	if query == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "query 不能为空")
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("no_html", "1")
	params.Set("skip_disambig", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.searchEndpoint+"?"+params.Encode(), nil)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造搜索请求失败")
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return "", xerrors.Wrap(CodeExecutionFailed, err, "搜索请求失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", xerrors.New(CodeExecutionFailed, fmt.Sprintf("搜索服务返回 HTTP %d", resp.StatusCode))
	}
	var answer searchAnswer
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&answer); err != nil {
		return "", xerrors.Wrap(CodeExecutionFailed, err, "解析搜索结果失败")
	}

	var sections []string
	if answer.Abstract != "" {
		sections = append(sections, "Abstract: "+answer.Abstract)
	}
	if answer.Answer != "" {
		sections = append(sections, "Answer: "+answer.Answer)
	}
	if len(answer.RelatedTopics) > 0 {
		topics := make([]string, 0, maxRelatedTopics)
		for _, topic := range answer.RelatedTopics {
			if topic.Text == "" {
				continue
			}
			topics = append(topics, topic.Text)
			if len(topics) >= maxRelatedTopics {
				break
			}
		}
		if len(topics) > 0 {
			sections = append(sections, "Related: "+strings.Join(topics, "; "))
		}
	}
	if len(sections) == 0 {
		return fmt.Sprintf("No detailed results found for: %s", query), nil
	}
	return strings.Join(sections, "\n"), nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
