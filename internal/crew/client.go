package crew

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxErrorBody 限制读取上游错误响应的字节数。
const maxErrorBody = 64 << 10

// Config 描述访问上游执行 API 所需的信息。
type Config struct {
	BaseURL     string
	BearerToken string
	// Timeout 为 0 时不设超时，调用时长完全由请求上下文决定。
	Timeout time.Duration
}

// HTTPClient 通过 HTTP 调用上游执行 API。
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPClient 根据配置创建客户端。
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("未提供 crew base URL")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("crew base URL 非法: %w", err)
	}
	token := strings.TrimSpace(cfg.BearerToken)
	if token == "" {
		return nil, errors.New("未提供 crew bearer token")
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// BaseURL 返回上游地址。
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// Inputs 获取 crew 所需输入的描述，原样返回响应体。
func (c *HTTPClient) Inputs(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/inputs", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Kickoff 启动一次执行。
func (c *HTTPClient) Kickoff(ctx context.Context, req KickoffRequest) (*KickoffResponse, error) {
	var out KickoffResponse
	if err := c.do(ctx, http.MethodPost, "/kickoff", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status 查询执行状态，返回通用 JSON 对象以保留上游的全部字段。
func (c *HTTPClient) Status(ctx context.Context, kickoffID string) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, http.MethodGet, "/status/"+url.PathEscape(kickoffID), nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// Resume 提交人工反馈并继续执行。
func (c *HTTPClient) Resume(ctx context.Context, req ResumeRequest) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/resume", req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) do(ctx context.Context, method, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("序列化请求失败: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("构建请求失败: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("请求 crew %s %s 失败: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{StatusCode: resp.StatusCode, Body: decodeBody(data)}
	}

	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("读取 crew 响应失败: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		data = []byte("null")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("解析 crew 响应失败: %w", err)
	}
	return nil
}

// ErrorDetails 返回适合透传给调用方的错误详情：上游错误体或错误信息。
func ErrorDetails(err error) any {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Body != nil {
		return apiErr.Body
	}
	return err.Error()
}

func decodeBody(data []byte) any {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(trimmed, &decoded); err == nil {
		return decoded
	}
	return string(trimmed)
}

var _ Client = (*HTTPClient)(nil)
