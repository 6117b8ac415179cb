package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "OpenACP-Chain/internal/errors"
)

const (
	defaultDataTimeout = 30 * time.Second
)

// ClientConfig 描述访问链上数据服务所需的信息。
type ClientConfig struct {
	BaseURL   string
	AuthToken string
	Timeout   time.Duration
}

// Client 通过 HTTP 调用 CARV 风格的链上数据查询服务。
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// NewClient 创建数据服务客户端。
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, xerrors.New(xerrors.CodeConfigMissing, "未配置数据服务地址")
	}
	token := strings.TrimSpace(cfg.AuthToken)
	if token == "" {
		return nil, xerrors.New(xerrors.CodeConfigMissing, "未配置数据服务凭证")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultDataTimeout
	}

	return &Client{
		baseURL:   baseURL,
		authToken: token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Query 向数据服务发起一次自然语言查询，返回原始 JSON 结果。
// 服务端把无数据与错误区分开：无数据返回空，错误返回非 2xx 或 error 字段。
func (c *Client) Query(ctx context.Context, question string) (string, error) {
	payload, err := json.Marshal(map[string]string{"question": question})
	if err != nil {
		return "", fmt.Errorf("序列化数据查询失败: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/ai-agent-backend/sql_query_by_llm", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("构建数据查询请求失败: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.authToken)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("请求数据服务失败: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode >= http.StatusBadRequest {
		return "", xerrors.New(xerrors.CodeExternalService,
			fmt.Sprintf("数据服务返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var decoded struct {
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("解析数据服务响应失败: %w", err)
	}
	if decoded.Error != "" {
		return "", xerrors.New(xerrors.CodeExternalService, "数据服务返回错误: "+decoded.Error)
	}
	if len(decoded.Data) == 0 || string(decoded.Data) == "null" {
		return "", nil
	}
	return string(decoded.Data), nil
}

var _ DataClient = (*Client)(nil)
