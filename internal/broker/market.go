package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	xerrors "OpenACP-Chain/internal/errors"
)

// Phase 表示市场侧任务的推进阶段。
type Phase string

const (
	PhaseRequest     Phase = "REQUEST"
	PhaseNegotiation Phase = "NEGOTIATION"
	PhaseTransaction Phase = "TRANSACTION"
	PhaseEvaluation  Phase = "EVALUATION"
	PhaseCompleted   Phase = "COMPLETED"
	PhaseFailed      Phase = "FAILED"
)

// Offering 描述服务商的一项可购买服务。
type Offering struct {
	Type           string   `json:"type"`
	Price          float64  `json:"price"`
	RequiredFields []string `json:"required_fields"`
}

// Provider 描述市场中的一个服务商。
type Provider struct {
	Address        string     `json:"address"`
	Name           string     `json:"name"`
	SuccessfulJobs int        `json:"successful_jobs"`
	Online         bool       `json:"online"`
	Offerings      []Offering `json:"offerings"`
}

// Job 描述市场侧任务的当前状态。
type Job struct {
	ID          string `json:"id"`
	Phase       Phase  `json:"phase"`
	Deliverable string `json:"deliverable,omitempty"`
}

// MarketClient 定义了任务市场的访问接口。
type MarketClient interface {
	// Browse 按关键词检索服务商。
	Browse(ctx context.Context, keyword string) ([]Provider, error)
	// InitiateJob 发起一个任务，返回任务 ID。
	InitiateJob(ctx context.Context, providerAddress string, requirement json.RawMessage, expireAt time.Time) (string, error)
	// GetJob 查询任务状态。
	GetJob(ctx context.Context, jobID string) (Job, error)
}

// RankProviders 按固定规则为候选服务商排序：
// 成功任务数降序优先，其次在线者优先。排序是稳定的。
func RankProviders(providers []Provider) []Provider {
	ranked := make([]Provider, len(providers))
	copy(ranked, providers)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].SuccessfulJobs != ranked[j].SuccessfulJobs {
			return ranked[i].SuccessfulJobs > ranked[j].SuccessfulJobs
		}
		return ranked[i].Online && !ranked[j].Online
	})
	return ranked
}

const defaultMarketTimeout = 30 * time.Second

// MarketConfig 描述访问任务市场所需的信息。
type MarketConfig struct {
	BaseURL     string
	WalletAddr  string
	Timeout     time.Duration
}

// HTTPMarketClient 通过 HTTP 访问任务市场。
type HTTPMarketClient struct {
	baseURL    string
	walletAddr string
	httpClient *http.Client
}

// NewMarketClient 创建市场客户端。
func NewMarketClient(cfg MarketConfig) (*HTTPMarketClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, xerrors.New(xerrors.CodeConfigMissing, "未配置任务市场地址")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultMarketTimeout
	}

	return &HTTPMarketClient{
		baseURL:    baseURL,
		walletAddr: strings.TrimSpace(cfg.WalletAddr),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Browse 按关键词检索服务商。
func (c *HTTPMarketClient) Browse(ctx context.Context, keyword string) ([]Provider, error) {
	params := url.Values{}
	params.Set("keyword", keyword)
	params.Set("online", "true")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/agents?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("构建市场请求失败: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("请求任务市场失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, xerrors.New(CodeJobMarket,
			fmt.Sprintf("任务市场返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var decoded struct {
		Data []Provider `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("解析市场响应失败: %w", err)
	}
	return decoded.Data, nil
}

// InitiateJob 发起一个任务。
func (c *HTTPMarketClient) InitiateJob(ctx context.Context, providerAddress string, requirement json.RawMessage, expireAt time.Time) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"provider_address": providerAddress,
		"payer_address":    c.walletAddr,
		"requirement":      requirement,
		"expire_at":        expireAt.Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("序列化任务请求失败: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/jobs", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("构建任务请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("请求任务市场失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", xerrors.New(CodeJobMarket,
			fmt.Sprintf("任务市场返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var decoded struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("解析任务响应失败: %w", err)
	}
	if decoded.Data.ID == "" {
		return "", xerrors.New(CodeJobMarket, "任务响应缺少任务 ID")
	}
	return decoded.Data.ID, nil
}

// GetJob 查询任务状态。
func (c *HTTPMarketClient) GetJob(ctx context.Context, jobID string) (Job, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return Job{}, fmt.Errorf("构建任务查询失败: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Job{}, fmt.Errorf("请求任务市场失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return Job{}, xerrors.New(CodeJobMarket,
			fmt.Sprintf("任务市场返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var decoded struct {
		Data Job `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Job{}, fmt.Errorf("解析任务响应失败: %w", err)
	}
	return decoded.Data, nil
}

var _ MarketClient = (*HTTPMarketClient)(nil)
