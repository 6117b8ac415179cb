package twitter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"OpenACP-Chain/internal/social"
)

const (
	defaultBaseURL = "https://api.twitter.com/2"
	defaultTimeout = 30 * time.Second
)

// Config 描述访问 Twitter/X API 所需的信息。
type Config struct {
	BearerToken string
	BaseURL     string
	UserID      string
	Timeout     time.Duration
	DryRun      bool
}

// Client 通过 HTTP 访问 Twitter/X 风格的 JSON API。
type Client struct {
	token      string
	baseURL    string
	userID     string
	dryRun     bool
	httpClient *http.Client
}

// NewClient 根据配置创建客户端。
func NewClient(cfg Config) (*Client, error) {
	token := strings.TrimSpace(cfg.BearerToken)
	if token == "" && !cfg.DryRun {
		return nil, errors.New("未提供平台 Bearer Token")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		token:   token,
		baseURL: baseURL,
		userID:  strings.TrimSpace(cfg.UserID),
		dryRun:  cfg.DryRun,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// itemPayload 是平台 JSON 结构到内部 Item 的中转。
type itemPayload struct {
	ID        string `json:"id"`
	AuthorID  string `json:"author_id"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at"`
	Author    struct {
		Username string `json:"username"`
	} `json:"author,omitempty"`
	ReferencedTweets []struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Text string `json:"text,omitempty"`
	} `json:"referenced_tweets,omitempty"`
	Attachments struct {
		MediaURLs []string `json:"media_urls,omitempty"`
	} `json:"attachments,omitempty"`
}

func (p itemPayload) toItem() social.Item {
	item := social.Item{
		ID:           p.ID,
		AuthorID:     p.AuthorID,
		AuthorHandle: p.Author.Username,
		Text:         p.Text,
		MediaURLs:    p.Attachments.MediaURLs,
	}
	if ts, err := time.Parse(time.RFC3339, p.CreatedAt); err == nil {
		item.CreatedAt = ts.Unix()
	}
	for _, ref := range p.ReferencedTweets {
		switch ref.Type {
		case "replied_to":
			item.ParentID = ref.ID
		case "quoted":
			item.QuotedText = ref.Text
		}
	}
	return item
}

// FetchMentions 拉取提及当前账号的内容，按平台 ID 升序返回。
func (c *Client) FetchMentions(ctx context.Context, query string, limit int) ([]social.Item, error) {
	if limit <= 0 {
		limit = 20
	}
	params := url.Values{}
	params.Set("query", query)
	params.Set("max_results", fmt.Sprintf("%d", limit))

	var decoded struct {
		Data []itemPayload `json:"data"`
	}
	if err := c.get(ctx, "/tweets/search/recent?"+params.Encode(), &decoded); err != nil {
		return nil, err
	}

	items := make([]social.Item, 0, len(decoded.Data))
	for _, payload := range decoded.Data {
		items = append(items, payload.toItem())
	}
	// 批内按平台分配的 ID 升序处理，保证水位线单调推进。
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

// FetchItem 获取单条内容。平台返回 404 时视为不存在，返回 nil。
func (c *Client) FetchItem(ctx context.Context, id string) (*social.Item, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("内容 ID 不能为空")
	}
	var decoded struct {
		Data *itemPayload `json:"data"`
	}
	err := c.get(ctx, "/tweets/"+url.PathEscape(id)+"?tweet.fields=author_id,created_at,referenced_tweets", &decoded)
	if err != nil {
		var apiErr *social.APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	if decoded.Data == nil {
		return nil, nil
	}
	item := decoded.Data.toItem()
	return &item, nil
}

// FetchTimeline 拉取指定用户最近发布的内容。
func (c *Client) FetchTimeline(ctx context.Context, userHandle string, limit int) ([]social.Item, error) {
	if strings.TrimSpace(userHandle) == "" {
		return nil, errors.New("用户名不能为空")
	}
	if limit <= 0 {
		limit = 10
	}
	params := url.Values{}
	params.Set("query", "from:"+userHandle)
	params.Set("max_results", fmt.Sprintf("%d", limit))

	var decoded struct {
		Data []itemPayload `json:"data"`
	}
	if err := c.get(ctx, "/tweets/search/recent?"+params.Encode(), &decoded); err != nil {
		return nil, err
	}
	items := make([]social.Item, 0, len(decoded.Data))
	for _, payload := range decoded.Data {
		items = append(items, payload.toItem())
	}
	return items, nil
}

// Post 发布内容。DryRun 模式下不访问网络，返回合成 ID。
func (c *Client) Post(ctx context.Context, text, inReplyTo string) (social.PostResult, error) {
	if strings.TrimSpace(text) == "" {
		return social.PostResult{}, errors.New("发帖内容不能为空")
	}
	if c.dryRun {
		return social.PostResult{ID: "dryrun-" + uuid.NewString()}, nil
	}

	body := map[string]any{"text": text}
	if inReplyTo != "" {
		body["reply"] = map[string]any{"in_reply_to_tweet_id": inReplyTo}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return social.PostResult{}, fmt.Errorf("序列化发帖请求失败: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tweets", bytes.NewReader(payload))
	if err != nil {
		return social.PostResult{}, fmt.Errorf("构建发帖请求失败: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.token)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return social.PostResult{}, fmt.Errorf("请求平台失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return social.PostResult{}, decodeAPIError(resp)
	}

	var decoded struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return social.PostResult{}, fmt.Errorf("解析发帖响应失败: %w", err)
	}
	if decoded.Data.ID == "" {
		return social.PostResult{}, errors.New("发帖响应缺少内容 ID")
	}
	return social.PostResult{ID: decoded.Data.ID}, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("构建平台请求失败: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("请求平台失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeAPIError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("解析平台响应失败: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	apiErr := &social.APIError{Status: resp.StatusCode, Detail: strings.TrimSpace(string(body))}

	var decoded struct {
		Errors []struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &decoded); err == nil && len(decoded.Errors) > 0 {
		apiErr.Code = decoded.Errors[0].Code
		apiErr.Detail = decoded.Errors[0].Message
	}
	return apiErr
}

var _ social.Client = (*Client)(nil)
