package social

import (
	"context"
	"fmt"
)

// Item 表示从社交平台拉取的一条内容。拉取后不可变，
// 所有派生记录均通过 ID 引用它。
type Item struct {
	ID           string   `json:"id"`
	AuthorID     string   `json:"author_id"`
	AuthorHandle string   `json:"author_handle"`
	Text         string   `json:"text"`
	MediaURLs    []string `json:"media_urls,omitempty"`
	QuotedText   string   `json:"quoted_text,omitempty"`
	ParentID     string   `json:"parent_id,omitempty"`
	CreatedAt    int64    `json:"created_at"`
}

// PostResult 描述一次发帖的结果。
type PostResult struct {
	ID string
}

// APIError 表示平台返回的结构化业务错误，与传输层错误区分开，
// 调用方可以据此决定是否重试。
type APIError struct {
	Status int
	Code   string
	Detail string
}

// Error 实现 error 接口。
func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("平台返回错误 %d (%s): %s", e.Status, e.Code, e.Detail)
	}
	return fmt.Sprintf("平台返回错误 %d: %s", e.Status, e.Detail)
}

// Client 定义了与社交平台交互所需的最小能力集。
type Client interface {
	// FetchMentions 按查询条件拉取提及当前账号的内容。
	FetchMentions(ctx context.Context, query string, limit int) ([]Item, error)
	// FetchItem 按 ID 获取单条内容，用于回溯会话链。不存在时返回 nil。
	FetchItem(ctx context.Context, id string) (*Item, error)
	// FetchTimeline 拉取指定用户最近发布的内容。
	FetchTimeline(ctx context.Context, userHandle string, limit int) ([]Item, error)
	// Post 发布一条内容，inReplyTo 为空表示独立发帖。
	Post(ctx context.Context, text, inReplyTo string) (PostResult, error)
}
