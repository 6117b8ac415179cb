package llm

import "context"

// Tier 表示一次推理调用的成本档位。不同调用点按成本与延迟选择档位。
type Tier string

const (
	TierSmall  Tier = "small"
	TierMedium Tier = "medium"
	TierLarge  Tier = "large"
)

// Request 描述一次发送给大模型的生成请求。
type Request struct {
	System    string
	Prompt    string
	Tier      Tier
	MaxTokens int
}

// Client 定义了调用大模型的统一接口。实现只需保证纯文本入、纯文本出，
// 上层不依赖任何具体服务商的响应结构。
type Client interface {
	Generate(ctx context.Context, req Request) (string, error)
}
