package enrich

import (
	"context"
	"log/slog"
	"strings"

	"OpenACP-Chain/internal/llm"
	"OpenACP-Chain/pkg/logger"
)

// Enricher 决定是否需要链上数据补充回复，并把查询结果翻译成一句自然语言洞察。
// 任何失败都退化为空字符串，绝不阻塞处理流程。
type Enricher interface {
	// Enrich 先判断内容是否值得查询，再执行查询与总结。
	Enrich(ctx context.Context, text string) string
	// Analyze 跳过判断直接执行查询与总结，供自助服务路径使用。
	Analyze(ctx context.Context, question string) (string, error)
}

const fetchTag = "[FETCH_CARV]"
const skipTag = "[SKIP_CARV]"

const guardSystemPrompt = "" +
	"You decide whether live on-chain data would materially improve a reply to a tweet. " +
	"Answer with exactly one tag: " + fetchTag + " if a data lookup is clearly useful, " +
	skipTag + " otherwise. When in doubt, answer " + skipTag + "."

const summarySystemPrompt = "" +
	"You turn raw on-chain query results into one short natural-language insight " +
	"that fits inside a tweet. Mention concrete numbers when present. " +
	"If the data is empty or unusable, reply with an empty string."

// Adapter 组合守门分类、数据服务查询与结果总结三个步骤。
type Adapter struct {
	llmClient llm.Client
	dataQuery DataClient
	log       *slog.Logger
}

// DataClient 抽象链上数据服务的查询能力。
type DataClient interface {
	Query(ctx context.Context, question string) (string, error)
}

// NewAdapter 创建 Adapter。dataQuery 为 nil 时所有查询直接退化为空。
func NewAdapter(llmClient llm.Client, dataQuery DataClient) *Adapter {
	return &Adapter{
		llmClient: llmClient,
		dataQuery: dataQuery,
		log:       logger.Named("enrich"),
	}
}

// Enrich 实现 Enricher 接口。
func (a *Adapter) Enrich(ctx context.Context, text string) string {
	if a == nil || a.llmClient == nil || a.dataQuery == nil {
		return ""
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}

	// 查询成本高且多数内容无关，默认不查。
	decision, err := a.llmClient.Generate(ctx, llm.Request{
		System: guardSystemPrompt,
		Prompt: text,
		Tier:   llm.TierSmall,
	})
	if err != nil {
		a.log.Warn("数据查询判定失败", slog.Any("error", err))
		return ""
	}
	if !strings.Contains(decision, fetchTag) {
		return ""
	}

	insight, err := a.Analyze(ctx, text)
	if err != nil {
		a.log.Warn("数据查询失败", slog.Any("error", err))
		return ""
	}
	return insight
}

// Analyze 执行一次数据查询，并把原始结果总结为一句洞察。
func (a *Adapter) Analyze(ctx context.Context, question string) (string, error) {
	raw, err := a.dataQuery.Query(ctx, question)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}

	summary, err := a.llmClient.Generate(ctx, llm.Request{
		System:    summarySystemPrompt,
		Prompt:    "Question: " + question + "\n\nRaw result:\n" + raw,
		Tier:      llm.TierMedium,
		MaxTokens: 280,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(summary), nil
}

var _ Enricher = (*Adapter)(nil)
