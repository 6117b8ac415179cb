package mention

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"OpenACP-Chain/internal/broker"
	"OpenACP-Chain/internal/llm"
	"OpenACP-Chain/internal/social"
	"OpenACP-Chain/internal/storage/kv"
	"OpenACP-Chain/pkg/logger"
)

const (
	transcriptPrefix = "transcript:"
	transcriptTTL    = 24 * time.Hour
)

// Enricher 提供链上数据洞察。失败时返回空串，不阻塞流水线。
type Enricher interface {
	Enrich(ctx context.Context, text string) string
}

// JobBroker 是付费任务协调器的流水线视角。
// 三个方法都只返回可发布的文本片段，从不返回错误。
type JobBroker interface {
	HandleServiceRequest(ctx context.Context, itemID, requestText string) string
	HandleSelfServiceRequest(ctx context.Context, itemID, requestText string) string
	ConfirmPayment(ctx context.Context, rootItemID string) string
}

// PipelineConfig 描述流水线的行为配置。
type PipelineConfig struct {
	// PriorityHandles 是绕过相关性过滤的账号列表，不区分大小写。
	PriorityHandles []string
	// ClassifyAttempts 是分类调用的重试次数上限，默认 3。
	ClassifyAttempts int
}

// Pipeline 按条处理入站内容：查重、重建会话、分类、
// 可选的链上补充和付费任务环节、生成、发布。
type Pipeline struct {
	cfg         PipelineConfig
	llmClient   llm.Client
	threads     *ThreadBuilder
	enricher    Enricher
	jobs        JobBroker
	composer    *Composer
	deliverer   *Deliverer
	transcripts kv.Store
	priority    map[string]struct{}
	log         *slog.Logger
}

// NewPipeline 创建流水线。enricher、jobs 与 transcripts 允许为空，
// 对应阶段会被跳过或退化为提示文本。
func NewPipeline(cfg PipelineConfig, llmClient llm.Client, threads *ThreadBuilder, enricher Enricher, jobs JobBroker, composer *Composer, deliverer *Deliverer, transcripts kv.Store) *Pipeline {
	if cfg.ClassifyAttempts <= 0 {
		cfg.ClassifyAttempts = 3
	}
	priority := make(map[string]struct{}, len(cfg.PriorityHandles))
	for _, handle := range cfg.PriorityHandles {
		priority[strings.ToLower(strings.TrimPrefix(handle, "@"))] = struct{}{}
	}
	return &Pipeline{
		cfg:         cfg,
		llmClient:   llmClient,
		threads:     threads,
		enricher:    enricher,
		jobs:        jobs,
		composer:    composer,
		deliverer:   deliverer,
		transcripts: transcripts,
		priority:    priority,
		log:         logger.Named("pipeline"),
	}
}

// Process 处理一条入站内容。处理过程中的局部失败退化为文本，
// 只有基础设施故障才返回错误。
func (p *Pipeline) Process(ctx context.Context, item *social.Item) error {
	delivered, err := p.deliverer.Delivered(ctx, item.ID)
	if err != nil {
		return err
	}
	if delivered {
		p.log.Debug("内容已回复过，跳过", "item_id", item.ID)
		return nil
	}

	// 上一次运行可能在生成之后、发布之前中断，优先复用已生成的回复稿，
	// 避免对同一条内容重复付费生成。
	if cached, ok := p.cachedTranscript(ctx, item.ID); ok {
		p.log.Info("复用已生成的回复稿", "item_id", item.ID)
		if err := p.deliverer.Deliver(ctx, item.ID, item.ID, cached.Text, cached.Action); err != nil {
			return err
		}
		p.dropTranscript(ctx, item.ID)
		return nil
	}

	thread, err := p.threads.Build(ctx, item)
	if err != nil {
		return err
	}

	decision, wantsChainData, err := p.classify(ctx, thread)
	if err != nil {
		return err
	}
	p.log.Info("分类完成",
		"item_id", item.ID,
		"author", item.AuthorHandle,
		"decision", string(decision),
		"fetch_chain_data", wantsChainData,
	)

	if decision == DecisionStop {
		logger.Audit().Info("作者要求停止互动", "item_id", item.ID, "author", item.AuthorHandle)
		return nil
	}
	if !decision.ShouldRespond() {
		return nil
	}

	var enrichment string
	if wantsChainData && p.enricher != nil {
		enrichment = p.enricher.Enrich(ctx, item.Text)
	}

	brokerText, brokerFailed := p.runBroker(ctx, thread, decision)

	text, err := p.composer.Compose(ctx, thread, decision, enrichment, brokerText, brokerFailed)
	if err != nil {
		return err
	}
	p.saveTranscript(ctx, item.ID, transcript{Text: text, Action: string(decision)})

	if err := p.deliverer.Deliver(ctx, item.ID, item.ID, text, string(decision)); err != nil {
		return err
	}
	p.dropTranscript(ctx, item.ID)
	return nil
}

// transcript 是已生成但尚未确认发布的回复稿。
type transcript struct {
	Text   string `json:"text"`
	Action string `json:"action"`
}

func (p *Pipeline) cachedTranscript(ctx context.Context, itemID string) (transcript, bool) {
	if p.transcripts == nil {
		return transcript{}, false
	}
	raw, err := p.transcripts.Get(ctx, transcriptPrefix+itemID)
	if err != nil {
		return transcript{}, false
	}
	var cached transcript
	if err := json.Unmarshal(raw, &cached); err != nil || cached.Text == "" {
		return transcript{}, false
	}
	return cached, true
}

func (p *Pipeline) saveTranscript(ctx context.Context, itemID string, entry transcript) {
	if p.transcripts == nil {
		return
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := p.transcripts.Set(ctx, transcriptPrefix+itemID, raw, transcriptTTL); err != nil {
		p.log.Warn("缓存回复稿失败", "item_id", itemID, "error", err)
	}
}

func (p *Pipeline) dropTranscript(ctx context.Context, itemID string) {
	if p.transcripts == nil {
		return
	}
	_ = p.transcripts.Delete(ctx, transcriptPrefix+itemID)
}

// classify 调用模型并解析处理方式。优先账号永不被忽略；
// 付款确认要求父条目携带付款指引，否则按普通回复处理。
func (p *Pipeline) classify(ctx context.Context, thread *Thread) (Decision, bool, error) {
	_, isPriority := p.priority[strings.ToLower(thread.Focus.AuthorHandle)]
	prompt := renderDecisionPrompt(thread, isPriority)

	var output string
	retry := Policy{Base: DefaultPolicy.Base, Max: DefaultPolicy.Max, MaxAttempts: p.cfg.ClassifyAttempts}
	err := retry.Do(ctx, func(ctx context.Context) error {
		reply, genErr := p.llmClient.Generate(ctx, llm.Request{
			System:    decisionSystemPrompt,
			Prompt:    prompt,
			Tier:      llm.TierSmall,
			MaxTokens: 24,
		})
		if genErr != nil {
			p.log.Warn("分类调用失败，等待重试", "item_id", thread.Focus.ID, "error", genErr)
			return genErr
		}
		output = reply
		return nil
	})
	if err != nil {
		return DecisionIgnore, false, err
	}

	decision := ParseDecision(output)
	if isPriority && decision == DecisionIgnore {
		decision = DecisionRespond
	}
	if decision == DecisionPaymentConfirmed && !p.parentHasPaymentInstructions(thread) {
		p.log.Info("父条目没有付款指引，按普通回复处理", "item_id", thread.Focus.ID)
		decision = DecisionRespond
	}
	return decision, WantsChainData(output), nil
}

func (p *Pipeline) parentHasPaymentInstructions(thread *Thread) bool {
	return thread.Parent != nil && strings.Contains(thread.Parent.Text, broker.PaymentInstructionsMarker)
}

// runBroker 按处理方式触发付费任务环节，返回文本片段及其是否为失败提示。
func (p *Pipeline) runBroker(ctx context.Context, thread *Thread, decision Decision) (string, bool) {
	if p.jobs == nil {
		switch decision {
		case DecisionServiceRequest, DecisionSelfServiceRequest, DecisionPaymentConfirmed:
			return "", true
		}
		return "", false
	}

	var text string
	switch decision {
	case DecisionServiceRequest:
		text = p.jobs.HandleServiceRequest(ctx, thread.Focus.ID, thread.Focus.Text)
	case DecisionSelfServiceRequest:
		text = p.jobs.HandleSelfServiceRequest(ctx, thread.Focus.ID, thread.Focus.Text)
	case DecisionPaymentConfirmed:
		text = p.jobs.ConfirmPayment(ctx, thread.RootID())
	default:
		return "", false
	}
	return text, broker.IsFailureText(text)
}
