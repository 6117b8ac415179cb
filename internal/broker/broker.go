package broker

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"

	xerrors "OpenACP-Chain/internal/errors"
	"OpenACP-Chain/internal/ledger"
	"OpenACP-Chain/internal/llm"
	"OpenACP-Chain/internal/storage/kv"
	"OpenACP-Chain/pkg/logger"
)

// PaymentInstructionsMarker 出现在所有付款指引文本里，
// 上游据此判断一条回复是否在等待付款确认。
const PaymentInstructionsMarker = "Payment Instructions"

// IsFailureText 判断一段任务文本是否是失败提示。
// 失败提示不应原样出现在最终回复里。
func IsFailureText(text string) bool {
	return strings.HasPrefix(text, "Sorry")
}

// Analyzer 是自助服务的执行入口，由数据分析适配器实现。
type Analyzer interface {
	Analyze(ctx context.Context, question string) (string, error)
}

// Config 描述付费任务协调器的配置。
type Config struct {
	// ReceivingAddress 是收款钱包地址。
	ReceivingAddress string
	// TokenContract 是计价代币的合约地址。
	TokenContract string
	// TokenDecimals 是代币精度，默认 6。
	TokenDecimals int
	// RecordTTL 是任务记录的存活时间，默认 24h。
	RecordTTL time.Duration
	// PaymentPollInterval 是付款轮询间隔，默认 10s。
	PaymentPollInterval time.Duration
	// PaymentPollAttempts 是付款轮询次数上限，默认 6。
	PaymentPollAttempts int
	// JobPollInterval 是任务进度轮询间隔，默认 20s。
	JobPollInterval time.Duration
	// JobPollAttempts 是任务进度轮询次数上限，默认 15。
	JobPollAttempts int
	// JobExpiry 是发起任务时携带的过期时长，默认 1h。
	JobExpiry time.Duration
	// SelfServicePrice 是自助数据分析服务的基础报价，默认 0.1。
	SelfServicePrice float64
	// Requote 控制重复请求时是否重新报价。为 false 时，
	// 已存在待付款记录的请求会重新下发原有的付款指引。
	Requote bool
}

func (c *Config) applyDefaults() {
	if c.TokenDecimals <= 0 {
		c.TokenDecimals = 6
	}
	if c.RecordTTL <= 0 {
		c.RecordTTL = 24 * time.Hour
	}
	if c.PaymentPollInterval <= 0 {
		c.PaymentPollInterval = 10 * time.Second
	}
	if c.PaymentPollAttempts <= 0 {
		c.PaymentPollAttempts = 6
	}
	if c.JobPollInterval <= 0 {
		c.JobPollInterval = 20 * time.Second
	}
	if c.JobPollAttempts <= 0 {
		c.JobPollAttempts = 15
	}
	if c.JobExpiry <= 0 {
		c.JobExpiry = time.Hour
	}
	if c.SelfServicePrice <= 0 {
		c.SelfServicePrice = 0.1
	}
}

const selfServiceOffering = "onchain_data_analysis"

// Broker 把外部服务请求推进到交付：检索服务商、生成需求、
// 报价、核对付款并跟踪任务完成。所有失败都退化为可直接发布的文本，
// 不向上游抛错。
type Broker struct {
	cfg       Config
	market    MarketClient
	llmClient llm.Client
	indexer   ledger.Indexer
	analyzer  Analyzer
	records   *recordStore
	log       *slog.Logger
}

// New 创建付费任务协调器。market 与 indexer 允许为空，
// 对应能力缺失时相关请求会退化为提示文本。
func New(cfg Config, market MarketClient, llmClient llm.Client, indexer ledger.Indexer, analyzer Analyzer, store kv.Store) (*Broker, error) {
	if llmClient == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "LLM 客户端不能为空")
	}
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "KV 存储不能为空")
	}
	cfg.applyDefaults()

	return &Broker{
		cfg:       cfg,
		market:    market,
		llmClient: llmClient,
		indexer:   indexer,
		analyzer:  analyzer,
		records:   newRecordStore(store, cfg.RecordTTL),
		log:       logger.Named("broker"),
	}, nil
}

// JobStatus 按内容 ID 查询任务记录，供只读状态接口使用。
func (b *Broker) JobStatus(ctx context.Context, itemID string) (*Record, error) {
	return b.records.Get(ctx, itemID)
}

// HandleServiceRequest 处理一条外部服务请求：检索市场、生成需求、
// 报价并落盘待付款记录，返回付款指引文本。itemID 是发起请求的内容 ID，
// 后续付款确认以它为键查找记录。
func (b *Broker) HandleServiceRequest(ctx context.Context, itemID, requestText string) string {
	if existing, err := b.records.Get(ctx, itemID); err == nil && !b.cfg.Requote {
		if existing.Status == StatusPendingPayment {
			b.log.Info("请求已有待付款记录，重发付款指引", "item_id", itemID)
			return b.paymentInstructions(existing)
		}
	}

	if b.market == nil {
		return "Sorry, outsourced services are not available right now."
	}

	keyword := b.extractKeyword(ctx, requestText)
	providers, err := b.market.Browse(ctx, keyword)
	if err != nil {
		b.log.Warn("检索服务商失败", "item_id", itemID, "error", err)
		return "Sorry, I couldn't reach the agent marketplace. Please try again later."
	}
	if len(providers) == 0 {
		b.log.Info("未找到匹配的服务商", "item_id", itemID, "keyword", keyword)
		return "Sorry, no suitable agents found for this request."
	}

	provider := RankProviders(providers)[0]
	if len(provider.Offerings) == 0 {
		b.log.Warn("服务商没有可购买的服务", "provider", provider.Name)
		return "Sorry, no suitable agents found for this request."
	}
	offering := provider.Offerings[0]

	requirement, err := b.generateRequirement(ctx, requestText, offering)
	if err != nil {
		b.log.Warn("生成任务需求失败", "item_id", itemID, "error", err)
		if xerrors.CodeOf(err) == CodeJobValidation {
			return fmt.Sprintf("Sorry, I couldn't prepare this job: %s", err.Error())
		}
		return "Sorry, I couldn't prepare the job requirements. Please rephrase your request."
	}

	price, err := UniquifyPrice(offering.Price)
	if err != nil {
		b.log.Warn("生成唯一报价失败", "item_id", itemID, "error", err)
		return "Sorry, something went wrong while quoting this job."
	}

	record := &Record{
		ItemID:          itemID,
		ProviderAddress: provider.Address,
		ProviderName:    provider.Name,
		OfferingType:    offering.Type,
		BasePrice:       offering.Price,
		UniquifiedPrice: price,
		Requirement:     requirement,
		Status:          StatusPendingPayment,
	}
	if err := b.records.Save(ctx, record); err != nil {
		b.log.Error("保存任务记录失败", "item_id", itemID, "error", err)
		return "Sorry, something went wrong while quoting this job."
	}

	logger.Audit().Info("付费任务已报价",
		"item_id", itemID,
		"provider", provider.Name,
		"offering", offering.Type,
		"price", price,
	)
	return b.paymentInstructions(record)
}

// HandleSelfServiceRequest 处理一条自助数据分析请求。不经过市场，
// 由本地分析能力交付，但同样走报价和付款确认流程。
func (b *Broker) HandleSelfServiceRequest(ctx context.Context, itemID, requestText string) string {
	if b.analyzer == nil {
		return "Sorry, data analysis services are not available right now."
	}

	if existing, err := b.records.Get(ctx, itemID); err == nil && !b.cfg.Requote {
		if existing.Status == StatusPendingPayment {
			return b.paymentInstructions(existing)
		}
	}

	price, err := UniquifyPrice(b.cfg.SelfServicePrice)
	if err != nil {
		b.log.Warn("生成唯一报价失败", "item_id", itemID, "error", err)
		return "Sorry, something went wrong while quoting this job."
	}

	requirement, err := json.Marshal(map[string]string{"question": requestText})
	if err != nil {
		return "Sorry, something went wrong while quoting this job."
	}

	record := &Record{
		ItemID:          itemID,
		OfferingType:    selfServiceOffering,
		BasePrice:       b.cfg.SelfServicePrice,
		UniquifiedPrice: price,
		Requirement:     requirement,
		Status:          StatusPendingPayment,
		SelfService:     true,
	}
	if err := b.records.Save(ctx, record); err != nil {
		b.log.Error("保存任务记录失败", "item_id", itemID, "error", err)
		return "Sorry, something went wrong while quoting this job."
	}

	logger.Audit().Info("自助任务已报价", "item_id", itemID, "price", price)
	return b.paymentInstructions(record)
}

// ConfirmPayment 处理一条付款确认。rootItemID 是会话根内容的 ID，
// 待付款记录以它为键。核对到链上转账后推进记录并交付任务。
func (b *Broker) ConfirmPayment(ctx context.Context, rootItemID string) string {
	record, err := b.records.Get(ctx, rootItemID)
	if err != nil {
		if stdErrors.Is(err, ErrRecordNotFound) {
			return "Sorry, I couldn't find a pending job for this conversation. It may have expired; please make a new request."
		}
		b.log.Error("读取任务记录失败", "item_id", rootItemID, "error", err)
		return "Sorry, something went wrong while checking your payment."
	}

	switch record.Status {
	case StatusCompleted:
		return "This job has already been completed. Please make a new request if you need anything else."
	case StatusFailed:
		return "This job has already failed. Please make a new request."
	case StatusPaid:
		// 付款已核对过但交付未完成，直接续跑交付。
		return b.fulfill(ctx, record)
	}

	if b.indexer == nil {
		return "Sorry, payment verification is not available right now."
	}

	matched, err := b.awaitPayment(ctx, record)
	if err != nil {
		b.log.Warn("核对付款失败", "item_id", rootItemID, "error", err)
		return "Sorry, something went wrong while checking your payment. Please try again later."
	}
	if !matched {
		// 记录保持待付款，用户补款后可以再次确认。
		return fmt.Sprintf("I haven't seen a transfer of exactly %s yet. Please make sure the amount matches and reply again once it's sent.", record.UniquifiedPrice)
	}

	if err := b.records.Advance(ctx, record, StatusPaid); err != nil {
		b.log.Error("推进任务记录失败", "item_id", rootItemID, "error", err)
		return "Sorry, something went wrong while checking your payment."
	}
	logger.Audit().Info("付款已核对", "item_id", rootItemID, "price", record.UniquifiedPrice)

	return b.fulfill(ctx, record)
}

// awaitPayment 按固定间隔轮询链上转账，寻找金额与报价完全一致的一笔。
func (b *Broker) awaitPayment(ctx context.Context, record *Record) (bool, error) {
	expected, err := ledger.ScaleAmount(record.UniquifiedPrice, b.cfg.TokenDecimals)
	if err != nil {
		return false, xerrors.Wrap(CodeJobPayment, err, "报价金额无法换算")
	}

	for attempt := 1; attempt <= b.cfg.PaymentPollAttempts; attempt++ {
		transfers, err := b.indexer.Transfers(ctx, b.cfg.TokenContract, b.cfg.ReceivingAddress)
		if err != nil {
			b.log.Warn("查询链上转账失败",
				"item_id", record.ItemID,
				"attempt", attempt,
				"error", err,
			)
		} else if transfer, ok := ledger.MatchExact(transfers, expected); ok {
			b.log.Info("命中付款转账",
				"item_id", record.ItemID,
				"tx_hash", transfer.TxHash,
				"from", transfer.From,
			)
			return true, nil
		}

		if attempt == b.cfg.PaymentPollAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(b.cfg.PaymentPollInterval):
		}
	}
	return false, nil
}

// fulfill 在付款核对通过后交付任务。自助任务直接在本地执行，
// 其余任务发起市场任务并轮询进度。
func (b *Broker) fulfill(ctx context.Context, record *Record) string {
	if record.SelfService {
		return b.fulfillSelfService(ctx, record)
	}
	if b.market == nil {
		return "Sorry, outsourced services are not available right now."
	}

	jobID, err := b.market.InitiateJob(ctx, record.ProviderAddress, record.Requirement, time.Now().Add(b.cfg.JobExpiry))
	if err != nil {
		b.log.Error("发起市场任务失败", "item_id", record.ItemID, "error", err)
		b.markFailed(ctx, record)
		return "Sorry, I couldn't start the job with the provider. Please make a new request."
	}
	b.log.Info("市场任务已发起", "item_id", record.ItemID, "job_id", jobID)

	for attempt := 1; attempt <= b.cfg.JobPollAttempts; attempt++ {
		job, err := b.market.GetJob(ctx, jobID)
		if err != nil {
			b.log.Warn("查询任务进度失败", "job_id", jobID, "attempt", attempt, "error", err)
		} else {
			switch job.Phase {
			case PhaseCompleted:
				b.markCompleted(ctx, record)
				logger.Audit().Info("付费任务已交付", "item_id", record.ItemID, "job_id", jobID)
				if strings.TrimSpace(job.Deliverable) != "" {
					return job.Deliverable
				}
				return "Your job has been completed."
			case PhaseFailed:
				b.markFailed(ctx, record)
				return "Sorry, the provider failed to complete this job. Please make a new request."
			}
		}

		if attempt == b.cfg.JobPollAttempts {
			break
		}
		select {
		case <-ctx.Done():
			b.markCompleted(ctx, record)
			return "Your job is taking longer than expected. It will keep running on the provider side."
		case <-time.After(b.cfg.JobPollInterval):
		}
	}

	// 轮询预算用尽。任务可能仍在服务商侧推进，记录按完成收尾，
	// 避免重复确认重复扣款。
	b.markCompleted(ctx, record)
	return "Your job is taking longer than expected. It will keep running on the provider side."
}

func (b *Broker) fulfillSelfService(ctx context.Context, record *Record) string {
	var requirement struct {
		Question string `json:"question"`
	}
	if err := json.Unmarshal(record.Requirement, &requirement); err != nil || strings.TrimSpace(requirement.Question) == "" {
		b.markFailed(ctx, record)
		return "Sorry, I couldn't recover the original question for this job. Please make a new request."
	}

	answer, err := b.analyzer.Analyze(ctx, requirement.Question)
	if err != nil {
		b.log.Error("自助任务执行失败", "item_id", record.ItemID, "error", err)
		b.markFailed(ctx, record)
		return "Sorry, the analysis failed. Please make a new request."
	}

	b.markCompleted(ctx, record)
	logger.Audit().Info("自助任务已交付", "item_id", record.ItemID)
	return answer
}

func (b *Broker) markCompleted(ctx context.Context, record *Record) {
	if err := b.records.Advance(ctx, record, StatusCompleted); err != nil {
		b.log.Warn("推进任务记录失败", "item_id", record.ItemID, "error", err)
	}
}

func (b *Broker) markFailed(ctx context.Context, record *Record) {
	if err := b.records.Advance(ctx, record, StatusFailed); err != nil {
		b.log.Warn("推进任务记录失败", "item_id", record.ItemID, "error", err)
	}
}

// paymentInstructions 生成付款指引文本，金额是该任务的唯一凭据。
func (b *Broker) paymentInstructions(record *Record) string {
	return fmt.Sprintf(
		"%s: please transfer exactly %s to %s. The exact amount is how I match your payment, so don't round it. Reply to this message once you've paid.",
		PaymentInstructionsMarker, record.UniquifiedPrice, b.cfg.ReceivingAddress,
	)
}

const keywordSystemPrompt = `You extract a short marketplace search keyword from a user request. Reply with the keyword only, two or three words at most, no punctuation.`

// extractKeyword 用小模型从请求里提取检索关键词，失败时退回原文。
func (b *Broker) extractKeyword(ctx context.Context, requestText string) string {
	reply, err := b.llmClient.Generate(ctx, llm.Request{
		System:    keywordSystemPrompt,
		Prompt:    requestText,
		Tier:      llm.TierSmall,
		MaxTokens: 16,
	})
	if err != nil || strings.TrimSpace(reply) == "" {
		b.log.Warn("提取检索关键词失败，退回原文", "error", err)
		return requestText
	}
	return strings.TrimSpace(reply)
}

const requirementSystemPrompt = `You turn a user request into a JSON object for a service provider. Reply with a single JSON object and nothing else. Fill every field you are given; use the user's own words where possible.`

// generateRequirement 用 LLM 生成任务需求并校验必填字段。
// LLM 输出先经 jsonrepair 修复再解析。
func (b *Broker) generateRequirement(ctx context.Context, requestText string, offering Offering) (json.RawMessage, error) {
	prompt := fmt.Sprintf("Service type: %s\nRequired fields: %s\nUser request: %s",
		offering.Type, strings.Join(offering.RequiredFields, ", "), requestText)

	reply, err := b.llmClient.Generate(ctx, llm.Request{
		System:    requirementSystemPrompt,
		Prompt:    prompt,
		Tier:      llm.TierMedium,
		MaxTokens: 512,
	})
	if err != nil {
		return nil, xerrors.Wrap(CodeJobMarket, err, "生成任务需求失败")
	}

	repaired, err := jsonrepair.JSONRepair(reply)
	if err != nil {
		return nil, xerrors.Wrap(CodeJobValidation, err, "任务需求不是合法 JSON")
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(repaired), &fields); err != nil {
		return nil, xerrors.Wrap(CodeJobValidation, err, "任务需求不是 JSON 对象")
	}

	var missing []string
	for _, field := range offering.RequiredFields {
		value, ok := fields[field]
		if !ok {
			missing = append(missing, field)
			continue
		}
		if text, isString := value.(string); isString && strings.TrimSpace(text) == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return nil, xerrors.New(CodeJobValidation,
			fmt.Sprintf("missing required fields: %s", strings.Join(missing, ", ")))
	}

	return json.RawMessage(repaired), nil
}
