package mention

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"OpenACP-Chain/internal/observability/alerting"
	"OpenACP-Chain/internal/social"
	"OpenACP-Chain/internal/storage/mysql"
	"OpenACP-Chain/pkg/logger"
)

// PollerConfig 描述轮询器的行为配置。
type PollerConfig struct {
	// Query 是提及检索的查询串，例如 "@openacp_agent"。
	Query string
	// Interval 是提及轮询间隔，默认 90s。
	Interval time.Duration
	// BatchLimit 是单次拉取的条数上限，默认 20。
	BatchLimit int
	// TargetUsers 是额外关注的账号，它们的新帖也会进入流水线。
	TargetUsers []string
	// ScheduledPostInterval 是自主发帖间隔，非正数时关闭自主发帖。
	ScheduledPostInterval time.Duration
}

// Poller 按固定间隔拉取提及和目标账号的新帖，
// 逐条推进流水线并在每条处理后推进水位线。
type Poller struct {
	cfg       PollerConfig
	client    social.Client
	delivery  mysql.DeliveryRepository
	pipeline  *Pipeline
	composer  *Composer
	deliverer *Deliverer
	queue     Queue
	alerts    alerting.Dispatcher
	log       *slog.Logger
}

// NewPoller 创建轮询器。queue 允许为空，为空时在轮询协程内就地处理。
func NewPoller(cfg PollerConfig, client social.Client, delivery mysql.DeliveryRepository, pipeline *Pipeline, composer *Composer, deliverer *Deliverer, queue Queue, alerts alerting.Dispatcher) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 90 * time.Second
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 20
	}
	return &Poller{
		cfg:       cfg,
		client:    client,
		delivery:  delivery,
		pipeline:  pipeline,
		composer:  composer,
		deliverer: deliverer,
		queue:     queue,
		alerts:    alerts,
		log:       logger.Named("poller"),
	}
}

// Run 启动轮询循环，阻塞直到 ctx 取消。
// 配置了队列时同时启动单工作协程的消费端，保持严格时序。
func (p *Poller) Run(ctx context.Context) error {
	if p.queue != nil {
		go func() {
			if err := p.queue.Consume(ctx, 1, p.handleQueued); err != nil && ctx.Err() == nil {
				p.log.Error("队列消费退出", "error", err)
			}
		}()
	}

	var scheduledCh <-chan time.Time
	if p.cfg.ScheduledPostInterval > 0 {
		scheduled := time.NewTicker(p.cfg.ScheduledPostInterval)
		defer scheduled.Stop()
		scheduledCh = scheduled.C
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.log.Info("轮询器启动", "query", p.cfg.Query, "interval", p.cfg.Interval.String())
	for {
		p.pollOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-scheduledCh:
			p.scheduledPost(ctx)
		}
	}
}

// pollOnce 拉取一批提及并逐条处理。条目按平台 ID 升序，
// 每条处理完成后立刻持久化水位线，重启后从断点续跑。
func (p *Poller) pollOnce(ctx context.Context) {
	watermark, err := p.delivery.LoadWatermark(ctx)
	if err != nil {
		p.log.Error("读取水位线失败", "error", err)
		return
	}

	items, err := p.client.FetchMentions(ctx, p.cfg.Query, p.cfg.BatchLimit)
	if err != nil {
		p.log.Warn("拉取提及失败", "error", err)
		return
	}

	for i := range items {
		item := &items[i]
		if watermark != "" && item.ID <= watermark {
			continue
		}
		p.dispatch(ctx, item)
		if err := p.delivery.SaveWatermark(ctx, item.ID); err != nil {
			p.log.Error("持久化水位线失败", "item_id", item.ID, "error", err)
			return
		}
	}

	p.pollTargets(ctx)
}

// pollTargets 拉取目标账号的新帖。目标帖没有独立水位线，
// 靠回复记录查重兜底。
func (p *Poller) pollTargets(ctx context.Context) {
	for _, handle := range p.cfg.TargetUsers {
		items, err := p.client.FetchTimeline(ctx, strings.TrimPrefix(handle, "@"), p.cfg.BatchLimit)
		if err != nil {
			p.log.Warn("拉取目标账号失败", "handle", handle, "error", err)
			continue
		}
		for i := range items {
			p.dispatch(ctx, &items[i])
		}
	}
}

// dispatch 把条目送进流水线。配置了队列时只投递 ID，
// 由消费端取回条目后处理。
func (p *Poller) dispatch(ctx context.Context, item *social.Item) {
	if p.queue != nil {
		if err := p.queue.Publish(ctx, item.ID); err != nil {
			p.log.Error("投递队列失败", "item_id", item.ID, "error", err)
		}
		return
	}
	if err := p.pipeline.Process(ctx, item); err != nil {
		p.log.Error("处理条目失败", "item_id", item.ID, "error", err)
		p.alert(ctx, err, item.ID)
	}
}

// alert 把需要告警的处理失败广播给通知渠道。
func (p *Poller) alert(ctx context.Context, err error, itemID string) {
	if p.alerts == nil {
		return
	}
	event, ok := alerting.FromError(err, itemID, "")
	if !ok {
		return
	}
	if notifyErr := p.alerts.Notify(ctx, event); notifyErr != nil {
		p.log.Warn("告警发送失败", "item_id", itemID, "error", notifyErr)
	}
}

// handleQueued 是队列消费端：按 ID 取回条目再推进流水线。
func (p *Poller) handleQueued(ctx context.Context, itemID string) error {
	item, err := p.client.FetchItem(ctx, itemID)
	if err != nil {
		p.log.Warn("取回队列条目失败", "item_id", itemID, "error", err)
		return err
	}
	if item == nil {
		p.log.Info("队列条目已不可见，跳过", "item_id", itemID)
		return nil
	}
	if err := p.pipeline.Process(ctx, item); err != nil {
		p.log.Error("处理队列条目失败", "item_id", itemID, "error", err)
		p.alert(ctx, err, itemID)
		return err
	}
	return nil
}

// scheduledPost 生成并发布一条自主帖子，素材来自目标账号的近期时间线。
func (p *Poller) scheduledPost(ctx context.Context) {
	var sb strings.Builder
	for _, handle := range p.cfg.TargetUsers {
		items, err := p.client.FetchTimeline(ctx, strings.TrimPrefix(handle, "@"), 5)
		if err != nil {
			p.log.Warn("拉取目标账号失败", "handle", handle, "error", err)
			continue
		}
		for _, item := range items {
			sb.WriteString("@")
			sb.WriteString(item.AuthorHandle)
			sb.WriteString(": ")
			sb.WriteString(item.Text)
			sb.WriteString("\n")
		}
	}

	text, err := p.composer.ComposeStandalone(ctx, sb.String())
	if err != nil {
		p.log.Error("生成自主帖子失败", "error", err)
		return
	}

	sourceID := "scheduled-" + uuid.NewString()
	if err := p.deliverer.Deliver(ctx, sourceID, "", text, "SCHEDULED_POST"); err != nil {
		p.log.Error("发布自主帖子失败", "error", err)
	}
}
