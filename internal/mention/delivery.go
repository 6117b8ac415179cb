package mention

import (
	"context"
	"log/slog"
	"time"

	xerrors "OpenACP-Chain/internal/errors"
	"OpenACP-Chain/internal/social"
	"OpenACP-Chain/internal/storage/mysql"
	"OpenACP-Chain/pkg/logger"
)

const (
	defaultPostAttempts = 3
	defaultPostDelay    = 60 * time.Second
)

// Deliverer 负责把生成的文本发布出去并落盘回复记录。
type Deliverer struct {
	client   social.Client
	delivery mysql.DeliveryRepository
	attempts int
	delay    time.Duration
	log      *slog.Logger
}

// NewDeliverer 创建发布器。attempts 非正时默认 3 次，delay 非正时默认 60s。
func NewDeliverer(client social.Client, delivery mysql.DeliveryRepository, attempts int, delay time.Duration, log *slog.Logger) *Deliverer {
	if attempts <= 0 {
		attempts = defaultPostAttempts
	}
	if delay <= 0 {
		delay = defaultPostDelay
	}
	return &Deliverer{
		client:   client,
		delivery: delivery,
		attempts: attempts,
		delay:    delay,
		log:      log,
	}
}

// Delivered 判断某条入站内容是否已经回复过。
func (d *Deliverer) Delivered(ctx context.Context, sourceID string) (bool, error) {
	return d.delivery.Delivered(ctx, sourceID)
}

// Deliver 发布 text 并记录回复。发布失败按固定间隔重试，
// 次数用尽后放弃并返回最后一次错误；落盘成功后同一 sourceID 不会再被处理。
func (d *Deliverer) Deliver(ctx context.Context, sourceID, inReplyTo, text, action string) error {
	var result social.PostResult
	var lastErr error

	for attempt := 1; attempt <= d.attempts; attempt++ {
		result, lastErr = d.client.Post(ctx, text, inReplyTo)
		if lastErr == nil {
			break
		}
		d.log.Warn("发布失败",
			"source_id", sourceID,
			"attempt", attempt,
			"error", lastErr,
		)
		if attempt == d.attempts {
			return xerrors.Wrap(xerrors.CodeExternalService, lastErr, "发布重试次数用尽")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.delay):
		}
	}

	record := mysql.DeliveryRecord{
		PostID:    result.ID,
		SourceID:  sourceID,
		InReplyTo: inReplyTo,
		Text:      text,
		Action:    action,
		CreatedAt: time.Now().Unix(),
	}
	if err := d.delivery.Record(ctx, record); err != nil {
		// 帖子已发出但记录失败，重启后同一条内容可能被再答一次。
		// 记录审计日志便于人工排查。
		d.log.Error("回复记录落盘失败", "source_id", sourceID, "post_id", result.ID, "error", err)
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "回复记录落盘失败")
	}

	logger.Audit().Info("回复已发布",
		"source_id", sourceID,
		"post_id", result.ID,
		"action", action,
	)
	return nil
}
