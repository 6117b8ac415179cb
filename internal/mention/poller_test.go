package mention

import (
	"context"
	"testing"
	"time"

	"OpenACP-Chain/internal/social"
	"OpenACP-Chain/pkg/logger"
)

func TestPollOnceAdvancesWatermark(t *testing.T) {
	client := &fakeSocial{
		items: map[string]*social.Item{},
		mentions: []social.Item{
			{ID: "100", AuthorHandle: "alice", Text: "hello"},
			{ID: "101", AuthorHandle: "bob", Text: "hey"},
		},
	}
	llmClient := &scriptedLLM{replies: []string{
		"[RESPOND] [SKIP_CARV]", "hi alice",
		"[RESPOND] [SKIP_CARV]", "hi bob",
	}}
	delivery := newTestDelivery(t)
	log := logger.Named("test")

	threads := NewThreadBuilder(client, delivery, nil, 0, log)
	composer := NewComposer(llmClient, testRetry(), nil, log)
	deliverer := NewDeliverer(client, delivery, 1, time.Millisecond, log)
	pipeline := NewPipeline(PipelineConfig{}, llmClient, threads, nil, nil, composer, deliverer, nil)
	poller := NewPoller(PollerConfig{Query: "@agent"}, client, delivery, pipeline, composer, deliverer, nil, nil)

	poller.pollOnce(context.Background())

	watermark, err := delivery.LoadWatermark(context.Background())
	if err != nil {
		t.Fatalf("读取水位线失败: %v", err)
	}
	if watermark != "101" {
		t.Fatalf("水位线应推进到最后一条: %q", watermark)
	}
	if len(client.posted) != 2 {
		t.Fatalf("应回复两条提及: %v", client.posted)
	}

	// 第二轮不应重复处理水位线以下的内容。
	poller.pollOnce(context.Background())
	if len(client.posted) != 2 {
		t.Fatalf("水位线以下的内容不应重复处理: %v", client.posted)
	}
}
