package mention

import (
	"context"
	"testing"
	"time"

	"OpenACP-Chain/internal/llm"
	"OpenACP-Chain/internal/social"
	"OpenACP-Chain/pkg/logger"
)

func TestPostprocess(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{`"quoted reply"`, "quoted reply"},
		{`'single quoted'`, "single quoted"},
		{`""double wrapped""`, "double wrapped"},
		{`line one\nline two`, "line one\nline two"},
		{`  padded  `, "padded"},
		{`plain`, "plain"},
		{`"`, `"`},
		{``, ``},
	}
	for _, tc := range cases {
		if got := Postprocess(tc.in); got != tc.want {
			t.Fatalf("Postprocess(%q) = %q, 期望 %q", tc.in, got, tc.want)
		}
	}
}

type scriptedLLM struct {
	replies []string
	errs    []error
	calls   int
}

func (s *scriptedLLM) Generate(context.Context, llm.Request) (string, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return "", s.errs[i]
	}
	if i < len(s.replies) {
		return s.replies[i], nil
	}
	return "", nil
}

func testRetry() Policy {
	return Policy{Base: time.Millisecond, Max: time.Millisecond, MaxAttempts: 2}
}

func threadFixture(handle, text string) *Thread {
	focus := &social.Item{ID: "focus-1", AuthorHandle: handle, Text: text}
	return &Thread{Focus: focus, Items: []*social.Item{focus}}
}

func TestComposeCleansModelOutput(t *testing.T) {
	llmClient := &scriptedLLM{replies: []string{`"Sounds bullish.\nWatch the funding rate."`}}
	composer := NewComposer(llmClient, testRetry(), nil, logger.Named("test"))

	text, err := composer.Compose(context.Background(),
		threadFixture("alice", "thoughts?"), DecisionRespond, "", "", false)
	if err != nil {
		t.Fatalf("生成失败: %v", err)
	}
	if text != "Sounds bullish.\nWatch the funding rate." {
		t.Fatalf("后处理结果不符: %q", text)
	}
}

func TestComposeAppliesStyleTemplate(t *testing.T) {
	llmClient := &scriptedLLM{replies: []string{
		"gm frens, btc strong",
		"bull-post",
		"BTC STRONG. THAT'S IT. THAT'S THE POST.",
	}}
	templates := []StyleTemplate{{
		Name:     "bull-post",
		Pattern:  "short bullish hype",
		Template: "X STRONG. THAT'S IT. THAT'S THE POST.",
	}}
	composer := NewComposer(llmClient, testRetry(), templates, logger.Named("test"))

	text, err := composer.Compose(context.Background(),
		threadFixture("alice", "how's btc?"), DecisionRespond, "", "", false)
	if err != nil {
		t.Fatalf("生成失败: %v", err)
	}
	if text != "BTC STRONG. THAT'S IT. THAT'S THE POST." {
		t.Fatalf("风格改写结果不符: %q", text)
	}
	if llmClient.calls != 3 {
		t.Fatalf("调用次数不符: %d", llmClient.calls)
	}
}

func TestComposeStyleClassifierMissFallsThrough(t *testing.T) {
	llmClient := &scriptedLLM{replies: []string{"plain answer", "NONE"}}
	templates := []StyleTemplate{{Name: "bull-post", Pattern: "hype", Template: "X"}}
	composer := NewComposer(llmClient, testRetry(), templates, logger.Named("test"))

	text, err := composer.Compose(context.Background(),
		threadFixture("alice", "hi"), DecisionRespond, "", "", false)
	if err != nil {
		t.Fatalf("生成失败: %v", err)
	}
	if text != "plain answer" {
		t.Fatalf("未命中模板时应保留原文本: %q", text)
	}
}
