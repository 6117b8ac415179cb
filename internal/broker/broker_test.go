package broker

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"OpenACP-Chain/internal/ledger"
	"OpenACP-Chain/internal/llm"
	"OpenACP-Chain/internal/storage/kv"
)

type fakeLLM struct {
	replies map[llm.Tier]string
	err     error
}

func (f *fakeLLM) Generate(_ context.Context, req llm.Request) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if reply, ok := f.replies[req.Tier]; ok {
		return reply, nil
	}
	return "", nil
}

type fakeMarket struct {
	providers  []Provider
	browseErr  error
	jobID      string
	initErr    error
	jobs       []Job
	jobIndex   int
	initiated  int
	lastExpire time.Time
}

func (f *fakeMarket) Browse(context.Context, string) ([]Provider, error) {
	return f.providers, f.browseErr
}

func (f *fakeMarket) InitiateJob(_ context.Context, _ string, _ json.RawMessage, expireAt time.Time) (string, error) {
	f.initiated++
	f.lastExpire = expireAt
	return f.jobID, f.initErr
}

func (f *fakeMarket) GetJob(context.Context, string) (Job, error) {
	if f.jobIndex >= len(f.jobs) {
		return Job{Phase: PhaseTransaction}, nil
	}
	job := f.jobs[f.jobIndex]
	f.jobIndex++
	return job, nil
}

type fakeIndexer struct {
	transfers []ledger.Transfer
	err       error
	calls     int
}

func (f *fakeIndexer) Transfers(context.Context, string, string) ([]ledger.Transfer, error) {
	f.calls++
	return f.transfers, f.err
}

func (f *fakeIndexer) Close() {}

type fakeAnalyzer struct {
	answer string
	err    error
}

func (f *fakeAnalyzer) Analyze(context.Context, string) (string, error) {
	return f.answer, f.err
}

func testConfig() Config {
	return Config{
		ReceivingAddress:    "0x000000000000000000000000000000000000dead",
		TokenContract:       "0x0000000000000000000000000000000000000001",
		TokenDecimals:       6,
		PaymentPollInterval: time.Millisecond,
		PaymentPollAttempts: 2,
		JobPollInterval:     time.Millisecond,
		JobPollAttempts:     3,
		SelfServicePrice:    0.1,
	}
}

func marketLLM() *fakeLLM {
	return &fakeLLM{replies: map[llm.Tier]string{
		llm.TierSmall:  "market data",
		llm.TierMedium: `{"topic": "BTC", "depth": "deep"}`,
	}}
}

func savedRecord(t *testing.T, b *Broker, itemID string) *Record {
	t.Helper()
	record, err := b.records.Get(context.Background(), itemID)
	if err != nil {
		t.Fatalf("读取任务记录失败: %v", err)
	}
	return record
}

func TestHandleServiceRequestNoProviders(t *testing.T) {
	b, err := New(testConfig(), &fakeMarket{}, marketLLM(), &fakeIndexer{}, nil, kv.NewMemoryStore())
	if err != nil {
		t.Fatalf("创建协调器失败: %v", err)
	}

	reply := b.HandleServiceRequest(context.Background(), "item-1", "analyze BTC for me")
	if !strings.Contains(reply, "no suitable agents found") {
		t.Fatalf("无服务商时的回复不符: %q", reply)
	}
	if _, err := b.records.Get(context.Background(), "item-1"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("无服务商时不应落盘记录, got %v", err)
	}
}

func TestHandleServiceRequestQuotes(t *testing.T) {
	market := &fakeMarket{providers: []Provider{
		{Address: "0xaaa", Name: "junior", SuccessfulJobs: 3, Online: true,
			Offerings: []Offering{{Type: "analysis", Price: 1.0, RequiredFields: []string{"topic"}}}},
		{Address: "0xbbb", Name: "senior", SuccessfulJobs: 42, Online: true,
			Offerings: []Offering{{Type: "analysis", Price: 2.0, RequiredFields: []string{"topic", "depth"}}}},
	}}
	b, err := New(testConfig(), market, marketLLM(), &fakeIndexer{}, nil, kv.NewMemoryStore())
	if err != nil {
		t.Fatalf("创建协调器失败: %v", err)
	}

	reply := b.HandleServiceRequest(context.Background(), "item-2", "analyze BTC for me")
	if !strings.Contains(reply, PaymentInstructionsMarker) {
		t.Fatalf("报价回复应包含付款指引标记: %q", reply)
	}

	record := savedRecord(t, b, "item-2")
	if record.ProviderName != "senior" {
		t.Fatalf("应选择成功任务数最多的服务商, got %q", record.ProviderName)
	}
	if record.Status != StatusPendingPayment {
		t.Fatalf("新记录状态应为待付款: %s", record.Status)
	}
	if !strings.Contains(reply, record.UniquifiedPrice) {
		t.Fatalf("回复应包含唯一报价 %q: %q", record.UniquifiedPrice, reply)
	}
}

func TestHandleServiceRequestMissingFields(t *testing.T) {
	market := &fakeMarket{providers: []Provider{
		{Address: "0xaaa", Name: "analyst", SuccessfulJobs: 1, Online: true,
			Offerings: []Offering{{Type: "analysis", Price: 1.0, RequiredFields: []string{"topic", "timeframe"}}}},
	}}
	llmClient := &fakeLLM{replies: map[llm.Tier]string{
		llm.TierSmall:  "market data",
		llm.TierMedium: `{"topic": "BTC"}`,
	}}
	b, err := New(testConfig(), market, llmClient, &fakeIndexer{}, nil, kv.NewMemoryStore())
	if err != nil {
		t.Fatalf("创建协调器失败: %v", err)
	}

	reply := b.HandleServiceRequest(context.Background(), "item-3", "analyze BTC")
	if !strings.Contains(reply, "timeframe") {
		t.Fatalf("校验失败的回复应指出缺失字段: %q", reply)
	}
	if _, err := b.records.Get(context.Background(), "item-3"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("校验失败时不应落盘记录, got %v", err)
	}
}

func TestHandleServiceRequestReissuesInstructions(t *testing.T) {
	market := &fakeMarket{providers: []Provider{
		{Address: "0xaaa", Name: "analyst", SuccessfulJobs: 1, Online: true,
			Offerings: []Offering{{Type: "analysis", Price: 1.0, RequiredFields: []string{"topic"}}}},
	}}
	b, err := New(testConfig(), market, marketLLM(), &fakeIndexer{}, nil, kv.NewMemoryStore())
	if err != nil {
		t.Fatalf("创建协调器失败: %v", err)
	}

	first := b.HandleServiceRequest(context.Background(), "item-4", "analyze BTC")
	second := b.HandleServiceRequest(context.Background(), "item-4", "analyze BTC")
	if first != second {
		t.Fatalf("重复请求应重发原付款指引:\n%q\n%q", first, second)
	}
}

func TestConfirmPaymentNoRecord(t *testing.T) {
	b, err := New(testConfig(), &fakeMarket{}, marketLLM(), &fakeIndexer{}, nil, kv.NewMemoryStore())
	if err != nil {
		t.Fatalf("创建协调器失败: %v", err)
	}
	reply := b.ConfirmPayment(context.Background(), "missing")
	if !strings.Contains(reply, "make a new request") {
		t.Fatalf("无记录时的回复不符: %q", reply)
	}
}

func TestConfirmPaymentBudgetExhausted(t *testing.T) {
	indexer := &fakeIndexer{}
	b, err := New(testConfig(), &fakeMarket{}, marketLLM(), indexer, nil, kv.NewMemoryStore())
	if err != nil {
		t.Fatalf("创建协调器失败: %v", err)
	}

	record := &Record{ItemID: "item-5", Status: StatusPendingPayment, UniquifiedPrice: "1.004217"}
	if err := b.records.Save(context.Background(), record); err != nil {
		t.Fatalf("保存任务记录失败: %v", err)
	}

	reply := b.ConfirmPayment(context.Background(), "item-5")
	if !strings.Contains(reply, "haven't seen a transfer") {
		t.Fatalf("未命中付款时的回复不符: %q", reply)
	}
	if indexer.calls != 2 {
		t.Fatalf("轮询次数不符: %d", indexer.calls)
	}
	if got := savedRecord(t, b, "item-5"); got.Status != StatusPendingPayment {
		t.Fatalf("未命中付款时记录应保持待付款: %s", got.Status)
	}
}

func TestConfirmPaymentDeliversJob(t *testing.T) {
	expected := big.NewInt(1004217) // 1.004217 按六位精度换算
	market := &fakeMarket{
		jobID: "job-1",
		jobs: []Job{
			{ID: "job-1", Phase: PhaseTransaction},
			{ID: "job-1", Phase: PhaseCompleted, Deliverable: "BTC looks choppy this week."},
		},
	}
	indexer := &fakeIndexer{transfers: []ledger.Transfer{
		{TxHash: "0x1", From: "0xpayer", Amount: big.NewInt(999)},
		{TxHash: "0x2", From: "0xpayer", Amount: expected},
	}}
	b, err := New(testConfig(), market, marketLLM(), indexer, nil, kv.NewMemoryStore())
	if err != nil {
		t.Fatalf("创建协调器失败: %v", err)
	}

	record := &Record{
		ItemID:          "item-6",
		ProviderAddress: "0xaaa",
		Status:          StatusPendingPayment,
		UniquifiedPrice: "1.004217",
		Requirement:     json.RawMessage(`{"topic":"BTC"}`),
	}
	if err := b.records.Save(context.Background(), record); err != nil {
		t.Fatalf("保存任务记录失败: %v", err)
	}

	reply := b.ConfirmPayment(context.Background(), "item-6")
	if reply != "BTC looks choppy this week." {
		t.Fatalf("应返回任务交付物: %q", reply)
	}
	if market.initiated != 1 {
		t.Fatalf("应发起一次市场任务: %d", market.initiated)
	}
	if got := savedRecord(t, b, "item-6"); got.Status != StatusCompleted {
		t.Fatalf("交付后记录应为已完成: %s", got.Status)
	}
}

func TestConfirmPaymentJobFailure(t *testing.T) {
	market := &fakeMarket{
		jobID: "job-2",
		jobs:  []Job{{ID: "job-2", Phase: PhaseFailed}},
	}
	indexer := &fakeIndexer{transfers: []ledger.Transfer{
		{TxHash: "0x1", From: "0xpayer", Amount: big.NewInt(1004217)},
	}}
	b, err := New(testConfig(), market, marketLLM(), indexer, nil, kv.NewMemoryStore())
	if err != nil {
		t.Fatalf("创建协调器失败: %v", err)
	}

	record := &Record{
		ItemID:          "item-7",
		ProviderAddress: "0xaaa",
		Status:          StatusPendingPayment,
		UniquifiedPrice: "1.004217",
		Requirement:     json.RawMessage(`{"topic":"BTC"}`),
	}
	if err := b.records.Save(context.Background(), record); err != nil {
		t.Fatalf("保存任务记录失败: %v", err)
	}

	reply := b.ConfirmPayment(context.Background(), "item-7")
	if !strings.Contains(reply, "failed to complete") {
		t.Fatalf("任务失败的回复不符: %q", reply)
	}
	if got := savedRecord(t, b, "item-7"); got.Status != StatusFailed {
		t.Fatalf("任务失败后记录应为失败: %s", got.Status)
	}
}

func TestConfirmPaymentTerminalStates(t *testing.T) {
	b, err := New(testConfig(), &fakeMarket{}, marketLLM(), &fakeIndexer{}, nil, kv.NewMemoryStore())
	if err != nil {
		t.Fatalf("创建协调器失败: %v", err)
	}

	for _, tc := range []struct {
		status Status
		want   string
	}{
		{StatusCompleted, "already been completed"},
		{StatusFailed, "already failed"},
	} {
		record := &Record{ItemID: "item-" + string(tc.status), Status: tc.status, UniquifiedPrice: "1.000001"}
		if err := b.records.Save(context.Background(), record); err != nil {
			t.Fatalf("保存任务记录失败: %v", err)
		}
		reply := b.ConfirmPayment(context.Background(), record.ItemID)
		if !strings.Contains(reply, tc.want) {
			t.Fatalf("终态 %s 的回复不符: %q", tc.status, reply)
		}
	}
}

func TestSelfServiceFlow(t *testing.T) {
	analyzer := &fakeAnalyzer{answer: "Whale accumulation is up 12% this week."}
	indexer := &fakeIndexer{}
	b, err := New(testConfig(), nil, marketLLM(), indexer, analyzer, kv.NewMemoryStore())
	if err != nil {
		t.Fatalf("创建协调器失败: %v", err)
	}

	quote := b.HandleSelfServiceRequest(context.Background(), "item-8", "how are whales moving?")
	if !strings.Contains(quote, PaymentInstructionsMarker) {
		t.Fatalf("自助报价应包含付款指引标记: %q", quote)
	}

	record := savedRecord(t, b, "item-8")
	if !record.SelfService {
		t.Fatal("自助记录应带自助标记")
	}

	expected, err := ledger.ScaleAmount(record.UniquifiedPrice, 6)
	if err != nil {
		t.Fatalf("换算报价失败: %v", err)
	}
	indexer.transfers = []ledger.Transfer{{TxHash: "0x1", From: "0xpayer", Amount: expected}}

	reply := b.ConfirmPayment(context.Background(), "item-8")
	if reply != analyzer.answer {
		t.Fatalf("自助任务应返回分析结果: %q", reply)
	}
	if got := savedRecord(t, b, "item-8"); got.Status != StatusCompleted {
		t.Fatalf("自助任务交付后记录应为已完成: %s", got.Status)
	}
}

func TestRankProviders(t *testing.T) {
	providers := []Provider{
		{Name: "offline-vet", SuccessfulJobs: 10, Online: false},
		{Name: "online-vet", SuccessfulJobs: 10, Online: true},
		{Name: "rookie", SuccessfulJobs: 0, Online: true},
		{Name: "star", SuccessfulJobs: 99, Online: false},
	}
	ranked := RankProviders(providers)
	want := []string{"star", "online-vet", "offline-vet", "rookie"}
	for i, name := range want {
		if ranked[i].Name != name {
			t.Fatalf("排序第 %d 位应为 %s, got %s", i, name, ranked[i].Name)
		}
	}
}
