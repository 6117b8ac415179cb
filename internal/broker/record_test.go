package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"OpenACP-Chain/internal/storage/kv"
)

func TestCanAdvance(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPendingPayment, StatusPaid, true},
		{StatusPendingPayment, StatusFailed, true},
		{StatusPaid, StatusCompleted, true},
		{StatusPaid, StatusFailed, true},
		{StatusPendingPayment, StatusCompleted, false},
		{StatusPaid, StatusPendingPayment, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusPendingPayment, false},
	}
	for _, tc := range cases {
		if got := CanAdvance(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanAdvance(%s, %s) = %v, 期望 %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestRecordStoreRoundTrip(t *testing.T) {
	store := newRecordStore(kv.NewMemoryStore(), time.Hour)
	ctx := context.Background()

	record := &Record{
		ItemID:          "item-1",
		ProviderAddress: "0xabc",
		ProviderName:    "analyst",
		OfferingType:    "report",
		BasePrice:       1.0,
		UniquifiedPrice: "1.004217",
		Status:          StatusPendingPayment,
	}
	if err := store.Save(ctx, record); err != nil {
		t.Fatalf("保存任务记录失败: %v", err)
	}

	loaded, err := store.Get(ctx, "item-1")
	if err != nil {
		t.Fatalf("读取任务记录失败: %v", err)
	}
	if loaded.UniquifiedPrice != "1.004217" || loaded.Status != StatusPendingPayment {
		t.Fatalf("记录内容不符: %+v", loaded)
	}
	if loaded.CreatedAt == 0 {
		t.Fatal("保存时应补齐创建时间")
	}
}

func TestRecordStoreGetMissing(t *testing.T) {
	store := newRecordStore(kv.NewMemoryStore(), time.Hour)
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("期望 ErrRecordNotFound，得到 %v", err)
	}
}

func TestRecordStoreAdvance(t *testing.T) {
	store := newRecordStore(kv.NewMemoryStore(), time.Hour)
	ctx := context.Background()

	record := &Record{ItemID: "item-2", Status: StatusPendingPayment, UniquifiedPrice: "0.105001"}
	if err := store.Save(ctx, record); err != nil {
		t.Fatalf("保存任务记录失败: %v", err)
	}

	if err := store.Advance(ctx, record, StatusCompleted); err == nil {
		t.Fatal("待付款记录不应直接完成")
	}
	if err := store.Advance(ctx, record, StatusPaid); err != nil {
		t.Fatalf("推进到已付款失败: %v", err)
	}
	if record.Status != StatusPaid {
		t.Fatalf("内存记录未同步状态: %s", record.Status)
	}

	loaded, err := store.Get(ctx, "item-2")
	if err != nil {
		t.Fatalf("读取任务记录失败: %v", err)
	}
	if loaded.Status != StatusPaid {
		t.Fatalf("持久化状态不符: %s", loaded.Status)
	}
}

func TestRecordStoreAdvanceStale(t *testing.T) {
	store := newRecordStore(kv.NewMemoryStore(), time.Hour)
	ctx := context.Background()

	record := &Record{ItemID: "item-3", Status: StatusPendingPayment, UniquifiedPrice: "0.105001"}
	if err := store.Save(ctx, record); err != nil {
		t.Fatalf("保存任务记录失败: %v", err)
	}

	stale := *record
	if err := store.Advance(ctx, record, StatusPaid); err != nil {
		t.Fatalf("推进到已付款失败: %v", err)
	}
	// 持有过期快照的一方 CAS 应当失败。
	if err := store.Advance(ctx, &stale, StatusFailed); err == nil {
		t.Fatal("过期快照的推进应当失败")
	}
}
