package mention

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPolicyStopsAfterMaxAttempts(t *testing.T) {
	calls := 0
	policy := Policy{Base: time.Millisecond, Max: time.Millisecond, MaxAttempts: 3}
	err := policy.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("boom")
	})
	if err == nil {
		t.Fatal("次数用尽后应返回最后一次错误")
	}
	if calls != 3 {
		t.Fatalf("尝试次数不符: %d", calls)
	}
}

func TestPolicySucceedsMidway(t *testing.T) {
	calls := 0
	policy := Policy{Base: time.Millisecond, Max: time.Millisecond, MaxAttempts: 5}
	err := policy.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("应在第三次成功: %v", err)
	}
	if calls != 3 {
		t.Fatalf("尝试次数不符: %d", calls)
	}
}

func TestPolicyHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	policy := Policy{Base: time.Hour}
	done := make(chan error, 1)
	go func() {
		done <- policy.Do(ctx, func(context.Context) error {
			calls++
			return errors.New("boom")
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("取消后应返回错误")
		}
	case <-time.After(time.Second):
		t.Fatal("取消后应立即退出")
	}
	if calls != 1 {
		t.Fatalf("取消前应只尝试一次: %d", calls)
	}
}
