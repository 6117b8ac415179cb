package mention

import (
	"context"
	"time"
)

// Policy 描述指数退避重试策略。
type Policy struct {
	// Base 是首次重试前的等待时间。
	Base time.Duration
	// Max 是单次等待时间的上限。
	Max time.Duration
	// MaxAttempts 是总尝试次数上限，非正数表示不限次数。
	MaxAttempts int
}

// DefaultPolicy 是生成类调用的默认策略：不限次数，由上层 context 控制总时长。
var DefaultPolicy = Policy{
	Base: 2 * time.Second,
	Max:  time.Minute,
}

// Do 反复执行 fn 直到成功、context 取消或次数用尽。
// 每次失败后等待时间翻倍，封顶于 Max。返回最后一次的错误。
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	wait := p.Base
	if wait <= 0 {
		wait = time.Second
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return lastErr
		}

		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(wait):
		}
		wait *= 2
		if p.Max > 0 && wait > p.Max {
			wait = p.Max
		}
	}
}
