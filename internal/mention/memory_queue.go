package mention

import (
	"context"
	"errors"
	"sync"
)

// MemoryQueue 基于 channel 的进程内队列，单实例部署与测试时使用。
type MemoryQueue struct {
	mu     sync.Mutex
	ch     chan string
	closed bool
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan string, size)}
}

// Publish 将内容 ID 写入队列，队列关闭后返回错误。
func (q *MemoryQueue) Publish(ctx context.Context, itemID string) error {
	if q.isClosed() {
		return errors.New("队列已关闭")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- itemID:
		return nil
	}
}

// Consume 启动 workerCount 个协程消费队列，直到 ctx 取消。
// 需要严格按序处理时把 workerCount 设为 1。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			defer wg.Done()
			q.drain(ctx, handler)
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

func (q *MemoryQueue) drain(ctx context.Context, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case itemID, ok := <-q.ch:
			if !ok {
				return
			}
			_ = handler(ctx, itemID)
		}
	}
}

// Close 关闭内存队列，随后的 Publish 均失败。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	return nil
}

func (q *MemoryQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

var _ Queue = (*MemoryQueue)(nil)
