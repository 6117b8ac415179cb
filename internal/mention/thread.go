package mention

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"

	"OpenACP-Chain/internal/social"
	"OpenACP-Chain/internal/storage/kv"
	"OpenACP-Chain/internal/storage/mysql"
)

const (
	defaultThreadDepth = 12
	itemCachePrefix    = "item:"
)

// Thread 是围绕一条入站内容重建出的会话上下文。
// 条目按平台 ID 升序排列，近似时间顺序。
type Thread struct {
	// Focus 是触发处理的那条内容。
	Focus *social.Item
	// Items 包含 Focus 及其祖先链上取到的所有内容。
	Items []*social.Item
	// Parent 是 Focus 的直接父条目，没有则为 nil。
	Parent *social.Item
}

// RootID 返回会话根条目的 ID。付费任务记录以它为键，
// 同一会话内的付款确认据此找回原始报价。
func (t *Thread) RootID() string {
	if len(t.Items) == 0 {
		if t.Focus != nil {
			return t.Focus.ID
		}
		return ""
	}
	return t.Items[0].ID
}

// Render 把会话渲染为提示词里使用的纯文本形式。
func (t *Thread) Render() string {
	var sb strings.Builder
	for _, item := range t.Items {
		sb.WriteString("@")
		sb.WriteString(item.AuthorHandle)
		sb.WriteString(": ")
		sb.WriteString(item.Text)
		if item.QuotedText != "" {
			sb.WriteString("\n  [quoting] ")
			sb.WriteString(item.QuotedText)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// ThreadBuilder 沿父引用回溯重建会话。
// items 非空时，链上新发现的条目会以 SetNX 落一条不可变快照，
// 同一条目只会写入一次，后续回溯优先读快照、少打平台接口。
type ThreadBuilder struct {
	client   social.Client
	delivery mysql.DeliveryRepository
	items    kv.Store
	maxDepth int
	log      *slog.Logger
}

// NewThreadBuilder 创建会话重建器。maxDepth 非正时使用默认深度，items 允许为空。
func NewThreadBuilder(client social.Client, delivery mysql.DeliveryRepository, items kv.Store, maxDepth int, log *slog.Logger) *ThreadBuilder {
	if maxDepth <= 0 {
		maxDepth = defaultThreadDepth
	}
	return &ThreadBuilder{
		client:   client,
		delivery: delivery,
		items:    items,
		maxDepth: maxDepth,
		log:      log,
	}
}

// Build 从 focus 出发回溯祖先链。遍历使用显式工作队列和已访问集合，
// 循环引用和重复父指针都会终止；达到深度上限或遇到已回复过的条目时停止回溯。
func (b *ThreadBuilder) Build(ctx context.Context, focus *social.Item) (*Thread, error) {
	visited := map[string]*social.Item{focus.ID: focus}
	worklist := []string{}
	if focus.ParentID != "" {
		worklist = append(worklist, focus.ParentID)
	}

	var parent *social.Item
	for depth := 0; len(worklist) > 0 && depth < b.maxDepth; depth++ {
		id := worklist[0]
		worklist = worklist[1:]
		if _, ok := visited[id]; ok {
			continue
		}

		item := b.cachedItem(ctx, id)
		if item == nil {
			fetched, err := b.client.FetchItem(ctx, id)
			if err != nil {
				b.log.Warn("拉取父条目失败，会话截断", "item_id", id, "error", err)
				break
			}
			if fetched == nil {
				// 已删除或不可见，从这里截断。
				break
			}
			item = fetched
			b.cacheItem(ctx, item)
		}
		visited[id] = item
		if id == focus.ParentID {
			parent = item
		}

		// 已经回复过的条目之前的历史不会再影响决策。
		if b.delivery != nil {
			delivered, err := b.delivery.Delivered(ctx, item.ID)
			if err != nil {
				b.log.Warn("查询回复记录失败", "item_id", item.ID, "error", err)
			} else if delivered {
				break
			}
		}

		if item.ParentID != "" {
			worklist = append(worklist, item.ParentID)
		}
	}

	items := make([]*social.Item, 0, len(visited))
	for _, item := range visited {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })

	return &Thread{Focus: focus, Items: items, Parent: parent}, nil
}

func (b *ThreadBuilder) cachedItem(ctx context.Context, id string) *social.Item {
	if b.items == nil {
		return nil
	}
	raw, err := b.items.Get(ctx, itemCachePrefix+id)
	if err != nil {
		return nil
	}
	var item social.Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil
	}
	return &item
}

// cacheItem 对新发现的条目做一次幂等落库。条目本身不可变，
// 所以写失败只降级为下次重新拉取，不影响会话重建。
func (b *ThreadBuilder) cacheItem(ctx context.Context, item *social.Item) {
	if b.items == nil {
		return
	}
	raw, err := json.Marshal(item)
	if err != nil {
		return
	}
	if _, err := b.items.SetNX(ctx, itemCachePrefix+item.ID, raw, 0); err != nil {
		b.log.Warn("写入条目快照失败", "item_id", item.ID, "error", err)
	}
}
