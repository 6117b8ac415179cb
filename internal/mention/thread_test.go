package mention

import (
	"context"
	"testing"

	"OpenACP-Chain/internal/social"
	"OpenACP-Chain/internal/storage/kv"
	"OpenACP-Chain/internal/storage/mysql"
	"OpenACP-Chain/pkg/logger"
)

type fakeSocial struct {
	items     map[string]*social.Item
	mentions  []social.Item
	timeline  []social.Item
	posted    []string
	postErr   error
	fetches   int
	fetchErrs int
}

func (f *fakeSocial) FetchMentions(context.Context, string, int) ([]social.Item, error) {
	return f.mentions, nil
}

func (f *fakeSocial) FetchItem(_ context.Context, id string) (*social.Item, error) {
	f.fetches++
	item, ok := f.items[id]
	if !ok {
		return nil, nil
	}
	return item, nil
}

func (f *fakeSocial) FetchTimeline(context.Context, string, int) ([]social.Item, error) {
	return f.timeline, nil
}

func (f *fakeSocial) Post(_ context.Context, text, _ string) (social.PostResult, error) {
	if f.postErr != nil {
		f.fetchErrs++
		return social.PostResult{}, f.postErr
	}
	f.posted = append(f.posted, text)
	return social.PostResult{ID: "post-1"}, nil
}

func newTestDelivery(t *testing.T) *mysql.MemoryDeliveryRepository {
	t.Helper()
	repo, err := mysql.NewMemoryDeliveryRepository(t.TempDir())
	if err != nil {
		t.Fatalf("创建回复仓库失败: %v", err)
	}
	return repo
}

func TestThreadBuilderWalksAncestors(t *testing.T) {
	client := &fakeSocial{items: map[string]*social.Item{
		"1": {ID: "1", AuthorHandle: "alice", Text: "root"},
		"2": {ID: "2", AuthorHandle: "agent", Text: "reply", ParentID: "1"},
	}}
	focus := &social.Item{ID: "3", AuthorHandle: "alice", Text: "follow up", ParentID: "2"}

	builder := NewThreadBuilder(client, newTestDelivery(t), nil, 0, logger.Named("test"))
	thread, err := builder.Build(context.Background(), focus)
	if err != nil {
		t.Fatalf("重建会话失败: %v", err)
	}

	if len(thread.Items) != 3 {
		t.Fatalf("会话条数不符: %d", len(thread.Items))
	}
	if thread.RootID() != "1" {
		t.Fatalf("会话根不符: %s", thread.RootID())
	}
	if thread.Parent == nil || thread.Parent.ID != "2" {
		t.Fatalf("父条目不符: %+v", thread.Parent)
	}
	// 升序排列，近似时间顺序。
	for i, want := range []string{"1", "2", "3"} {
		if thread.Items[i].ID != want {
			t.Fatalf("第 %d 条应为 %s, got %s", i, want, thread.Items[i].ID)
		}
	}
}

func TestThreadBuilderTerminatesOnCycle(t *testing.T) {
	client := &fakeSocial{items: map[string]*social.Item{
		"1": {ID: "1", Text: "a", ParentID: "2"},
		"2": {ID: "2", Text: "b", ParentID: "1"},
	}}
	focus := &social.Item{ID: "3", Text: "c", ParentID: "1"}

	builder := NewThreadBuilder(client, newTestDelivery(t), nil, 0, logger.Named("test"))
	thread, err := builder.Build(context.Background(), focus)
	if err != nil {
		t.Fatalf("循环引用的会话应正常终止: %v", err)
	}
	if len(thread.Items) != 3 {
		t.Fatalf("会话条数不符: %d", len(thread.Items))
	}
}

func TestThreadBuilderRespectsDepthBound(t *testing.T) {
	items := map[string]*social.Item{}
	for i := 1; i <= 50; i++ {
		id := itemID(i)
		parent := ""
		if i > 1 {
			parent = itemID(i - 1)
		}
		items[id] = &social.Item{ID: id, Text: "x", ParentID: parent}
	}
	client := &fakeSocial{items: items}
	focus := &social.Item{ID: itemID(51), Text: "x", ParentID: itemID(50)}

	builder := NewThreadBuilder(client, newTestDelivery(t), nil, 5, logger.Named("test"))
	thread, err := builder.Build(context.Background(), focus)
	if err != nil {
		t.Fatalf("重建会话失败: %v", err)
	}
	if len(thread.Items) > 6 {
		t.Fatalf("会话深度超出上限: %d", len(thread.Items))
	}
}

func TestThreadBuilderStopsAtDeliveredItem(t *testing.T) {
	client := &fakeSocial{items: map[string]*social.Item{
		"1": {ID: "1", Text: "ancient"},
		"2": {ID: "2", Text: "answered", ParentID: "1"},
	}}
	delivery := newTestDelivery(t)
	if err := delivery.Record(context.Background(), mysql.DeliveryRecord{
		PostID: "p", SourceID: "2", Text: "old reply", CreatedAt: 1,
	}); err != nil {
		t.Fatalf("写入回复记录失败: %v", err)
	}

	focus := &social.Item{ID: "3", Text: "new", ParentID: "2"}
	builder := NewThreadBuilder(client, delivery, nil, 0, logger.Named("test"))
	thread, err := builder.Build(context.Background(), focus)
	if err != nil {
		t.Fatalf("重建会话失败: %v", err)
	}
	// 已回复的条目之前的历史不再回溯。
	if len(thread.Items) != 2 {
		t.Fatalf("会话应在已回复条目处截断: %d", len(thread.Items))
	}
}

func TestThreadBuilderRecordsDiscoveredItemsOnce(t *testing.T) {
	client := &fakeSocial{items: map[string]*social.Item{
		"1": {ID: "1", AuthorHandle: "alice", Text: "root"},
		"2": {ID: "2", AuthorHandle: "agent", Text: "reply", ParentID: "1"},
	}}
	store := kv.NewMemoryStore()
	builder := NewThreadBuilder(client, newTestDelivery(t), store, 0, logger.Named("test"))
	focus := &social.Item{ID: "3", AuthorHandle: "alice", Text: "follow up", ParentID: "2"}

	if _, err := builder.Build(context.Background(), focus); err != nil {
		t.Fatalf("重建会话失败: %v", err)
	}
	if client.fetches != 2 {
		t.Fatalf("首次重建应拉取两个祖先: %d", client.fetches)
	}
	for _, key := range []string{"item:1", "item:2"} {
		if _, err := store.Get(context.Background(), key); err != nil {
			t.Fatalf("祖先条目应落一条快照 %s: %v", key, err)
		}
	}

	// 第二次重建直接命中快照，不再访问平台。
	thread, err := builder.Build(context.Background(), focus)
	if err != nil {
		t.Fatalf("重建会话失败: %v", err)
	}
	if client.fetches != 2 {
		t.Fatalf("快照命中时不应重复拉取: %d", client.fetches)
	}
	if len(thread.Items) != 3 {
		t.Fatalf("会话条数不符: %d", len(thread.Items))
	}
}

func itemID(n int) string {
	return string(rune('a'+n/26)) + string(rune('a'+n%26))
}
