package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/IMBotPlatform/IMBotAssist/pkg/kvstore"
)

type stepClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.t
	c.t = c.t.Add(c.step)
	return now
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%04d", g.n)
}

func newTestStore(t *testing.T, step time.Duration) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	kv := kvstore.NewRedisStore(kvstore.RedisOptions{Addr: mr.Addr()})
	t.Cleanup(func() { _ = kv.Close() })

	clock := &stepClock{t: time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC), step: step}
	ids := &seqIDs{}
	store := NewStore(kv, time.Hour,
		WithClock(clock.Now),
		WithIDGenerator(ids.Next),
		WithModel("test-model"),
	)
	return store, mr
}

func TestResolveActiveConversationCreatesOnce(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t, time.Millisecond)

	id, err := store.ResolveActiveConversation(ctx, "0xabc", "How do I mint a plant?")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	again, err := store.ResolveActiveConversation(ctx, "0xabc", "something else")
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if again != id {
		t.Fatalf("second resolve created a new conversation: %s vs %s", again, id)
	}

	conv, err := store.GetConversation(ctx, id)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if conv.Title != "Minting plants" || conv.OwnerIdentity != "0xabc" || conv.Model != "test-model" {
		t.Fatalf("unexpected conversation %+v", conv)
	}

	members, _ := mr.Members(conversationIndexKey)
	if len(members) != 1 || members[0] != conversationKey("0xabc", id) {
		t.Fatalf("index = %v", members)
	}
	if ttl := mr.TTL(activePointerKey("0xabc")); ttl != time.Hour {
		t.Fatalf("pointer ttl = %v, want retention", ttl)
	}
}

func TestResolveSequentialCallsKeepOnePointerPerIdentity(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t, time.Millisecond)

	identities := []string{"0xa", "0xb", "0xa", "0xc", "0xb", "0xa"}
	seen := map[string]string{}
	for _, identity := range identities {
		id, err := store.ResolveActiveConversation(ctx, identity, "hello")
		if err != nil {
			t.Fatalf("resolve %s: %v", identity, err)
		}
		if prev, ok := seen[identity]; ok && prev != id {
			t.Fatalf("identity %s switched conversation %s -> %s", identity, prev, id)
		}
		seen[identity] = id
	}

	members, _ := mr.Members(conversationIndexKey)
	if len(members) != 3 {
		t.Fatalf("expected one conversation per identity, index = %v", members)
	}
	for identity, id := range seen {
		got, err := mr.Get(activePointerKey(identity))
		if err != nil || got != id {
			t.Fatalf("pointer for %s = %q, %v", identity, got, err)
		}
	}
}

func TestAppendAndGetMessagesRoundTrip(t *testing.T) {
	ctx := context.Background()
	// frozen clock: every message lands in the same millisecond
	store, _ := newTestStore(t, 0)

	convID, err := store.ResolveActiveConversation(ctx, "0xabc", "hi")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	var appended []Message
	for i, typ := range []MessageType{MessageTypeUser, MessageTypeAssistant, MessageTypeUser} {
		msg, err := store.AppendMessage(ctx, "0xabc", convID, fmt.Sprintf("  message %d  ", i), typ, 10*i)
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		appended = append(appended, msg)
	}

	got, err := store.GetMessages(ctx, convID, 10)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(got) != len(appended) {
		t.Fatalf("got %d messages, want %d", len(got), len(appended))
	}
	for i := range appended {
		if got[i].ID != appended[i].ID ||
			got[i].Content != appended[i].Content ||
			got[i].Type != appended[i].Type ||
			!got[i].Timestamp.Equal(appended[i].Timestamp) {
			t.Fatalf("message %d mismatch:\n got  %+v\n want %+v", i, got[i], appended[i])
		}
	}
	if got[0].Content != "message 0" {
		t.Fatalf("content should be trimmed, got %q", got[0].Content)
	}
}

func TestGetMessagesLimitReturnsNewestOldestFirst(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t, time.Millisecond)

	convID, _ := store.ResolveActiveConversation(ctx, "0xabc", "hi")
	for i := 0; i < 5; i++ {
		if _, err := store.AppendMessage(ctx, "0xabc", convID, fmt.Sprintf("m%d", i), MessageTypeUser, 0); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := store.GetMessages(ctx, convID, 2)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 2 || got[0].Content != "m3" || got[1].Content != "m4" {
		t.Fatalf("unexpected window %+v", got)
	}
	all, _ := store.GetMessages(ctx, convID, 0)
	if len(all) != 5 {
		t.Fatalf("limit 0 should return everything, got %d", len(all))
	}
}

func TestAppendMessageUpdatesConversationMetadata(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t, time.Millisecond)

	convID, _ := store.ResolveActiveConversation(ctx, "0xabc", "hi")
	if _, err := store.AppendMessage(ctx, "0xabc", convID, "q", MessageTypeUser, 0); err != nil {
		t.Fatalf("append user: %v", err)
	}
	last, err := store.AppendMessage(ctx, "0xabc", convID, "a", MessageTypeAssistant, 42,
		WithMessageModel("test-model"), WithTruncated(true))
	if err != nil {
		t.Fatalf("append assistant: %v", err)
	}

	conv, err := store.GetConversation(ctx, convID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if conv.MessageCount != 2 || conv.TotalTokens != 42 {
		t.Fatalf("metadata = %+v", conv)
	}
	if !conv.LastMessageAt.Equal(last.Timestamp) {
		t.Fatalf("lastMessageAt = %v, want %v", conv.LastMessageAt, last.Timestamp)
	}
	if !last.Truncated || last.Model != "test-model" {
		t.Fatalf("message options not applied: %+v", last)
	}
}

func seedLegacyMessage(t *testing.T, mr *miniredis.Miniredis, convID string, ts int64, id, content string) {
	t.Helper()
	msg := Message{
		ID:             id,
		ConversationID: convID,
		OwnerIdentity:  "0xabc",
		Type:           MessageTypeUser,
		Content:        content,
		Timestamp:      time.UnixMilli(ts).UTC(),
	}
	data, _ := json.Marshal(msg)
	if err := mr.Set(messageKey(convID, ts, id), string(data)); err != nil {
		t.Fatalf("seed legacy message: %v", err)
	}
}

func TestGetMessagesRepairsLegacyKeysIdempotently(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t, time.Millisecond)

	// inserted out of order on purpose
	seedLegacyMessage(t, mr, "legacy", 3000, "c", "third")
	seedLegacyMessage(t, mr, "legacy", 1000, "a", "first")
	seedLegacyMessage(t, mr, "legacy", 2000, "b", "second")

	first, err := store.GetMessages(ctx, "legacy", 10)
	if err != nil {
		t.Fatalf("first read: %v", err)
	}
	if len(first) != 3 || first[0].Content != "first" || first[2].Content != "third" {
		t.Fatalf("legacy reconstruction out of order: %+v", first)
	}
	list, _ := mr.List(orderKey("legacy"))
	if len(list) != 3 {
		t.Fatalf("order list not backfilled: %v", list)
	}
	if mr.Exists(migrationLockKey("legacy")) {
		t.Fatalf("migration lock should be released")
	}

	// a stray legacy key written after the backfill is not in the list, so the
	// second read proves it is served from the list
	seedLegacyMessage(t, mr, "legacy", 4000, "d", "stray")

	second, err := store.GetMessages(ctx, "legacy", 10)
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if len(second) != len(first) {
		t.Fatalf("second read differs: %d vs %d", len(second), len(first))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Fatalf("message %d differs between reads", i)
		}
	}
}

func TestLegacyRepairConcurrentReadersDoNotDuplicate(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t, time.Millisecond)
	for i := 0; i < 4; i++ {
		seedLegacyMessage(t, mr, "legacy", int64(1000+i), fmt.Sprintf("m%d", i), "x")
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msgs, err := store.GetMessages(ctx, "legacy", 0)
			if err != nil {
				t.Errorf("get: %v", err)
				return
			}
			if len(msgs) != 4 {
				t.Errorf("reader saw %d messages", len(msgs))
			}
		}()
	}
	wg.Wait()

	list, _ := mr.List(orderKey("legacy"))
	if len(list) != 4 {
		t.Fatalf("order list duplicated under concurrent repair: %d entries", len(list))
	}
}

func TestAppendAdoptsLegacyKeysWhenHistoryWasNeverRead(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t, time.Millisecond)
	seedLegacyMessage(t, mr, "legacy", 2000, "b", "second")
	seedLegacyMessage(t, mr, "legacy", 1000, "a", "first")

	// no GetMessages before the append, as when the history read fails open
	appended, err := store.AppendMessage(ctx, "0xabc", "legacy", "new question", MessageTypeUser, 0)
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	msgs, err := store.GetMessages(ctx, "legacy", 0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(msgs) != 3 || msgs[0].Content != "first" || msgs[1].Content != "second" || msgs[2].ID != appended.ID {
		t.Fatalf("legacy keys should precede the new message: %+v", msgs)
	}
}

func TestBackfillKeepsConcurrentAppendAtTail(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t, time.Millisecond)
	seedLegacyMessage(t, mr, "legacy", 1000, "a", "first")
	seedLegacyMessage(t, mr, "legacy", 2000, "b", "second")
	legacy := []string{messageKey("legacy", 1000, "a"), messageKey("legacy", 2000, "b")}

	// an append landed after the reader saw an empty list but before it took the lock
	fresh := messageKey("legacy", 9000, "z")
	if _, err := mr.RPush(orderKey("legacy"), fresh); err != nil {
		t.Fatalf("rpush: %v", err)
	}
	store.backfillOrder(ctx, "legacy", legacy)
	store.backfillOrder(ctx, "legacy", legacy)

	list, _ := mr.List(orderKey("legacy"))
	if len(list) != 3 || list[0] != legacy[0] || list[1] != legacy[1] || list[2] != fresh {
		t.Fatalf("order list = %v", list)
	}
}

func TestDeleteConversationCascades(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t, time.Millisecond)

	convID, _ := store.ResolveActiveConversation(ctx, "0xabc", "hi")
	for i := 0; i < 3; i++ {
		if _, err := store.AppendMessage(ctx, "0xabc", convID, "m", MessageTypeUser, 1); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	// plus one legacy key that never made it into the list
	seedLegacyMessage(t, mr, convID, 1, "legacy", "old")

	if !store.DeleteConversation(ctx, convID) {
		t.Fatalf("delete reported failure")
	}

	msgs, err := store.GetMessages(ctx, convID, 10)
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("messages survived delete: %+v", msgs)
	}
	if keys := mr.Keys(); len(keys) != 0 {
		t.Fatalf("keys left behind: %v", keys)
	}
	if _, err := store.GetConversation(ctx, convID); err != ErrConversationNotFound {
		t.Fatalf("conversation still resolvable: %v", err)
	}
	if store.DeleteConversation(ctx, convID) {
		t.Fatalf("deleting an unknown conversation should return false")
	}
}

func TestDeleteConversationKeepsNewerPointer(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t, time.Millisecond)

	first, _ := store.ResolveActiveConversation(ctx, "0xabc", "hi")
	// simulate the duplicate-creation race: a second conversation took over the pointer
	mr.Del(activePointerKey("0xabc"))
	second, _ := store.ResolveActiveConversation(ctx, "0xabc", "hi again")

	if !store.DeleteConversation(ctx, first) {
		t.Fatalf("delete failed")
	}
	got, err := mr.Get(activePointerKey("0xabc"))
	if err != nil || got != second {
		t.Fatalf("pointer to the newer conversation was removed: %q, %v", got, err)
	}
}

func TestListConversationsSortsAndPrunes(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t, time.Millisecond)

	a, _ := store.ResolveActiveConversation(ctx, "0xa", "hi")
	b, _ := store.ResolveActiveConversation(ctx, "0xb", "hi")
	if _, err := store.AppendMessage(ctx, "0xa", a, "later", MessageTypeUser, 0); err != nil {
		t.Fatalf("append: %v", err)
	}
	// a record that expired while its index entry survived
	if _, err := mr.SAdd(conversationIndexKey, conversationKey("0xgone", "gone")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	convs, err := store.ListConversations(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(convs) != 2 || convs[0].ID != a || convs[1].ID != b {
		t.Fatalf("unexpected order: %+v", convs)
	}
	if ok, _ := mr.SIsMember(conversationIndexKey, conversationKey("0xgone", "gone")); ok {
		t.Fatalf("stale index member not pruned")
	}
}

func TestStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t, time.Millisecond)
	convID, _ := store.ResolveActiveConversation(ctx, "0xabc", "hi")
	mr.Close()

	if _, err := store.ResolveActiveConversation(ctx, "0xdef", "hi"); err == nil {
		t.Fatalf("resolve should fail when the store is down")
	}
	if _, err := store.GetMessages(ctx, convID, 5); err == nil {
		t.Fatalf("get messages should fail when the store is down")
	}
	if store.DeleteConversation(ctx, convID) {
		t.Fatalf("delete should report failure when the store is down")
	}
}
