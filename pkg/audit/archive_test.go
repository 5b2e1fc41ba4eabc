package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestArchiveRecordAndRecent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.db")
	archive, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer archive.Close()

	ctx := context.Background()
	created := time.UnixMilli(1_700_000_000_000)
	entries := []Entry{
		{ConversationID: "c1", Identity: "0xabc", Backend: "anthropic", Model: "m", Question: "q1", Answer: "a1", TokensUsed: 100, DispatchDuration: 1500 * time.Millisecond, CreatedAt: created},
		{ConversationID: "c2", Identity: "0xdef", Backend: "anthropic", Model: "m", Question: "q2", Answer: "sorry", Fallback: true, CreatedAt: created},
		{ConversationID: "c1", Identity: "0xabc", Backend: "anthropic", Model: "m", Question: "q3", Answer: "a3", Truncated: true, CreatedAt: created},
	}
	for _, e := range entries {
		if _, err := archive.Record(ctx, e); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	all, err := archive.Recent(ctx, "", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(all) != 3 || all[0].Question != "q3" || !all[0].Truncated {
		t.Fatalf("recent should be newest first: %+v", all)
	}
	if !all[1].Fallback {
		t.Fatalf("fallback flag lost: %+v", all[1])
	}

	mine, err := archive.Recent(ctx, "0xabc", 1)
	if err != nil {
		t.Fatalf("recent by identity: %v", err)
	}
	if len(mine) != 1 || mine[0].Question != "q3" {
		t.Fatalf("filtered recent = %+v", mine)
	}

	oldest, _ := archive.Recent(ctx, "0xabc", 2)
	if got := oldest[1]; got.DispatchDuration != 1500*time.Millisecond || !got.CreatedAt.Equal(created) || got.TokensUsed != 100 {
		t.Fatalf("round trip = %+v", got)
	}
}

func TestArchiveReopenKeepsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	first, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := first.Record(context.Background(), Entry{ConversationID: "c", Identity: "i", Backend: "b", Model: "m", Question: "q", Answer: "a"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	first.Close()

	second, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	got, err := second.Recent(context.Background(), "", 0)
	if err != nil || len(got) != 1 {
		t.Fatalf("entries after reopen = %v, %v", got, err)
	}
}
