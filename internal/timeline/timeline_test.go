package timeline

import (
	"testing"
	"time"

	"github.com/wavelink-chat/wavelink/internal/models"
)

func directMsg(id, chatID, senderID int, clientID, content string, at time.Time) models.Message {
	return models.Message{
		ID:        id,
		ChatID:    &chatID,
		SenderID:  senderID,
		ClientID:  clientID,
		Content:   content,
		Status:    "sent",
		CreatedAt: at,
	}
}

func TestTimeLabelBoundaries(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	clock := func(ts time.Time) string { return ts.Local().Format("3:04 PM") }
	date := func(ts time.Time) string { return ts.Local().Format("Jan 2") }

	tests := []struct {
		name string
		age  time.Duration
		want func(time.Time) string
	}{
		{"now", 0, clock},
		{"just under 24h", 23*time.Hour + 59*time.Minute, clock},
		{"exactly 24h", 24 * time.Hour, func(time.Time) string { return "Yesterday" }},
		{"just over 24h", 24*time.Hour + time.Minute, func(time.Time) string { return "Yesterday" }},
		{"just under 48h", 47*time.Hour + 59*time.Minute, func(time.Time) string { return "Yesterday" }},
		{"exactly 48h", 48 * time.Hour, date},
		{"just over 48h", 48*time.Hour + time.Minute, date},
		{"ten days", 10 * 24 * time.Hour, date},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := now.Add(-tt.age)
			got := TimeLabel(ts, now)
			if want := tt.want(ts); got != want {
				t.Errorf("TimeLabel(now-%v) = %q, want %q", tt.age, got, want)
			}
		})
	}
}

func TestOptimisticAppendSuppressesEcho(t *testing.T) {
	v := NewView(1, models.DirectRef(7))
	now := time.Now()

	sent := directMsg(10, 7, 1, "client-uuid-1", "hello", now)
	v.AppendLocal(sent)

	if v.Len() != 1 {
		t.Fatalf("Expected 1 message after AppendLocal, got %d", v.Len())
	}

	// The stream is scoped by conversation, not sender, so the sender's own
	// insert comes back. Each echo variant must be suppressed.
	echoes := []struct {
		name string
		msg  models.Message
	}{
		{"full echo", sent},
		{"echo matched by client id", directMsg(11, 7, 1, "client-uuid-1", "hello", now)},
		{"echo matched by server id", directMsg(10, 7, 1, "", "hello", now)},
		{"self echo without ids", directMsg(0, 7, 1, "", "hello again", now)},
	}

	for _, tt := range echoes {
		t.Run(tt.name, func(t *testing.T) {
			if v.ApplyRemote(tt.msg) {
				t.Error("Expected echo to be suppressed")
			}
		})
	}

	if v.Len() != 1 {
		t.Errorf("Expected exactly 1 entry after echoes, got %d", v.Len())
	}
}

func TestRemoteInsertFromOtherSender(t *testing.T) {
	v := NewView(1, models.DirectRef(7))
	now := time.Now()

	incoming := directMsg(20, 7, 2, "", "hi there", now)
	if !v.ApplyRemote(incoming) {
		t.Fatal("Expected event from other sender to append")
	}
	if v.ApplyRemote(incoming) {
		t.Error("Expected replayed event to be suppressed")
	}
	if v.Len() != 1 {
		t.Errorf("Expected 1 message, got %d", v.Len())
	}
}

func TestRemoteEventForOtherConversationIgnored(t *testing.T) {
	v := NewView(1, models.DirectRef(7))

	other := directMsg(30, 8, 2, "", "wrong room", time.Now())
	if v.ApplyRemote(other) {
		t.Error("Expected event scoped to another conversation to be ignored")
	}

	group := models.Message{ID: 31, SenderID: 2, Content: "group", CreatedAt: time.Now()}
	gid := 7
	group.GroupID = &gid
	if v.ApplyRemote(group) {
		t.Error("Expected group event to be ignored by a direct view")
	}
}

func TestApplyHistorySortsAndReplaces(t *testing.T) {
	v := NewView(1, models.DirectRef(7))
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	v.AppendLocal(directMsg(99, 7, 1, "", "stale", base))

	history := []models.Message{
		directMsg(3, 7, 2, "", "third", base.Add(2*time.Minute)),
		directMsg(1, 7, 1, "", "first", base),
		directMsg(2, 7, 2, "", "second", base.Add(time.Minute)),
		// Same timestamp as id 2: tie broken by id
		directMsg(4, 7, 1, "", "tied", base.Add(time.Minute)),
	}

	if !v.ApplyHistory(v.Generation(), history) {
		t.Fatal("Expected history with current generation to apply")
	}

	msgs := v.Messages()
	wantOrder := []int{1, 2, 4, 3}
	if len(msgs) != len(wantOrder) {
		t.Fatalf("Expected %d messages, got %d", len(wantOrder), len(msgs))
	}
	for i, want := range wantOrder {
		if msgs[i].ID != want {
			t.Errorf("Position %d: got message %d, want %d", i, msgs[i].ID, want)
		}
	}
}

func TestApplyHistoryStaleGenerationDiscarded(t *testing.T) {
	v := NewView(1, models.DirectRef(7))
	oldGen := v.Generation()

	// The view moved to a new conversation while the read was in flight
	v.Reset(models.DirectRef(8))

	stale := []models.Message{directMsg(1, 7, 2, "", "late", time.Now())}
	if v.ApplyHistory(oldGen, stale) {
		t.Error("Expected stale history to be discarded")
	}
	if v.Len() != 0 {
		t.Errorf("Expected empty view after stale apply, got %d messages", v.Len())
	}
}

func TestRenderEscapesMarkup(t *testing.T) {
	v := NewView(1, models.DirectRef(7))
	v.AppendLocal(directMsg(1, 7, 1, "", "<script>x</script>", time.Now()))

	entries := v.Render(time.Now())
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}
	want := "&lt;script&gt;x&lt;/script&gt;"
	if entries[0].Body != want {
		t.Errorf("Render body = %q, want %q", entries[0].Body, want)
	}
}

func TestRenderTagsSentAndReceived(t *testing.T) {
	v := NewView(1, models.DirectRef(7))
	now := time.Now()
	v.AppendLocal(directMsg(1, 7, 1, "", "mine", now))
	v.ApplyRemote(directMsg(2, 7, 2, "", "theirs", now))

	entries := v.Render(now)
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if !entries[0].Sent {
		t.Error("Expected own message to be tagged sent")
	}
	if entries[1].Sent {
		t.Error("Expected other sender's message to be tagged received")
	}
}

func TestRenderIsPure(t *testing.T) {
	v := NewView(1, models.DirectRef(7))
	now := time.Now()
	v.AppendLocal(directMsg(1, 7, 1, "", "a", now))
	v.ApplyRemote(directMsg(2, 7, 2, "", "b", now))

	first := v.Render(now)
	second := v.Render(now)
	if len(first) != len(second) {
		t.Fatalf("Render length changed between calls: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("Entry %d differs between renders: %+v vs %+v", i, first[i], second[i])
		}
	}
}
