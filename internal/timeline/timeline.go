// Package timeline keeps a client-local ordered view of one conversation
// consistent with a bulk history read and a live stream of insert events,
// without duplicate or reordered entries. It has no transport or UI
// dependencies: rendering is a pure function of the in-memory sequence.
package timeline

import (
	"html"
	"sync"
	"time"

	"github.com/wavelink-chat/wavelink/internal/models"
)

// View is the synchronizer for one open conversation. Construct it when the
// conversation is opened and drop it on close; Reset reuses a view for a new
// conversation and invalidates any in-flight history load.
type View struct {
	mu         sync.Mutex
	selfID     int
	ref        models.ConversationRef
	gen        uint64
	msgs       []models.Message
	seenClient map[string]struct{}
	seenID     map[int]struct{}
}

func NewView(selfID int, ref models.ConversationRef) *View {
	return &View{
		selfID:     selfID,
		ref:        ref,
		seenClient: make(map[string]struct{}),
		seenID:     make(map[int]struct{}),
	}
}

func (v *View) Ref() models.ConversationRef {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ref
}

// Generation returns the token a history load must present to ApplyHistory.
func (v *View) Generation() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.gen
}

// Reset repoints the view at a new conversation and clears its state. The
// returned generation invalidates history reads started before the reset.
func (v *View) Reset(ref models.ConversationRef) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.ref = ref
	v.gen++
	v.msgs = nil
	v.seenClient = make(map[string]struct{})
	v.seenID = make(map[int]struct{})
	return v.gen
}

// ApplyHistory replaces the in-memory sequence with a bulk read, sorted
// ascending by creation time with ties broken by id. It reports false and
// changes nothing when gen is stale, so a slow read for a previous
// conversation can never clobber the current one.
func (v *View) ApplyHistory(gen uint64, msgs []models.Message) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if gen != v.gen {
		return false
	}

	sorted := make([]models.Message, len(msgs))
	copy(sorted, msgs)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && older(&sorted[j], &sorted[j-1]); j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	v.msgs = sorted
	v.seenClient = make(map[string]struct{})
	v.seenID = make(map[int]struct{})
	for i := range sorted {
		v.remember(&sorted[i])
	}
	return true
}

func older(a, b *models.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// AppendLocal appends a just-sent message optimistically, before any echo of
// it can arrive on the live stream. The optimistic copy is authoritative for
// self-sent messages.
func (v *View) AppendLocal(msg models.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.alreadySeen(&msg) {
		return
	}
	v.msgs = append(v.msgs, msg)
	v.remember(&msg)
}

// ApplyRemote appends an insert event from the live stream unless it was
// already applied. De-duplication checks the client-generated idempotency id
// first, then the server id; events from the local user are suppressed even
// without either id, since the optimistic append already covered them.
// It reports whether the event was appended.
func (v *View) ApplyRemote(msg models.Message) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if msg.Ref() != v.ref {
		return false
	}
	if v.alreadySeen(&msg) {
		return false
	}
	if msg.SenderID == v.selfID {
		return false
	}

	v.msgs = append(v.msgs, msg)
	v.remember(&msg)
	return true
}

func (v *View) alreadySeen(msg *models.Message) bool {
	if msg.ClientID != "" {
		if _, ok := v.seenClient[msg.ClientID]; ok {
			return true
		}
	}
	if msg.ID != 0 {
		if _, ok := v.seenID[msg.ID]; ok {
			return true
		}
	}
	return false
}

func (v *View) remember(msg *models.Message) {
	if msg.ClientID != "" {
		v.seenClient[msg.ClientID] = struct{}{}
	}
	if msg.ID != 0 {
		v.seenID[msg.ID] = struct{}{}
	}
}

// Messages returns a copy of the current ordered sequence.
func (v *View) Messages() []models.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]models.Message, len(v.msgs))
	copy(out, v.msgs)
	return out
}

func (v *View) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.msgs)
}

// Entry is one rendered message. Body is escaped literal text, safe to insert
// into markup as-is.
type Entry struct {
	MessageID int
	Sent      bool
	SenderID  int
	Body      string
	FileURL   string
	TimeLabel string
}

// Render projects the sequence into display entries. It is pure: the same
// sequence and clock always produce the same result. Message bodies are
// untrusted input and are escaped so markup renders as visible text.
func (v *View) Render(now time.Time) []Entry {
	v.mu.Lock()
	defer v.mu.Unlock()

	entries := make([]Entry, 0, len(v.msgs))
	for i := range v.msgs {
		m := &v.msgs[i]
		e := Entry{
			MessageID: m.ID,
			Sent:      m.SenderID == v.selfID,
			SenderID:  m.SenderID,
			Body:      html.EscapeString(m.Content),
			TimeLabel: TimeLabel(m.CreatedAt, now),
		}
		if m.FileURL != nil {
			e.FileURL = *m.FileURL
		}
		entries = append(entries, e)
	}
	return entries
}

// TimeLabel formats a message timestamp for display: a clock time within the
// last 24 hours, "Yesterday" from 24 up to 48 hours, and an abbreviated
// month/day beyond that.
func TimeLabel(ts, now time.Time) string {
	age := now.Sub(ts)
	switch {
	case age < 24*time.Hour:
		return ts.Local().Format("3:04 PM")
	case age < 48*time.Hour:
		return "Yesterday"
	default:
		return ts.Local().Format("Jan 2")
	}
}
