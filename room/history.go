package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/aranachat/room/store"
)

// Keys in the leader's local store.
const (
	HistoryKey    = "room:history"
	ExpirationKey = "room:expiration_minutes"
)

// History is the bounded, ordered message log. The copy held by the leader
// is authoritative; a member's copy is a partial view.
type History struct {
	limit int
	msgs  []*Message
	index map[string]*Message
}

func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = 500
	}
	return &History{limit: limit, index: make(map[string]*Message)}
}

// Append pushes m to the tail and evicts from the head past the bound.
// It returns the evicted messages.
func (h *History) Append(m Message) []Message {
	c := m.clone()
	h.msgs = append(h.msgs, &c)
	h.index[c.ID] = &c
	return h.trim()
}

func (h *History) trim() []Message {
	if len(h.msgs) <= h.limit {
		return nil
	}
	n := len(h.msgs) - h.limit
	evicted := make([]Message, 0, n)
	for _, m := range h.msgs[:n] {
		delete(h.index, m.ID)
		evicted = append(evicted, m.clone())
	}
	h.msgs = append([]*Message(nil), h.msgs[n:]...)
	return evicted
}

func (h *History) Len() int { return len(h.msgs) }

func (h *History) Contains(id string) bool {
	_, ok := h.index[id]
	return ok
}

// Get returns the stored message for in-place status and reaction updates.
func (h *History) Get(id string) (*Message, bool) {
	m, ok := h.index[id]
	return m, ok
}

// Recent returns copies of the newest k messages in order.
func (h *History) Recent(k int) []Message {
	if k <= 0 || k > len(h.msgs) {
		k = len(h.msgs)
	}
	out := make([]Message, 0, k)
	for _, m := range h.msgs[len(h.msgs)-k:] {
		out = append(out, m.clone())
	}
	return out
}

// All returns copies of every message in order.
func (h *History) All() []Message {
	return h.Recent(0)
}

// Merge adds the messages whose ids are unknown, keeps the log ordered by
// creation time and reapplies the bound. It returns the added messages.
func (h *History) Merge(msgs []Message) []Message {
	var added []Message
	for _, m := range msgs {
		if m.ID == "" || h.Contains(m.ID) {
			continue
		}
		c := m.clone()
		h.msgs = append(h.msgs, &c)
		h.index[c.ID] = &c
		added = append(added, c.clone())
	}
	if len(added) == 0 {
		return nil
	}
	sort.SliceStable(h.msgs, func(i, j int) bool {
		return h.msgs[i].CreatedAt < h.msgs[j].CreatedAt
	})
	for _, m := range h.trim() {
		for i := range added {
			if added[i].ID == m.ID {
				added = append(added[:i], added[i+1:]...)
				break
			}
		}
	}
	return added
}

var statusRank = map[Status]int{
	StatusSending:   1,
	StatusFailed:    1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// SetStatus moves a message to s. A status never goes back: read is not
// replaced by delivered.
func (h *History) SetStatus(id string, s Status) (Message, bool) {
	m, ok := h.index[id]
	if !ok {
		return Message{}, false
	}
	if statusRank[s] < statusRank[m.Status] {
		return m.clone(), false
	}
	m.Status = s
	return m.clone(), true
}

// Remove drops the given ids and returns how many were present.
func (h *History) Remove(ids []string) int {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		if h.Contains(id) {
			drop[id] = true
		}
	}
	if len(drop) == 0 {
		return 0
	}
	kept := h.msgs[:0]
	for _, m := range h.msgs {
		if drop[m.ID] {
			delete(h.index, m.ID)
			continue
		}
		kept = append(kept, m)
	}
	h.msgs = kept
	return len(drop)
}

// ExpireBefore removes messages created before cutoff (unix millis) and
// returns their ids.
func (h *History) ExpireBefore(cutoff int64) []string {
	var ids []string
	for _, m := range h.msgs {
		if m.CreatedAt < cutoff {
			ids = append(ids, m.ID)
		}
	}
	h.Remove(ids)
	return ids
}

func (h *History) Clear() {
	h.msgs = nil
	h.index = make(map[string]*Message)
}

// Persist writes the log under HistoryKey.
func (h *History) Persist(ctx context.Context, s store.Store) error {
	data, err := json.Marshal(h.Recent(h.limit))
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	if err := s.Put(ctx, HistoryKey, data); err != nil {
		return fmt.Errorf("persist history: %w", err)
	}
	return nil
}

// Restore merges the persisted log into h. A missing key is not an error.
func (h *History) Restore(ctx context.Context, s store.Store) (int, error) {
	data, err := s.Get(ctx, HistoryKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("restore history: %w", err)
	}
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return 0, fmt.Errorf("decode history: %w", err)
	}
	if len(msgs) > h.limit {
		msgs = msgs[len(msgs)-h.limit:]
	}
	return len(h.Merge(msgs)), nil
}
