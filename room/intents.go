package room

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/aranachat/room/store"
)

// Send authors a message. A leader stores and broadcasts it at once; a
// member hands it to its leader and the returned message is still
// "sending" until the leader acknowledges it.
func (n *Node) Send(ctx context.Context, content string, replyTo *ReplyRef) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, ErrEmptyMessage
	}
	if c := utf8.RuneCountInString(content); c > n.proto.MaxContent {
		return Message{}, fmt.Errorf("content length %d over %d: %w", c, n.proto.MaxContent, ErrValidation)
	}
	if !n.limiter.Allow() {
		return Message{}, ErrRateLimited
	}
	var (
		out Message
		err error
	)
	if cerr := n.call(ctx, func() { out, err = n.send(content, replyTo) }); cerr != nil {
		return Message{}, cerr
	}
	return out, err
}

func (n *Node) send(content string, replyTo *ReplyRef) (Message, error) {
	if n.role == Unresolved {
		return Message{}, ErrNoLeader
	}
	now := n.now()
	m := Message{
		ID:             NewMessageID(n.identity, now),
		SenderIdentity: n.identity,
		SenderName:     n.name,
		Content:        content,
		CreatedAt:      millis(now),
		Status:         StatusSending,
		ReplyTo:        replyTo,
		Likes:          []string{},
		Dislikes:       []string{},
	}
	if n.role.IsLeader() {
		m.Status = StatusDelivered
		n.appendMessage(m)
		n.persistSoon()
		n.router.Broadcast(messageFrame(m))
		n.presenter.OnMessage(m)
		return m, nil
	}

	n.appendMessage(m)
	n.presenter.OnMessage(m)
	if err := n.router.SendTo(n.leaderID, messageFrame(m)); err != nil {
		failed, _ := n.history.SetStatus(m.ID, StatusFailed)
		n.presenter.OnMessage(failed)
		n.report("send", err)
		return failed, leaderErr(err)
	}
	return m, nil
}

// React toggles a like or dislike of this node on a message. Members
// forward the intent to the leader; without a leader it is dropped.
func (n *Node) React(ctx context.Context, messageID string, r Reaction) error {
	if _, err := ParseReaction(string(r)); err != nil {
		return err
	}
	var err error
	if cerr := n.call(ctx, func() { err = n.react(messageID, r) }); cerr != nil {
		return cerr
	}
	return err
}

func (n *Node) react(messageID string, r Reaction) error {
	switch n.role {
	case PrimaryLeader, BackupLeader:
		return n.toggle(messageID, n.identity, r)
	case Member:
		out := n.stamp(KindReaction)
		out.MessageID = messageID
		out.Reaction = string(r)
		if err := n.router.SendTo(n.leaderID, out); err != nil {
			return leaderErr(err)
		}
		return nil
	}
	return ErrNoLeader
}

// Upload splits data into image_chunk frames and sends them. It returns
// the transfer id.
func (n *Node) Upload(ctx context.Context, mime string, data []byte) (string, error) {
	if !strings.HasPrefix(mime, "image/") {
		return "", fmt.Errorf("mime type %q: %w", mime, ErrValidation)
	}
	parts, err := SplitChunks(data, n.proto.ChunkSize, n.proto.MaxChunks)
	if err != nil {
		return "", err
	}
	var id string
	if cerr := n.call(ctx, func() { id, err = n.upload(mime, data, parts) }); cerr != nil {
		return "", cerr
	}
	return id, err
}

func (n *Node) upload(mime string, data []byte, parts [][]byte) (string, error) {
	if n.role == Unresolved {
		return "", ErrNoLeader
	}
	id := NewMessageID(n.identity, n.now())
	for i, p := range parts {
		f := n.stamp(KindImageChunk)
		f.MessageID = id
		f.ChunkIndex = i
		f.TotalChunks = len(parts)
		f.Data = p
		f.MimeType = mime
		if n.role.IsLeader() {
			n.router.Broadcast(f)
			continue
		}
		if err := n.router.SendTo(n.leaderID, f); err != nil {
			return id, leaderErr(err)
		}
	}
	n.completeTransfer(Completed{TransferID: id, MimeType: mime, Sender: n.identity, Data: data}, n.name, millis(n.now()))
	return id, nil
}

// MarkRead records that this node has read a message and tells its author
// through the leader.
func (n *Node) MarkRead(ctx context.Context, messageID string) error {
	var err error
	if cerr := n.call(ctx, func() { err = n.markRead(messageID) }); cerr != nil {
		return cerr
	}
	return err
}

func (n *Node) markRead(messageID string) error {
	m, ok := n.history.SetStatus(messageID, StatusRead)
	if !ok {
		if _, known := n.history.Get(messageID); !known {
			return fmt.Errorf("mark read %s: %w", messageID, ErrUnknownMessage)
		}
		return nil
	}
	n.presenter.OnMessage(m)
	out := n.stamp(KindMessageStatus)
	out.MessageID = messageID
	out.Status = StatusRead
	switch n.role {
	case Member:
		if err := n.router.SendTo(n.leaderID, out); err != nil {
			return leaderErr(err)
		}
	case PrimaryLeader, BackupLeader:
		n.persistSoon()
		if m.SenderIdentity != n.identity {
			if err := n.router.SendTo(m.SenderIdentity, out); err != nil && !errors.Is(err, ErrNoChannel) {
				return err
			}
		}
	}
	return nil
}

// ClearHistory empties the local history and, on a leader, the stored
// keys.
func (n *Node) ClearHistory(ctx context.Context) error {
	var err error
	if cerr := n.call(ctx, func() { err = n.clearHistory(ctx) }); cerr != nil {
		return cerr
	}
	return err
}

func (n *Node) clearHistory(ctx context.Context) error {
	n.history.Clear()
	historyGauge.Set(0)
	if n.dirty {
		n.dirty = false
		n.sched.Cancel("persist")
	}
	n.presenter.OnNotify(NoticeInfo, "history cleared")
	if n.store == nil || !n.role.IsLeader() {
		return nil
	}
	for _, key := range []string{HistoryKey, ExpirationKey} {
		if err := n.store.Delete(ctx, key); err != nil && !errors.Is(err, store.ErrNotFound) {
			n.report("clear history", err)
			return err
		}
	}
	return nil
}

// SetExpiration changes how many minutes messages are kept. Zero disables
// expiry.
func (n *Node) SetExpiration(ctx context.Context, minutes int) error {
	if minutes < 0 {
		return fmt.Errorf("expiration %d: %w", minutes, ErrValidation)
	}
	return n.call(ctx, func() {
		if n.expiration == minutes {
			return
		}
		n.expiration = minutes
		n.log.Infow("expiration changed", "minutes", minutes)
		n.persistExpiration()
		n.expiryTick()
	})
}

// Snapshot is a point-in-time copy of the node state.
type Snapshot struct {
	Role             Role      `json:"role"`
	Identity         string    `json:"identity"`
	Leader           string    `json:"leader"`
	LeaderName       string    `json:"leaderName"`
	Resolving        bool      `json:"resolving"`
	History          []Message `json:"history"`
	Users            []User    `json:"users"`
	Connections      []string  `json:"connections"`
	PendingTransfers int       `json:"pendingTransfers"`
	CachedImages     int       `json:"cachedImages"`
	Tasks            []string  `json:"tasks"`
	Expiration       int       `json:"expirationMinutes"`
}

func (n *Node) Snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	err := n.call(ctx, func() {
		s = Snapshot{
			Role:             n.role,
			Identity:         n.identity,
			Leader:           n.leaderID,
			LeaderName:       n.leaderName,
			Resolving:        n.resolving,
			History:          n.history.All(),
			Users:            n.roster(),
			Connections:      n.registry.IDs(),
			PendingTransfers: n.reassembler.Pending(),
			CachedImages:     n.images.Len(),
			Tasks:            n.sched.Active(),
			Expiration:       n.expiration,
		}
	})
	return s, err
}

// RecentErrors returns the newest recorded failures, oldest first.
func (n *Node) RecentErrors(ctx context.Context) ([]ErrorEntry, error) {
	var out []ErrorEntry
	err := n.call(ctx, func() { out = n.errs.Recent(10) })
	return out, err
}

// Image returns a cached completed transfer.
func (n *Node) Image(ctx context.Context, transferID string) (Completed, bool, error) {
	var (
		c  Completed
		ok bool
	)
	err := n.call(ctx, func() { c, ok = n.images.Get(transferID) })
	return c, ok, err
}

// leaderErr labels a failed send to the leader. Only a missing channel means
// there is no leader; a slow or failing one keeps its own error.
func leaderErr(err error) error {
	if errors.Is(err, ErrNoChannel) {
		return fmt.Errorf("%w: %v", ErrNoLeader, err)
	}
	return err
}
