package room

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/aranachat/room/transport"
)

type handlerFunc func(ch transport.Channel, f *Frame) error

func (n *Node) handlerTable() map[Kind]handlerFunc {
	return map[Kind]handlerFunc{
		KindRegister:            n.onRegister,
		KindRequestRegistration: n.onRequestRegistration,
		KindPleaseRegister:      n.onRequestRegistration,
		KindPublicMessage:       n.onPublicMessage,
		KindUserList:            n.onUsers,
		KindUserJoined:          n.onUsers,
		KindAutoSync:            n.onUsers,
		KindHeartbeat:           n.onHeartbeat,
		KindMessageStatus:       n.onMessageStatus,
		KindImageChunk:          n.onImageChunk,
		KindHistoryChunk:        n.onHistoryChunk,
		KindReaction:            n.onReaction,
		KindExpired:             n.onExpired,
		KindSystem:              n.onSystem,
		KindAdminInfo:           n.onAdminInfo,
		KindAdminSwitch:         n.onAdminSwitch,
		KindRedirect:            n.onPrimaryBack,
		KindAdmin1Returned:      n.onPrimaryBack,
		KindSyncRequest:         n.onSyncRequest,
		KindHistoryTransfer:     n.onHistoryTransfer,
	}
}

// dispatch validates one inbound record and runs the handler of its kind.
// Nothing that goes wrong here closes the channel or stops the loop.
func (n *Node) dispatch(ch transport.Channel, raw []byte) {
	from := ch.Remote()
	f, err := n.validator.Decode(raw)
	if err != nil {
		framesDropped.WithLabelValues("invalid").Inc()
		n.report("dispatch from "+from, err)
		return
	}
	if f.Version != "" && f.Version != ProtocolVersion {
		n.log.Warnw("unknown protocol version", "peer", from, "version", f.Version, "kind", f.Kind)
	}
	if f.SenderIdentity != "" && f.SenderIdentity != from && !n.fromLeader(ch) {
		framesDropped.WithLabelValues("spoofed").Inc()
		n.report("dispatch from "+from, fmt.Errorf("%s claims sender %q: %w", f.Kind, f.SenderIdentity, ErrValidation))
		return
	}
	if messageBearing[f.Kind] {
		if err := n.validator.CheckMessage(f); err != nil {
			framesDropped.WithLabelValues("window").Inc()
			n.report("dispatch from "+from, err)
			return
		}
	}
	h, ok := n.handlers[f.Kind]
	if !ok {
		framesDropped.WithLabelValues("unknown").Inc()
		n.log.Infow("unknown frame kind", "peer", from, "kind", f.Kind)
		return
	}
	n.touch(ch)
	framesDispatched.WithLabelValues(string(f.Kind)).Inc()
	if err := n.handle(h, ch, f); err != nil {
		n.report("handle "+string(f.Kind)+" from "+from, err)
	}
}

func (n *Node) handle(h handlerFunc, ch transport.Channel, f *Frame) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrHandler, r)
		}
	}()
	if err := h(ch, f); err != nil {
		return fmt.Errorf("%w: %v", ErrHandler, err)
	}
	return nil
}

// fromLeader reports whether ch is this member's channel to its leader.
// Frames on it may carry other members as sender since the leader relays.
func (n *Node) fromLeader(ch transport.Channel) bool {
	return n.role == Member && ch.Remote() == n.leaderID
}

// touch refreshes liveness for whoever sent on ch.
func (n *Node) touch(ch transport.Channel) {
	now := n.now()
	if n.fromLeader(ch) {
		n.leaderSeen = now
		return
	}
	if !n.role.IsLeader() {
		return
	}
	u, ok := n.users[ch.Remote()]
	if !ok {
		return
	}
	u.LastSeen = millis(now)
	if !u.Online {
		u.Online = true
		n.presenter.OnRosterChanged(n.roster())
	}
}

func (n *Node) stamp(kind Kind) *Frame {
	return &Frame{Kind: kind, SenderIdentity: n.identity, SenderName: n.name, CreatedAt: millis(n.now())}
}

func (n *Node) appendMessage(m Message) {
	if evicted := n.history.Append(m); len(evicted) > 0 {
		n.log.Debugw("history evicted", "messages", len(evicted))
	}
	historyGauge.Set(float64(n.history.Len()))
}

func (n *Node) onRegister(ch transport.Channel, f *Frame) error {
	if !n.role.IsLeader() {
		return nil
	}
	id := ch.Remote()
	name := f.DisplayName
	if name == "" {
		name = id
	}
	u := User{Identity: id, Name: name, Online: true, LastSeen: millis(n.now())}
	n.upsertUser(u)

	list := n.stamp(KindUserList)
	list.Users = n.roster()
	if err := n.router.SendTo(id, list); err != nil {
		return err
	}
	joined := n.stamp(KindUserJoined)
	joined.User = &u
	n.router.Broadcast(joined, id)

	for _, batch := range batchMessages(n.history.Recent(n.proto.ReplayLimit), n.proto.FrameBytes) {
		chunk := n.stamp(KindHistoryChunk)
		chunk.Chunk = batch
		if err := n.router.SendTo(id, chunk); err != nil {
			return err
		}
	}
	n.presenter.OnRosterChanged(n.roster())
	n.presenter.OnNotify(NoticeInfo, name+" joined")
	n.log.Infow("registered", "peer", id, "name", name)
	return nil
}

func (n *Node) onRequestRegistration(ch transport.Channel, f *Frame) error {
	if !n.fromLeader(ch) {
		return nil
	}
	if f.AdminName != "" {
		n.leaderName = f.AdminName
	}
	reg := n.stamp(KindRegister)
	reg.PeerIdentity = n.identity
	reg.DisplayName = n.name
	reg.ExpirationMinutes = n.expiration
	return n.router.SendTo(n.leaderID, reg)
}

func (n *Node) onPublicMessage(ch transport.Channel, f *Frame) error {
	m := frameMessage(f)
	if n.history.Contains(m.ID) {
		framesDropped.WithLabelValues("duplicate").Inc()
		return nil
	}
	if !n.role.IsLeader() {
		n.appendMessage(m)
		n.presenter.OnMessage(m)
		return nil
	}

	from := ch.Remote()
	// reactions only ever come from toggles on the leader
	m.Status = StatusDelivered
	m.Likes = []string{}
	m.Dislikes = []string{}
	n.appendMessage(m)
	n.persistSoon()
	n.router.Broadcast(messageFrame(m), from)
	n.presenter.OnMessage(m)

	ack := n.stamp(KindMessageStatus)
	ack.MessageID = m.ID
	ack.Status = StatusDelivered
	return n.router.SendTo(from, ack)
}

func (n *Node) onMessageStatus(ch transport.Channel, f *Frame) error {
	if !f.Status.valid() {
		return fmt.Errorf("status %q: %w", f.Status, ErrValidation)
	}
	m, ok := n.history.SetStatus(f.MessageID, f.Status)
	if !ok {
		return nil
	}
	n.presenter.OnMessage(m)
	if !n.role.IsLeader() {
		return nil
	}
	n.persistSoon()
	if m.SenderIdentity == ch.Remote() || m.SenderIdentity == n.identity {
		return nil
	}
	fwd := n.stamp(KindMessageStatus)
	fwd.MessageID = m.ID
	fwd.Status = m.Status
	if err := n.router.SendTo(m.SenderIdentity, fwd); err != nil && !errors.Is(err, ErrNoChannel) {
		return err
	}
	return nil
}

func (n *Node) onImageChunk(ch transport.Channel, f *Frame) error {
	done, ok, err := n.reassembler.Ingest(Chunk{
		TransferID: f.MessageID,
		Index:      f.ChunkIndex,
		Total:      f.TotalChunks,
		Data:       f.Data,
		MimeType:   f.MimeType,
		Sender:     f.SenderIdentity,
	})
	if err != nil {
		return err
	}
	if n.role.IsLeader() {
		n.router.Broadcast(f, ch.Remote())
	}
	if ok {
		n.completeTransfer(*done, f.SenderName, f.CreatedAt)
	}
	return nil
}

func (n *Node) completeTransfer(c Completed, senderName string, createdAt int64) {
	n.images.Add(c, n.now())
	n.log.Infow("transfer complete", "transfer", c.TransferID, "sender", c.Sender,
		"mime", c.MimeType, "size", humanize.Bytes(uint64(len(c.Data))))
	n.presenter.OnMessage(Message{
		ID:             c.TransferID,
		SenderIdentity: c.Sender,
		SenderName:     senderName,
		CreatedAt:      createdAt,
		Status:         StatusDelivered,
		Likes:          []string{},
		Dislikes:       []string{},
		Attachment:     &Attachment{TransferID: c.TransferID, MimeType: c.MimeType, Data: c.Data},
	})
}

func (n *Node) onHistoryChunk(ch transport.Channel, f *Frame) error {
	if !n.fromLeader(ch) {
		return nil
	}
	added := n.history.Merge(f.Chunk)
	historyGauge.Set(float64(n.history.Len()))
	for _, m := range added {
		n.presenter.OnMessage(m)
	}
	n.log.Debugw("history replayed", "received", len(f.Chunk), "added", len(added))
	return nil
}

func (n *Node) onReaction(ch transport.Channel, f *Frame) error {
	if !n.role.IsLeader() {
		m, err := n.ledger.Apply(f.MessageID, f.Likes, f.Dislikes)
		if errors.Is(err, ErrUnknownMessage) {
			return nil
		}
		if err != nil {
			return err
		}
		n.presenter.OnMessage(m.clone())
		return nil
	}
	if f.Reaction == "" {
		return nil
	}
	r, err := ParseReaction(f.Reaction)
	if err != nil {
		return err
	}
	return n.toggle(f.MessageID, ch.Remote(), r)
}

// toggle applies a reaction on the leader and broadcasts the resulting sets
// to everyone, the reactor included.
func (n *Node) toggle(messageID, identity string, r Reaction) error {
	likes, dislikes, err := n.ledger.Toggle(messageID, identity, r)
	if err != nil {
		return err
	}
	n.persistSoon()
	out := n.stamp(KindReaction)
	out.MessageID = messageID
	out.Likes = likes
	out.Dislikes = dislikes
	n.router.Broadcast(out)
	if m, ok := n.history.Get(messageID); ok {
		n.presenter.OnMessage(m.clone())
	}
	return nil
}

func (n *Node) onExpired(ch transport.Channel, f *Frame) error {
	if !n.fromLeader(ch) {
		return nil
	}
	if removed := n.history.Remove(f.MessageIDs); removed > 0 {
		historyGauge.Set(float64(n.history.Len()))
		n.presenter.OnNotify(NoticeInfo, fmt.Sprintf("%d messages expired", removed))
	}
	return nil
}

func (n *Node) onSystem(ch transport.Channel, f *Frame) error {
	n.presenter.OnNotify(NoticeInfo, f.Content)
	return nil
}

func (n *Node) onAdminInfo(ch transport.Channel, f *Frame) error {
	if !n.fromLeader(ch) {
		return nil
	}
	n.leaderName = f.AdminName
	if f.IsEmergency {
		n.presenter.OnNotify(NoticeWarning, "connected to the backup leader")
	}
	n.log.Infow("leader announced", "leader", f.AdminID, "name", f.AdminName, "role", f.AdminRole)
	return nil
}

func (n *Node) onHeartbeat(ch transport.Channel, f *Frame) error {
	if !n.fromLeader(ch) {
		return nil
	}
	if f.AdminName != "" {
		n.leaderName = f.AdminName
	}
	return n.router.SendTo(n.leaderID, n.stamp(KindHeartbeat))
}

// onUsers merges a roster push. Entries are added or refreshed, never
// removed.
func (n *Node) onUsers(ch transport.Channel, f *Frame) error {
	if !n.fromLeader(ch) {
		return nil
	}
	users := f.Users
	if f.User != nil {
		users = append(users, *f.User)
	}
	changed := false
	for _, u := range users {
		if u.Identity == "" {
			continue
		}
		if n.upsertUser(u) {
			changed = true
		}
	}
	if changed {
		n.presenter.OnRosterChanged(n.roster())
	}
	return nil
}

func (n *Node) onSyncRequest(ch transport.Channel, f *Frame) error {
	if !n.role.IsLeader() {
		return nil
	}
	out := n.stamp(KindAutoSync)
	out.Users = n.onlineUsers()
	return n.router.SendTo(ch.Remote(), out)
}

func (n *Node) onAdminSwitch(ch transport.Channel, f *Frame) error {
	if !n.fromLeader(ch) {
		return nil
	}
	n.presenter.OnNotify(NoticeWarning, "leadership is moving to "+f.NewAdmin)
	return nil
}

// onPrimaryBack moves a member of the backup over to the primary.
func (n *Node) onPrimaryBack(ch transport.Channel, f *Frame) error {
	if !n.fromLeader(ch) {
		return nil
	}
	if f.Kind == KindAdmin1Returned {
		n.presenter.OnNotify(NoticeSuccess, "primary leader is back")
	}
	if n.leaderID == n.primary {
		return nil
	}
	n.startResolve(ModeJoinPrimary)
	return nil
}

// onHistoryTransfer takes the history of a backup that handed over. The
// transfer may span several frames; the first one announces the primary.
// Every message is checked like a live one and reaction sets are cleaned,
// at most TransferLimit messages are taken per frame.
func (n *Node) onHistoryTransfer(ch transport.Channel, f *Frame) error {
	if n.role != PrimaryLeader {
		return nil
	}
	from := ch.Remote()
	if f.SenderIdentity != from {
		framesDropped.WithLabelValues("spoofed").Inc()
		return fmt.Errorf("history transfer from %s claims sender %q: %w", from, f.SenderIdentity, ErrValidation)
	}
	msgs := f.Messages
	if len(msgs) > n.proto.TransferLimit {
		framesDropped.WithLabelValues("oversize").Inc()
		n.report("history transfer from "+from, fmt.Errorf("%d messages over %d: %w", len(msgs), n.proto.TransferLimit, ErrValidation))
		msgs = msgs[len(msgs)-n.proto.TransferLimit:]
	}
	accepted := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if err := n.validator.CheckStored(m); err != nil {
			framesDropped.WithLabelValues("window").Inc()
			n.report("history transfer from "+from, err)
			continue
		}
		m.Likes, m.Dislikes = cleanReactions(m.Likes, m.Dislikes)
		if m.Status != StatusRead {
			m.Status = StatusDelivered
		}
		accepted = append(accepted, m)
	}

	added := n.history.Merge(accepted)
	n.persist()
	n.log.Infow("history transferred", "peer", from, "received", len(f.Messages), "added", len(added))
	for _, m := range added {
		n.presenter.OnMessage(m)
	}
	if f.ChunkIndex == 0 {
		n.router.Broadcast(n.stamp(KindAdmin1Returned))
	}
	for _, batch := range batchMessages(added, n.proto.FrameBytes) {
		chunk := n.stamp(KindHistoryChunk)
		chunk.Chunk = batch
		n.router.Broadcast(chunk, from)
	}
	return nil
}
