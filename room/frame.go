package room

import "encoding/json"

// Kind names a frame type on the wire.
type Kind string

const (
	KindRegister            Kind = "register"
	KindRequestRegistration Kind = "request_registration"
	KindPleaseRegister      Kind = "please_register"
	KindPublicMessage       Kind = "public_message"
	KindUserList            Kind = "user_list"
	KindUserJoined          Kind = "user_joined"
	KindHeartbeat           Kind = "heartbeat"
	KindMessageStatus       Kind = "message_status"
	KindImageChunk          Kind = "image_chunk"
	KindHistoryChunk        Kind = "message_history_chunk"
	KindReaction            Kind = "message_reaction"
	KindExpired             Kind = "expired_messages"
	KindSystem              Kind = "system_message"
	KindAdminInfo           Kind = "admin_info"
	KindAdminSwitch         Kind = "admin_switch"
	KindAdmin1Returned      Kind = "admin1_returned"
	KindRedirect            Kind = "redirect_to_admin1"
	KindSyncRequest         Kind = "sync_request"
	KindAutoSync            Kind = "auto_sync"
	KindHistoryTransfer     Kind = "history_transfer"
)

// ProtocolVersion is stamped on every outbound frame.
const ProtocolVersion = "1.0"

// messageBearing kinds carry a messageId and pass the content and clock
// window checks.
var messageBearing = map[Kind]bool{
	KindPublicMessage: true,
	KindImageChunk:    true,
	KindMessageStatus: true,
	KindReaction:      true,
}

// Frame is one record on a channel. Only the fields of its Kind are set.
type Frame struct {
	Kind           Kind   `json:"kind"`
	Version        string `json:"version,omitempty"`
	SenderIdentity string `json:"senderIdentity,omitempty"`
	SenderName     string `json:"senderName,omitempty"`
	CreatedAt      int64  `json:"createdAt,omitempty"`
	MessageID      string `json:"messageId,omitempty"`

	// register
	PeerIdentity      string `json:"peerIdentity,omitempty"`
	DisplayName       string `json:"displayName,omitempty"`
	ExpirationMinutes int    `json:"expirationMinutes,omitempty"`

	// leader announcements
	AdminID       string `json:"adminId,omitempty"`
	AdminIdentity string `json:"adminIdentity,omitempty"`
	AdminName     string `json:"adminName,omitempty"`
	AdminRole     string `json:"adminRole,omitempty"`
	IsEmergency   bool   `json:"isEmergency,omitempty"`
	NewAdmin      string `json:"newAdmin,omitempty"`

	// public_message, message_status, message_reaction, system_message
	Content  string    `json:"content,omitempty"`
	Status   Status    `json:"status,omitempty"`
	ReplyTo  *ReplyRef `json:"replyTo,omitempty"`
	Likes    []string  `json:"likes,omitempty"`
	Dislikes []string  `json:"dislikes,omitempty"`
	Reaction string    `json:"reaction,omitempty"`
	IsSystem bool      `json:"isSystem,omitempty"`

	// image_chunk
	ChunkIndex  int    `json:"chunkIndex,omitempty"`
	TotalChunks int    `json:"totalChunks,omitempty"`
	Data        []byte `json:"data,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`

	// rosters
	Users []User `json:"users,omitempty"`
	User  *User  `json:"user,omitempty"`

	// history
	Chunk      []Message `json:"chunk,omitempty"`
	Messages   []Message `json:"messages,omitempty"`
	MessageIDs []string  `json:"messageIds,omitempty"`
}

func (f *Frame) encode() ([]byte, error) {
	if f.Version == "" {
		f.Version = ProtocolVersion
	}
	return json.Marshal(f)
}

func messageFrame(m Message) *Frame {
	return &Frame{
		Kind:           KindPublicMessage,
		SenderIdentity: m.SenderIdentity,
		SenderName:     m.SenderName,
		CreatedAt:      m.CreatedAt,
		MessageID:      m.ID,
		Content:        m.Content,
		Status:         m.Status,
		ReplyTo:        m.ReplyTo,
		Likes:          m.Likes,
		Dislikes:       m.Dislikes,
	}
}

// frameOverhead covers the frame fields around a message batch.
const frameOverhead = 512

// batchMessages splits msgs into runs whose encoded size stays under limit.
// A message that alone exceeds limit still travels, in a batch of its own.
func batchMessages(msgs []Message, limit int) [][]Message {
	var (
		out  [][]Message
		cur  []Message
		size = frameOverhead
	)
	for _, m := range msgs {
		data, _ := json.Marshal(m)
		n := len(data) + 1
		if len(cur) > 0 && size+n > limit {
			out = append(out, cur)
			cur, size = nil, frameOverhead
		}
		cur = append(cur, m)
		size += n
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

func frameMessage(f *Frame) Message {
	m := Message{
		ID:             f.MessageID,
		SenderIdentity: f.SenderIdentity,
		SenderName:     f.SenderName,
		Content:        f.Content,
		CreatedAt:      f.CreatedAt,
		Status:         f.Status,
		ReplyTo:        f.ReplyTo,
		Likes:          f.Likes,
		Dislikes:       f.Dislikes,
	}
	return m.clone()
}
