package room

import "time"

// Role is the position a process holds in the star.
type Role int

const (
	Unresolved Role = iota
	PrimaryLeader
	BackupLeader
	Member
)

func (r Role) String() string {
	switch r {
	case PrimaryLeader:
		return "primary"
	case BackupLeader:
		return "backup"
	case Member:
		return "member"
	default:
		return "unresolved"
	}
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// IsLeader reports whether r is authoritative for history and reactions.
func (r Role) IsLeader() bool {
	return r == PrimaryLeader || r == BackupLeader
}

// Status is the delivery state of a message.
type Status string

const (
	StatusSending   Status = "sending"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

func (s Status) valid() bool {
	switch s {
	case StatusSending, StatusDelivered, StatusRead, StatusFailed:
		return true
	}
	return false
}

// User is one roster entry. Entries are never deleted, only marked offline.
type User struct {
	Identity string `json:"identity"`
	Name     string `json:"displayName"`
	IsLeader bool   `json:"isLeader"`
	Online   bool   `json:"online"`
	LastSeen int64  `json:"lastSeen"`
}

// ReplyRef points at the message being answered.
type ReplyRef struct {
	MessageID string `json:"messageId"`
	Author    string `json:"author"`
	Content   string `json:"content"`
}

// Message is an authored chat message. Content never changes after
// creation; Status and the reaction sets do.
type Message struct {
	ID             string    `json:"messageId"`
	SenderIdentity string    `json:"senderIdentity"`
	SenderName     string    `json:"senderName"`
	Content        string    `json:"content"`
	CreatedAt      int64     `json:"createdAt"`
	Status         Status    `json:"status"`
	ReplyTo        *ReplyRef `json:"replyTo,omitempty"`
	Likes          []string  `json:"likes"`
	Dislikes       []string  `json:"dislikes"`

	// Attachment is set only for reassembled transfers handed to the
	// Presenter; it is never stored in history.
	Attachment *Attachment `json:"-"`
}

// Attachment is a completed binary transfer.
type Attachment struct {
	TransferID string
	MimeType   string
	Data       []byte
}

func (m Message) clone() Message {
	c := m
	c.Likes = append([]string{}, m.Likes...)
	c.Dislikes = append([]string{}, m.Dislikes...)
	if m.ReplyTo != nil {
		r := *m.ReplyTo
		c.ReplyTo = &r
	}
	return c
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}
