package main

import (
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/aranachat/room/room"
)

// logPresenter renders room events into the process log.
type logPresenter struct {
	log *zap.SugaredLogger
}

func (p logPresenter) OnMessage(m room.Message) {
	if m.Attachment != nil {
		p.log.Infow("attachment", "id", m.ID, "from", m.SenderName, "mime", m.Attachment.MimeType,
			"size", humanize.Bytes(uint64(len(m.Attachment.Data))))
		return
	}
	p.log.Infow("message", "id", m.ID, "from", m.SenderName, "status", m.Status,
		"likes", len(m.Likes), "dislikes", len(m.Dislikes), "content", m.Content)
}

func (p logPresenter) OnRosterChanged(users []room.User) {
	online := 0
	for _, u := range users {
		if u.Online {
			online++
		}
	}
	p.log.Infow("roster", "users", len(users), "online", online)
}

func (p logPresenter) OnNotify(level, text string) {
	switch level {
	case room.NoticeError:
		p.log.Error(text)
	case room.NoticeWarning:
		p.log.Warn(text)
	default:
		p.log.Info(text)
	}
}
