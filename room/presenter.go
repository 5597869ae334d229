package room

// Presenter receives everything the rendering layer needs. Calls happen on
// the event loop and must not block.
type Presenter interface {
	// OnMessage is called for new messages and for status, reaction and
	// attachment updates of known ones.
	OnMessage(m Message)
	OnRosterChanged(users []User)
	OnNotify(level, text string)
}

// Notice levels passed to OnNotify.
const (
	NoticeInfo    = "info"
	NoticeWarning = "warning"
	NoticeError   = "error"
	NoticeSuccess = "success"
)

// NopPresenter discards everything.
type NopPresenter struct{}

func (NopPresenter) OnMessage(Message)       {}
func (NopPresenter) OnRosterChanged([]User)  {}
func (NopPresenter) OnNotify(string, string) {}
