package room

import "time"

// ErrorEntry is one recorded failure.
type ErrorEntry struct {
	Time    time.Time `json:"time"`
	Context string    `json:"context"`
	Message string    `json:"message"`
}

// ErrorLog keeps the last max failures, oldest first.
type ErrorLog struct {
	max     int
	entries []ErrorEntry
}

func NewErrorLog(max int) *ErrorLog {
	if max <= 0 {
		max = 50
	}
	return &ErrorLog{max: max}
}

func (l *ErrorLog) Add(at time.Time, context string, err error) {
	l.entries = append(l.entries, ErrorEntry{Time: at, Context: context, Message: err.Error()})
	if len(l.entries) > l.max {
		l.entries = append([]ErrorEntry(nil), l.entries[len(l.entries)-l.max:]...)
	}
}

// Recent returns up to n of the newest entries, oldest first.
func (l *ErrorLog) Recent(n int) []ErrorEntry {
	if n > len(l.entries) || n <= 0 {
		n = len(l.entries)
	}
	return append([]ErrorEntry(nil), l.entries[len(l.entries)-n:]...)
}

func (l *ErrorLog) Len() int { return len(l.entries) }
