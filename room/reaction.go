package room

import (
	"errors"
	"fmt"
)

// Reaction is the kind of a toggle.
type Reaction string

const (
	Like    Reaction = "like"
	Dislike Reaction = "dislike"
)

var ErrUnknownMessage = errors.New("unknown message")

func ParseReaction(s string) (Reaction, error) {
	switch Reaction(s) {
	case Like, Dislike:
		return Reaction(s), nil
	}
	return "", fmt.Errorf("reaction %q: %w", s, ErrValidation)
}

// Ledger keeps the like and dislike sets of the messages in a History. A
// given identity is never in both sets of one message.
type Ledger struct {
	history *History
}

func NewLedger(h *History) *Ledger {
	return &Ledger{history: h}
}

// Toggle applies one reaction intent and returns the resulting sets.
// Reacting twice with the same kind removes the reaction.
func (l *Ledger) Toggle(messageID, identity string, r Reaction) (likes, dislikes []string, err error) {
	m, ok := l.history.Get(messageID)
	if !ok {
		return nil, nil, fmt.Errorf("toggle %s: %w", messageID, ErrUnknownMessage)
	}
	target, opposite := &m.Likes, &m.Dislikes
	if r == Dislike {
		target, opposite = &m.Dislikes, &m.Likes
	}
	if contains(*target, identity) {
		*target = without(*target, identity)
	} else {
		*target = append(*target, identity)
		*opposite = without(*opposite, identity)
	}
	return append([]string{}, m.Likes...), append([]string{}, m.Dislikes...), nil
}

// Apply overwrites the sets of a message with the leader's state.
func (l *Ledger) Apply(messageID string, likes, dislikes []string) (*Message, error) {
	m, ok := l.history.Get(messageID)
	if !ok {
		return nil, fmt.Errorf("apply %s: %w", messageID, ErrUnknownMessage)
	}
	m.Likes = append([]string{}, likes...)
	m.Dislikes = append([]string{}, dislikes...)
	return m, nil
}

// cleanReactions dedupes both sets and drops identities found in both,
// since their last intent cannot be told apart.
func cleanReactions(likes, dislikes []string) ([]string, []string) {
	inLikes := make(map[string]bool, len(likes))
	for _, id := range likes {
		inLikes[id] = true
	}
	conflict := make(map[string]bool)
	for _, id := range dislikes {
		if inLikes[id] {
			conflict[id] = true
		}
	}
	return uniqueExcept(likes, conflict), uniqueExcept(dislikes, conflict)
}

func uniqueExcept(set []string, drop map[string]bool) []string {
	seen := make(map[string]bool, len(set))
	out := make([]string, 0, len(set))
	for _, id := range set {
		if id == "" || drop[id] || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func contains(set []string, id string) bool {
	for _, s := range set {
		if s == id {
			return true
		}
	}
	return false
}

func without(set []string, id string) []string {
	out := make([]string, 0, len(set))
	for _, s := range set {
		if s != id {
			out = append(out, s)
		}
	}
	return out
}
