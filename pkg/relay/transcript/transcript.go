// Package transcript holds the ordered, append-mostly conversation log for a
// live voice session. It owns the turn-boundary and deduplication rules: the
// reconciler appends what it approved for the client, and the store decides
// whether the append actually lands.
package transcript

import "strings"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Flags carries the per-message metadata the reconciler attaches on append.
// TurnEnded is the only field the store ever amends after the fact.
type Flags struct {
	IsAuthoritative bool
	Category        string
	TurnEnded       bool
	Suppressed      bool
}

type Message struct {
	Role  Role
	Text  string
	Flags Flags
}

// Ref identifies an appended message. Refs stay valid for the life of the
// store: messages never move between turns once appended.
type Ref int

// Store is a single session's conversation log. It is not safe for
// concurrent use; each session's event loop is the sole writer.
type Store struct {
	messages []Message
	ended    bool
}

func New() *Store {
	return &Store{messages: make([]Message, 0, 16)}
}

// Append adds a message to the conversation. It reports false without
// appending when the conversation has ended, or when an assistant message
// duplicates the text of an assistant message that is still open in the
// current turn.
//
// An assistant append carrying a category first closes every other still-open
// assistant message with the same category. Superseded answers stay in
// history, marked finished.
func (s *Store) Append(role Role, text string, flags Flags) (Ref, bool) {
	if s.ended {
		return -1, false
	}

	if role == RoleAssistant {
		for i := range s.messages {
			m := &s.messages[i]
			if m.Role == RoleAssistant && !m.Flags.TurnEnded && m.Text == text {
				return Ref(i), false
			}
		}
		if cat := strings.TrimSpace(flags.Category); cat != "" {
			for i := range s.messages {
				m := &s.messages[i]
				if m.Role == RoleAssistant && !m.Flags.TurnEnded && m.Flags.Category == cat {
					m.Flags.TurnEnded = true
				}
			}
		}
	}

	s.messages = append(s.messages, Message{Role: role, Text: text, Flags: flags})
	return Ref(len(s.messages) - 1), true
}

// CloseTurn marks every still-open message as turn-ended. Closing an
// already-closed turn is a no-op.
func (s *Store) CloseTurn() {
	for i := range s.messages {
		s.messages[i].Flags.TurnEnded = true
	}
}

// EndConversation closes the turn and seals the store; later appends are
// rejected. Calling it twice is a no-op.
func (s *Store) EndConversation() {
	if s.ended {
		return
	}
	s.CloseTurn()
	s.ended = true
}

func (s *Store) Ended() bool { return s.ended }

func (s *Store) Len() int { return len(s.messages) }

// Messages returns a copy of the log.
func (s *Store) Messages() []Message {
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// OpenAssistant reports how many assistant messages are still open,
// optionally restricted to one category.
func (s *Store) OpenAssistant(category string) int {
	n := 0
	for i := range s.messages {
		m := &s.messages[i]
		if m.Role != RoleAssistant || m.Flags.TurnEnded {
			continue
		}
		if category != "" && m.Flags.Category != category {
			continue
		}
		n++
	}
	return n
}
