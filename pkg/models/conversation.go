package models

import (
	"encoding/json"
	"fmt"
)

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ConversationTurn is one side of a user/assistant exchange.
type ConversationTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ConversationPair couples a user turn with the assistant's reply. Pairs are
// stored in the coordinator as a two-element JSON array.
type ConversationPair struct {
	User      string
	Assistant string
}

// MarshalJSON emits the two-element array wire form.
func (p ConversationPair) MarshalJSON() ([]byte, error) {
	return json.Marshal([]ConversationTurn{
		{Role: RoleUser, Content: p.User},
		{Role: RoleAssistant, Content: p.Assistant},
	})
}

// UnmarshalJSON parses the wire form. Turns are matched by role so that
// reordered arrays from older producers still decode.
func (p *ConversationPair) UnmarshalJSON(data []byte) error {
	var turns []ConversationTurn
	if err := json.Unmarshal(data, &turns); err != nil {
		return fmt.Errorf("conversation pair: %w", err)
	}
	for _, t := range turns {
		switch t.Role {
		case RoleUser:
			p.User = t.Content
		case RoleAssistant:
			p.Assistant = t.Content
		}
	}
	return nil
}

// Turns flattens the pair into role-tagged turns.
func (p ConversationPair) Turns() []ConversationTurn {
	return []ConversationTurn{
		{Role: RoleUser, Content: p.User},
		{Role: RoleAssistant, Content: p.Assistant},
	}
}
