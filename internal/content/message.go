package content

import (
	"encoding/json"
	"fmt"
)

// Well-known roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// DefaultLanguage is stamped on messages whose conversation has no language.
const DefaultLanguage = "english"

// Message is one semantic entry of a conversation. Sequence numbers are
// assigned by storage and are not part of the message.
type Message struct {
	Role         string
	Content      Value
	LanguageCode string
}

// Text builds a message with string content.
func Text(role, text string) Message {
	return Message{Role: role, Content: String(text)}
}

// Equal reports structural equality of two messages.
func (m Message) Equal(other Message) bool {
	return m.Role == other.Role &&
		m.LanguageCode == other.LanguageCode &&
		Equal(m.Content, other.Content)
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	return Message{Role: m.Role, Content: Clone(m.Content), LanguageCode: m.LanguageCode}
}

// Object returns the message as a content object, the shape used on the wire.
func (m Message) Object() Object {
	obj := Object{
		"role":    String(m.Role),
		"content": Clone(m.Content),
	}
	if m.LanguageCode != "" {
		obj["language_code"] = String(m.LanguageCode)
	}
	return obj
}

// MarshalJSON implements json.Marshaler using canonical encoding.
func (m Message) MarshalJSON() ([]byte, error) {
	return MarshalCanonical(m.Object())
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Message) UnmarshalJSON(data []byte) error {
	v, err := Parse(data)
	if err != nil {
		return err
	}
	msg, err := MessageFromValue(v)
	if err != nil {
		return err
	}
	*m = msg
	return nil
}

// MessageFromValue converts an object value with role, content and optional
// language_code keys into a Message.
func MessageFromValue(v Value) (Message, error) {
	obj, ok := v.(Object)
	if !ok {
		return Message{}, fmt.Errorf("message must be an object, got %T", v)
	}

	role, ok := obj["role"].(String)
	if !ok || role == "" {
		return Message{}, fmt.Errorf("message role must be a non-empty string")
	}

	msg := Message{Role: string(role), Content: Null{}}
	if c, present := obj["content"]; present {
		msg.Content = c
	}
	if lang, present := obj["language_code"]; present {
		s, ok := lang.(String)
		if !ok {
			return Message{}, fmt.Errorf("message language_code must be a string")
		}
		msg.LanguageCode = string(s)
	}
	for k := range obj {
		switch k {
		case "role", "content", "language_code":
		default:
			return Message{}, fmt.Errorf("message has unknown field %q", k)
		}
	}
	return msg, nil
}

// MessageFromAny converts loosely typed data (for example a YAML mapping)
// into a Message.
func MessageFromAny(v any) (Message, error) {
	val, err := FromAny(v)
	if err != nil {
		return Message{}, err
	}
	return MessageFromValue(val)
}

// Snapshot is the full ordered message list of a conversation at one instant.
type Snapshot []Message

// Clone returns a deep copy. A nil snapshot clones to an empty one.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for i, m := range s {
		out[i] = m.Clone()
	}
	return out
}

// Equal reports element-wise structural equality.
func (s Snapshot) Equal(other Snapshot) bool {
	if len(s) != len(other) {
		return false
	}
	return s.HasPrefix(other)
}

// HasPrefix reports whether prefix deep-equals the first len(prefix)
// messages of s.
func (s Snapshot) HasPrefix(prefix Snapshot) bool {
	if len(prefix) > len(s) {
		return false
	}
	for i := range prefix {
		if !s[i].Equal(prefix[i]) {
			return false
		}
	}
	return true
}

// ParseSnapshot decodes a JSON array of messages without schema validation.
// Use DecodeSnapshot for untrusted input.
func ParseSnapshot(data []byte) (Snapshot, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	snap := make(Snapshot, len(raw))
	for i, r := range raw {
		if err := snap[i].UnmarshalJSON(r); err != nil {
			return nil, fmt.Errorf("message[%d]: %w", i, err)
		}
	}
	return snap, nil
}
