package room

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Accepted clock skew for message-bearing frames.
const (
	MaxPast   = 24 * time.Hour
	MaxFuture = 60 * time.Second
)

const frameSchema = `{
  "type": "object",
  "required": ["kind"],
  "properties": {
    "kind": {"type": "string", "minLength": 1},
    "senderIdentity": {"type": "string"},
    "createdAt": {"type": "integer"},
    "messageId": {"type": "string"},
    "content": {"type": "string"}
  },
  "allOf": [{
    "if": {
      "required": ["kind"],
      "properties": {"kind": {"enum": ["public_message", "image_chunk", "message_status", "message_reaction"]}}
    },
    "then": {
      "required": ["senderIdentity", "createdAt", "messageId"],
      "properties": {
        "senderIdentity": {"minLength": 1},
        "messageId": {"minLength": 1},
        "createdAt": {"exclusiveMinimum": 0}
      }
    }
  }]
}`

// Validator checks raw frames before any handler sees them.
type Validator struct {
	schema     *jsonschema.Schema
	maxContent int
	now        func() time.Time
}

func NewValidator(maxContent int, now func() time.Time) (*Validator, error) {
	if maxContent <= 0 {
		maxContent = 5000
	}
	if now == nil {
		now = time.Now
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("frame.json", strings.NewReader(frameSchema)); err != nil {
		return nil, fmt.Errorf("add frame schema: %w", err)
	}
	schema, err := compiler.Compile("frame.json")
	if err != nil {
		return nil, fmt.Errorf("compile frame schema: %w", err)
	}
	return &Validator{schema: schema, maxContent: maxContent, now: now}, nil
}

// Decode parses raw, checks required fields and returns the typed frame.
func (v *Validator) Decode(raw []byte) (*Frame, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode: %v: %w", err, ErrValidation)
	}
	if err := v.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("schema: %v: %w", err, ErrValidation)
	}
	f := &Frame{}
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, fmt.Errorf("decode frame: %v: %w", err, ErrValidation)
	}
	return f, nil
}

// CheckMessage enforces the content cap and the createdAt window.
func (v *Validator) CheckMessage(f *Frame) error {
	return v.check(f.Content, f.CreatedAt)
}

// CheckStored applies the same rules to a message carried inside a history
// frame, which also needs an id and an author.
func (v *Validator) CheckStored(m Message) error {
	if m.ID == "" || m.SenderIdentity == "" {
		return fmt.Errorf("message %q from %q: missing id or sender: %w", m.ID, m.SenderIdentity, ErrValidation)
	}
	if err := v.check(m.Content, m.CreatedAt); err != nil {
		return fmt.Errorf("message %s: %w", m.ID, err)
	}
	return nil
}

func (v *Validator) check(content string, createdAt int64) error {
	if n := utf8.RuneCountInString(content); n > v.maxContent {
		return fmt.Errorf("content length %d over %d: %w", n, v.maxContent, ErrValidation)
	}
	now := millis(v.now())
	if createdAt > now+MaxFuture.Milliseconds() {
		return fmt.Errorf("createdAt %d ahead of %d: %w", createdAt, now, ErrValidation)
	}
	if createdAt < now-MaxPast.Milliseconds() {
		return fmt.Errorf("createdAt %d too old at %d: %w", createdAt, now, ErrValidation)
	}
	return nil
}
