package room

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatorDecode(t *testing.T) {
	v, err := NewValidator(5000, time.Now)
	require.NoError(t, err)

	cases := []struct {
		name string
		raw  string
		ok   bool
	}{
		{"not an object", `"hello"`, false},
		{"broken json", `{"kind":`, false},
		{"missing kind", `{"senderIdentity":"a"}`, false},
		{"heartbeat without message fields", `{"kind":"heartbeat","adminName":"x"}`, true},
		{"message without id", `{"kind":"public_message","senderIdentity":"a","createdAt":1}`, false},
		{"message without sender", `{"kind":"public_message","messageId":"m","createdAt":1}`, false},
		{"message with string time", `{"kind":"public_message","senderIdentity":"a","messageId":"m","createdAt":"1"}`, false},
		{"status complete", `{"kind":"message_status","senderIdentity":"a","messageId":"m","createdAt":1,"status":"read"}`, true},
		{"unknown kind passes", `{"kind":"whatever"}`, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			f, err := v.Decode([]byte(c.raw))
			if !c.ok {
				assert.ErrorIs(t, err, ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, f.Kind)
		})
	}
}

func TestValidatorWindow(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	v, err := NewValidator(5000, func() time.Time { return now })
	require.NoError(t, err)

	at := func(offset int64) *Frame {
		return &Frame{Kind: KindPublicMessage, SenderIdentity: "a", MessageID: "m", CreatedAt: now.UnixMilli() + offset}
	}
	assert.ErrorIs(t, v.CheckMessage(at(61000)), ErrValidation)
	assert.NoError(t, v.CheckMessage(at(59000)))
	assert.NoError(t, v.CheckMessage(at(60000)))
	assert.NoError(t, v.CheckMessage(at(-86400000)))
	assert.ErrorIs(t, v.CheckMessage(at(-86400001)), ErrValidation)
}

func TestValidatorContentLength(t *testing.T) {
	now := time.Now()
	v, err := NewValidator(5000, func() time.Time { return now })
	require.NoError(t, err)

	f := &Frame{Kind: KindPublicMessage, CreatedAt: now.UnixMilli(), Content: strings.Repeat("ж", 5000)}
	assert.NoError(t, v.CheckMessage(f))
	f.Content += "ж"
	assert.ErrorIs(t, v.CheckMessage(f), ErrValidation)
}

func TestFrameVersionStamped(t *testing.T) {
	data, err := (&Frame{Kind: KindHeartbeat}).encode()
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, ProtocolVersion, doc["version"])
	assert.NotContains(t, doc, "content")
}
