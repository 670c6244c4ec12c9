package server

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClientMessage_decode(t *testing.T) {
	t.Run("decodes payload", func(t *testing.T) {
		msg := &ClientMessage{
			Type: TypeChatMessage,
			Data: json.RawMessage(`{"message":"hi","temp_id":"tmp-1"}`),
		}

		var p ChatMessagePayload
		assert.NoError(t, msg.decode(&p), "expected decode to succeed")
		assert.Equal(t, "hi", p.Message, "expected message decoded")
		assert.Equal(t, "tmp-1", p.TempId, "expected temp id decoded")
	})

	t.Run("missing payload leaves zero value", func(t *testing.T) {
		msg := &ClientMessage{Type: TypeGetTree}

		var p ChatHistoryPayload
		assert.NoError(t, msg.decode(&p), "expected no error for missing payload")
		assert.Empty(t, p.RoomId, "expected zero value")
	})

	t.Run("malformed payload errors", func(t *testing.T) {
		msg := &ClientMessage{Type: TypeChatMessage, Data: json.RawMessage(`{`)}

		var p ChatMessagePayload
		assert.Error(t, msg.decode(&p), "expected decode error")
	})
}

func TestNewServerMessage(t *testing.T) {
	msg := NewServerMessage(TypeSystemMessage, SystemMessageData{Text: "hi"})
	assert.Equal(t, TypeSystemMessage, msg.Type, "expected type set")
	assert.Equal(t, SystemMessageData{Text: "hi"}, msg.Data, "expected data set")
	assert.False(t, msg.Timestamp.IsZero(), "expected timestamp set")
}

func TestErrorMessage(t *testing.T) {
	msg := ErrorMessage("boom")
	assert.Equal(t, TypeError, msg.Type, "expected error type")
	assert.Equal(t, "boom", msg.Message, "expected message text")
	assert.Nil(t, msg.Data, "expected no data")
}

func TestServerMessage_json(t *testing.T) {
	msg := NewServerMessage(TypeTypingStop, TypingData{UserId: 3})
	raw, err := json.Marshal(msg)
	assert.NoError(t, err, "expected marshal to succeed")

	var decoded map[string]any
	assert.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, TypeTypingStop, decoded["type"], "expected type on the wire")
	assert.NotContains(t, decoded, "message", "expected empty message omitted")
}

func TestNow(t *testing.T) {
	now := Now()
	assert.Equal(t, time.UTC, now.Location(), "expected UTC timestamps")
	assert.Zero(t, now.Nanosecond()%int(time.Millisecond), "expected millisecond precision")
}
