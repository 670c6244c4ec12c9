package client

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/kintree/kintree/internal/server"
	"github.com/kintree/kintree/internal/types"
	"github.com/stretchr/testify/assert"
)

func event(t *testing.T, msgType string, data any) Event {
	t.Helper()

	raw, err := json.Marshal(data)
	assert.NoError(t, err)
	return Event{Type: msgType, Data: raw, Timestamp: time.Now().UTC()}
}

func TestHandleEvent_init(t *testing.T) {
	s := NewSession()
	assert.False(t, s.Ready(), "expected session not ready before init")

	err := s.HandleEvent(event(t, server.TypeInit, server.InitData{
		RoomId: "tree-1",
		Role:   types.RoleEditor,
		User:   types.User{Id: 1, Username: "user1"},
	}))
	assert.NoError(t, err, "expected no error")
	assert.True(t, s.Ready(), "expected session ready after init")
	assert.Equal(t, types.RoleEditor, s.Role(), "expected role recorded")
	assert.Equal(t, 1, s.Self().Id, "expected user recorded")
}

func TestHandleEvent_snapshotReplacement(t *testing.T) {
	s := NewSession()

	first := types.TreeSnapshot{TreeId: "tree-1", Persons: []types.PersonNode{{Id: 1}, {Id: 2}}}
	assert.NoError(t, s.HandleEvent(event(t, server.TypeAllPersons, first)))
	assert.Len(t, s.Snapshot().Persons, 2, "expected initial snapshot")

	// every mutation kind carries a full replacement, nothing is merged
	second := types.TreeSnapshot{TreeId: "tree-1", Persons: []types.PersonNode{{Id: 2}}}
	assert.NoError(t, s.HandleEvent(event(t, server.TypePersonDeleted, second)))
	assert.Len(t, s.Snapshot().Persons, 1, "expected snapshot replaced wholesale")
	assert.Equal(t, 2, s.Snapshot().Persons[0].Id, "expected surviving person only")
}

func TestTrackSend_resolvedByEcho(t *testing.T) {
	s := NewSession()
	s.self = types.User{Id: 1, Username: "user1"}

	tempId, payload := s.TrackSend("hello", "")
	assert.Equal(t, tempId, payload.TempId, "expected payload to carry the temp id")
	assert.Equal(t, "hello", payload.Message, "expected payload body")

	state, ok := s.SendStateFor(tempId)
	assert.True(t, ok, "expected send tracked")
	assert.Equal(t, SendStateSending, state, "expected sending state before echo")

	msgs := s.Messages()
	assert.Len(t, msgs, 1, "expected optimistic message visible")
	assert.Equal(t, tempId, msgs[0].Id, "expected optimistic message keyed by temp id")

	echo := types.ChatMessage{Id: "server-1", Body: "hello", Author: types.User{Id: 1}, TempId: tempId}
	assert.NoError(t, s.HandleEvent(event(t, server.TypeChatMessage, echo)))

	state, _ = s.SendStateFor(tempId)
	assert.Equal(t, SendStateResolved, state, "expected resolved state after echo")

	msgs = s.Messages()
	assert.Len(t, msgs, 1, "expected echo to replace the optimistic copy, not duplicate it")
	assert.Equal(t, "server-1", msgs[0].Id, "expected server id after reconciliation")
}

func TestTrackSend_duplicateEchoIsIdempotent(t *testing.T) {
	s := NewSession()
	s.self = types.User{Id: 1}

	tempId, _ := s.TrackSend("hello", "")

	echo := types.ChatMessage{Id: "server-1", Body: "hello", TempId: tempId}
	assert.NoError(t, s.HandleEvent(event(t, server.TypeChatMessage, echo)))
	assert.NoError(t, s.HandleEvent(event(t, server.TypeChatMessage, echo)))

	state, _ := s.SendStateFor(tempId)
	assert.Equal(t, SendStateResolved, state, "expected state unchanged by duplicate")
	assert.Len(t, s.Messages(), 1, "expected a single message after duplicate echo")
}

func TestTrackSend_timeoutFails(t *testing.T) {
	s := NewSession()
	s.self = types.User{Id: 1}
	s.sendTimeout = 20 * time.Millisecond

	tempId, _ := s.TrackSend("lost", "")

	assert.Eventually(t, func() bool {
		state, _ := s.SendStateFor(tempId)
		return state == SendStateFailed
	}, time.Second, 5*time.Millisecond, "expected send to fail after timeout")

	// a late echo must not revive a failed send
	echo := types.ChatMessage{Id: "server-1", Body: "lost", TempId: tempId}
	assert.NoError(t, s.HandleEvent(event(t, server.TypeChatMessage, echo)))

	state, _ := s.SendStateFor(tempId)
	assert.Equal(t, SendStateFailed, state, "expected failed state to be terminal")
}

func TestHandleEvent_otherUsersMessage(t *testing.T) {
	s := NewSession()

	msg := types.ChatMessage{Id: "server-2", Body: "hey", Author: types.User{Id: 5}}
	assert.NoError(t, s.HandleEvent(event(t, server.TypeChatMessage, msg)))

	msgs := s.Messages()
	assert.Len(t, msgs, 1, "expected message appended")
	assert.Equal(t, "server-2", msgs[0].Id)
}

func TestHandleEvent_editAndDeleteReplace(t *testing.T) {
	s := NewSession()

	orig := types.ChatMessage{Id: "m1", Body: "before"}
	assert.NoError(t, s.HandleEvent(event(t, server.TypeChatMessage, orig)))

	edited := orig
	edited.Body = "after"
	edited.Edited = true
	assert.NoError(t, s.HandleEvent(event(t, server.TypeMessageEdited, edited)))

	msgs := s.Messages()
	assert.Len(t, msgs, 1, "expected in-place replacement")
	assert.Equal(t, "after", msgs[0].Body, "expected edited body")

	tombstone := edited
	tombstone.Body = ""
	tombstone.Deleted = true
	assert.NoError(t, s.HandleEvent(event(t, server.TypeMessageDeleted, tombstone)))

	msgs = s.Messages()
	assert.Len(t, msgs, 1, "expected tombstone kept in timeline")
	assert.True(t, msgs[0].Deleted, "expected deleted flag")
	assert.Empty(t, msgs[0].Body, "expected body gone")
}

func TestHandleEvent_reaction(t *testing.T) {
	s := NewSession()

	orig := types.ChatMessage{Id: "m1", Body: "nice"}
	assert.NoError(t, s.HandleEvent(event(t, server.TypeChatMessage, orig)))

	withReaction := orig
	withReaction.Reactions = []types.Reaction{{Emoji: "👍", UserId: 2}}
	assert.NoError(t, s.HandleEvent(event(t, server.TypeReactionUpdated, server.ReactionData{Message: withReaction})))

	msgs := s.Messages()
	assert.Len(t, msgs[0].Reactions, 1, "expected reaction applied")
}

func TestHandleEvent_chatHistoryResets(t *testing.T) {
	s := NewSession()

	assert.NoError(t, s.HandleEvent(event(t, server.TypeChatMessage, types.ChatMessage{Id: "stale"})))

	history := []types.ChatMessage{{Id: "m1", Body: "one"}, {Id: "m2", Body: "two"}}
	assert.NoError(t, s.HandleEvent(event(t, server.TypeChatHistory, history)))

	msgs := s.Messages()
	assert.Len(t, msgs, 2, "expected history to replace the timeline")
	assert.Equal(t, "m1", msgs[0].Id)
	assert.Equal(t, "m2", msgs[1].Id)
}

func TestHandleEvent_typing(t *testing.T) {
	s := NewSession()

	assert.NoError(t, s.HandleEvent(event(t, server.TypeTypingStart, server.TypingData{UserId: 3, UserName: "user3"})))
	assert.Equal(t, map[int]string{3: "user3"}, s.Typing(), "expected typist recorded")

	assert.NoError(t, s.HandleEvent(event(t, server.TypeTypingStop, server.TypingData{UserId: 3})))
	assert.Empty(t, s.Typing(), "expected typist cleared")
}

func TestHandleEvent_errorAndUnknown(t *testing.T) {
	s := NewSession()

	assert.NoError(t, s.HandleEvent(Event{Type: server.TypeError, Message: "forbidden"}))
	assert.Equal(t, "forbidden", s.LastError(), "expected error text recorded")

	assert.NoError(t, s.HandleEvent(Event{Type: "future_event"}), "expected unknown events ignored")
}

func TestHandleEvent_malformedPayload(t *testing.T) {
	s := NewSession()

	err := s.HandleEvent(Event{Type: server.TypeChatMessage, Data: json.RawMessage(`{`)})
	assert.Error(t, err, "expected decode error surfaced")
}
