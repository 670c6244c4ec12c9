// Package client implements a Go client for the collaboration server. The
// Session type holds the reconciled local view of one room: the current tree
// snapshot, the chat timeline, and a correlation table that tracks optimistic
// sends until the server echo resolves them.
package client

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kintree/kintree/internal/server"
	"github.com/kintree/kintree/internal/types"
)

// SendState is the lifecycle of an optimistic chat send.
type SendState string

const (
	// SendStateSending means the frame went out but no echo arrived yet.
	SendStateSending SendState = "sending"
	// SendStateResolved means the echo arrived and the local message was
	// replaced with the server's copy.
	SendStateResolved SendState = "resolved"
	// SendStateFailed means no echo arrived within the send timeout. Failed
	// is terminal; a late echo does not revive the entry.
	SendStateFailed SendState = "failed"
)

// defaultSendTimeout bounds how long a send may sit unresolved before it is
// marked failed.
const defaultSendTimeout = 10 * time.Second

type pendingSend struct {
	state     SendState
	messageId string
	timer     *time.Timer
	sentAt    time.Time
}

// Session reconciles server events into a local room view. It is safe for
// concurrent use; the transport read loop and the application may call into
// it from different goroutines.
type Session struct {
	mu sync.Mutex

	roomId string
	role   types.Role
	self   types.User
	authed bool

	snapshot types.TreeSnapshot

	messages map[string]types.ChatMessage
	order    []string

	pending map[string]*pendingSend

	typing map[int]string

	lastError string

	sendTimeout time.Duration
}

func NewSession() *Session {
	return &Session{
		messages:    make(map[string]types.ChatMessage),
		pending:     make(map[string]*pendingSend),
		typing:      make(map[int]string),
		sendTimeout: defaultSendTimeout,
	}
}

// Event is a decoded server frame.
type Event struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// HandleEvent applies one server event to the session. Unknown event kinds
// are ignored so newer servers stay compatible with older clients.
func (s *Session) HandleEvent(ev Event) error {
	switch ev.Type {
	case server.TypeInit:
		return s.handleInit(ev)
	case server.TypeAllPersons,
		server.TypePersonUpdated,
		server.TypePersonDeleted,
		server.TypeRelationDeleted,
		server.TypePersonWithRelationsAdded:
		return s.handleSnapshot(ev)
	case server.TypeChatMessage:
		return s.handleChatMessage(ev)
	case server.TypeMessageEdited, server.TypeMessageDeleted:
		return s.handleMessageReplace(ev)
	case server.TypeReactionUpdated:
		return s.handleReaction(ev)
	case server.TypeChatHistory:
		return s.handleChatHistory(ev)
	case server.TypeSystemMessage:
		return s.handleSystemMessage(ev)
	case server.TypeTypingStart:
		return s.handleTypingStart(ev)
	case server.TypeTypingStop:
		return s.handleTypingStop(ev)
	case server.TypeError:
		s.mu.Lock()
		s.lastError = ev.Message
		s.mu.Unlock()
		return nil
	}
	return nil
}

func (s *Session) handleInit(ev Event) error {
	var init server.InitData
	if err := json.Unmarshal(ev.Data, &init); err != nil {
		return fmt.Errorf("decode init: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomId = init.RoomId
	s.role = init.Role
	s.self = init.User
	s.authed = true
	return nil
}

// handleSnapshot replaces the local tree wholesale. Every mutation broadcast
// carries the full person set, so there is nothing to merge.
func (s *Session) handleSnapshot(ev Event) error {
	var snap types.TreeSnapshot
	if err := json.Unmarshal(ev.Data, &snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = snap
	return nil
}

func (s *Session) handleChatMessage(ev Event) error {
	var msg types.ChatMessage
	if err := json.Unmarshal(ev.Data, &msg); err != nil {
		return fmt.Errorf("decode chat message: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.TempId != "" {
		if p, ok := s.pending[msg.TempId]; ok {
			switch p.state {
			case SendStateSending:
				p.timer.Stop()
				p.state = SendStateResolved
				p.messageId = msg.Id
				s.replaceLocal(msg.TempId, msg)
				return nil
			case SendStateResolved:
				// duplicate echo, keep the latest server copy
				s.storeMessage(msg)
				return nil
			case SendStateFailed:
				// the send was already surfaced as failed, drop the echo
				return nil
			}
		}
	}

	s.storeMessage(msg)
	return nil
}

func (s *Session) handleMessageReplace(ev Event) error {
	var msg types.ChatMessage
	if err := json.Unmarshal(ev.Data, &msg); err != nil {
		return fmt.Errorf("decode message update: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.storeMessage(msg)
	return nil
}

func (s *Session) handleReaction(ev Event) error {
	var data server.ReactionData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		return fmt.Errorf("decode reaction: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.storeMessage(data.Message)
	return nil
}

func (s *Session) handleChatHistory(ev Event) error {
	var msgs []types.ChatMessage
	if err := json.Unmarshal(ev.Data, &msgs); err != nil {
		return fmt.Errorf("decode chat history: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = make(map[string]types.ChatMessage, len(msgs))
	s.order = s.order[:0]
	for _, m := range msgs {
		s.storeMessage(m)
	}
	return nil
}

func (s *Session) handleSystemMessage(ev Event) error {
	var data server.SystemMessageData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		return fmt.Errorf("decode system message: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.storeMessage(types.ChatMessage{
		Id:        uuid.NewString(),
		RoomId:    s.roomId,
		Body:      data.Text,
		Kind:      types.MessageKindSystem,
		CreatedAt: ev.Timestamp,
	})
	return nil
}

func (s *Session) handleTypingStart(ev Event) error {
	var data server.TypingData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		return fmt.Errorf("decode typing: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.typing[data.UserId] = data.UserName
	return nil
}

func (s *Session) handleTypingStop(ev Event) error {
	var data server.TypingData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		return fmt.Errorf("decode typing: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.typing, data.UserId)
	return nil
}

// TrackSend registers an optimistic chat message under a fresh temp id and
// returns the id plus the outbound payload the transport should send. The
// local copy is visible immediately with state "sending".
func (s *Session) TrackSend(body, replyTo string) (string, server.ChatMessagePayload) {
	tempId := uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	s.storeMessage(types.ChatMessage{
		Id:        tempId,
		RoomId:    s.roomId,
		Author:    s.self,
		Body:      body,
		Kind:      types.MessageKindText,
		ReplyTo:   replyTo,
		ReadBy:    []int{s.self.Id},
		CreatedAt: now,
		TempId:    tempId,
	})

	p := &pendingSend{state: SendStateSending, sentAt: now}
	p.timer = time.AfterFunc(s.sendTimeout, func() { s.expireSend(tempId) })
	s.pending[tempId] = p

	return tempId, server.ChatMessagePayload{Message: body, ReplyTo: replyTo, TempId: tempId}
}

// expireSend moves an unresolved send to failed. Resolved entries are left
// alone, the timer may race a late echo.
func (s *Session) expireSend(tempId string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[tempId]
	if !ok || p.state != SendStateSending {
		return
	}
	p.state = SendStateFailed
}

// SendStateFor reports the state of a tracked send.
func (s *Session) SendStateFor(tempId string) (SendState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[tempId]
	if !ok {
		return "", false
	}
	return p.state, true
}

// storeMessage inserts or replaces a message, preserving arrival order for
// new ids. Callers must hold mu.
func (s *Session) storeMessage(msg types.ChatMessage) {
	if _, ok := s.messages[msg.Id]; !ok {
		s.order = append(s.order, msg.Id)
	}
	s.messages[msg.Id] = msg
}

// replaceLocal swaps the optimistic copy keyed by tempId for the server copy
// keyed by its real id, keeping the message's slot in the timeline. Callers
// must hold mu.
func (s *Session) replaceLocal(tempId string, msg types.ChatMessage) {
	delete(s.messages, tempId)
	for i, id := range s.order {
		if id == tempId {
			s.order[i] = msg.Id
			break
		}
	}
	s.messages[msg.Id] = msg
}

// Snapshot returns the current tree view.
func (s *Session) Snapshot() types.TreeSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

// Messages returns the chat timeline in arrival order.
func (s *Session) Messages() []types.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.ChatMessage, 0, len(s.order))
	for _, id := range s.order {
		if m, ok := s.messages[id]; ok {
			out = append(out, m)
		}
	}
	return out
}

// Typing returns the user ids currently typing, mapped to display names.
func (s *Session) Typing() map[int]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[int]string, len(s.typing))
	for id, name := range s.typing {
		out[id] = name
	}
	return out
}

// Ready reports whether the server admitted the connection.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authed
}

// Role returns the role the server assigned at admission.
func (s *Session) Role() types.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// Self returns the authenticated user.
func (s *Session) Self() types.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

// LastError returns the most recent error frame text.
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}
