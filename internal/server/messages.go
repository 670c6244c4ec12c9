package server

import (
	"encoding/json"
	"time"

	"github.com/kintree/kintree/internal/types"
)

// Inbound command kinds.
const (
	TypeAuth            = "auth"
	TypeGetTree         = "getAllPersonsWithRelations"
	TypeChatMessage     = "chat_message"
	TypeEditMessage     = "edit_message"
	TypeDeleteMessage   = "delete_message"
	TypeAddReaction     = "add_reaction"
	TypeMarkMessageRead = "mark_message_read"
	TypeGetChatHistory  = "get_chat_history"
	TypeTypingStart     = "typing_start"
	TypeTypingStop      = "typing_stop"
)

// Outbound event kinds.
const (
	TypeInit                     = "init"
	TypeAllPersons               = "allPersonsWithRelations"
	TypePersonUpdated            = "personUpdated"
	TypePersonDeleted            = "personDeleted"
	TypeRelationDeleted          = "relationDeleted"
	TypePersonWithRelationsAdded = "personWithRelationsAdded"
	TypeMessageEdited            = "message_edited"
	TypeMessageDeleted           = "message_deleted"
	TypeReactionUpdated          = "reaction_updated"
	TypeChatHistory              = "chat_history"
	TypeSystemMessage            = "system_message"
	TypeError                    = "error"
)

type ClientMessage struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"-"`
	client    *Client
}

// decode unmarshals the command payload into v. A missing payload is left
// as the zero value so commands without arguments stay valid.
func (m *ClientMessage) decode(v any) error {
	if len(m.Data) == 0 {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

type AuthPayload struct {
	Token  string `json:"token"`
	RoomId string `json:"room_id"`
}

type ChatMessagePayload struct {
	Message string `json:"message"`
	ReplyTo string `json:"reply_to,omitempty"`
	TempId  string `json:"temp_id,omitempty"`
}

type EditMessagePayload struct {
	MessageId  string `json:"message_id"`
	NewMessage string `json:"new_message"`
}

type MessageIdPayload struct {
	MessageId string `json:"message_id"`
}

type AddReactionPayload struct {
	MessageId string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

type ChatHistoryPayload struct {
	RoomId string `json:"room_id"`
}

type TypingPayload struct {
	RoomId   string `json:"room_id"`
	UserName string `json:"user_name"`
}

type ServerMessage struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	// SkipClient excludes the sender from a room broadcast.
	SkipClient *Client `json:"-"`
}

type InitData struct {
	RoomId string     `json:"room_id"`
	Role   types.Role `json:"role"`
	User   types.User `json:"user"`
}

type TypingData struct {
	UserId   int    `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
}

type ReactionData struct {
	Message types.ChatMessage `json:"message"`
}

type SystemMessageData struct {
	Text string `json:"text"`
}

func NewServerMessage(msgType string, data any) *ServerMessage {
	return &ServerMessage{
		Type:      msgType,
		Data:      data,
		Timestamp: Now(),
	}
}

func ErrorMessage(text string) *ServerMessage {
	return &ServerMessage{
		Type:      TypeError,
		Message:   text,
		Timestamp: Now(),
	}
}

func ErrUnauthorized() *ServerMessage {
	return ErrorMessage("unauthorized")
}

func ErrForbidden() *ServerMessage {
	return ErrorMessage("forbidden")
}

func ErrRoomNotFound() *ServerMessage {
	return ErrorMessage("room not found")
}

func ErrMessageNotFound() *ServerMessage {
	return ErrorMessage("message not found")
}

func ErrInvalidMessage() *ServerMessage {
	return ErrorMessage("invalid message format")
}

func ErrInternalError() *ServerMessage {
	return ErrorMessage("internal server error")
}

func ErrServiceUnavailable() *ServerMessage {
	return ErrorMessage("service unavailable")
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
