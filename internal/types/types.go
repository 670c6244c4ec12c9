package types

import (
	"encoding/json"
	"time"
)

// Role is a member's permission level within a tree.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleEditor Role = "editor"
	RoleGuest  Role = "guest"
)

// CanEdit reports whether the role may mutate persons and relations.
func (r Role) CanEdit() bool {
	return r == RoleOwner || r == RoleAdmin || r == RoleEditor
}

// CanManageMembers reports whether the role may add members or change roles.
func (r Role) CanManageMembers() bool {
	return r == RoleOwner || r == RoleAdmin
}

type User struct {
	Id           int       `json:"id"`
	Username     string    `json:"username"`
	EmailAddress string    `json:"email_address,omitempty"`
	Password     string    `json:"-"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

type Tree struct {
	Id         int       `json:"id"`
	ExternalId string    `json:"external_id"`
	Name       string    `json:"name"`
	OwnerId    int       `json:"owner_id"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
}

type Member struct {
	User User `json:"user"`
	Role Role `json:"role"`
}

// PersonNode is one person with its relation references embedded. Children
// and siblings are derived from parent links, so a snapshot is self-contained.
type PersonNode struct {
	Id         int        `json:"id"`
	TreeId     int        `json:"tree_id"`
	FirstName  string     `json:"first_name"`
	LastName   string     `json:"last_name"`
	Gender     string     `json:"gender,omitempty"`
	BirthDate  *time.Time `json:"birth_date,omitempty"`
	Deleted    bool       `json:"deleted,omitempty"`
	ParentIds  []int      `json:"parent_ids"`
	ChildIds   []int      `json:"child_ids"`
	SpouseIds  []int      `json:"spouse_ids"`
	SiblingIds []int      `json:"sibling_ids"`
	CreatedAt  time.Time  `json:"created_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at,omitempty"`
}

// TreeSnapshot is the full person set for one tree. Clients replace their
// in-memory copy wholesale on every mutation broadcast; there is no patch
// format.
type TreeSnapshot struct {
	TreeId  string       `json:"tree_id"`
	Persons []PersonNode `json:"persons"`
}

type Reaction struct {
	Emoji  string    `json:"emoji"`
	UserId int       `json:"user_id"`
	At     time.Time `json:"at"`
}

type EditRecord struct {
	PreviousBody string    `json:"previous_body"`
	EditedAt     time.Time `json:"edited_at"`
}

const (
	MessageKindText         = "text"
	MessageKindSystem       = "system"
	MessageKindNotification = "notification"
)

// ChatMessage is a persisted room message. A deleted message keeps its id and
// timestamps but its body is cleared and never retransmitted.
type ChatMessage struct {
	Id          string       `json:"id"`
	RoomId      string       `json:"room_id"`
	Author      User         `json:"author"`
	Body        string       `json:"body"`
	Kind        string       `json:"kind"`
	ReplyTo     string       `json:"reply_to,omitempty"`
	ReadBy      []int        `json:"read_by"`
	Reactions   []Reaction   `json:"reactions"`
	Edited      bool         `json:"edited"`
	EditHistory []EditRecord `json:"edit_history,omitempty"`
	Deleted     bool         `json:"deleted"`
	DeletedAt   *time.Time   `json:"deleted_at,omitempty"`
	DeletedBy   int          `json:"deleted_by,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   *time.Time   `json:"updated_at,omitempty"`
	// TempId carries the sender's correlation id on the broadcast echo only.
	TempId string `json:"temp_id,omitempty"`
}

// Seen reports whether anyone besides the author has read the message.
func (m *ChatMessage) Seen() bool {
	return len(m.ReadBy) > 1
}

// HasReaction reports whether user already reacted with emoji.
func (m *ChatMessage) HasReaction(userId int, emoji string) bool {
	for _, r := range m.Reactions {
		if r.UserId == userId && r.Emoji == emoji {
			return true
		}
	}
	return false
}

const (
	ActionCreate         = "create"
	ActionUpdate         = "update"
	ActionDelete         = "delete"
	ActionRestore        = "restore"
	ActionAddRelation    = "add_relation"
	ActionRemoveRelation = "remove_relation"
)

// HistoryEntry is one committed mutation in the append-only audit log. Undo
// never rewrites an entry; the compensating action is appended as a new one.
type HistoryEntry struct {
	Id             string          `json:"id"`
	TreeId         int             `json:"tree_id"`
	ActorId        int             `json:"actor_id"`
	Action         string          `json:"action"`
	TargetPersonId int             `json:"target_person_id"`
	OccurredAt     time.Time       `json:"occurred_at"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// TypingState is ephemeral presence; it lives only in a room's memory.
type TypingState struct {
	RoomId   string `json:"room_id"`
	UserId   int    `json:"user_id"`
	UserName string `json:"user_name"`
}
