package database

import "time"

type User struct {
	Id           int
	Username     string
	EmailAddress string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Tree struct {
	Id         int
	ExternalId string
	Name       string
	OwnerId    int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Membership struct {
	Id        int
	AccountId int
	Username  string
	TreeId    int
	Role      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Person struct {
	Id        int
	TreeId    int
	FirstName string
	LastName  string
	Gender    string
	BirthDate *time.Time
	Deleted   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

const (
	RelationParent = "parent"
	RelationSpouse = "spouse"
)

// Relation links person_id to relative_id. For kind "parent" the relative is
// the parent of the person; "spouse" rows are stored once and read both ways.
type Relation struct {
	Id         int
	TreeId     int
	PersonId   int
	RelativeId int
	Kind       string
	CreatedAt  time.Time
}

// ChatMessage rows keep reactions, read receipts and edit history as JSON
// columns; the room goroutine is the only writer so read-modify-write is safe.
type ChatMessage struct {
	Id          string
	TreeId      int
	UserId      int
	Username    string
	Body        string
	Kind        string
	ReplyTo     string
	ReadBy      []int
	Reactions   []byte
	EditHistory []byte
	Edited      bool
	Deleted     bool
	DeletedAt   *time.Time
	DeletedBy   int
	CreatedAt   time.Time
	UpdatedAt   *time.Time
}

type HistoryEntry struct {
	Id             string
	TreeId         int
	ActorId        int
	Action         string
	TargetPersonId int
	OccurredAt     time.Time
	Payload        []byte
}

type CreateAccountParams struct {
	Username     string
	EmailAddress string
	PasswordHash string
}

type UpdateAccountParams struct {
	UserId       int
	Username     string
	PasswordHash string
}

type CreateTreeParams struct {
	Name       string
	ExternalId string
	OwnerId    int
}

type CreatePersonParams struct {
	TreeId    int
	FirstName string
	LastName  string
	Gender    string
	BirthDate *time.Time
}

type UpdatePersonParams struct {
	PersonId  int
	FirstName string
	LastName  string
	Gender    string
	BirthDate *time.Time
}
