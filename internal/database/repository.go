package database

import "github.com/kintree/kintree/internal/types"

type KintreeRepository interface {
	Ping() error

	CreateAccount(params CreateAccountParams) (User, error)
	UpdateAccount(params UpdateAccountParams) (User, error)
	GetAccountById(accountId int) (User, error)
	GetAccountByEmail(email string) (User, error)

	CreateTree(params CreateTreeParams) (Tree, error)
	GetTreeById(treeId int) (Tree, error)
	GetTreeByExternalId(externalId string) (Tree, error)
	ListTreesForAccount(accountId int) ([]Tree, error)

	CreateMembership(accountId, treeId int, role string) (Membership, error)
	GetMembership(accountId, treeId int) (Membership, error)
	UpdateMembershipRole(accountId, treeId int, role string) error
	ListMembers(treeId int) ([]Membership, error)

	CreatePerson(params CreatePersonParams) (Person, error)
	GetPerson(personId int) (Person, error)
	UpdatePerson(params UpdatePersonParams) (Person, error)
	SetPersonDeleted(personId int, deleted bool) error
	GetPersonsWithRelations(treeId int) ([]types.PersonNode, error)

	AddRelation(treeId, personId, relativeId int, kind string) (Relation, error)
	RemoveRelation(personId, relativeId int, kind string) error
	RemoveRelationsForPerson(personId int) error

	CreateChatMessage(msg ChatMessage) error
	GetChatMessage(id string) (ChatMessage, error)
	UpdateChatMessage(msg ChatMessage) error
	ListChatMessages(treeId int) ([]ChatMessage, error)

	AppendHistory(entry HistoryEntry) error
	GetHistoryEntry(id string) (HistoryEntry, error)
	ListHistory(treeId int) ([]HistoryEntry, error)
}
