package database

import (
	"github.com/kintree/kintree/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockKintreeRepository struct {
	mock.Mock
}

func (m *MockKintreeRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockKintreeRepository) CreateAccount(params CreateAccountParams) (User, error) {
	args := m.Called(params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockKintreeRepository) UpdateAccount(params UpdateAccountParams) (User, error) {
	args := m.Called(params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockKintreeRepository) GetAccountById(accountId int) (User, error) {
	args := m.Called(accountId)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockKintreeRepository) GetAccountByEmail(email string) (User, error) {
	args := m.Called(email)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockKintreeRepository) CreateTree(params CreateTreeParams) (Tree, error) {
	args := m.Called(params)
	return args.Get(0).(Tree), args.Error(1)
}
func (m *MockKintreeRepository) GetTreeById(treeId int) (Tree, error) {
	args := m.Called(treeId)
	return args.Get(0).(Tree), args.Error(1)
}
func (m *MockKintreeRepository) GetTreeByExternalId(externalId string) (Tree, error) {
	args := m.Called(externalId)
	return args.Get(0).(Tree), args.Error(1)
}
func (m *MockKintreeRepository) ListTreesForAccount(accountId int) ([]Tree, error) {
	args := m.Called(accountId)
	return args.Get(0).([]Tree), args.Error(1)
}
func (m *MockKintreeRepository) CreateMembership(accountId, treeId int, role string) (Membership, error) {
	args := m.Called(accountId, treeId, role)
	return args.Get(0).(Membership), args.Error(1)
}
func (m *MockKintreeRepository) GetMembership(accountId, treeId int) (Membership, error) {
	args := m.Called(accountId, treeId)
	return args.Get(0).(Membership), args.Error(1)
}
func (m *MockKintreeRepository) UpdateMembershipRole(accountId, treeId int, role string) error {
	args := m.Called(accountId, treeId, role)
	return args.Error(0)
}
func (m *MockKintreeRepository) ListMembers(treeId int) ([]Membership, error) {
	args := m.Called(treeId)
	return args.Get(0).([]Membership), args.Error(1)
}
func (m *MockKintreeRepository) CreatePerson(params CreatePersonParams) (Person, error) {
	args := m.Called(params)
	return args.Get(0).(Person), args.Error(1)
}
func (m *MockKintreeRepository) GetPerson(personId int) (Person, error) {
	args := m.Called(personId)
	return args.Get(0).(Person), args.Error(1)
}
func (m *MockKintreeRepository) UpdatePerson(params UpdatePersonParams) (Person, error) {
	args := m.Called(params)
	return args.Get(0).(Person), args.Error(1)
}
func (m *MockKintreeRepository) SetPersonDeleted(personId int, deleted bool) error {
	args := m.Called(personId, deleted)
	return args.Error(0)
}
func (m *MockKintreeRepository) GetPersonsWithRelations(treeId int) ([]types.PersonNode, error) {
	args := m.Called(treeId)
	return args.Get(0).([]types.PersonNode), args.Error(1)
}
func (m *MockKintreeRepository) AddRelation(treeId, personId, relativeId int, kind string) (Relation, error) {
	args := m.Called(treeId, personId, relativeId, kind)
	return args.Get(0).(Relation), args.Error(1)
}
func (m *MockKintreeRepository) RemoveRelation(personId, relativeId int, kind string) error {
	args := m.Called(personId, relativeId, kind)
	return args.Error(0)
}
func (m *MockKintreeRepository) RemoveRelationsForPerson(personId int) error {
	args := m.Called(personId)
	return args.Error(0)
}
func (m *MockKintreeRepository) CreateChatMessage(msg ChatMessage) error {
	args := m.Called(msg)
	return args.Error(0)
}
func (m *MockKintreeRepository) GetChatMessage(id string) (ChatMessage, error) {
	args := m.Called(id)
	return args.Get(0).(ChatMessage), args.Error(1)
}
func (m *MockKintreeRepository) UpdateChatMessage(msg ChatMessage) error {
	args := m.Called(msg)
	return args.Error(0)
}
func (m *MockKintreeRepository) ListChatMessages(treeId int) ([]ChatMessage, error) {
	args := m.Called(treeId)
	return args.Get(0).([]ChatMessage), args.Error(1)
}
func (m *MockKintreeRepository) AppendHistory(entry HistoryEntry) error {
	args := m.Called(entry)
	return args.Error(0)
}
func (m *MockKintreeRepository) GetHistoryEntry(id string) (HistoryEntry, error) {
	args := m.Called(id)
	return args.Get(0).(HistoryEntry), args.Error(1)
}
func (m *MockKintreeRepository) ListHistory(treeId int) ([]HistoryEntry, error) {
	args := m.Called(treeId)
	return args.Get(0).([]HistoryEntry), args.Error(1)
}
