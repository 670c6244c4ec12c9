package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kintree/kintree/internal/database"
	"github.com/kintree/kintree/internal/server"
	"github.com/kintree/kintree/internal/types"
	"github.com/teris-io/shortid"
)

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type CreateTreeRequest struct {
	Name string `json:"name"`
}

type AddMemberRequest struct {
	TreeId string `json:"tree_id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
}

type UpdateMemberRequest struct {
	TreeId string `json:"tree_id"`
	UserId int    `json:"user_id"`
	Role   string `json:"role"`
}

type RelationInput struct {
	RelativeId int    `json:"relative_id"`
	Kind       string `json:"kind"`
}

type CreatePersonRequest struct {
	TreeId    string          `json:"tree_id"`
	FirstName string          `json:"first_name"`
	LastName  string          `json:"last_name"`
	Gender    string          `json:"gender"`
	BirthDate *time.Time      `json:"birth_date"`
	Relations []RelationInput `json:"relations"`
}

type UpdatePersonRequest struct {
	Id        int        `json:"id"`
	FirstName string     `json:"first_name"`
	LastName  string     `json:"last_name"`
	Gender    string     `json:"gender"`
	BirthDate *time.Time `json:"birth_date"`
}

type RelationRequest struct {
	TreeId     string `json:"tree_id"`
	PersonId   int    `json:"person_id"`
	RelativeId int    `json:"relative_id"`
	Kind       string `json:"kind"`
}

func (s *KintreeApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *KintreeApp) writeApiError(w http.ResponseWriter, errResp *ApiError) {
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *KintreeApp) generateShortId() (string, error) {
	return shortid.Generate()
}

func (s *KintreeApp) healthCheck(w http.ResponseWriter, _ *http.Request) {
	if err := s.db.Ping(); err != nil {
		s.log.Println("health check:", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *KintreeApp) createAccount(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeApiError(w, NewBadRequestError())
		return
	}

	if req.Username == "" || req.Email == "" || req.Password == "" {
		s.writeApiError(w, NewBadRequestError())
		return
	}

	pwdHash, err := hashPassword(req.Password)
	if err != nil {
		s.writeApiError(w, NewInternalServerError(err))
		return
	}

	params := database.CreateAccountParams{
		Username:     req.Username,
		EmailAddress: req.Email,
		PasswordHash: pwdHash,
	}

	newUser, err := s.db.CreateAccount(params)
	if err != nil {
		s.writeApiError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusCreated, types.User{
		Id:           newUser.Id,
		Username:     newUser.Username,
		EmailAddress: newUser.EmailAddress,
		CreatedAt:    newUser.CreatedAt,
		UpdatedAt:    newUser.UpdatedAt,
	})
}

func (s *KintreeApp) login(w http.ResponseWriter, r *http.Request) {
	var lr LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&lr); err != nil {
		s.writeApiError(w, NewBadRequestError())
		return
	}

	if lr.Email == "" || lr.Password == "" {
		s.writeApiError(w, NewBadRequestError())
		return
	}

	dbUser, err := s.db.GetAccountByEmail(lr.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.writeApiError(w, NewNotFoundError())
		} else {
			s.writeApiError(w, NewInternalServerError(err))
		}
		return
	}

	if !verifyPassword(dbUser.PasswordHash, lr.Password) {
		s.writeApiError(w, NewUnauthorizedError())
		return
	}

	token, err := s.tokens.CreateToken(dbUser.Id, defaultJwtExpiration)
	if err != nil {
		s.writeApiError(w, NewInternalServerError(err))
		return
	}

	http.SetCookie(w, createJwtCookie(token, defaultJwtExpiration))

	s.writeJson(w, http.StatusOK, struct {
		types.User
		Token string `json:"token"`
	}{
		User: types.User{
			Id:           dbUser.Id,
			Username:     dbUser.Username,
			EmailAddress: dbUser.EmailAddress,
			CreatedAt:    dbUser.CreatedAt,
			UpdatedAt:    dbUser.UpdatedAt,
		},
		Token: token,
	})
}

func (s *KintreeApp) session(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeApiError(w, NewUnauthorizedError())
		return
	}

	user, err := s.db.GetAccountById(userId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.writeApiError(w, NewNotFoundError())
		} else {
			s.writeApiError(w, NewInternalServerError(err))
		}
		return
	}

	s.writeJson(w, http.StatusOK, types.User{
		Id:           user.Id,
		Username:     user.Username,
		EmailAddress: user.EmailAddress,
		CreatedAt:    user.CreatedAt,
		UpdatedAt:    user.UpdatedAt,
	})
}

func (s *KintreeApp) logout(w http.ResponseWriter, _ *http.Request) {
	// instruct browser to delete cookie by overwriting it with an expired token
	http.SetCookie(w, createJwtCookie("", -time.Hour))
	w.WriteHeader(http.StatusNoContent)
}

// treeRole resolves the caller's membership role for a tree, writing the
// error response itself when the tree is unknown or the caller is not a
// member.
func (s *KintreeApp) treeRole(w http.ResponseWriter, userId int, externalId string) (database.Tree, types.Role, bool) {
	tree, err := s.db.GetTreeByExternalId(externalId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.writeApiError(w, NewNotFoundError())
		} else {
			s.writeApiError(w, NewInternalServerError(err))
		}
		return database.Tree{}, "", false
	}

	membership, err := s.db.GetMembership(userId, tree.Id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.writeApiError(w, NewForbiddenError())
		} else {
			s.writeApiError(w, NewInternalServerError(err))
		}
		return database.Tree{}, "", false
	}

	return tree, types.Role(membership.Role), true
}

func (s *KintreeApp) createTree(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeApiError(w, NewUnauthorizedError())
		return
	}

	var req CreateTreeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		s.writeApiError(w, NewBadRequestError())
		return
	}

	sid, err := s.generateShortId()
	if err != nil {
		s.log.Print("generateShortId:", err)
		s.writeApiError(w, NewInternalServerError(err))
		return
	}

	newTree, err := s.db.CreateTree(database.CreateTreeParams{
		Name:       req.Name,
		ExternalId: sid,
		OwnerId:    userId,
	})
	if err != nil {
		s.writeApiError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusCreated, types.Tree{
		Id:         newTree.Id,
		ExternalId: newTree.ExternalId,
		Name:       newTree.Name,
		OwnerId:    newTree.OwnerId,
		CreatedAt:  newTree.CreatedAt,
		UpdatedAt:  newTree.UpdatedAt,
	})
}

func (s *KintreeApp) getTrees(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeApiError(w, NewUnauthorizedError())
		return
	}

	dbTrees, err := s.db.ListTreesForAccount(userId)
	if err != nil {
		s.writeApiError(w, NewInternalServerError(err))
		return
	}

	trees := make([]types.Tree, 0, len(dbTrees))
	for _, t := range dbTrees {
		trees = append(trees, types.Tree{
			Id:         t.Id,
			ExternalId: t.ExternalId,
			Name:       t.Name,
			OwnerId:    t.OwnerId,
			CreatedAt:  t.CreatedAt,
			UpdatedAt:  t.UpdatedAt,
		})
	}

	s.writeJson(w, http.StatusOK, trees)
}

func (s *KintreeApp) getMembers(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeApiError(w, NewUnauthorizedError())
		return
	}

	tree, _, ok := s.treeRole(w, userId, r.URL.Query().Get("tree_id"))
	if !ok {
		return
	}

	dbMembers, err := s.db.ListMembers(tree.Id)
	if err != nil {
		s.writeApiError(w, NewInternalServerError(err))
		return
	}

	members := make([]types.Member, 0, len(dbMembers))
	for _, m := range dbMembers {
		members = append(members, types.Member{
			User: types.User{Id: m.AccountId, Username: m.Username},
			Role: types.Role(m.Role),
		})
	}

	s.writeJson(w, http.StatusOK, members)
}

func validMemberRole(role string) bool {
	switch types.Role(role) {
	case types.RoleAdmin, types.RoleEditor, types.RoleGuest:
		return true
	}
	return false
}

func (s *KintreeApp) addMember(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeApiError(w, NewUnauthorizedError())
		return
	}

	var req AddMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || !validMemberRole(req.Role) {
		s.writeApiError(w, NewBadRequestError())
		return
	}

	tree, role, ok := s.treeRole(w, userId, req.TreeId)
	if !ok {
		return
	}

	if !role.CanManageMembers() {
		s.writeApiError(w, NewForbiddenError())
		return
	}

	account, err := s.db.GetAccountByEmail(req.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.writeApiError(w, NewNotFoundError())
		} else {
			s.writeApiError(w, NewInternalServerError(err))
		}
		return
	}

	membership, err := s.db.CreateMembership(account.Id, tree.Id, req.Role)
	if err != nil {
		s.writeApiError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusCreated, types.Member{
		User: types.User{Id: membership.AccountId, Username: account.Username},
		Role: types.Role(membership.Role),
	})
}

func (s *KintreeApp) updateMemberRole(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeApiError(w, NewUnauthorizedError())
		return
	}

	var req UpdateMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserId == 0 || !validMemberRole(req.Role) {
		s.writeApiError(w, NewBadRequestError())
		return
	}

	tree, role, ok := s.treeRole(w, userId, req.TreeId)
	if !ok {
		return
	}

	if !role.CanManageMembers() {
		s.writeApiError(w, NewForbiddenError())
		return
	}

	// the owner's role is fixed
	if req.UserId == tree.OwnerId {
		s.writeApiError(w, NewForbiddenError())
		return
	}

	if err := s.db.UpdateMembershipRole(req.UserId, tree.Id, req.Role); err != nil {
		s.writeApiError(w, NewInternalServerError(err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *KintreeApp) getPersons(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeApiError(w, NewUnauthorizedError())
		return
	}

	tree, _, ok := s.treeRole(w, userId, r.URL.Query().Get("tree_id"))
	if !ok {
		return
	}

	persons, err := s.db.GetPersonsWithRelations(tree.Id)
	if err != nil {
		s.writeApiError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusOK, types.TreeSnapshot{TreeId: tree.ExternalId, Persons: persons})
}

func validRelationKind(kind string) bool {
	return kind == database.RelationParent || kind == database.RelationSpouse
}

// appendHistory records a committed mutation in the audit log.
func (s *KintreeApp) appendHistory(treeId, actorId int, action string, targetPersonId int, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	return s.db.AppendHistory(database.HistoryEntry{
		Id:             uuid.NewString(),
		TreeId:         treeId,
		ActorId:        actorId,
		Action:         action,
		TargetPersonId: targetPersonId,
		OccurredAt:     time.Now().UTC(),
		Payload:        raw,
	})
}

func (s *KintreeApp) findNode(treeId, personId int) (types.PersonNode, error) {
	persons, err := s.db.GetPersonsWithRelations(treeId)
	if err != nil {
		return types.PersonNode{}, err
	}

	for _, node := range persons {
		if node.Id == personId {
			return node, nil
		}
	}

	return types.PersonNode{}, sql.ErrNoRows
}

func (s *KintreeApp) createPerson(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeApiError(w, NewUnauthorizedError())
		return
	}

	var req CreatePersonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FirstName == "" {
		s.writeApiError(w, NewBadRequestError())
		return
	}
	for _, rel := range req.Relations {
		if !validRelationKind(rel.Kind) {
			s.writeApiError(w, NewBadRequestError())
			return
		}
	}

	tree, role, ok := s.treeRole(w, userId, req.TreeId)
	if !ok {
		return
	}

	if !role.CanEdit() {
		s.writeApiError(w, NewForbiddenError())
		return
	}

	person, err := s.db.CreatePerson(database.CreatePersonParams{
		TreeId:    tree.Id,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Gender:    req.Gender,
		BirthDate: req.BirthDate,
	})
	if err != nil {
		s.writeApiError(w, NewInternalServerError(err))
		return
	}

	refs := make([]types.RelationRef, 0, len(req.Relations))
	for _, rel := range req.Relations {
		if _, err := s.db.AddRelation(tree.Id, person.Id, rel.RelativeId, rel.Kind); err != nil {
			s.writeApiError(w, NewInternalServerError(err))
			return
		}
		refs = append(refs, types.RelationRef{PersonId: person.Id, RelativeId: rel.RelativeId, Kind: rel.Kind})
	}

	node, err := s.findNode(tree.Id, person.Id)
	if err != nil {
		s.writeApiError(w, NewInternalServerError(err))
		return
	}

	if err := s.appendHistory(tree.Id, userId, types.ActionCreate, person.Id, types.CreatePayload{
		Person:    node,
		Relations: refs,
	}); err != nil {
		s.writeApiError(w, NewInternalServerError(err))
		return
	}

	if err := s.cs.NotifyMutation(r.Context(), tree.ExternalId, server.TypePersonWithRelationsAdded); err != nil {
		s.log.Println("notify mutation:", err)
	}

	s.writeJson(w, http.StatusCreated, node)
}

func (s *KintreeApp) updatePerson(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeApiError(w, NewUnauthorizedError())
		return
	}

	var req UpdatePersonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Id == 0 || req.FirstName == "" {
		s.writeApiError(w, NewBadRequestError())
		return
	}

	person, err := s.db.GetPerson(req.Id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.writeApiError(w, NewNotFoundError())
		} else {
			s.writeApiError(w, NewInternalServerError(err))
		}
		return
	}

	tree, role, ok := s.treeById(w, userId, person.TreeId)
	if !ok {
		return
	}

	if !role.CanEdit() {
		s.writeApiError(w, NewForbiddenError())
		return
	}

	before := types.PersonFields{
		FirstName: person.FirstName,
		LastName:  person.LastName,
		Gender:    person.Gender,
		BirthDate: person.BirthDate,
	}
	after := types.PersonFields{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Gender:    req.Gender,
		BirthDate: req.BirthDate,
	}

	updated, err := s.db.UpdatePerson(database.UpdatePersonParams{
		PersonId:  req.Id,
		FirstName: after.FirstName,
		LastName:  after.LastName,
		Gender:    after.Gender,
		BirthDate: after.BirthDate,
	})
	if err != nil {
		s.writeApiError(w, NewInternalServerError(err))
		return
	}

	if err := s.appendHistory(tree.Id, userId, types.ActionUpdate, updated.Id, types.UpdatePayload{
		Before: before,
		After:  after,
	}); err != nil {
		s.writeApiError(w, NewInternalServerError(err))
		return
	}

	if err := s.cs.NotifyMutation(r.Context(), tree.ExternalId, server.TypePersonUpdated); err != nil {
		s.log.Println("notify mutation:", err)
	}

	node, err := s.findNode(tree.Id, updated.Id)
	if err != nil {
		s.writeApiError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusOK, node)
}

// treeById is treeRole for handlers that start from a person rather than a
// tree external id.
func (s *KintreeApp) treeById(w http.ResponseWriter, userId, treeId int) (database.Tree, types.Role, bool) {
	tree, err := s.db.GetTreeById(treeId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.writeApiError(w, NewNotFoundError())
		} else {
			s.writeApiError(w, NewInternalServerError(err))
		}
		return database.Tree{}, "", false
	}

	membership, err := s.db.GetMembership(userId, tree.Id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.writeApiError(w, NewForbiddenError())
		} else {
			s.writeApiError(w, NewInternalServerError(err))
		}
		return database.Tree{}, "", false
	}

	return tree, types.Role(membership.Role), true
}

func (s *KintreeApp) deletePerson(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeApiError(w, NewUnauthorizedError())
		return
	}

	personId, err := strconv.Atoi(r.URL.Query().Get("id"))
	if err != nil {
		s.writeApiError(w, NewBadRequestError())
		return
	}

	person, err := s.db.GetPerson(personId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.writeApiError(w, NewNotFoundError())
		} else {
			s.writeApiError(w, NewInternalServerError(err))
		}
		return
	}
	if person.Deleted {
		s.writeApiError(w, NewNotFoundError())
		return
	}

	tree, role, ok := s.treeById(w, userId, person.TreeId)
	if !ok {
		return
	}

	if !role.CanEdit() {
		s.writeApiError(w, NewForbiddenError())
		return
	}

	// capture the node with its relations before it disappears from the
	// snapshot, the restore path depends on it
	node, err := s.findNode(tree.Id, person.Id)
	if err != nil {
		s.writeApiError(w, NewInternalServerError(err))
		return
	}

	if err := s.db.SetPersonDeleted(person.Id, true); err != nil {
		s.writeApiError(w, NewInternalServerError(err))
		return
	}

	if err := s.appendHistory(tree.Id, userId, types.ActionDelete, person.Id, types.DeletePayload{Person: node}); err != nil {
		s.writeApiError(w, NewInternalServerError(err))
		return
	}

	if err := s.cs.NotifyMutation(r.Context(), tree.ExternalId, server.TypePersonDeleted); err != nil {
		s.log.Println("notify mutation:", err)
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *KintreeApp) restorePerson(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeApiError(w, NewUnauthorizedError())
		return
	}

	personId, err := strconv.Atoi(r.URL.Query().Get("id"))
	if err != nil {
		s.writeApiError(w, NewBadRequestError())
		return
	}

	person, err := s.db.GetPerson(personId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.writeApiError(w, NewNotFoundError())
		} else {
			s.writeApiError(w, NewInternalServerError(err))
		}
		return
	}
	if !person.Deleted {
		s.writeApiError(w, NewBadRequestError())
		return
	}

	tree, role, ok := s.treeById(w, userId, person.TreeId)
	if !ok {
		return
	}

	if !role.CanEdit() {
		s.writeApiError(w, NewForbiddenError())
		return
	}

	if err := s.db.SetPersonDeleted(person.Id, false); err != nil {
		s.writeApiError(w, NewInternalServerError(err))
		return
	}

	node, err := s.findNode(tree.Id, person.Id)
	if err != nil {
		s.writeApiError(w, NewInternalServerError(err))
		return
	}

	if err := s.appendHistory(tree.Id, userId, types.ActionRestore, person.Id, types.DeletePayload{Person: node}); err != nil {
		s.writeApiError(w, NewInternalServerError(err))
		return
	}

	if err := s.cs.NotifyMutation(r.Context(), tree.ExternalId, server.TypePersonWithRelationsAdded); err != nil {
		s.log.Println("notify mutation:", err)
	}

	s.writeJson(w, http.StatusOK, node)
}

func (s *KintreeApp) addRelation(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeApiError(w, NewUnauthorizedError())
		return
	}

	var req RelationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !validRelationKind(req.Kind) ||
		req.PersonId == 0 || req.RelativeId == 0 || req.PersonId == req.RelativeId {
		s.writeApiError(w, NewBadRequestError())
		return
	}

	tree, role, ok := s.treeRole(w, userId, req.TreeId)
	if !ok {
		return
	}

	if !role.CanEdit() {
		s.writeApiError(w, NewForbiddenError())
		return
	}

	for _, id := range []int{req.PersonId, req.RelativeId} {
		person, err := s.db.GetPerson(id)
		if err != nil || person.TreeId != tree.Id || person.Deleted {
			s.writeApiError(w, NewNotFoundError())
			return
		}
	}

	if _, err := s.db.AddRelation(tree.Id, req.PersonId, req.RelativeId, req.Kind); err != nil {
		s.writeApiError(w, NewInternalServerError(err))
		return
	}

	if err := s.appendHistory(tree.Id, userId, types.ActionAddRelation, req.PersonId, types.RelationPayload{
		RelationRef: types.RelationRef{PersonId: req.PersonId, RelativeId: req.RelativeId, Kind: req.Kind},
	}); err != nil {
		s.writeApiError(w, NewInternalServerError(err))
		return
	}

	if err := s.cs.NotifyMutation(r.Context(), tree.ExternalId, server.TypePersonUpdated); err != nil {
		s.log.Println("notify mutation:", err)
	}

	w.WriteHeader(http.StatusCreated)
}

func (s *KintreeApp) deleteRelation(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeApiError(w, NewUnauthorizedError())
		return
	}

	var req RelationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !validRelationKind(req.Kind) {
		s.writeApiError(w, NewBadRequestError())
		return
	}

	tree, role, ok := s.treeRole(w, userId, req.TreeId)
	if !ok {
		return
	}

	if !role.CanEdit() {
		s.writeApiError(w, NewForbiddenError())
		return
	}

	if err := s.db.RemoveRelation(req.PersonId, req.RelativeId, req.Kind); err != nil {
		s.writeApiError(w, NewInternalServerError(err))
		return
	}

	if err := s.appendHistory(tree.Id, userId, types.ActionRemoveRelation, req.PersonId, types.RelationPayload{
		RelationRef: types.RelationRef{PersonId: req.PersonId, RelativeId: req.RelativeId, Kind: req.Kind},
	}); err != nil {
		s.writeApiError(w, NewInternalServerError(err))
		return
	}

	if err := s.cs.NotifyMutation(r.Context(), tree.ExternalId, server.TypeRelationDeleted); err != nil {
		s.log.Println("notify mutation:", err)
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *KintreeApp) getHistory(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeApiError(w, NewUnauthorizedError())
		return
	}

	tree, _, ok := s.treeRole(w, userId, r.URL.Query().Get("tree_id"))
	if !ok {
		return
	}

	dbEntries, err := s.db.ListHistory(tree.Id)
	if err != nil {
		s.writeApiError(w, NewInternalServerError(err))
		return
	}

	entries := make([]types.HistoryEntry, 0, len(dbEntries))
	for _, e := range dbEntries {
		entries = append(entries, types.HistoryEntry{
			Id:             e.Id,
			TreeId:         e.TreeId,
			ActorId:        e.ActorId,
			Action:         e.Action,
			TargetPersonId: e.TargetPersonId,
			OccurredAt:     e.OccurredAt,
			Payload:        e.Payload,
		})
	}

	s.writeJson(w, http.StatusOK, entries)
}

func (s *KintreeApp) undoPreview(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeApiError(w, NewUnauthorizedError())
		return
	}

	entryId := r.URL.Query().Get("id")
	if entryId == "" {
		s.writeApiError(w, NewBadRequestError())
		return
	}

	entry, err := s.db.GetHistoryEntry(entryId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.writeApiError(w, NewNotFoundError())
		} else {
			s.writeApiError(w, NewInternalServerError(err))
		}
		return
	}

	// previewing is read-only, any member may do it
	if _, _, ok := s.treeById(w, userId, entry.TreeId); !ok {
		return
	}

	preview, err := s.undo.Simulate(entryId)
	if err != nil {
		s.log.Println("simulate undo:", err)
		s.writeApiError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusOK, preview)
}

func (s *KintreeApp) undoCommit(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeApiError(w, NewUnauthorizedError())
		return
	}

	entryId := r.URL.Query().Get("id")
	if entryId == "" {
		s.writeApiError(w, NewBadRequestError())
		return
	}

	entry, err := s.db.GetHistoryEntry(entryId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.writeApiError(w, NewNotFoundError())
		} else {
			s.writeApiError(w, NewInternalServerError(err))
		}
		return
	}

	tree, role, ok := s.treeById(w, userId, entry.TreeId)
	if !ok {
		return
	}

	if !role.CanEdit() {
		s.writeApiError(w, NewForbiddenError())
		return
	}

	commit, err := s.undo.CommitUndo(entryId, userId)
	if err != nil {
		s.log.Println("commit undo:", err)
		s.writeApiError(w, NewInternalServerError(err))
		return
	}

	s.stats.Incr(server.StatUndoCommits)

	if err := s.cs.NotifyMutation(r.Context(), tree.ExternalId, commit.MutationKind); err != nil {
		s.log.Println("notify mutation:", err)
	}

	s.writeJson(w, http.StatusOK, commit)
}

func (s *KintreeApp) serveWs(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				// if no origin header, allow the request
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := server.NewClient(conn, s.cs, s.log, s.stats)

	s.cs.RegisterClient(client)
	go client.Write()
	go client.Read()
}
