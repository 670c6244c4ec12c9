package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/kintree/kintree/internal/types"
)

func (db *PgKintreeRepository) CreateAccount(params CreateAccountParams) (User, error) {
	res := db.conn.QueryRow(
		"INSERT INTO accounts (username, email, password_hash, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $4) RETURNING id, username, email, created_at, updated_at",
		params.Username,
		params.EmailAddress,
		params.PasswordHash,
		time.Now().UTC(),
	)

	var u User
	err := res.Scan(&u.Id, &u.Username, &u.EmailAddress, &u.CreatedAt, &u.UpdatedAt)

	return u, err
}

func (db *PgKintreeRepository) UpdateAccount(params UpdateAccountParams) (User, error) {
	res := db.conn.QueryRow(
		"UPDATE accounts SET username = $2, password_hash = $3, updated_at = $4 "+
			"WHERE id = $1 RETURNING id, username, email, created_at, updated_at",
		params.UserId,
		params.Username,
		params.PasswordHash,
		time.Now().UTC(),
	)

	var u User
	err := res.Scan(&u.Id, &u.Username, &u.EmailAddress, &u.CreatedAt, &u.UpdatedAt)

	return u, err
}

func (db *PgKintreeRepository) GetAccountById(id int) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, email, created_at, updated_at FROM accounts WHERE id = $1 LIMIT 1",
		id,
	)

	var u User
	err := row.Scan(&u.Id, &u.Username, &u.EmailAddress, &u.CreatedAt, &u.UpdatedAt)

	return u, err
}

func (db *PgKintreeRepository) GetAccountByEmail(email string) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, email, password_hash, created_at, updated_at FROM accounts "+
			"WHERE email = $1 LIMIT 1",
		email,
	)

	var u User
	err := row.Scan(&u.Id, &u.Username, &u.EmailAddress, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)

	return u, err
}

func (db *PgKintreeRepository) CreateTree(params CreateTreeParams) (Tree, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Tree{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res := tx.QueryRow(
		"INSERT INTO trees (external_id, name, owner_id, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $4) RETURNING id, external_id, name, owner_id, created_at, updated_at",
		params.ExternalId,
		params.Name,
		params.OwnerId,
		time.Now().UTC(),
	)

	var tree Tree
	err = res.Scan(&tree.Id, &tree.ExternalId, &tree.Name, &tree.OwnerId, &tree.CreatedAt, &tree.UpdatedAt)
	if err != nil {
		return Tree{}, err
	}

	// the owner is always a member of their own tree
	_, err = tx.Exec(
		"INSERT INTO memberships (account_id, tree_id, role, created_at, updated_at) VALUES ($1, $2, $3, $4, $4)",
		params.OwnerId,
		tree.Id,
		string(types.RoleOwner),
		time.Now().UTC(),
	)
	if err != nil {
		return Tree{}, err
	}

	if err = tx.Commit(); err != nil {
		return Tree{}, err
	}

	return tree, nil
}

func (db *PgKintreeRepository) GetTreeById(treeId int) (Tree, error) {
	row := db.conn.QueryRow(
		"SELECT id, external_id, name, owner_id, created_at, updated_at FROM trees WHERE id = $1 LIMIT 1",
		treeId,
	)

	var tree Tree
	err := row.Scan(&tree.Id, &tree.ExternalId, &tree.Name, &tree.OwnerId, &tree.CreatedAt, &tree.UpdatedAt)

	return tree, err
}

func (db *PgKintreeRepository) GetTreeByExternalId(externalId string) (Tree, error) {
	row := db.conn.QueryRow(
		"SELECT id, external_id, name, owner_id, created_at, updated_at FROM trees "+
			"WHERE external_id = $1 LIMIT 1",
		externalId,
	)

	var tree Tree
	err := row.Scan(&tree.Id, &tree.ExternalId, &tree.Name, &tree.OwnerId, &tree.CreatedAt, &tree.UpdatedAt)

	return tree, err
}

func (db *PgKintreeRepository) ListTreesForAccount(accountId int) ([]Tree, error) {
	rows, err := db.conn.Query(
		"SELECT t.id, t.external_id, t.name, t.owner_id, t.created_at, t.updated_at "+
			"FROM memberships m JOIN trees t ON t.id = m.tree_id WHERE m.account_id = $1",
		accountId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trees []Tree
	for rows.Next() {
		var tree Tree
		if err = rows.Scan(&tree.Id, &tree.ExternalId, &tree.Name, &tree.OwnerId, &tree.CreatedAt, &tree.UpdatedAt); err != nil {
			break
		}
		trees = append(trees, tree)
	}

	return trees, err
}

func (db *PgKintreeRepository) CreateMembership(accountId, treeId int, role string) (Membership, error) {
	res := db.conn.QueryRow(
		"INSERT INTO memberships (account_id, tree_id, role, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $4) RETURNING id, account_id, tree_id, role",
		accountId,
		treeId,
		role,
		time.Now().UTC(),
	)

	var m Membership
	err := res.Scan(&m.Id, &m.AccountId, &m.TreeId, &m.Role)

	return m, err
}

func (db *PgKintreeRepository) GetMembership(accountId, treeId int) (Membership, error) {
	row := db.conn.QueryRow(
		"SELECT m.id, m.account_id, a.username, m.tree_id, m.role, m.created_at, m.updated_at "+
			"FROM memberships m JOIN accounts a ON a.id = m.account_id "+
			"WHERE m.account_id = $1 AND m.tree_id = $2 LIMIT 1",
		accountId,
		treeId,
	)

	var m Membership
	err := row.Scan(&m.Id, &m.AccountId, &m.Username, &m.TreeId, &m.Role, &m.CreatedAt, &m.UpdatedAt)

	return m, err
}

func (db *PgKintreeRepository) UpdateMembershipRole(accountId, treeId int, role string) error {
	_, err := db.conn.Exec(
		"UPDATE memberships SET role = $3, updated_at = $4 WHERE account_id = $1 AND tree_id = $2",
		accountId,
		treeId,
		role,
		time.Now().UTC(),
	)

	return err
}

func (db *PgKintreeRepository) ListMembers(treeId int) ([]Membership, error) {
	rows, err := db.conn.Query(
		"SELECT m.id, m.account_id, a.username, m.tree_id, m.role, m.created_at, m.updated_at "+
			"FROM memberships m JOIN accounts a ON a.id = m.account_id WHERE m.tree_id = $1",
		treeId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []Membership
	for rows.Next() {
		var m Membership
		if err = rows.Scan(&m.Id, &m.AccountId, &m.Username, &m.TreeId, &m.Role, &m.CreatedAt, &m.UpdatedAt); err != nil {
			break
		}
		members = append(members, m)
	}

	return members, err
}

func (db *PgKintreeRepository) CreatePerson(params CreatePersonParams) (Person, error) {
	res := db.conn.QueryRow(
		"INSERT INTO persons (tree_id, first_name, last_name, gender, birth_date, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $6) "+
			"RETURNING id, tree_id, first_name, last_name, gender, birth_date, deleted, created_at, updated_at",
		params.TreeId,
		params.FirstName,
		params.LastName,
		params.Gender,
		params.BirthDate,
		time.Now().UTC(),
	)

	return scanPerson(res)
}

func (db *PgKintreeRepository) GetPerson(id int) (Person, error) {
	row := db.conn.QueryRow(
		"SELECT id, tree_id, first_name, last_name, gender, birth_date, deleted, created_at, updated_at "+
			"FROM persons WHERE id = $1 LIMIT 1",
		id,
	)

	return scanPerson(row)
}

func (db *PgKintreeRepository) UpdatePerson(params UpdatePersonParams) (Person, error) {
	res := db.conn.QueryRow(
		"UPDATE persons SET first_name = $2, last_name = $3, gender = $4, birth_date = $5, updated_at = $6 "+
			"WHERE id = $1 "+
			"RETURNING id, tree_id, first_name, last_name, gender, birth_date, deleted, created_at, updated_at",
		params.PersonId,
		params.FirstName,
		params.LastName,
		params.Gender,
		params.BirthDate,
		time.Now().UTC(),
	)

	return scanPerson(res)
}

func (db *PgKintreeRepository) SetPersonDeleted(id int, deleted bool) error {
	_, err := db.conn.Exec(
		"UPDATE persons SET deleted = $2, updated_at = $3 WHERE id = $1",
		id,
		deleted,
		time.Now().UTC(),
	)

	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPerson(row rowScanner) (Person, error) {
	var p Person
	var birthDate sql.NullTime
	err := row.Scan(&p.Id, &p.TreeId, &p.FirstName, &p.LastName, &p.Gender, &birthDate, &p.Deleted, &p.CreatedAt, &p.UpdatedAt)
	if birthDate.Valid {
		p.BirthDate = &birthDate.Time
	}

	return p, err
}

// GetPersonsWithRelations assembles the full snapshot for a tree. Children
// are the inverse of parent rows, siblings share at least one parent, and
// soft-deleted persons are excluded along with any relation touching them.
func (db *PgKintreeRepository) GetPersonsWithRelations(treeId int) ([]types.PersonNode, error) {
	rows, err := db.conn.Query(
		"SELECT id, tree_id, first_name, last_name, gender, birth_date, deleted, created_at, updated_at "+
			"FROM persons WHERE tree_id = $1 AND deleted = FALSE ORDER BY id",
		treeId,
	)
	if err != nil {
		return nil, fmt.Errorf("query persons: %w", err)
	}
	defer rows.Close()

	nodes := make(map[int]*types.PersonNode)
	var order []int
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, fmt.Errorf("scan person: %w", err)
		}
		nodes[p.Id] = &types.PersonNode{
			Id:         p.Id,
			TreeId:     p.TreeId,
			FirstName:  p.FirstName,
			LastName:   p.LastName,
			Gender:     p.Gender,
			BirthDate:  p.BirthDate,
			ParentIds:  []int{},
			ChildIds:   []int{},
			SpouseIds:  []int{},
			SiblingIds: []int{},
			CreatedAt:  p.CreatedAt,
			UpdatedAt:  p.UpdatedAt,
		}
		order = append(order, p.Id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	relRows, err := db.conn.Query(
		"SELECT person_id, relative_id, kind FROM relations WHERE tree_id = $1",
		treeId,
	)
	if err != nil {
		return nil, fmt.Errorf("query relations: %w", err)
	}
	defer relRows.Close()

	for relRows.Next() {
		var personId, relativeId int
		var kind string
		if err := relRows.Scan(&personId, &relativeId, &kind); err != nil {
			return nil, fmt.Errorf("scan relation: %w", err)
		}

		person, ok := nodes[personId]
		relative, ok2 := nodes[relativeId]
		if !ok || !ok2 {
			// one side is deleted, skip the edge
			continue
		}

		switch kind {
		case RelationParent:
			person.ParentIds = append(person.ParentIds, relativeId)
			relative.ChildIds = append(relative.ChildIds, personId)
		case RelationSpouse:
			person.SpouseIds = append(person.SpouseIds, relativeId)
			relative.SpouseIds = append(relative.SpouseIds, personId)
		}
	}
	if err := relRows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	deriveSiblings(nodes)

	persons := make([]types.PersonNode, 0, len(order))
	for _, id := range order {
		persons = append(persons, *nodes[id])
	}

	return persons, nil
}

func deriveSiblings(nodes map[int]*types.PersonNode) {
	for _, node := range nodes {
		seen := make(map[int]struct{})
		for _, parentId := range node.ParentIds {
			parent, ok := nodes[parentId]
			if !ok {
				continue
			}
			for _, childId := range parent.ChildIds {
				if childId == node.Id {
					continue
				}
				if _, dup := seen[childId]; dup {
					continue
				}
				seen[childId] = struct{}{}
				node.SiblingIds = append(node.SiblingIds, childId)
			}
		}
		sort.Ints(node.SiblingIds)
	}
}

func (db *PgKintreeRepository) AddRelation(treeId, personId, relativeId int, kind string) (Relation, error) {
	res := db.conn.QueryRow(
		"INSERT INTO relations (tree_id, person_id, relative_id, kind, created_at) "+
			"VALUES ($1, $2, $3, $4, $5) RETURNING id, tree_id, person_id, relative_id, kind, created_at",
		treeId,
		personId,
		relativeId,
		kind,
		time.Now().UTC(),
	)

	var rel Relation
	err := res.Scan(&rel.Id, &rel.TreeId, &rel.PersonId, &rel.RelativeId, &rel.Kind, &rel.CreatedAt)

	return rel, err
}

func (db *PgKintreeRepository) RemoveRelation(personId, relativeId int, kind string) error {
	_, err := db.conn.Exec(
		"DELETE FROM relations WHERE kind = $3 AND "+
			"((person_id = $1 AND relative_id = $2) OR (person_id = $2 AND relative_id = $1))",
		personId,
		relativeId,
		kind,
	)

	return err
}

func (db *PgKintreeRepository) RemoveRelationsForPerson(personId int) error {
	_, err := db.conn.Exec(
		"DELETE FROM relations WHERE person_id = $1 OR relative_id = $1",
		personId,
	)

	return err
}

func (db *PgKintreeRepository) CreateChatMessage(msg ChatMessage) error {
	readBy, err := json.Marshal(msg.ReadBy)
	if err != nil {
		return err
	}

	_, err = db.conn.Exec(
		"INSERT INTO chat_messages (id, tree_id, user_id, body, kind, reply_to, read_by, reactions, edit_history, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, '[]', '[]', $8)",
		msg.Id,
		msg.TreeId,
		msg.UserId,
		msg.Body,
		msg.Kind,
		msg.ReplyTo,
		readBy,
		msg.CreatedAt,
	)

	return err
}

func (db *PgKintreeRepository) GetChatMessage(id string) (ChatMessage, error) {
	row := db.conn.QueryRow(
		"SELECT m.id, m.tree_id, m.user_id, a.username, m.body, m.kind, COALESCE(m.reply_to::text, ''), "+
			"m.read_by, m.reactions, m.edit_history, m.edited, m.deleted, m.deleted_at, m.deleted_by, m.created_at, m.updated_at "+
			"FROM chat_messages m JOIN accounts a ON a.id = m.user_id WHERE m.id = $1 LIMIT 1",
		id,
	)

	return scanChatMessage(row)
}

func (db *PgKintreeRepository) UpdateChatMessage(msg ChatMessage) error {
	readBy, err := json.Marshal(msg.ReadBy)
	if err != nil {
		return err
	}

	_, err = db.conn.Exec(
		"UPDATE chat_messages SET body = $2, read_by = $3, reactions = $4, edit_history = $5, "+
			"edited = $6, deleted = $7, deleted_at = $8, deleted_by = NULLIF($9, 0), updated_at = $10 WHERE id = $1",
		msg.Id,
		msg.Body,
		readBy,
		coalesceJson(msg.Reactions),
		coalesceJson(msg.EditHistory),
		msg.Edited,
		msg.Deleted,
		msg.DeletedAt,
		msg.DeletedBy,
		msg.UpdatedAt,
	)

	return err
}

func (db *PgKintreeRepository) ListChatMessages(treeId int) ([]ChatMessage, error) {
	rows, err := db.conn.Query(
		"SELECT m.id, m.tree_id, m.user_id, a.username, m.body, m.kind, COALESCE(m.reply_to::text, ''), "+
			"m.read_by, m.reactions, m.edit_history, m.edited, m.deleted, m.deleted_at, m.deleted_by, m.created_at, m.updated_at "+
			"FROM chat_messages m JOIN accounts a ON a.id = m.user_id "+
			"WHERE m.tree_id = $1 ORDER BY m.created_at",
		treeId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []ChatMessage
	for rows.Next() {
		msg, err := scanChatMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

func scanChatMessage(row rowScanner) (ChatMessage, error) {
	var msg ChatMessage
	var readBy []byte
	var deletedAt sql.NullTime
	var deletedBy sql.NullInt64
	var updatedAt sql.NullTime

	err := row.Scan(
		&msg.Id,
		&msg.TreeId,
		&msg.UserId,
		&msg.Username,
		&msg.Body,
		&msg.Kind,
		&msg.ReplyTo,
		&readBy,
		&msg.Reactions,
		&msg.EditHistory,
		&msg.Edited,
		&msg.Deleted,
		&deletedAt,
		&deletedBy,
		&msg.CreatedAt,
		&updatedAt,
	)
	if err != nil {
		return ChatMessage{}, err
	}

	if err := json.Unmarshal(readBy, &msg.ReadBy); err != nil {
		return ChatMessage{}, fmt.Errorf("unmarshal read_by: %w", err)
	}
	if deletedAt.Valid {
		msg.DeletedAt = &deletedAt.Time
	}
	if deletedBy.Valid {
		msg.DeletedBy = int(deletedBy.Int64)
	}
	if updatedAt.Valid {
		msg.UpdatedAt = &updatedAt.Time
	}

	return msg, nil
}

func coalesceJson(b []byte) []byte {
	if len(b) == 0 {
		return []byte("[]")
	}
	return b
}

func (db *PgKintreeRepository) AppendHistory(entry HistoryEntry) error {
	payload := entry.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	_, err := db.conn.Exec(
		"INSERT INTO history_entries (id, tree_id, actor_id, action, target_person_id, occurred_at, payload) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7)",
		entry.Id,
		entry.TreeId,
		entry.ActorId,
		entry.Action,
		entry.TargetPersonId,
		entry.OccurredAt,
		payload,
	)

	return err
}

func (db *PgKintreeRepository) GetHistoryEntry(id string) (HistoryEntry, error) {
	row := db.conn.QueryRow(
		"SELECT id, tree_id, actor_id, action, target_person_id, occurred_at, payload "+
			"FROM history_entries WHERE id = $1 LIMIT 1",
		id,
	)

	var entry HistoryEntry
	err := row.Scan(&entry.Id, &entry.TreeId, &entry.ActorId, &entry.Action, &entry.TargetPersonId, &entry.OccurredAt, &entry.Payload)

	return entry, err
}

func (db *PgKintreeRepository) ListHistory(treeId int) ([]HistoryEntry, error) {
	rows, err := db.conn.Query(
		"SELECT id, tree_id, actor_id, action, target_person_id, occurred_at, payload "+
			"FROM history_entries WHERE tree_id = $1 ORDER BY occurred_at DESC",
		treeId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var entry HistoryEntry
		if err = rows.Scan(&entry.Id, &entry.TreeId, &entry.ActorId, &entry.Action, &entry.TargetPersonId, &entry.OccurredAt, &entry.Payload); err != nil {
			break
		}
		entries = append(entries, entry)
	}

	return entries, err
}
