// Package undo implements the two-phase simulate-then-commit reversal of
// history entries. Preview computes what the tree would look like if a past
// action were reversed without touching the store; Commit applies the
// compensating mutation and appends it to the history log as a new entry.
package undo

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/kintree/kintree/internal/database"
	"github.com/kintree/kintree/internal/server"
	"github.com/kintree/kintree/internal/types"
)

type Engine struct {
	db  database.KintreeRepository
	log *log.Logger
}

func NewEngine(db database.KintreeRepository, logger *log.Logger) *Engine {
	return &Engine{db: db, log: logger}
}

type FieldDiff struct {
	Field string `json:"field"`
	Old   any    `json:"old"`
	New   any    `json:"new"`
}

// Preview is the result of simulating an undo. Current holds the affected
// nodes as they stand, Simulated as they would stand after the undo.
// Dependents lists nodes that still reference the target of a create-undo;
// committing detaches those references.
type Preview struct {
	EntryId        string             `json:"entry_id"`
	Action         string             `json:"action"`
	TargetPersonId int                `json:"target_person_id"`
	Current        []types.PersonNode `json:"current"`
	Simulated      []types.PersonNode `json:"simulated"`
	Diffs          []FieldDiff        `json:"diffs,omitempty"`
	Dependents     []types.PersonNode `json:"dependents,omitempty"`
}

// Commit is the outcome of an applied undo: the appended compensating
// history entry and the mutation kind the relay should broadcast.
type Commit struct {
	Entry        types.HistoryEntry `json:"entry"`
	MutationKind string             `json:"mutation_kind"`
}

// Simulate computes the effect of reversing entryId without mutating any
// persisted state.
func (e *Engine) Simulate(entryId string) (*Preview, error) {
	entry, err := e.db.GetHistoryEntry(entryId)
	if err != nil {
		return nil, fmt.Errorf("get history entry: %w", err)
	}

	snapshot, err := e.db.GetPersonsWithRelations(entry.TreeId)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	nodes := make(map[int]types.PersonNode, len(snapshot))
	for _, node := range snapshot {
		nodes[node.Id] = node
	}

	preview := &Preview{
		EntryId:        entry.Id,
		Action:         entry.Action,
		TargetPersonId: entry.TargetPersonId,
		Current:        []types.PersonNode{},
		Simulated:      []types.PersonNode{},
	}

	switch entry.Action {
	case types.ActionUpdate:
		var p types.UpdatePayload
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}

		current, ok := nodes[entry.TargetPersonId]
		if !ok {
			return nil, fmt.Errorf("person %d not in tree %d", entry.TargetPersonId, entry.TreeId)
		}

		restored := current
		applyFields(&restored, p.Before)
		preview.Current = append(preview.Current, current)
		preview.Simulated = append(preview.Simulated, restored)
		preview.Diffs = fieldDiffs(current, p.Before)
	case types.ActionCreate, types.ActionRestore:
		// reversing a create or a restore removes the node
		current, ok := nodes[entry.TargetPersonId]
		if !ok {
			return nil, fmt.Errorf("person %d not in tree %d", entry.TargetPersonId, entry.TreeId)
		}

		preview.Current = append(preview.Current, current)
		preview.Dependents = dependents(snapshot, entry.TargetPersonId)
	case types.ActionDelete:
		var p types.DeletePayload
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}

		preview.Simulated = append(preview.Simulated, p.Person)
	case types.ActionAddRelation, types.ActionRemoveRelation:
		var p types.RelationPayload
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}

		person, ok := nodes[p.PersonId]
		relative, ok2 := nodes[p.RelativeId]
		if !ok || !ok2 {
			return nil, fmt.Errorf("relation endpoints missing from tree %d", entry.TreeId)
		}

		simPerson, simRelative := person, relative
		if entry.Action == types.ActionAddRelation {
			detachRelation(&simPerson, &simRelative, p.Kind)
		} else {
			attachRelation(&simPerson, &simRelative, p.Kind)
		}

		preview.Current = append(preview.Current, person, relative)
		preview.Simulated = append(preview.Simulated, simPerson, simRelative)
	default:
		return nil, fmt.Errorf("unknown action %q", entry.Action)
	}

	return preview, nil
}

// CommitUndo applies the compensating mutation for entryId and appends a new
// history entry describing the undo itself. The original entry is never
// modified.
func (e *Engine) CommitUndo(entryId string, actorId int) (*Commit, error) {
	entry, err := e.db.GetHistoryEntry(entryId)
	if err != nil {
		return nil, fmt.Errorf("get history entry: %w", err)
	}

	comp := types.HistoryEntry{
		Id:             uuid.NewString(),
		TreeId:         entry.TreeId,
		ActorId:        actorId,
		TargetPersonId: entry.TargetPersonId,
		OccurredAt:     time.Now().UTC(),
	}
	var kind string

	switch entry.Action {
	case types.ActionCreate, types.ActionRestore:
		// remove the node and detach anything still referencing it
		if err := e.db.RemoveRelationsForPerson(entry.TargetPersonId); err != nil {
			return nil, fmt.Errorf("detach relations: %w", err)
		}
		if err := e.db.SetPersonDeleted(entry.TargetPersonId, true); err != nil {
			return nil, fmt.Errorf("delete person: %w", err)
		}

		comp.Action = types.ActionDelete
		comp.Payload = entry.Payload
		kind = server.TypePersonDeleted
	case types.ActionUpdate:
		var p types.UpdatePayload
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}

		if _, err := e.db.UpdatePerson(database.UpdatePersonParams{
			PersonId:  entry.TargetPersonId,
			FirstName: p.Before.FirstName,
			LastName:  p.Before.LastName,
			Gender:    p.Before.Gender,
			BirthDate: p.Before.BirthDate,
		}); err != nil {
			return nil, fmt.Errorf("update person: %w", err)
		}

		reversed, err := json.Marshal(types.UpdatePayload{Before: p.After, After: p.Before})
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}

		comp.Action = types.ActionUpdate
		comp.Payload = reversed
		kind = server.TypePersonUpdated
	case types.ActionDelete:
		if err := e.db.SetPersonDeleted(entry.TargetPersonId, false); err != nil {
			return nil, fmt.Errorf("restore person: %w", err)
		}

		comp.Action = types.ActionRestore
		comp.Payload = entry.Payload
		kind = server.TypePersonWithRelationsAdded
	case types.ActionAddRelation:
		var p types.RelationPayload
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}

		if err := e.db.RemoveRelation(p.PersonId, p.RelativeId, p.Kind); err != nil {
			return nil, fmt.Errorf("remove relation: %w", err)
		}

		comp.Action = types.ActionRemoveRelation
		comp.Payload = entry.Payload
		kind = server.TypeRelationDeleted
	case types.ActionRemoveRelation:
		var p types.RelationPayload
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}

		if _, err := e.db.AddRelation(entry.TreeId, p.PersonId, p.RelativeId, p.Kind); err != nil {
			return nil, fmt.Errorf("add relation: %w", err)
		}

		comp.Action = types.ActionAddRelation
		comp.Payload = entry.Payload
		kind = server.TypePersonUpdated
	default:
		return nil, fmt.Errorf("unknown action %q", entry.Action)
	}

	if err := e.db.AppendHistory(database.HistoryEntry{
		Id:             comp.Id,
		TreeId:         comp.TreeId,
		ActorId:        comp.ActorId,
		Action:         comp.Action,
		TargetPersonId: comp.TargetPersonId,
		OccurredAt:     comp.OccurredAt,
		Payload:        comp.Payload,
	}); err != nil {
		return nil, fmt.Errorf("append history: %w", err)
	}

	return &Commit{Entry: comp, MutationKind: kind}, nil
}

func applyFields(node *types.PersonNode, fields types.PersonFields) {
	node.FirstName = fields.FirstName
	node.LastName = fields.LastName
	node.Gender = fields.Gender
	node.BirthDate = fields.BirthDate
}

func fieldDiffs(current types.PersonNode, restored types.PersonFields) []FieldDiff {
	var diffs []FieldDiff
	if current.FirstName != restored.FirstName {
		diffs = append(diffs, FieldDiff{Field: "first_name", Old: current.FirstName, New: restored.FirstName})
	}
	if current.LastName != restored.LastName {
		diffs = append(diffs, FieldDiff{Field: "last_name", Old: current.LastName, New: restored.LastName})
	}
	if current.Gender != restored.Gender {
		diffs = append(diffs, FieldDiff{Field: "gender", Old: current.Gender, New: restored.Gender})
	}
	if !equalDates(current.BirthDate, restored.BirthDate) {
		diffs = append(diffs, FieldDiff{Field: "birth_date", Old: current.BirthDate, New: restored.BirthDate})
	}
	return diffs
}

func equalDates(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// dependents returns every node whose relation references include personId.
func dependents(snapshot []types.PersonNode, personId int) []types.PersonNode {
	var deps []types.PersonNode
	for _, node := range snapshot {
		if node.Id == personId {
			continue
		}
		if containsId(node.ParentIds, personId) ||
			containsId(node.ChildIds, personId) ||
			containsId(node.SpouseIds, personId) ||
			containsId(node.SiblingIds, personId) {
			deps = append(deps, node)
		}
	}
	return deps
}

func containsId(ids []int, id int) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func detachRelation(person, relative *types.PersonNode, kind string) {
	switch kind {
	case database.RelationParent:
		person.ParentIds = removeId(person.ParentIds, relative.Id)
		relative.ChildIds = removeId(relative.ChildIds, person.Id)
	case database.RelationSpouse:
		person.SpouseIds = removeId(person.SpouseIds, relative.Id)
		relative.SpouseIds = removeId(relative.SpouseIds, person.Id)
	}
}

func attachRelation(person, relative *types.PersonNode, kind string) {
	switch kind {
	case database.RelationParent:
		if !containsId(person.ParentIds, relative.Id) {
			person.ParentIds = append(person.ParentIds, relative.Id)
		}
		if !containsId(relative.ChildIds, person.Id) {
			relative.ChildIds = append(relative.ChildIds, person.Id)
		}
	case database.RelationSpouse:
		if !containsId(person.SpouseIds, relative.Id) {
			person.SpouseIds = append(person.SpouseIds, relative.Id)
		}
		if !containsId(relative.SpouseIds, person.Id) {
			relative.SpouseIds = append(relative.SpouseIds, person.Id)
		}
	}
}

func removeId(ids []int, id int) []int {
	out := ids[:0:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
