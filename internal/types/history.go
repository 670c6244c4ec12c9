package types

import "time"

// PersonFields is the mutable field set of a person, as recorded in update
// history payloads.
type PersonFields struct {
	FirstName string     `json:"first_name"`
	LastName  string     `json:"last_name"`
	Gender    string     `json:"gender,omitempty"`
	BirthDate *time.Time `json:"birth_date,omitempty"`
}

type RelationRef struct {
	PersonId   int    `json:"person_id"`
	RelativeId int    `json:"relative_id"`
	Kind       string `json:"kind"`
}

// CreatePayload records a person creation, including any relations created
// with it.
type CreatePayload struct {
	Person    PersonNode    `json:"person"`
	Relations []RelationRef `json:"relations,omitempty"`
}

// UpdatePayload records the field values before and after an update.
type UpdatePayload struct {
	Before PersonFields `json:"before"`
	After  PersonFields `json:"after"`
}

// DeletePayload records the node as it stood when it was soft-deleted or
// restored.
type DeletePayload struct {
	Person PersonNode `json:"person"`
}

// RelationPayload records a single relation edge addition or removal.
type RelationPayload struct {
	RelationRef
}
