package domain

import "fmt"

// EntityKind labels the type of an addressable entity.
type EntityKind string

const (
	EntityUser        EntityKind = "user"
	EntityAccount     EntityKind = "account"
	EntityTransaction EntityKind = "transaction"
	EntityAgent       EntityKind = "agent"
)

// Valid reports whether k is a known entity kind.
func (k EntityKind) Valid() bool {
	switch k {
	case EntityUser, EntityAccount, EntityTransaction, EntityAgent:
		return true
	}
	return false
}

// EntityRef points at any scored or investigated entity.
// Kind is used for labelling only, never to branch scoring logic.
type EntityRef struct {
	Kind EntityKind `json:"kind" yaml:"kind"`
	ID   string     `json:"id" yaml:"id"`
}

// Validate checks that the reference is addressable.
func (r EntityRef) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: entity id is required", ErrInvalidInput)
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: unknown entity kind %q", ErrInvalidInput, r.Kind)
	}
	return nil
}

func (r EntityRef) String() string {
	return string(r.Kind) + ":" + r.ID
}

// RelatedEntity is an entity linked to a case, with a label for investigators.
type RelatedEntity struct {
	EntityRef
	Description string `json:"description,omitempty"`
}
