package orm

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a lookup expects an entity but the store has none.
	ErrNotFound = errors.New("orm: not found")

	// ErrUnknownType is returned when an entity type name is not part of the model.
	ErrUnknownType = errors.New("orm: unknown entity type")

	// ErrUnknownRelationship is returned when a relationship name is not declared on a type.
	ErrUnknownRelationship = errors.New("orm: unknown relationship")

	// ErrNotLinked is returned by Unlink when the two entities are not related.
	ErrNotLinked = errors.New("orm: entities are not linked")

	// ErrSlotDirty is returned when invalidating a slot that still has pending changes.
	ErrSlotDirty = errors.New("orm: navigation slot has pending changes")

	// ErrDeleted is returned when editing an entity that is planned for deletion.
	ErrDeleted = errors.New("orm: entity is deleted")

	// ErrAlreadyTracked is returned by Create when the key is already in the unit of work.
	ErrAlreadyTracked = errors.New("orm: entity already tracked")
)

// ConfigurationError reports invalid model metadata. It is returned by
// ModelBuilder.Build and is meant to abort startup.
type ConfigurationError struct {
	Type         string
	Relationship string
	Reason       string
}

func (e *ConfigurationError) Error() string {
	switch {
	case e.Relationship != "":
		return fmt.Sprintf("orm: invalid relationship %s.%s: %s", e.Type, e.Relationship, e.Reason)
	case e.Type != "":
		return fmt.Sprintf("orm: invalid entity type %s: %s", e.Type, e.Reason)
	default:
		return "orm: invalid model: " + e.Reason
	}
}

func configErr(typ, rel, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Type: typ, Relationship: rel, Reason: fmt.Sprintf(format, args...)}
}

// IsConfigurationError reports whether err is or wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var e *ConfigurationError
	return errors.As(err, &e)
}

// DetachedAccessError is returned when navigation or editing is attempted on an
// entity that is no longer attached to a live unit of work.
type DetachedAccessError struct {
	Type         string
	Key          Key
	Relationship string
}

func (e *DetachedAccessError) Error() string {
	switch {
	case e.Type == "":
		return "orm: unit of work has ended"
	case e.Relationship != "":
		return fmt.Sprintf("orm: %s%s.%s accessed outside a live unit of work", e.Type, e.Key, e.Relationship)
	default:
		return fmt.Sprintf("orm: %s%s accessed outside a live unit of work", e.Type, e.Key)
	}
}

// IsDetachedAccess reports whether err is or wraps a DetachedAccessError.
func IsDetachedAccess(err error) bool {
	var e *DetachedAccessError
	return errors.As(err, &e)
}

// StoreError wraps a failure reported by the Store collaborator, including
// cancellation of the context passed to it.
type StoreError struct {
	Op   string
	Type string
	Err  error
}

func (e *StoreError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("orm: store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("orm: store %s %s: %v", e.Op, e.Type, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsStoreError reports whether err is or wraps a StoreError.
func IsStoreError(err error) bool {
	var e *StoreError
	return errors.As(err, &e)
}

// ConstraintViolation is returned when a structural edit would break a
// relationship constraint: a restricted delete with existing dependents, an
// unlink of a required foreign key, or a foreign-key failure reported by the store.
type ConstraintViolation struct {
	Type         string
	Key          Key
	Relationship string
	Dependent    string
	Count        int
	Reason       string
	Err          error
}

func (e *ConstraintViolation) Error() string {
	msg := "orm: constraint violation"
	if e.Type != "" {
		msg += fmt.Sprintf(" on %s%s", e.Type, e.Key)
	}
	if e.Relationship != "" {
		msg += " via " + e.Relationship
	}
	if e.Count > 0 {
		msg += fmt.Sprintf(": %d dependent %s", e.Count, e.Dependent)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *ConstraintViolation) Unwrap() error { return e.Err }

// IsConstraintViolation reports whether err is or wraps a ConstraintViolation.
func IsConstraintViolation(err error) bool {
	var e *ConstraintViolation
	return errors.As(err, &e)
}

// NotLoadedError is returned when lazy loading is disabled and an unloaded
// slot is read.
type NotLoadedError struct {
	Type         string
	Relationship string
}

func (e *NotLoadedError) Error() string {
	return fmt.Sprintf("orm: relationship %s.%s was not loaded", e.Type, e.Relationship)
}

// IsNotLoaded reports whether err is or wraps a NotLoadedError.
func IsNotLoaded(err error) bool {
	var e *NotLoadedError
	return errors.As(err, &e)
}
