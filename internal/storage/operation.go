package storage

import (
	"errors"
	"fmt"
)

// ErrInvalidOperation marks a write rejected before it reached the store.
var ErrInvalidOperation = errors.New("invalid operation")

// OpType is the kind of document mutation.
type OpType string

const (
	// OpPut creates or replaces a document.
	OpPut OpType = "put"
	// OpDelete removes a document.
	OpDelete OpType = "delete"
)

// Operation is a single document mutation applied to a shard copy.
type Operation struct {
	Type  OpType `json:"type"`
	Key   string `json:"key"`
	Value []byte `json:"value,omitempty"`
}

// Validate checks the operation before it is applied anywhere.
func (o Operation) Validate() error {
	if o.Key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidOperation)
	}
	switch o.Type {
	case OpPut:
		if o.Value == nil {
			return fmt.Errorf("%w: put %q without value", ErrInvalidOperation, o.Key)
		}
	case OpDelete:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, o.Type)
	}
	return nil
}

// Apply validates the operation and applies it to s.
func (o Operation) Apply(s Store) error {
	if err := o.Validate(); err != nil {
		return err
	}
	if o.Type == OpDelete {
		return s.Delete(o.Key)
	}
	return s.Put(o.Key, o.Value)
}
