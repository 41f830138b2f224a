// Package crdt wraps the automerge document behind the narrow capability the
// room actor depends on: commutative merge of binary update fragments and
// full-state encoding. The merge algorithm itself is automerge's.
package crdt

import (
	"errors"
	"fmt"

	"github.com/automerge/automerge-go"
)

var (
	// ErrInvalidUpdate indicates an update fragment could not be decoded.
	ErrInvalidUpdate = errors.New("crdt: invalid update fragment")
	// ErrInvalidSnapshot indicates a snapshot payload could not be decoded.
	ErrInvalidSnapshot = errors.New("crdt: invalid snapshot")
)

// Document is the mutable collaborative state owned by exactly one room actor.
type Document struct {
	doc *automerge.Doc
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{doc: automerge.New()}
}

// LoadDocument reconstructs a document from a persisted full-state snapshot.
func LoadDocument(snapshot []byte) (*Document, error) {
	doc, err := automerge.Load(snapshot)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	return &Document{doc: doc}, nil
}

// ApplyUpdate merges a binary update fragment into the document. Fragments
// already reflected in the document are absorbed without effect, so replays
// and reordering are harmless.
func (document *Document) ApplyUpdate(fragment []byte) error {
	incoming, err := automerge.Load(fragment)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	changes, err := incoming.Changes()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	if err := document.doc.Apply(changes...); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	return nil
}

// EncodeFullState serializes the complete document for snapshot persistence.
func (document *Document) EncodeFullState() []byte {
	return document.doc.Save()
}

// Heads returns the current change hashes, useful for equality checks.
func (document *Document) Heads() []automerge.ChangeHash {
	return document.doc.Heads()
}
