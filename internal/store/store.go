// Package store persists work requests, their audit events, named counters
// and the auxiliary collections the approval workflow reads.
package store

import (
	"context"

	"github.com/pitabwire/solicitudes/model"
)

// CounterFunc receives the current counter value (0 when the counter does
// not exist yet) and returns the value to store.
type CounterFunc func(current int64) (int64, error)

// Store is the document store consumed by the workflow.
type Store interface {
	// Transact runs fn as an atomic read-modify-write over the named counter
	// and returns the value fn produced once it has been committed.
	Transact(ctx context.Context, counterKey string, fn CounterFunc) (int64, error)

	// GetDocument returns a document. Returns NOT_FOUND if it does not exist.
	GetDocument(ctx context.Context, collection, id string) (model.Document, error)

	// QueryLatest returns the child document with the greatest orderKey
	// value. The boolean is false when the parent has no children.
	QueryLatest(ctx context.Context, collection, parentID, childCollection, orderKey string) (model.Document, string, bool, error)

	// UpdateFields merges fields into an existing document. Returns
	// NOT_FOUND if the document does not exist.
	UpdateFields(ctx context.Context, collection, id string, fields map[string]any) error

	// AppendChild adds an immutable child document and returns its ID.
	AppendChild(ctx context.Context, collection, parentID, childCollection string, payload model.Document) (string, error)

	// CreateDocument inserts a document under a generated ID.
	CreateDocument(ctx context.Context, collection string, doc model.Document) (string, error)

	// SetDocument replaces (or creates) a document under a known ID.
	SetDocument(ctx context.Context, collection, id string, doc model.Document) error

	// ListChildren returns all child documents ordered ascending by orderKey.
	ListChildren(ctx context.Context, collection, parentID, childCollection, orderKey string) ([]Child, error)

	// FindEqual returns the documents of a collection whose field equals value.
	FindEqual(ctx context.Context, collection, field string, value any) ([]Child, error)
}

// Child is a document together with its ID.
type Child struct {
	ID  string
	Doc model.Document
}
