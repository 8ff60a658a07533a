// Package mongo wires the store.Store interface to the MongoDB client.
package mongo

import (
	"context"
	"errors"

	"github.com/turnpipe/turnpipe/store"
	clientsmongo "github.com/turnpipe/turnpipe/store/mongo/clients/mongo"
)

// Store implements store.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Mongo-backed event store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Append implements store.Store.
func (s *Store) Append(ctx context.Context, rec *store.Record) error {
	return s.client.Append(ctx, rec)
}

// List implements store.Store.
func (s *Store) List(ctx context.Context, sessionID string, cursor int64, limit int) (store.Page, error) {
	return s.client.List(ctx, sessionID, cursor, limit)
}
