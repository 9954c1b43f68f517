package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jcalderon/glmchat/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltStore persists the chat state snapshot using a BoltDB backend. The whole
// state is written as a single record, so every save replaces the previous
// snapshot atomically.
type BoltStore struct {
	db *bolt.DB
}

var (
	stateBucket = []byte("state")
	stateKey    = []byte("snapshot")
)

// NewBoltStore creates a new BoltStore instance with the specified file path. It
// initializes the database with the required bucket and returns an error if the
// database cannot be opened or initialized. The database file is created with
// 0600 permissions if it doesn't exist.
func NewBoltStore(path string) (BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltStore{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stateBucket)
		return err
	})

	return BoltStore{db: db}, err
}

// Load retrieves the persisted snapshot, or a fresh state with default settings
// when nothing has been saved yet. It returns an error if the database operation
// fails or the stored record cannot be decoded.
func (b BoltStore) Load(context.Context) (models.State, error) {
	state := models.State{Settings: models.DefaultSettings()}
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(stateBucket)
		if bkt == nil {
			return nil
		}

		v := bkt.Get(stateKey)
		if v == nil {
			return nil
		}

		if err := json.Unmarshal(v, &state); err != nil {
			return fmt.Errorf("failed to unmarshal state: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.State{}, err
	}

	if state.Sessions == nil {
		state.Sessions = []models.Session{}
	}
	return state, nil
}

// Save replaces the persisted snapshot with the given state. Returns an error if
// the marshaling or database operation fails.
func (b BoltStore) Save(_ context.Context, state models.State) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(stateBucket)
		if bkt == nil {
			return fmt.Errorf("state bucket is missing")
		}

		v, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("failed to marshal state: %w", err)
		}

		return bkt.Put(stateKey, v)
	})
}

// Close releases the underlying database file.
func (b BoltStore) Close() error {
	return b.db.Close()
}
