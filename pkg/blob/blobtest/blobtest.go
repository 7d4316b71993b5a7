// Package blobtest provides an in-memory blob.Store for tests.
package blobtest

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/tandem-dev/tandem/pkg/blob"
	"github.com/tandem-dev/tandem/pkg/errors"
)

// Store is an in-memory blob.Store. The zero value is not usable; create
// one with New.
type Store struct {
	mu      sync.Mutex
	state   blob.State
	bundles map[blob.Kind]blob.Bundle
	shared  []string

	failNextCall bool
	putCalls     map[blob.Kind]int
}

// New returns an empty store.
func New() *Store {
	return &Store{
		bundles:  map[blob.Kind]blob.Bundle{},
		putCalls: map[blob.Kind]int{},
	}
}

// FailNext makes the next store call return an error, simulating a
// transient remote failure.
func (s *Store) FailNext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNextCall = true
}

func (s *Store) failNext() error {
	if s.failNextCall {
		s.failNextCall = false
		return errors.New("injected store failure")
	}
	return nil
}

// GetState implements blob.Store.
func (s *Store) GetState(_ context.Context) (blob.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failNext(); err != nil {
		return blob.State{}, err
	}
	return s.state, nil
}

// PutState implements blob.Store.
func (s *Store) PutState(_ context.Context, state blob.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failNext(); err != nil {
		return err
	}
	s.state = state
	return nil
}

// GetBundle implements blob.Store.
func (s *Store) GetBundle(_ context.Context, kind blob.Kind) (blob.Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failNext(); err != nil {
		return blob.Bundle{}, err
	}
	return s.bundles[kind], nil
}

// PutBundle implements blob.Store.
func (s *Store) PutBundle(_ context.Context, kind blob.Kind, data []byte) (blob.Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failNext(); err != nil {
		return blob.Bundle{}, err
	}

	stored := s.bundles[kind]
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	stored.Version++
	stored.Data = append([]byte{}, data...)
	s.bundles[kind] = stored
	s.putCalls[kind]++
	return stored, nil
}

// Share implements blob.Store.
func (s *Store) Share(_ context.Context, principal string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failNext(); err != nil {
		return err
	}
	s.shared = append(s.shared, principal)
	return nil
}

// SetState seeds the state record directly, bypassing error injection.
func (s *Store) SetState(state blob.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// State returns the current state record.
func (s *Store) State() blob.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Bundle returns the stored bundle of the given kind.
func (s *Store) Bundle(kind blob.Kind) blob.Bundle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bundles[kind]
}

// SharedWith returns every principal passed to Share.
func (s *Store) SharedWith() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.shared...)
}

// Uploads returns how many times a bundle of the given kind was uploaded.
func (s *Store) Uploads(kind blob.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putCalls[kind]
}

var _ blob.Store = &Store{}
