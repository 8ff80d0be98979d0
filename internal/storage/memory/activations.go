package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	apperrors "mailreg/internal/errors"
	"mailreg/internal/license"
)

// ActivationStore keeps domain timelines in memory with one lock per
// fingerprint.
type ActivationStore struct {
	mu        sync.Mutex
	timelines map[string]*license.DomainActivation
	locks     map[string]*sync.Mutex

	offline atomic.Bool
}

// NewActivationStore returns an empty store.
func NewActivationStore() *ActivationStore {
	return &ActivationStore{
		timelines: make(map[string]*license.DomainActivation),
		locks:     make(map[string]*sync.Mutex),
	}
}

// SetOffline makes every call fail with ErrStoreUnavailable.
func (s *ActivationStore) SetOffline(offline bool) {
	s.offline.Store(offline)
}

func (s *ActivationStore) available(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
	}
	if s.offline.Load() {
		return fmt.Errorf("%w: memory activation store offline", apperrors.ErrStoreUnavailable)
	}
	return nil
}

func (s *ActivationStore) lockFor(fingerprint string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[fingerprint]
	if !ok {
		l = &sync.Mutex{}
		s.locks[fingerprint] = l
	}
	return l
}

func (s *ActivationStore) Get(ctx context.Context, fingerprint string) (*license.DomainActivation, error) {
	if err := s.available(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timelines[fingerprint].Clone(), nil
}

func (s *ActivationStore) Update(ctx context.Context, fingerprint string, fn func(*license.DomainActivation) error) (*license.DomainActivation, error) {
	if err := s.available(ctx); err != nil {
		return nil, err
	}

	lock := s.lockFor(fingerprint)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	current := s.timelines[fingerprint].Clone()
	s.mu.Unlock()

	if current == nil {
		current = &license.DomainActivation{DomainFingerprint: fingerprint, Licenses: []license.ActivationEntry{}}
	}
	if err := fn(current); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.timelines[fingerprint] = current.Clone()
	s.mu.Unlock()
	return current, nil
}

func (s *ActivationStore) Delete(ctx context.Context, fingerprint string) error {
	if err := s.available(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timelines, fingerprint)
	return nil
}

var _ license.ActivationStore = (*ActivationStore)(nil)
