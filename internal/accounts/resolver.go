// Package accounts resolves social identities to persons and accounts and
// issues the tokens sessions and service calls authenticate with.
package accounts

import (
	"context"
	"sync"
)

// Resolver looks up identities in the accounts service. Lookups that find
// nothing return "" with a nil error.
type Resolver interface {
	// FindPersonUUID returns the person behind socialID. With requireAccount
	// only persons that own an account are returned; their person uuid is
	// the account uuid.
	FindPersonUUID(ctx context.Context, socialID string, requireAccount bool) (string, error)
	// FindName returns the display name of the person behind socialID.
	FindName(ctx context.Context, socialID string) (string, error)
}

type Person struct {
	UUID       string
	Name       string
	HasAccount bool
}

// StaticResolver serves identities from memory. With Passthrough set,
// unknown social ids resolve to themselves, which suits single user setups
// where the social id is the account.
type StaticResolver struct {
	Passthrough bool

	mu      sync.RWMutex
	persons map[string]Person
}

func NewStaticResolver(passthrough bool) *StaticResolver {
	return &StaticResolver{Passthrough: passthrough, persons: map[string]Person{}}
}

func (r *StaticResolver) Add(socialID string, person Person) {
	r.mu.Lock()
	r.persons[socialID] = person
	r.mu.Unlock()
}

func (r *StaticResolver) lookup(socialID string) (Person, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	person, ok := r.persons[socialID]
	if !ok && r.Passthrough && socialID != "" {
		return Person{UUID: socialID, Name: socialID, HasAccount: true}, true
	}
	return person, ok
}

func (r *StaticResolver) FindPersonUUID(_ context.Context, socialID string, requireAccount bool) (string, error) {
	person, ok := r.lookup(socialID)
	if !ok || (requireAccount && !person.HasAccount) {
		return "", nil
	}
	return person.UUID, nil
}

func (r *StaticResolver) FindName(_ context.Context, socialID string) (string, error) {
	person, _ := r.lookup(socialID)
	return person.Name, nil
}
