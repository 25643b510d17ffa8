package memory

import (
	"context"
	"sync"
	"time"

	"qrorder-auth/internal/models"
	"qrorder-auth/internal/repository"
)

type cartEntry struct {
	cart     models.CartSnapshot
	deadline time.Time
}

type CartStore struct {
	mu    sync.Mutex
	carts map[string]cartEntry
}

func NewCartStore() *CartStore {
	return &CartStore{carts: make(map[string]cartEntry)}
}

func (s *CartStore) Get(_ context.Context, owner string) (*models.CartSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.carts[owner]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneCart(&e.cart), nil
}

// Save stores cart until cart.LastUpdated+ttl. Entries past their deadline
// are reclaimed on later saves.
func (s *CartStore) Save(_ context.Context, owner string, cart *models.CartSnapshot, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, e := range s.carts {
		if e.deadline.Before(cart.LastUpdated) {
			delete(s.carts, k)
		}
	}
	s.carts[owner] = cartEntry{cart: *cloneCart(cart), deadline: cart.LastUpdated.Add(ttl)}
	return nil
}

func (s *CartStore) Delete(_ context.Context, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.carts, owner)
	return nil
}

func cloneCart(c *models.CartSnapshot) *models.CartSnapshot {
	out := *c
	out.Items = make([]models.CartItem, len(c.Items))
	for i, it := range c.Items {
		it.AdditionalIDs = append([]string(nil), it.AdditionalIDs...)
		out.Items[i] = it
	}
	return &out
}
