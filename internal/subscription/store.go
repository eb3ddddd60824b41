package subscription

import (
	"sort"
	"sync"

	"github.com/git-akicargoo/realtime-crypto-boot-sub001/models"
)

// Store is the set of pairs one connection is subscribed to. Readers replay it
// after every reconnect.
type Store struct {
	mu    sync.RWMutex
	pairs map[models.CurrencyPair]struct{}
}

func NewStore() *Store {
	return &Store{pairs: make(map[models.CurrencyPair]struct{})}
}

// Add records pairs and returns the ones that were not present yet.
func (s *Store) Add(pairs ...models.CurrencyPair) []models.CurrencyPair {
	s.mu.Lock()
	defer s.mu.Unlock()
	var added []models.CurrencyPair
	for _, p := range pairs {
		if _, ok := s.pairs[p]; ok {
			continue
		}
		s.pairs[p] = struct{}{}
		added = append(added, p)
	}
	return added
}

// Missing returns the pairs of the argument not present yet, without recording them.
func (s *Store) Missing(pairs ...models.CurrencyPair) []models.CurrencyPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.CurrencyPair
	for _, p := range models.UniquePairs(pairs) {
		if _, ok := s.pairs[p]; !ok {
			out = append(out, p)
		}
	}
	return out
}

// Remove forgets pairs and returns the ones that were present.
func (s *Store) Remove(pairs ...models.CurrencyPair) []models.CurrencyPair {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []models.CurrencyPair
	for _, p := range pairs {
		if _, ok := s.pairs[p]; !ok {
			continue
		}
		delete(s.pairs, p)
		removed = append(removed, p)
	}
	return removed
}

// Active returns the subscribed pairs sorted by their BASE/QUOTE form.
func (s *Store) Active() []models.CurrencyPair {
	s.mu.RLock()
	out := make([]models.CurrencyPair, 0, len(s.pairs))
	for p := range s.pairs {
		out = append(out, p)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pairs)
}

func (s *Store) Clear() {
	s.mu.Lock()
	s.pairs = make(map[models.CurrencyPair]struct{})
	s.mu.Unlock()
}
