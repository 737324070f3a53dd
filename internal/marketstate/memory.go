package marketstate

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/btree"
)

const btreeDegree = 16

type bookKey struct {
	room string
	side Side
}

// book is one side of one room: an index by agent plus a price-ordered
// tree. Ties on price order by agent id.
type book struct {
	mu      sync.RWMutex
	byAgent map[string]float64
	tree    *btree.BTreeG[Entry]
}

func lessEntry(a, b Entry) bool {
	if a.Price != b.Price {
		return a.Price < b.Price
	}
	return a.AgentID < b.AgentID
}

func newBook() *book {
	return &book{
		byAgent: map[string]float64{},
		tree:    btree.NewG[Entry](btreeDegree, lessEntry),
	}
}

func (b *book) upsertLocked(agentID string, price float64) {
	if old, ok := b.byAgent[agentID]; ok {
		b.tree.Delete(Entry{AgentID: agentID, Price: old})
	}
	b.byAgent[agentID] = price
	b.tree.ReplaceOrInsert(Entry{AgentID: agentID, Price: price})
}

// Memory is an in-process Store.
type Memory struct {
	mu    sync.Mutex
	books map[bookKey]*book
}

func NewMemory() *Memory {
	return &Memory{books: map[bookKey]*book{}}
}

func (m *Memory) book(room string, side Side, create bool) *book {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := bookKey{room: room, side: side}
	b, ok := m.books[key]
	if !ok && create {
		b = newBook()
		m.books[key] = b
	}
	return b
}

func checkSide(side Side) error {
	if side != Asks && side != Bids {
		return fmt.Errorf("unknown side %q", side)
	}
	return nil
}

func (m *Memory) Upsert(_ context.Context, room string, side Side, agentID string, price float64) error {
	if err := checkSide(side); err != nil {
		return err
	}
	b := m.book(room, side, true)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.upsertLocked(agentID, price)
	return nil
}

func (m *Memory) Remove(_ context.Context, room string, side Side, agentID string) error {
	if err := checkSide(side); err != nil {
		return err
	}
	b := m.book(room, side, false)
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.byAgent[agentID]; ok {
		b.tree.Delete(Entry{AgentID: agentID, Price: old})
		delete(b.byAgent, agentID)
	}
	return nil
}

func (m *Memory) Min(_ context.Context, room string) (Entry, bool, error) {
	b := m.book(room, Asks, false)
	if b == nil {
		return Entry{}, false, nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.tree.Min()
	return e, ok, nil
}

func (m *Memory) Max(_ context.Context, room string) (Entry, bool, error) {
	b := m.book(room, Bids, false)
	if b == nil {
		return Entry{}, false, nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.tree.Max()
	return e, ok, nil
}

func (m *Memory) TopN(_ context.Context, room string, side Side, n int) ([]Entry, error) {
	if err := checkSide(side); err != nil {
		return nil, err
	}
	b := m.book(room, side, false)
	if b == nil || n <= 0 {
		return nil, nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Entry, 0, min(n, b.tree.Len()))
	collect := func(e Entry) bool {
		out = append(out, e)
		return len(out) < n
	}
	if side == Asks {
		b.tree.Ascend(collect)
	} else {
		b.tree.Descend(collect)
	}
	return out, nil
}

func (m *Memory) BatchUpsert(_ context.Context, room string, side Side, entries []Entry) error {
	if err := checkSide(side); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	b := m.book(room, side, true)
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range entries {
		b.upsertLocked(e.AgentID, e.Price)
	}
	return nil
}

func (m *Memory) Count(_ context.Context, room string, side Side) (int, error) {
	if err := checkSide(side); err != nil {
		return 0, err
	}
	b := m.book(room, side, false)
	if b == nil {
		return 0, nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tree.Len(), nil
}

func (m *Memory) Clear(_ context.Context, room string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.books, bookKey{room: room, side: Asks})
	delete(m.books, bookKey{room: room, side: Bids})
	return nil
}
