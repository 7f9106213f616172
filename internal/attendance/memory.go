package attendance

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for development and tests.
// Transitions are serialized per token; different tokens never contend
// beyond the short map access.
type MemoryStore struct {
	mu         sync.RWMutex
	byToken    map[string]*Person
	byRegister map[string]string

	locks sync.Map // token -> *sync.Mutex
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byToken:    make(map[string]*Person),
		byRegister: make(map[string]string),
	}
}

// lock takes the per-token mutex. Locks exist only for enrolled tokens, and
// records are never removed, so the lock map is bounded by the record count.
func (m *MemoryStore) lock(token string) (func(), bool) {
	m.mu.RLock()
	_, ok := m.byToken[token]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	v, _ := m.locks.LoadOrStore(token, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock, true
}

func (m *MemoryStore) Create(ctx context.Context, p *Person) error {
	if err := ctx.Err(); err != nil {
		return unavailable("create", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byRegister[p.RegisterNo]; ok {
		return &DuplicateKeyError{Field: "registerNo"}
	}
	if _, ok := m.byToken[p.Token]; ok {
		return &DuplicateKeyError{Field: "token"}
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.InTime, p.OutTime = nil, nil

	stored := p.clone()
	m.byToken[p.Token] = &stored
	m.byRegister[p.RegisterNo] = p.Token
	return nil
}

func (m *MemoryStore) FindByToken(ctx context.Context, token string) (*Person, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("find by token", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.byToken[token]
	if !ok {
		return nil, nil
	}
	c := p.clone()
	return &c, nil
}

func (m *MemoryStore) FindByRegisterNo(ctx context.Context, registerNo string) (*Person, error) {
	m.mu.RLock()
	token, ok := m.byRegister[registerNo]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return m.FindByToken(ctx, token)
}

func (m *MemoryStore) List(ctx context.Context, limit, offset int) ([]Person, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("list", err)
	}
	limit, offset = clampPage(limit, offset)

	m.mu.RLock()
	all := make([]Person, 0, len(m.byToken))
	for _, p := range m.byToken {
		all = append(all, p.clone())
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].RegisterNo < all[j].RegisterNo
	})
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (m *MemoryStore) ApplyTransition(ctx context.Context, token string, action Action, at time.Time) (Person, Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Person{}, 0, unavailable("apply transition", err)
	}
	unlock, ok := m.lock(token)
	if !ok {
		return Person{}, 0, ErrNotFound
	}
	defer unlock()

	m.mu.RLock()
	p, ok := m.byToken[token]
	var cur Person
	if ok {
		cur = p.clone()
	}
	m.mu.RUnlock()
	if !ok {
		return Person{}, 0, ErrNotFound
	}

	next, outcome := Decide(cur, action, at)
	if !outcome.OK() {
		return cur, outcome, nil
	}

	m.mu.Lock()
	p.InTime, p.OutTime = next.InTime, next.OutTime
	m.mu.Unlock()
	return next.clone(), outcome, nil
}

func (m *MemoryStore) SetCardURL(ctx context.Context, token, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byToken[token]
	if !ok {
		return ErrNotFound
	}
	p.CardURL = url
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}
