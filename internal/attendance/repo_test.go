package attendance

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qrattend/internal/store"
	"qrattend/internal/token"
)

func newSQLiteStore(t *testing.T) Store {
	t.Helper()
	db, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	return NewRepository(db.Client)
}

func newMemoryStore(t *testing.T) Store {
	return NewMemoryStore()
}

var backends = []struct {
	name string
	new  func(t *testing.T) Store
}{
	{"sqlite", newSQLiteStore},
	{"memory", newMemoryStore},
}

func enroll(t *testing.T, s Store, name, registerNo string) Person {
	t.Helper()
	tok, err := token.Derive(name, registerNo)
	require.NoError(t, err)
	p := Person{Name: name, RegisterNo: registerNo, Token: tok}
	require.NoError(t, s.Create(context.Background(), &p))
	return p
}

func TestStoreCreateAndFind(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			s := b.new(t)
			ctx := context.Background()
			alice := enroll(t, s, "Alice", "R1")

			got, err := s.FindByToken(ctx, alice.Token)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "Alice", got.Name)
			assert.Equal(t, "R1", got.RegisterNo)
			assert.NotEmpty(t, got.ID)
			assert.Nil(t, got.InTime)
			assert.Nil(t, got.OutTime)

			byReg, err := s.FindByRegisterNo(ctx, "R1")
			require.NoError(t, err)
			require.NotNil(t, byReg)
			assert.Equal(t, alice.Token, byReg.Token)

			missing, err := s.FindByToken(ctx, "unknown-token")
			require.NoError(t, err)
			assert.Nil(t, missing)
		})
	}
}

func TestStoreDuplicateKeys(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			s := b.new(t)
			ctx := context.Background()
			alice := enroll(t, s, "Alice", "R1")

			sameReg := Person{Name: "Alicia", RegisterNo: "R1", Token: "other-token"}
			err := s.Create(ctx, &sameReg)
			require.ErrorIs(t, err, ErrDuplicateKey)
			var dup *DuplicateKeyError
			require.ErrorAs(t, err, &dup)
			assert.Equal(t, "registerNo", dup.Field)

			sameTok := Person{Name: "Bob", RegisterNo: "R2", Token: alice.Token}
			err = s.Create(ctx, &sameTok)
			require.ErrorAs(t, err, &dup)
			assert.Equal(t, "token", dup.Field)

			got, err := s.FindByToken(ctx, alice.Token)
			require.NoError(t, err)
			assert.Equal(t, "Alice", got.Name, "collision must not overwrite")
		})
	}
}

func TestStoreTransitionScenario(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			s := b.new(t)
			ctx := context.Background()
			alice := enroll(t, s, "Alice", "R1")

			p, outcome, err := s.ApplyTransition(ctx, alice.Token, ActionIn, t0)
			require.NoError(t, err)
			assert.Equal(t, OutcomeMarkedIn, outcome)
			assert.Equal(t, StatusIn, p.Status())

			got, err := s.FindByToken(ctx, alice.Token)
			require.NoError(t, err)
			require.NotNil(t, got.InTime)
			assert.True(t, got.InTime.Equal(t0))
			assert.Nil(t, got.OutTime)

			_, outcome, err = s.ApplyTransition(ctx, alice.Token, ActionIn, t1)
			require.NoError(t, err)
			assert.Equal(t, OutcomeAlreadyIn, outcome)

			got, err = s.FindByToken(ctx, alice.Token)
			require.NoError(t, err)
			assert.True(t, got.InTime.Equal(t0), "rejected mark-in must keep the first in time")

			_, outcome, err = s.ApplyTransition(ctx, alice.Token, ActionOut, t1)
			require.NoError(t, err)
			assert.Equal(t, OutcomeMarkedOut, outcome)

			_, outcome, err = s.ApplyTransition(ctx, alice.Token, ActionOut, t2)
			require.NoError(t, err)
			assert.Equal(t, OutcomeAlreadyOut, outcome)

			got, err = s.FindByToken(ctx, alice.Token)
			require.NoError(t, err)
			assert.Equal(t, StatusOut, got.Status())
			assert.True(t, got.OutTime.Equal(t1))

			_, outcome, err = s.ApplyTransition(ctx, alice.Token, ActionIn, t2)
			require.NoError(t, err)
			assert.Equal(t, OutcomeMarkedIn, outcome)

			got, err = s.FindByToken(ctx, alice.Token)
			require.NoError(t, err)
			assert.Equal(t, StateCheckedIn, got.State())
			assert.True(t, got.InTime.Equal(t2))
			assert.Nil(t, got.OutTime)
		})
	}
}

func TestStoreRejectionIsIdempotent(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			s := b.new(t)
			ctx := context.Background()
			alice := enroll(t, s, "Alice", "R1")

			for i := 0; i < 5; i++ {
				_, outcome, err := s.ApplyTransition(ctx, alice.Token, ActionOut, t0)
				require.NoError(t, err)
				assert.Equal(t, OutcomeOutBeforeIn, outcome)
			}
			got, err := s.FindByToken(ctx, alice.Token)
			require.NoError(t, err)
			assert.Nil(t, got.InTime)
			assert.Nil(t, got.OutTime)
		})
	}
}

func TestStoreTransitionNotFound(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			s := b.new(t)
			_, _, err := s.ApplyTransition(context.Background(), "unknown-token", ActionIn, t0)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreConcurrentMarkIn(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			s := b.new(t)
			ctx := context.Background()
			alice := enroll(t, s, "Alice", "R1")

			const workers = 16
			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				outcomes = map[Outcome]int{}
			)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, outcome, err := s.ApplyTransition(ctx, alice.Token, ActionIn, t0)
					if !assert.NoError(t, err) {
						return
					}
					mu.Lock()
					outcomes[outcome]++
					mu.Unlock()
				}()
			}
			wg.Wait()

			assert.Equal(t, 1, outcomes[OutcomeMarkedIn])
			assert.Equal(t, workers-1, outcomes[OutcomeAlreadyIn])
		})
	}
}

func TestStoreListAndCardURL(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			s := b.new(t)
			ctx := context.Background()
			for i := 0; i < 5; i++ {
				enroll(t, s, fmt.Sprintf("Person %d", i), fmt.Sprintf("R%d", i))
			}

			page, err := s.List(ctx, 2, 0)
			require.NoError(t, err)
			assert.Len(t, page, 2)

			rest, err := s.List(ctx, 10, 2)
			require.NoError(t, err)
			assert.Len(t, rest, 3)

			first := page[0]
			require.NoError(t, s.SetCardURL(ctx, first.Token, "https://cdn.example/card.png"))
			got, err := s.FindByToken(ctx, first.Token)
			require.NoError(t, err)
			assert.Equal(t, "https://cdn.example/card.png", got.CardURL)

			assert.ErrorIs(t, s.SetCardURL(ctx, "unknown-token", "x"), ErrNotFound)
			assert.NoError(t, s.Ping(ctx))
		})
	}
}

func TestMemoryStoreUnknownTokensLeaveNoLocks(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	alice := enroll(t, m, "Alice", "R1")

	for i := 0; i < 1000; i++ {
		_, _, err := m.ApplyTransition(ctx, fmt.Sprintf("missing-%d", i), ActionIn, t0)
		require.ErrorIs(t, err, ErrNotFound)
	}
	_, outcome, err := m.ApplyTransition(ctx, alice.Token, ActionIn, t0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMarkedIn, outcome)

	locks := 0
	m.locks.Range(func(_, _ any) bool {
		locks++
		return true
	})
	assert.Equal(t, 1, locks)
}
