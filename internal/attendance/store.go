package attendance

import (
	"context"
	"time"
)

// Store is the record store adapter. Find methods return (nil, nil) on a miss.
type Store interface {
	Create(ctx context.Context, p *Person) error
	FindByToken(ctx context.Context, token string) (*Person, error)
	FindByRegisterNo(ctx context.Context, registerNo string) (*Person, error)
	List(ctx context.Context, limit, offset int) ([]Person, error)
	// ApplyTransition must be atomic with respect to the record it mutates.
	ApplyTransition(ctx context.Context, token string, action Action, at time.Time) (Person, Outcome, error)
	SetCardURL(ctx context.Context, token, url string) error
	Ping(ctx context.Context) error
}

var (
	_ Store = (*Repository)(nil)
	_ Store = (*MemoryStore)(nil)
)
