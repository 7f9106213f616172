package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"qrattend/internal/store"
)

// maxTransitionAttempts bounds the read/conditional-write loop in ApplyTransition.
const maxTransitionAttempts = 5

// Repository persists persons in Postgres or SQLite. Placeholders are
// numbered in order of appearance so the same SQL runs on both.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const personColumns = `id, name, register_no, token, in_time, out_time, card_url, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPerson(row rowScanner) (Person, error) {
	var (
		p       Person
		in, out sql.NullTime
	)
	if err := row.Scan(&p.ID, &p.Name, &p.RegisterNo, &p.Token, &in, &out, &p.CardURL, &p.CreatedAt); err != nil {
		return Person{}, err
	}
	if in.Valid {
		t := in.Time
		p.InTime = &t
	}
	if out.Valid {
		t := out.Time
		p.OutTime = &t
	}
	return p, nil
}

// Create inserts a new person with empty attendance state.
func (r *Repository) Create(ctx context.Context, p *Person) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.InTime, p.OutTime = nil, nil

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO persons (id, name, register_no, token, card_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, p.ID, p.Name, p.RegisterNo, p.Token, p.CardURL, p.CreatedAt)
	if err != nil {
		if column, ok := store.UniqueViolation(err); ok {
			return &DuplicateKeyError{Field: fieldName(column)}
		}
		return unavailable("create", err)
	}
	return nil
}

// FindByToken returns the person holding token, or nil if there is none.
func (r *Repository) FindByToken(ctx context.Context, token string) (*Person, error) {
	return r.findOne(ctx, "find by token", `SELECT `+personColumns+` FROM persons WHERE token = $1`, token)
}

// FindByRegisterNo returns the person with registerNo, or nil if there is none.
func (r *Repository) FindByRegisterNo(ctx context.Context, registerNo string) (*Person, error) {
	return r.findOne(ctx, "find by register number", `SELECT `+personColumns+` FROM persons WHERE register_no = $1`, registerNo)
}

func (r *Repository) findOne(ctx context.Context, op, query string, arg string) (*Person, error) {
	p, err := scanPerson(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, unavailable(op, err)
	}
	return &p, nil
}

// List returns persons in enrollment order.
func (r *Repository) List(ctx context.Context, limit, offset int) ([]Person, error) {
	limit, offset = clampPage(limit, offset)
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+personColumns+`
		FROM persons
		ORDER BY created_at, register_no
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, unavailable("list", err)
	}
	defer rows.Close()

	var res []Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, unavailable("list", err)
		}
		res = append(res, p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list", err)
	}
	return res, nil
}

// ApplyTransition applies action to the record holding token.
//
// The write is conditional on the state that was read, so two concurrent
// requests on the same token cannot both pass the guard: the loser updates
// zero rows, re-reads and is decided against the winner's state.
func (r *Repository) ApplyTransition(ctx context.Context, token string, action Action, at time.Time) (Person, Outcome, error) {
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		cur, err := r.FindByToken(ctx, token)
		if err != nil {
			return Person{}, 0, err
		}
		if cur == nil {
			return Person{}, 0, ErrNotFound
		}

		next, outcome := Decide(*cur, action, at)
		if !outcome.OK() {
			return *cur, outcome, nil
		}

		res, err := r.db.ExecContext(ctx, `
			UPDATE persons SET in_time = $1, out_time = $2
			WHERE token = $3 AND `+statePredicate(cur.State()),
			nullTime(next.InTime), nullTime(next.OutTime), token)
		if err != nil {
			return Person{}, 0, unavailable("apply transition", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return Person{}, 0, unavailable("apply transition", err)
		}
		if n == 1 {
			return next, outcome, nil
		}
	}
	return Person{}, 0, fmt.Errorf("%w: token %s", ErrConflict, token)
}

func statePredicate(s State) string {
	switch s {
	case StateCheckedIn:
		return `in_time IS NOT NULL AND out_time IS NULL`
	case StateCheckedOut:
		return `in_time IS NOT NULL AND out_time IS NOT NULL`
	default:
		return `in_time IS NULL`
	}
}

// SetCardURL records where the rendered credential card was published.
func (r *Repository) SetCardURL(ctx context.Context, token, url string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE persons SET card_url = $1 WHERE token = $2`, url, token)
	if err != nil {
		return unavailable("set card url", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping checks that the database answers.
func (r *Repository) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// nullTime maps an unset timestamp to SQL NULL.
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func fieldName(column string) string {
	if column == "register_no" {
		return "registerNo"
	}
	return column
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
