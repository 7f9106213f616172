package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"qrattend/internal/metrics"
	"qrattend/internal/token"
)

// IdentityCache caches the immutable identity behind a token.
type IdentityCache interface {
	Get(ctx context.Context, token string) (Identity, bool)
	Put(ctx context.Context, id Identity)
}

// Service coordinates enrollment, verification and check-in transitions.
type Service struct {
	store   Store
	cache   IdentityCache
	metrics *metrics.Recorder
	log     *slog.Logger
	now     func() time.Time
	timeout time.Duration
}

// Option configures a Service.
type Option func(*Service)

func WithCache(c IdentityCache) Option { return func(s *Service) { s.cache = c } }

func WithMetrics(m *metrics.Recorder) Option { return func(s *Service) { s.metrics = m } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

// WithClock replaces the wall clock used to stamp transitions.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithStoreTimeout bounds every store round trip.
func WithStoreTimeout(d time.Duration) Option { return func(s *Service) { s.timeout = d } }

// NewService creates a service backed by a store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store: store,
		log:   slog.Default(),
		now:   time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// stamp returns the current time at the precision the SQL stores keep.
func (s *Service) stamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// Enrollee is one roster row to enroll.
type Enrollee struct {
	Line       int    `json:"line,omitempty"`
	Name       string `json:"name" validate:"required,max=200"`
	RegisterNo string `json:"registerNo" validate:"required,max=64"`
}

// validate reports fields by their JSON names.
var validate = func() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	return v
}()

// Validate checks that both identity fields are present and within the
// lengths the stores accept.
func (e Enrollee) Validate() error {
	err := validate.Struct(e)
	var fields validator.ValidationErrors
	if err == nil || !errors.As(err, &fields) || len(fields) == 0 {
		return err
	}
	f := fields[0]
	switch f.Tag() {
	case "required":
		return fmt.Errorf("%s is required", f.Field())
	case "max":
		return fmt.Errorf("%s is longer than %s characters", f.Field(), f.Param())
	}
	return fmt.Errorf("%s failed %s", f.Field(), f.Tag())
}

// RowResult says what happened to one enrollment row.
type RowResult string

const (
	RowCreated   RowResult = "created"
	RowDuplicate RowResult = "duplicate"
	RowInvalid   RowResult = "invalid"
)

// EnrollRow is the per-row entry of an EnrollReport.
type EnrollRow struct {
	Line       int       `json:"line,omitempty"`
	Name       string    `json:"name"`
	RegisterNo string    `json:"registerNo"`
	Token      string    `json:"token,omitempty"`
	Result     RowResult `json:"result"`
	Reason     string    `json:"reason,omitempty"`
}

// EnrollReport summarizes a batch enrollment.
type EnrollReport struct {
	Created   int         `json:"created"`
	Duplicate int         `json:"duplicate"`
	Invalid   int         `json:"invalid"`
	Rows      []EnrollRow `json:"rows"`
	// Persons holds the records created by this batch.
	Persons []Person `json:"-"`
}

// Enroll creates one record per row. Invalid and duplicate rows are reported
// and skipped; a store failure stops the batch and is returned together with
// the report of the rows processed so far.
func (s *Service) Enroll(ctx context.Context, rows []Enrollee) (EnrollReport, error) {
	report := EnrollReport{Rows: make([]EnrollRow, 0, len(rows))}
	for _, row := range rows {
		res := EnrollRow{
			Line:       row.Line,
			Name:       strings.TrimSpace(row.Name),
			RegisterNo: strings.TrimSpace(row.RegisterNo),
		}

		var tok string
		err := Enrollee{Name: res.Name, RegisterNo: res.RegisterNo}.Validate()
		if err == nil {
			tok, err = token.Derive(res.Name, res.RegisterNo)
		}
		if err != nil {
			res.Result, res.Reason = RowInvalid, err.Error()
			report.Invalid++
			report.Rows = append(report.Rows, res)
			s.metrics.Enrollment(string(RowInvalid))
			continue
		}
		res.Token = tok

		p := Person{Name: res.Name, RegisterNo: res.RegisterNo, Token: tok}
		err = s.create(ctx, &p)
		switch {
		case err == nil:
			res.Result = RowCreated
			report.Created++
			report.Persons = append(report.Persons, p)
		case errors.Is(err, ErrDuplicateKey):
			res.Result, res.Reason = RowDuplicate, err.Error()
			report.Duplicate++
		default:
			s.metrics.Enrollment("error")
			return report, fmt.Errorf("enroll %s: %w", res.RegisterNo, err)
		}
		report.Rows = append(report.Rows, res)
		s.metrics.Enrollment(string(res.Result))
	}

	s.log.Info("enrollment finished",
		"created", report.Created, "duplicate", report.Duplicate, "invalid", report.Invalid)
	return report, nil
}

func (s *Service) create(ctx context.Context, p *Person) error {
	defer s.metrics.ObserveStore("create", time.Now())
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.store.Create(ctx, p)
}

func (s *Service) find(ctx context.Context, tok string) (*Person, error) {
	defer s.metrics.ObserveStore("find_by_token", time.Now())
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.store.FindByToken(ctx, tok)
}

// Verify resolves a decoded credential token to the identity it was issued to.
// It returns ErrNotFound for unknown tokens.
func (s *Service) Verify(ctx context.Context, tok string) (Identity, error) {
	if s.cache != nil {
		if id, ok := s.cache.Get(ctx, tok); ok {
			s.metrics.Verification("matched")
			return id, nil
		}
	}

	p, err := s.find(ctx, tok)
	if err != nil {
		s.metrics.Verification("error")
		return Identity{}, err
	}
	if p == nil {
		s.metrics.Verification("unmatched")
		return Identity{}, ErrNotFound
	}

	id := p.Identity()
	if s.cache != nil {
		s.cache.Put(ctx, id)
	}
	s.metrics.Verification("matched")
	return id, nil
}

// Status returns the current attendance view for tok, read from the store.
func (s *Service) Status(ctx context.Context, tok string) (AttendanceStatus, error) {
	p, err := s.find(ctx, tok)
	if err != nil {
		return AttendanceStatus{}, err
	}
	if p == nil {
		return AttendanceStatus{}, ErrNotFound
	}
	return p.AttendanceStatus(), nil
}

// Result is the outcome of an Apply call together with the record as it
// stands afterwards.
type Result struct {
	Outcome Outcome
	Person  Person
}

// Apply runs the check-in state machine for tok. Rejected transitions are
// reported in Result, not as errors; errors are ErrNotFound or store failures.
func (s *Service) Apply(ctx context.Context, tok, action string) (Result, error) {
	a := ParseAction(action)
	if !a.Valid() {
		s.metrics.Transition("invalid", OutcomeInvalidAction.String())
		return Result{Outcome: OutcomeInvalidAction}, nil
	}

	start := time.Now()
	sctx, cancel := s.storeCtx(ctx)
	p, outcome, err := s.store.ApplyTransition(sctx, tok, a, s.stamp())
	cancel()
	s.metrics.ObserveStore("apply_transition", start)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.log.Error("apply transition failed", "action", a, "err", err)
		}
		return Result{}, err
	}

	s.metrics.Transition(string(a), outcome.String())
	s.log.Debug("transition", "register_no", p.RegisterNo, "action", a, "outcome", outcome)
	return Result{Outcome: outcome, Person: p}, nil
}

// Person returns the full record for tok.
func (s *Service) Person(ctx context.Context, tok string) (Person, error) {
	p, err := s.find(ctx, tok)
	if err != nil {
		return Person{}, err
	}
	if p == nil {
		return Person{}, ErrNotFound
	}
	return *p, nil
}

// List pages through enrolled persons.
func (s *Service) List(ctx context.Context, limit, offset int) ([]Person, error) {
	defer s.metrics.ObserveStore("list", time.Now())
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.store.List(ctx, limit, offset)
}

// SetCardURL records the published location of a rendered card.
func (s *Service) SetCardURL(ctx context.Context, tok, url string) error {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.store.SetCardURL(ctx, tok, url)
}

// Healthy reports whether the record store answers.
func (s *Service) Healthy(ctx context.Context) bool {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.store.Ping(ctx) == nil
}
