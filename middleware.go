package acctapi

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/semaphore"
)

const (
	OpSearchUsers   = "search_users"
	OpCreateUser    = "create_user"
	OpListAccounts  = "list_accounts"
	OpCreateAccount = "create_account"
	OpBalance       = "balance"
	OpAdjustBalance = "adjust_balance"
	OpStatement     = "statement"

	maxIDLen = 64
	// bcrypt ignores input past this length
	maxPasswordLen = 72

	// PostgreSQL NUMERIC limits: digits before and after the decimal point
	maxNumericWeight = 131072
	maxNumericScale  = 16383
)

type Middleware func(Service) Service

// Chain wraps svc so that mws[0] is the outermost layer.
func Chain(svc Service, mws ...Middleware) Service {
	for i := len(mws) - 1; i >= 0; i-- {
		svc = mws[i](svc)
	}
	return svc
}

var (
	_ Service = (*validationMiddleware)(nil)
)

type validationMiddleware struct {
	next Service
}

func NewValidationMiddleware() Middleware {
	return func(svc Service) Service {
		return &validationMiddleware{
			next: svc,
		}
	}
}

func (v *validationMiddleware) Ping() string {
	return v.next.Ping()
}

func (v *validationMiddleware) SearchUsers(ctx context.Context, req SearchUsersReq) ([]User, error) {
	return v.next.SearchUsers(ctx, req)
}

func (v *validationMiddleware) CreateUser(ctx context.Context, req CreateUserReq) (*User, error) {
	fields := map[string]string{}
	checkID(fields, "id", req.ID)
	if strings.TrimSpace(req.Name) == "" {
		fields["name"] = "required"
	}
	if strings.TrimSpace(req.Email) == "" {
		fields["email"] = "required"
	}
	switch {
	case req.Password == "":
		fields["password"] = "required"
	case len(req.Password) > maxPasswordLen:
		fields["password"] = "must be at most 72 bytes"
	}
	if len(fields) > 0 {
		return nil, ErrBadRequest{Fields: fields}
	}
	return v.next.CreateUser(ctx, req)
}

func (v *validationMiddleware) ListAccounts(ctx context.Context) ([]Account, error) {
	return v.next.ListAccounts(ctx)
}

func (v *validationMiddleware) CreateAccount(ctx context.Context, req CreateAccountReq) (*Account, error) {
	fields := map[string]string{}
	checkID(fields, "id", req.ID)
	checkID(fields, "ownerId", req.OwnerID)
	if len(fields) > 0 {
		return nil, ErrBadRequest{Fields: fields}
	}
	return v.next.CreateAccount(ctx, req)
}

func (v *validationMiddleware) Balance(ctx context.Context, req BalanceReq) (*decimal.Decimal, error) {
	fields := map[string]string{}
	if checkID(fields, "id", req.AcctID); len(fields) > 0 {
		return nil, ErrBadRequest{Fields: fields}
	}
	return v.next.Balance(ctx, req)
}

func (v *validationMiddleware) AdjustBalance(ctx context.Context, req AdjustBalanceReq) (*Account, error) {
	fields := map[string]string{}
	checkID(fields, "id", req.AcctID)
	checkNumeric(fields, "value", req.Value)
	if len(fields) > 0 {
		return nil, ErrBadRequest{Fields: fields}
	}
	return v.next.AdjustBalance(ctx, req)
}

func (v *validationMiddleware) Statement(ctx context.Context, w io.Writer, req StatementReq) error {
	fields := map[string]string{}
	if checkID(fields, "id", req.AcctID); len(fields) > 0 {
		return ErrBadRequest{Fields: fields}
	}
	return v.next.Statement(ctx, w, req)
}

func checkID(fields map[string]string, name, id string) {
	switch {
	case strings.TrimSpace(id) == "":
		fields[name] = "required"
	case utf8.RuneCountInString(id) > maxIDLen:
		fields[name] = "must be at most 64 characters"
	}
}

// checkNumeric rejects values a NUMERIC column cannot hold. Zero is checked
// too: adding 0e999999 to a balance still rescales it to that exponent.
func checkNumeric(fields map[string]string, name string, d decimal.Decimal) {
	exp := int64(d.Exponent())
	// upper bound on decimal digits, log10(2) < 0.30103
	digits := int64(float64(d.Coefficient().BitLen())*0.30103) + 1
	switch {
	case -exp > maxNumericScale:
		fields[name] = "must have at most 16383 decimal places"
	case digits+exp > maxNumericWeight:
		fields[name] = "out of range"
	}
}

//
// Rate limiting middlewares
//

// limitMiddleware limits the number of in-flight requests per operation
// with weighted semaphores. A call that cannot get a token within the
// acquire timeout is shed with ErrUnavailable.
type limitMiddleware struct {
	next    Service
	limits  *ServiceLimits
	timeout time.Duration
}

var (
	_ Service = (*limitMiddleware)(nil)
)

type ServiceLimits struct {
	SearchUsers   *semaphore.Weighted
	CreateUser    *semaphore.Weighted
	ListAccounts  *semaphore.Weighted
	CreateAccount *semaphore.Weighted
	Balance       *semaphore.Weighted
	AdjustBalance *semaphore.Weighted
	Statement     *semaphore.Weighted
}

func NewServiceLimits(cfg LimitsConfig) *ServiceLimits {
	sem := func(op string) *semaphore.Weighted {
		if n, ok := cfg.PerOperation[op]; ok && n > 0 {
			return semaphore.NewWeighted(n)
		}
		return semaphore.NewWeighted(cfg.Default)
	}
	return &ServiceLimits{
		SearchUsers:   sem(OpSearchUsers),
		CreateUser:    sem(OpCreateUser),
		ListAccounts:  sem(OpListAccounts),
		CreateAccount: sem(OpCreateAccount),
		Balance:       sem(OpBalance),
		AdjustBalance: sem(OpAdjustBalance),
		Statement:     sem(OpStatement),
	}
}

func NewLimitMiddleware(limits *ServiceLimits, acquireTimeout time.Duration) Middleware {
	return func(next Service) Service {
		return &limitMiddleware{
			next:    next,
			limits:  limits,
			timeout: acquireTimeout,
		}
	}
}

func (l *limitMiddleware) acquire(ctx context.Context, sem *semaphore.Weighted) (func(), error) {
	actx := ctx
	if l.timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	if err := sem.Acquire(actx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrUnavailable
	}
	return func() { sem.Release(1) }, nil
}

func (l *limitMiddleware) Ping() string {
	return l.next.Ping()
}

func (l *limitMiddleware) SearchUsers(ctx context.Context, req SearchUsersReq) ([]User, error) {
	release, err := l.acquire(ctx, l.limits.SearchUsers)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.SearchUsers(ctx, req)
}

func (l *limitMiddleware) CreateUser(ctx context.Context, req CreateUserReq) (*User, error) {
	release, err := l.acquire(ctx, l.limits.CreateUser)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.CreateUser(ctx, req)
}

func (l *limitMiddleware) ListAccounts(ctx context.Context) ([]Account, error) {
	release, err := l.acquire(ctx, l.limits.ListAccounts)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.ListAccounts(ctx)
}

func (l *limitMiddleware) CreateAccount(ctx context.Context, req CreateAccountReq) (*Account, error) {
	release, err := l.acquire(ctx, l.limits.CreateAccount)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.CreateAccount(ctx, req)
}

func (l *limitMiddleware) Balance(ctx context.Context, req BalanceReq) (*decimal.Decimal, error) {
	release, err := l.acquire(ctx, l.limits.Balance)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.Balance(ctx, req)
}

func (l *limitMiddleware) AdjustBalance(ctx context.Context, req AdjustBalanceReq) (*Account, error) {
	release, err := l.acquire(ctx, l.limits.AdjustBalance)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.AdjustBalance(ctx, req)
}

func (l *limitMiddleware) Statement(ctx context.Context, w io.Writer, req StatementReq) error {
	release, err := l.acquire(ctx, l.limits.Statement)
	if err != nil {
		return err
	}
	defer release()
	return l.next.Statement(ctx, w, req)
}

type ServiceBreaker struct {
	SearchUsers   *gobreaker.TwoStepCircuitBreaker[[]User]
	CreateUser    *gobreaker.TwoStepCircuitBreaker[*User]
	ListAccounts  *gobreaker.TwoStepCircuitBreaker[[]Account]
	CreateAccount *gobreaker.TwoStepCircuitBreaker[*Account]
	Balance       *gobreaker.TwoStepCircuitBreaker[*decimal.Decimal]
	AdjustBalance *gobreaker.TwoStepCircuitBreaker[*Account]
	Statement     *gobreaker.TwoStepCircuitBreaker[struct{}]
}

func NewServiceBreaker(cfg BreakerConfig, log *zerolog.Logger) *ServiceBreaker {
	settings := func(op string) gobreaker.Settings {
		return gobreaker.Settings{
			Name:        op,
			MaxRequests: cfg.MaxRequests,
			Interval:    cfg.Interval,
			Timeout:     cfg.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().
					Str("breaker", name).
					Stringer("from", from).
					Stringer("to", to).
					Msg("circuit breaker state change")
			},
		}
	}
	return &ServiceBreaker{
		SearchUsers:   gobreaker.NewTwoStepCircuitBreaker[[]User](settings(OpSearchUsers)),
		CreateUser:    gobreaker.NewTwoStepCircuitBreaker[*User](settings(OpCreateUser)),
		ListAccounts:  gobreaker.NewTwoStepCircuitBreaker[[]Account](settings(OpListAccounts)),
		CreateAccount: gobreaker.NewTwoStepCircuitBreaker[*Account](settings(OpCreateAccount)),
		Balance:       gobreaker.NewTwoStepCircuitBreaker[*decimal.Decimal](settings(OpBalance)),
		AdjustBalance: gobreaker.NewTwoStepCircuitBreaker[*Account](settings(OpAdjustBalance)),
		Statement:     gobreaker.NewTwoStepCircuitBreaker[struct{}](settings(OpStatement)),
	}
}

// circuitBreakMiddleware is a middleware that implements the circuit breaker pattern.
// It works in conjunction with limitMiddleware: calls shed by the limiter or
// failing in the store count as failures, domain errors such as a missing
// account do not.
type circuitBreakMiddleware struct {
	next  Service
	brkrs *ServiceBreaker
}

var (
	_ Service = (*circuitBreakMiddleware)(nil)
)

func NewCircuitBreakMiddleware(brkrs *ServiceBreaker) Middleware {
	return func(next Service) Service {
		return &circuitBreakMiddleware{
			next:  next,
			brkrs: brkrs,
		}
	}
}

func guard[T any](cb *gobreaker.TwoStepCircuitBreaker[T], call func() (T, error)) (T, error) {
	done, err := cb.Allow()
	if err != nil {
		var zero T
		return zero, ErrUnavailable
	}
	res, err := call()
	done(err == nil || isDomainError(err) || errors.Is(err, context.Canceled))
	return res, err
}

func (c *circuitBreakMiddleware) Ping() string {
	return c.next.Ping()
}

func (c *circuitBreakMiddleware) SearchUsers(ctx context.Context, req SearchUsersReq) ([]User, error) {
	return guard(c.brkrs.SearchUsers, func() ([]User, error) {
		return c.next.SearchUsers(ctx, req)
	})
}

func (c *circuitBreakMiddleware) CreateUser(ctx context.Context, req CreateUserReq) (*User, error) {
	return guard(c.brkrs.CreateUser, func() (*User, error) {
		return c.next.CreateUser(ctx, req)
	})
}

func (c *circuitBreakMiddleware) ListAccounts(ctx context.Context) ([]Account, error) {
	return guard(c.brkrs.ListAccounts, func() ([]Account, error) {
		return c.next.ListAccounts(ctx)
	})
}

func (c *circuitBreakMiddleware) CreateAccount(ctx context.Context, req CreateAccountReq) (*Account, error) {
	return guard(c.brkrs.CreateAccount, func() (*Account, error) {
		return c.next.CreateAccount(ctx, req)
	})
}

func (c *circuitBreakMiddleware) Balance(ctx context.Context, req BalanceReq) (*decimal.Decimal, error) {
	return guard(c.brkrs.Balance, func() (*decimal.Decimal, error) {
		return c.next.Balance(ctx, req)
	})
}

func (c *circuitBreakMiddleware) AdjustBalance(ctx context.Context, req AdjustBalanceReq) (*Account, error) {
	return guard(c.brkrs.AdjustBalance, func() (*Account, error) {
		return c.next.AdjustBalance(ctx, req)
	})
}

func (c *circuitBreakMiddleware) Statement(ctx context.Context, w io.Writer, req StatementReq) error {
	_, err := guard(c.brkrs.Statement, func() (struct{}, error) {
		return struct{}{}, c.next.Statement(ctx, w, req)
	})
	return err
}

// loggingMiddleware writes one line per service call. Domain errors are
// logged at info, anything else at error.
type loggingMiddleware struct {
	next Service
	log  *zerolog.Logger
}

var (
	_ Service = (*loggingMiddleware)(nil)
)

func NewLoggingMiddleware(log *zerolog.Logger) Middleware {
	return func(next Service) Service {
		return &loggingMiddleware{
			next: next,
			log:  log,
		}
	}
}

func (l *loggingMiddleware) observe(ctx context.Context, method string, begin time.Time, err error) {
	var ev *zerolog.Event
	switch {
	case err == nil:
		ev = l.log.Debug()
	case isDomainError(err):
		ev = l.log.Info().Str("reason", err.Error())
	default:
		ev = l.log.Error().Err(err)
	}
	ev.Str("method", method).
		Str("request_id", RequestIDFromContext(ctx)).
		Dur("took", time.Since(begin)).
		Msg("service call")
}

func (l *loggingMiddleware) Ping() string {
	return l.next.Ping()
}

func (l *loggingMiddleware) SearchUsers(ctx context.Context, req SearchUsersReq) (users []User, err error) {
	defer func(begin time.Time) { l.observe(ctx, OpSearchUsers, begin, err) }(time.Now())
	return l.next.SearchUsers(ctx, req)
}

func (l *loggingMiddleware) CreateUser(ctx context.Context, req CreateUserReq) (user *User, err error) {
	defer func(begin time.Time) { l.observe(ctx, OpCreateUser, begin, err) }(time.Now())
	return l.next.CreateUser(ctx, req)
}

func (l *loggingMiddleware) ListAccounts(ctx context.Context) (accts []Account, err error) {
	defer func(begin time.Time) { l.observe(ctx, OpListAccounts, begin, err) }(time.Now())
	return l.next.ListAccounts(ctx)
}

func (l *loggingMiddleware) CreateAccount(ctx context.Context, req CreateAccountReq) (acct *Account, err error) {
	defer func(begin time.Time) { l.observe(ctx, OpCreateAccount, begin, err) }(time.Now())
	return l.next.CreateAccount(ctx, req)
}

func (l *loggingMiddleware) Balance(ctx context.Context, req BalanceReq) (bal *decimal.Decimal, err error) {
	defer func(begin time.Time) { l.observe(ctx, OpBalance, begin, err) }(time.Now())
	return l.next.Balance(ctx, req)
}

func (l *loggingMiddleware) AdjustBalance(ctx context.Context, req AdjustBalanceReq) (acct *Account, err error) {
	defer func(begin time.Time) { l.observe(ctx, OpAdjustBalance, begin, err) }(time.Now())
	return l.next.AdjustBalance(ctx, req)
}

func (l *loggingMiddleware) Statement(ctx context.Context, w io.Writer, req StatementReq) (err error) {
	defer func(begin time.Time) { l.observe(ctx, OpStatement, begin, err) }(time.Now())
	return l.next.Statement(ctx, w, req)
}
